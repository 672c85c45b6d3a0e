package analyst

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/linnemanlabs/sentinel/internal/feed"
	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/retrieval"
)

// DefaultTopK is the number of context snippets retrieved per analysis.
const DefaultTopK = 6

// Retriever answers similarity queries over the current corpus.
type Retriever interface {
	Retrieve(ctx context.Context, text string, k int) []retrieval.Hit
}

// Feeds returns the current vulnerability feed snapshot.
type Feeds interface {
	Feed() *feed.Feed
}

// Composer is the retrieval-augmented tier: it gathers cross-source
// context for an incident and composes the analysis prompt.
type Composer struct {
	incidents Incidents
	retriever Retriever
	feed      Feeds
	topK      int
}

// NewComposer creates a Composer. feed may be nil.
func NewComposer(incidents Incidents, retriever Retriever, feed Feeds, topK int) *Composer {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Composer{incidents: incidents, retriever: retriever, feed: feed, topK: topK}
}

// Probe is the query text used to retrieve context for inc.
func Probe(inc incident.Incident) string {
	return fmt.Sprintf("%s %s severity %s", inc.Description, inc.Source, formatSeverity(inc.Severity))
}

// Gather retrieves the top-k hits for inc and renders each as a context
// line. Hits whose origin no longer resolves are dropped.
func (c *Composer) Gather(ctx context.Context, inc incident.Incident) []string {
	if c.retriever == nil {
		return nil
	}
	hits := c.retriever.Retrieve(ctx, Probe(inc), c.topK)

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if line, ok := c.contextLine(h.Origin); ok {
			out = append(out, line)
		}
	}
	return out
}

func (c *Composer) contextLine(o retrieval.Origin) (string, bool) {
	switch o.Kind {
	case retrieval.KindIncident:
		inc, err := c.incidents.Get(o.ID)
		if err != nil {
			return "", false
		}
		return fmt.Sprintf("INCIDENT %s: %s (severity %s)", inc.ID, inc.Description, formatSeverity(inc.Severity)), true
	case retrieval.KindNode:
		return fmt.Sprintf("NODE %s: %s", o.ID, o.Label), true
	case retrieval.KindCVE:
		if c.feed == nil {
			return "", false
		}
		r, ok := c.feed.Feed().Lookup(o.ID)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("CVE %s: %s (cvss %s)", r.CVEID, r.Description, strconv.FormatFloat(r.CVSS, 'f', -1, 64)), true
	default:
		return "", false
	}
}

// SystemPrompt is the system role sent with every composed prompt.
const SystemPrompt = "You are an expert SOC analyst."

// ComposePrompt builds the analysis request for inc with the retrieved
// context snippets.
func ComposePrompt(inc incident.Incident, snippets []string) string {
	ctxText := "No additional context."
	if len(snippets) > 0 {
		ctxText = strings.Join(snippets, "\n\n")
	}

	return fmt.Sprintf(`You are a senior SOC analyst. Given the following incident, produce:
1) a short Executive Summary (2-3 sentences);
2) a technical Root Cause Hypothesis;
3) Step-by-step Remediation Playbook (clear commands/actions, prioritized);
4) Suggested Detection rules to prevent recurrence;
5) A short 3-line Board-ready summary.

INCIDENT:
ID: %s
Source: %s
Severity: %s
Description: %s

CONTEXT:
%s

Answer in JSON with keys: executive_summary, root_cause, remediation_playbook, detection_rules, board_summary.
`,
		inc.ID,
		inc.Source,
		formatSeverity(inc.Severity),
		inc.Description,
		ctxText,
	)
}

func formatSeverity(s float64) string {
	return retrieval.FormatSeverity(s)
}
