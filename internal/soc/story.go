package soc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/graph"
	"github.com/linnemanlabs/sentinel/internal/retrieval"
)

const (
	storyboardDepth    = 2
	defaultAttackPaths = 5
)

// TimelineEntry is one incident on a storyboard timeline.
type TimelineEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    float64   `json:"severity"`
	Description string    `json:"description"`
}

// Storyboard is the timeline of every incident sharing a source with the
// target incident.
type Storyboard struct {
	IncidentID string          `json:"incident_id"`
	Source     string          `json:"source"`
	Timeline   []TimelineEntry `json:"timeline"`
	Narrative  string          `json:"narrative"`
}

// Storyboard builds the timeline for incident id, oldest first.
func (e *Engine) Storyboard(id string) (Storyboard, error) {
	target, err := e.ledger.Get(id)
	if err != nil {
		return Storyboard{}, err
	}

	related := e.ledger.AllSince(target.Source)
	sb := Storyboard{
		IncidentID: target.ID,
		Source:     target.Source,
		Timeline:   make([]TimelineEntry, 0, len(related)),
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Incident Storyboard for %s (source: %s)\n", target.ID, target.Source)
	fmt.Fprintf(&b, "Total related events: %d", len(related))
	for _, r := range related {
		sb.Timeline = append(sb.Timeline, TimelineEntry{
			ID:          r.ID,
			Timestamp:   r.Timestamp,
			Severity:    r.Severity,
			Description: r.Description,
		})
		fmt.Fprintf(&b, "\n- [%s] %s | sev=%s | %s",
			r.Timestamp.Format(time.ANSIC), r.ID, retrieval.FormatSeverity(r.Severity), r.Description)
	}
	sb.Narrative = b.String()
	return sb, nil
}

// StoryGraph is the topology neighbourhood around an incident's source.
type StoryGraph struct {
	Nodes []graph.Node `json:"nodes"`
	Edges []graph.Edge `json:"edges"`
}

// StoryboardGraph returns the nodes within two hops of the incident's
// source and the edges among them. A source missing from the graph yields
// an empty neighbourhood.
func (e *Engine) StoryboardGraph(ctx context.Context, id string) (StoryGraph, error) {
	target, err := e.ledger.Get(id)
	if err != nil {
		return StoryGraph{}, err
	}
	nodes, edges, err := e.graph.Subgraph(target.Source, storyboardDepth)
	if err != nil {
		e.logger.Warn(ctx, "storyboard graph unavailable", "incident_id", id, "source", target.Source, "error", err.Error())
		return StoryGraph{Nodes: []graph.Node{}, Edges: []graph.Edge{}}, nil
	}
	if edges == nil {
		edges = []graph.Edge{}
	}
	return StoryGraph{Nodes: nodes, Edges: edges}, nil
}

// AttackPathRequest asks for paths from any entry node to any target.
type AttackPathRequest struct {
	EntryNodes []string `json:"entry_nodes"`
	Targets    []string `json:"targets"`
	Query      string   `json:"query"`
	K          int      `json:"k,omitempty"`
}

// AttackPath is one shortest path between an entry node and a target.
type AttackPath struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Hops []string `json:"path"`
}

// Len returns the number of edges on the path.
func (p AttackPath) Len() int { return len(p.Hops) - 1 }

// Hint is a retrieval match supporting a simulated attack.
type Hint struct {
	Score float64        `json:"score"`
	Kind  retrieval.Kind `json:"kind"`
	ID    string         `json:"id"`
	Label string         `json:"label,omitempty"`
}

// AttackPathResult holds the shortest paths and retrieval hints.
type AttackPathResult struct {
	Paths []AttackPath `json:"paths"`
	Hints []Hint       `json:"vector_hints"`
}

// SimulateAttackPath computes one shortest path per reachable
// (entry, target) pair, shortest first, keeping at most K. A non-empty
// query adds the top-K retrieval hits.
func (e *Engine) SimulateAttackPath(ctx context.Context, req AttackPathRequest) AttackPathResult {
	k := req.K
	if k <= 0 {
		k = defaultAttackPaths
	}

	out := AttackPathResult{Paths: []AttackPath{}, Hints: []Hint{}}
	for _, src := range req.EntryNodes {
		for _, dst := range req.Targets {
			hops, ok := e.graph.ShortestPath(src, dst)
			if !ok {
				continue
			}
			out.Paths = append(out.Paths, AttackPath{From: src, To: dst, Hops: hops})
		}
	}
	sort.SliceStable(out.Paths, func(i, j int) bool {
		return out.Paths[i].Len() < out.Paths[j].Len()
	})
	if len(out.Paths) > k {
		out.Paths = out.Paths[:k]
	}

	if req.Query != "" && e.retriever != nil {
		for _, h := range e.retriever.Retrieve(ctx, req.Query, k) {
			out.Hints = append(out.Hints, Hint{
				Score: h.Score,
				Kind:  h.Origin.Kind,
				ID:    h.Origin.ID,
				Label: h.Origin.Label,
			})
		}
	}
	return out
}
