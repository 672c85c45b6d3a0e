package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/analyst")

const (
	DefaultMaxTokens = 800
	DefaultTimeout   = 60 * time.Second
)

// Hooks receives observations from the pipeline. Nil fields are skipped.
type Hooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64, err error)
	OnComplete func(tier string, mode Mode, duration float64)
}

// PipelineConfig holds the external-call settings.
type PipelineConfig struct {
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Pipeline is the external-call tier. With a nil provider every analysis
// uses the deterministic template.
type Pipeline struct {
	incidents Incidents
	composer  *Composer
	provider  Provider
	cfg       PipelineConfig
	logger    log.Logger
	hooks     Hooks
	now       func() time.Time
}

var _ Analyzer[*Result] = (*Pipeline)(nil)

// NewPipeline creates the external-call tier.
func NewPipeline(incidents Incidents, composer *Composer, provider Provider, cfg PipelineConfig, logger log.Logger, hooks Hooks) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Pipeline{
		incidents: incidents,
		composer:  composer,
		provider:  provider,
		cfg:       cfg,
		logger:    logger,
		hooks:     hooks,
		now:       time.Now,
	}
}

// Configured reports whether an external provider is attached.
func (p *Pipeline) Configured() bool {
	return p.provider != nil
}

// Analyze runs the tier for incidentID. The only error is
// ErrIncidentNotFound; provider failures are reported in Result.Error.
func (p *Pipeline) Analyze(ctx context.Context, incidentID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "analyst.Analyze", trace.WithAttributes(
		attribute.String("sentinel.incident.id", incidentID),
	))
	defer span.End()

	inc, err := p.incidents.Get(incidentID)
	if err != nil {
		span.SetStatus(codes.Error, "incident not found")
		return nil, err
	}

	start := p.now()
	L := p.logger.With("incident_id", inc.ID)

	snippets := p.composer.Gather(ctx, inc)
	span.SetAttributes(attribute.Int("sentinel.analysis.context", len(snippets)))

	res := &Result{
		ID:         ulid.Make().String(),
		IncidentID: inc.ID,
		Context:    snippets,
		CreatedAt:  start,
	}

	if p.provider == nil {
		res.Mode = ModeTemplate
		res.Analysis = Template(inc, snippets)
	} else {
		p.callProvider(ctx, L, inc, snippets, res)
	}

	res.Duration = time.Since(start).Seconds()
	span.SetAttributes(attribute.String("sentinel.analysis.mode", string(res.Mode)))
	if res.Error != "" {
		span.SetAttributes(attribute.String("sentinel.analysis.error", res.Error))
	}
	if p.hooks.OnComplete != nil {
		p.hooks.OnComplete("external", res.Mode, res.Duration)
	}

	L.Info(ctx, "analysis complete",
		"mode", res.Mode,
		"context_snippets", len(snippets),
		"duration", res.Duration,
	)
	return res, nil
}

var errEmptyResponse = errors.New("llm provider returned no response")

func (p *Pipeline) callProvider(ctx context.Context, L log.Logger, inc incident.Incident, snippets []string, res *Result) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	callStart := time.Now()
	resp, err := p.provider.Send(callCtx, &LLMRequest{
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: 0,
		System:      SystemPrompt,
		Messages: []Message{{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: ComposePrompt(inc, snippets)}},
		}},
	})
	dur := time.Since(callStart).Seconds()
	if err == nil && resp == nil {
		err = errEmptyResponse
	}

	var in, out int
	if resp != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	if p.hooks.OnLLMCall != nil {
		p.hooks.OnLLMCall(in, out, dur, err)
	}

	if err != nil {
		L.Error(ctx, err, "llm call failed, using template")
		res.Mode = ModeRetrievalAugmentedFallback
		res.Error = err.Error()
		res.Analysis = Template(inc, snippets)
		return
	}

	res.Mode = ModeRetrievalAugmented
	res.Analysis = ParseNarrative(resp.Text())
	res.Model = resp.Model
	if res.Model == "" {
		res.Model = p.cfg.Model
	}
	res.TokensIn, res.TokensOut = in, out
}

// ParseNarrative decodes a JSON object from text, tolerating surrounding
// prose or code fences. Text that holds no parseable object is returned
// verbatim in Narrative.Text.
func ParseNarrative(text string) Narrative {
	candidate := strings.TrimSpace(text)
	if i, j := strings.IndexByte(candidate, '{'), strings.LastIndexByte(candidate, '}'); i >= 0 && j > i {
		candidate = candidate[i : j+1]
	}

	var n Narrative
	if err := json.Unmarshal([]byte(candidate), &n); err != nil || n.empty() {
		return Narrative{Text: text}
	}
	return n
}

func (n Narrative) empty() bool {
	return n.ExecutiveSummary == "" && n.RootCause == "" && n.BoardSummary == "" &&
		len(n.RemediationPlaybook) == 0 && len(n.DetectionRules) == 0 && n.Text == ""
}

// Template derives a fixed-shape narrative from the incident fields and the
// retrieved snippets. It is deterministic for a given input.
func Template(inc incident.Incident, snippets []string) Narrative {
	sev := formatSeverity(inc.Severity)
	root := "Root cause unknown; requires investigation. Suspected vectors: network intrusion, compromised credentials, or misconfiguration."
	if len(snippets) > 0 {
		root += fmt.Sprintf(" Closest related evidence (%d retrieved): %s", len(snippets), snippets[0])
	}
	return Narrative{
		ExecutiveSummary: fmt.Sprintf("Potential security event on %s. Severity %s. Key observation: %s",
			inc.Source, sev, inc.Description),
		RootCause: root,
		RemediationPlaybook: Steps{
			"Isolate affected host",
			"Collect forensic logs (sysmon/auditd, network captures)",
			"Rotate credentials and secrets associated with the source",
			"Apply vendor patches if applicable",
		},
		DetectionRules: Steps{
			"Create alert for repeated failed auth attempts from same source",
			"Monitor large outbound transfers from the host",
			"Enforce MFA and session revocation for suspicious users",
		},
		BoardSummary: fmt.Sprintf("%s: %s - Severity %s", inc.Source, inc.Description, sev),
	}
}
