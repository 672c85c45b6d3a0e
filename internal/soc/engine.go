// Package soc is the orchestrator. It owns the incident ledger and the
// topology graph, drives the synthetic hunt loop next to the vulnerability
// scanner, and exposes the operations the HTTP surface calls.
package soc

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinel/internal/analyst"
	"github.com/linnemanlabs/sentinel/internal/graph"
	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/retrieval"
	"github.com/linnemanlabs/sentinel/internal/scanner"
)

// DefaultHuntInterval is the hunt period when none is configured.
const DefaultHuntInterval = 8 * time.Second

// Incident origins used for metrics and logs.
const (
	OriginHunt    = "hunt"
	OriginManual  = "manual"
	OriginScanner = "scanner"
)

// ErrRunning is returned by Start when the engine is already running.
var ErrRunning = errors.New("engine already running")

// Scanner is the subset of the vulnerability scanner the engine drives.
type Scanner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ScanAndReport(ctx context.Context) []scanner.Finding
}

// Retriever answers free-text similarity queries.
type Retriever interface {
	Retrieve(ctx context.Context, text string, k int) []retrieval.Hit
}

// Deps are the collaborators of an Engine. Ledger, Graph and Pipeline are
// required; a nil Rules tier defaults to the built-in rule table.
type Deps struct {
	Ledger    *incident.Ledger
	Graph     *graph.Graph
	Scanner   Scanner
	Rules     analyst.Analyzer[*analyst.Assessment]
	Pipeline  analyst.Analyzer[*analyst.Result]
	Retriever Retriever
}

// Config holds engine settings.
type Config struct {
	HuntInterval time.Duration
	HuntEnabled  bool
}

// Hooks receives engine observations. Nil fields are skipped.
type Hooks struct {
	OnIncident  func(origin string)
	OnHuntCycle func()
}

// Engine is the orchestrator.
type Engine struct {
	ledger    *incident.Ledger
	graph     *graph.Graph
	scanner   Scanner
	rules     analyst.Analyzer[*analyst.Assessment]
	pipeline  analyst.Analyzer[*analyst.Result]
	retriever Retriever

	cfg    Config
	logger log.Logger
	hooks  Hooks

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Engine.
func New(deps Deps, cfg Config, logger log.Logger, hooks Hooks) *Engine {
	if deps.Ledger == nil {
		panic(xerrors.New("incident ledger is required"))
	}
	if deps.Graph == nil {
		panic(xerrors.New("topology graph is required"))
	}
	if deps.Pipeline == nil {
		panic(xerrors.New("analyst pipeline is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.HuntInterval <= 0 {
		cfg.HuntInterval = DefaultHuntInterval
	}
	rules := deps.Rules
	if rules == nil {
		rules = analyst.NewRuleTier(deps.Ledger, analyst.DefaultRules())
	}
	return &Engine{
		ledger:    deps.Ledger,
		graph:     deps.Graph,
		scanner:   deps.Scanner,
		rules:     rules,
		pipeline:  deps.Pipeline,
		retriever: deps.Retriever,
		cfg:       cfg,
		logger:    logger,
		hooks:     hooks,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Start spawns the hunt loop (when enabled) and starts the scanner.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrRunning
	}

	if e.scanner != nil {
		if err := e.scanner.Start(ctx); err != nil && !errors.Is(err, scanner.ErrRunning) {
			return fmt.Errorf("start scanner: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	if e.cfg.HuntEnabled {
		go e.huntLoop(loopCtx, e.done)
	} else {
		close(e.done)
	}

	e.logger.Info(ctx, "engine started",
		"hunt_enabled", e.cfg.HuntEnabled,
		"hunt_interval", e.cfg.HuntInterval.String(),
		"scanner", e.scanner != nil,
	)
	return nil
}

// Shutdown stops the hunt loop and the scanner, waiting for both within
// ctx. Shutting down a stopped engine only stops the scanner.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("hunt loop stop: %w", ctx.Err()))
		}
	}
	if e.scanner != nil {
		if err := e.scanner.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.logger.Info(ctx, "engine stopped")
	return nil
}

// Running reports whether Start has been called without a matching Shutdown.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// CreateIncident records an incident and links it into the graph.
func (e *Engine) CreateIncident(ctx context.Context, source string, severity float64, description string) (incident.Incident, error) {
	return e.create(ctx, OriginManual, source, severity, description)
}

// ManualIncident is CreateIncident under the name the API exposes.
func (e *Engine) ManualIncident(ctx context.Context, source string, severity float64, description string) (incident.Incident, error) {
	return e.CreateIncident(ctx, source, severity, description)
}

func (e *Engine) create(ctx context.Context, origin, source string, severity float64, description string) (incident.Incident, error) {
	inc, err := e.ledger.Create(ctx, source, severity, description)
	if err != nil {
		return incident.Incident{}, err
	}
	if e.hooks.OnIncident != nil {
		e.hooks.OnIncident(origin)
	}
	if err := e.graph.ApplyEvent(inc); err != nil {
		e.logger.Warn(ctx, "graph update failed", "incident_id", inc.ID, "error", err.Error())
	}
	return inc, nil
}

// RemediateByID marks an incident as remediated by an operator.
func (e *Engine) RemediateByID(ctx context.Context, id string) (incident.Incident, error) {
	return e.ledger.MarkRemediated(ctx, id, "manual remediation (simulated)")
}

// Incidents returns every incident in creation order.
func (e *Engine) Incidents() []incident.Incident {
	return e.ledger.All()
}

// Incident returns one incident by id.
func (e *Engine) Incident(id string) (incident.Incident, error) {
	return e.ledger.Get(id)
}

// GraphSummary returns node and edge counts of the topology graph.
func (e *Engine) GraphSummary() graph.Summary {
	return e.graph.Summary()
}

// AnalyzeIncident runs the rule-based tier and annotates the incident.
func (e *Engine) AnalyzeIncident(ctx context.Context, id string) (*analyst.Assessment, error) {
	a, err := e.rules.Analyze(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Annotate(ctx, id, "Analysis completed"); err != nil {
		return nil, err
	}
	return a, nil
}

// Tier3Analyze runs the external-call tier with template fallback.
func (e *Engine) Tier3Analyze(ctx context.Context, id string) (*analyst.Result, error) {
	return e.pipeline.Analyze(ctx, id)
}

// ScanNow runs one scan cycle synchronously and returns the reported
// findings. Without a scanner it returns an empty list.
func (e *Engine) ScanNow(ctx context.Context) []scanner.Finding {
	if e.scanner == nil {
		return []scanner.Finding{}
	}
	out := e.scanner.ScanAndReport(ctx)
	if out == nil {
		out = []scanner.Finding{}
	}
	return out
}

// taggedLedger counts incidents created through it under one origin.
type taggedLedger struct {
	ledger *incident.Ledger
	origin string
	hooks  Hooks
}

// Tagged wraps ledger for producers outside the engine, such as the
// scanner, so their incidents are counted under origin.
func Tagged(ledger *incident.Ledger, origin string, hooks Hooks) scanner.Ledger {
	return &taggedLedger{ledger: ledger, origin: origin, hooks: hooks}
}

func (t *taggedLedger) Create(ctx context.Context, source string, severity float64, description string) (incident.Incident, error) {
	inc, err := t.ledger.Create(ctx, source, severity, description)
	if err == nil && t.hooks.OnIncident != nil {
		t.hooks.OnIncident(t.origin)
	}
	return inc, err
}
