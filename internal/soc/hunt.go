package soc

import (
	"context"
	"fmt"
	"math"
	"time"
)

const (
	autoRemediateAbove = 0.9
	autoRemediateProb  = 0.8
	maxSeverity        = 0.999
)

// Observation is one canned signal the hunt can report.
type Observation struct {
	Source      string  `json:"source"`
	Description string  `json:"desc"`
	Base        float64 `json:"base"`
}

var observations = []Observation{
	{"endpoint-1", "suspicious process spawn", 0.8},
	{"db-2", "credential brute force", 0.95},
	{"api-gateway", "data exfil pattern", 0.9},
	{"web-3", "low-entropy config change", 0.5},
	{"k8s-node-7", "suspicious kube exec", 0.92},
}

// CycleResult is the outcome of one hunt cycle.
type CycleResult struct {
	Log            Observation `json:"log"`
	Severity       float64     `json:"severity"`
	IncidentID     string      `json:"incident_id"`
	AutoRemediated bool        `json:"auto_remediated"`
}

// RunCycle picks an observation, jitters its severity, records the
// incident and links it into the graph. High-severity incidents are
// auto-remediated with a fixed probability.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	e.rngMu.Lock()
	obs := observations[e.rng.IntN(len(observations))]
	jitter := 0.9 + e.rng.Float64()*0.2
	remediate := e.rng.Float64() < autoRemediateProb
	e.rngMu.Unlock()

	severity := math.Round(math.Min(maxSeverity, obs.Base*jitter)*1000) / 1000

	inc, err := e.create(ctx, OriginHunt, obs.Source, severity, obs.Description)
	if err != nil {
		return CycleResult{}, fmt.Errorf("hunt cycle: %w", err)
	}

	res := CycleResult{Log: obs, Severity: severity, IncidentID: inc.ID}
	if severity > autoRemediateAbove && remediate {
		if _, err := e.ledger.MarkRemediated(ctx, inc.ID, "auto remediation (simulated)"); err != nil {
			e.logger.Error(ctx, err, "auto remediation failed", "incident_id", inc.ID)
		} else {
			res.AutoRemediated = true
		}
	}
	return res, nil
}

func (e *Engine) huntLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.HuntInterval)
	defer ticker.Stop()

	for {
		e.huntOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) huntOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, fmt.Errorf("panic: %v", r), "hunt cycle failed")
		}
	}()
	res, err := e.RunCycle(ctx)
	if err != nil {
		e.logger.Error(ctx, err, "hunt cycle failed")
		return
	}
	if e.hooks.OnHuntCycle != nil {
		e.hooks.OnHuntCycle()
	}
	e.logger.Info(ctx, "hunt cycle",
		"incident_id", res.IncidentID,
		"source", res.Log.Source,
		"severity", res.Severity,
		"auto_remediated", res.AutoRemediated,
	)
}
