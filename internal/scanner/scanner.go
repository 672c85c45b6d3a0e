// Package scanner periodically correlates the vulnerability feed against
// node inventories and reports every match as an incident.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/feed"
	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/inventory"
)

// DefaultInterval is the scan period when none is configured.
const DefaultInterval = 30 * time.Second

// ErrRunning is returned by Start when the scanner is already running.
var ErrRunning = errors.New("scanner already running")

// Finding is a transient match between an installed package and a feed record.
type Finding struct {
	CVEID            string  `json:"cve_id"`
	Node             string  `json:"node"`
	Package          string  `json:"package"`
	InstalledVersion string  `json:"installed_version"`
	CVSS             float64 `json:"cvss"`
	Description      string  `json:"description"`
}

// Inventory lists installed packages per infrastructure node.
type Inventory interface {
	All() []inventory.NodePackages
}

// Ledger is where findings become incidents.
type Ledger interface {
	Create(ctx context.Context, source string, severity float64, description string) (incident.Incident, error)
}

// Hooks receives per-cycle observations. Nil fields are skipped.
type Hooks struct {
	OnCycle    func(outcome string, duration float64, findings int)
	OnFeedLoad func(records int, degraded bool)
}

// Config holds scanner settings.
type Config struct {
	FeedPath string
	Interval time.Duration

	// DedupeSize > 0 suppresses re-reporting a (CVE, node) pair seen within
	// the last DedupeSize reports. Zero keeps every cycle's findings.
	DedupeSize int
}

// Scanner runs scan cycles on a background goroutine. States: stopped ->
// running -> stopped; a stopped scanner may be started again.
type Scanner struct {
	cfg    Config
	inv    Inventory
	ledger Ledger
	logger log.Logger
	hooks  Hooks

	feed   atomic.Pointer[feed.Feed]
	dedupe *lru.Cache[string, struct{}]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Scanner.
func New(cfg Config, inv Inventory, ledger Ledger, logger log.Logger, hooks Hooks) (*Scanner, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Scanner{cfg: cfg, inv: inv, ledger: ledger, logger: logger, hooks: hooks}
	if cfg.DedupeSize > 0 {
		c, err := lru.New[string, struct{}](cfg.DedupeSize)
		if err != nil {
			return nil, fmt.Errorf("dedupe cache: %w", err)
		}
		s.dedupe = c
	}
	s.feed.Store(feed.New(nil))
	return s, nil
}

// LoadFeed (re)reads the feed file. A missing or unreadable file leaves an
// empty feed in place and is logged, never returned.
func (s *Scanner) LoadFeed(ctx context.Context) {
	f, err := feed.Load(s.cfg.FeedPath)
	s.feed.Store(f)
	switch {
	case errors.Is(err, feed.ErrMissing):
		s.logger.Warn(ctx, "vulnerability feed missing, scanning with empty feed", "path", s.cfg.FeedPath)
	case err != nil:
		s.logger.Error(ctx, err, "vulnerability feed unreadable, scanning with empty feed", "path", s.cfg.FeedPath)
	default:
		s.logger.Info(ctx, "vulnerability feed loaded", "path", s.cfg.FeedPath, "records", f.Len())
	}
	if s.hooks.OnFeedLoad != nil {
		s.hooks.OnFeedLoad(f.Len(), err != nil)
	}
}

// Feed returns the loaded feed snapshot.
func (s *Scanner) Feed() *feed.Feed {
	return s.feed.Load()
}

// Start loads the feed once and spawns the periodic scan loop. The first
// cycle runs immediately.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}

	s.LoadFeed(ctx)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info(ctx, "scanner started", "interval", s.cfg.Interval.String())
	return nil
}

// Stop signals the loop and waits for it to exit or for ctx to expire.
// Stopping a stopped scanner is a no-op.
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.logger.Info(ctx, "scanner stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scanner stop: %w", ctx.Err())
	}
}

// Running reports whether the background loop is active.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scanner) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle runs one ScanAndReport, converting a panic into a logged failure
// so the loop keeps going.
func (s *Scanner) cycle(ctx context.Context) {
	start := time.Now()
	outcome := "ok"
	var n int
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			s.logger.Error(ctx, fmt.Errorf("panic: %v", r), "scan cycle failed")
		}
		if s.hooks.OnCycle != nil {
			s.hooks.OnCycle(outcome, time.Since(start).Seconds(), n)
		}
	}()
	n = len(s.ScanAndReport(ctx))
}

// ScanOnce computes findings for every feed record against every node
// inventory. It never fails; an empty feed or inventory yields no findings.
func (s *Scanner) ScanOnce() []Finding {
	records := s.Feed().Records()
	if len(records) == 0 {
		return nil
	}
	nodes := s.inv.All()

	var out []Finding
	for _, rec := range records {
		for _, np := range nodes {
			for _, p := range np.Packages {
				if p.Name != rec.Package {
					continue
				}
				if !versionVulnerable(p.Version, rec.VulnerableVersions) {
					continue
				}
				out = append(out, Finding{
					CVEID:            rec.CVEID,
					Node:             np.Node,
					Package:          rec.Package,
					InstalledVersion: p.Version,
					CVSS:             rec.CVSS,
					Description:      rec.Description,
				})
			}
		}
	}
	return out
}

// ScanAndReport scans and creates one incident per reported finding,
// returning the findings that were reported.
func (s *Scanner) ScanAndReport(ctx context.Context) []Finding {
	findings := s.ScanOnce()
	reported := findings[:0:0]
	for _, f := range findings {
		if s.dedupe != nil {
			key := f.CVEID + "|" + f.Node
			if s.dedupe.Contains(key) {
				continue
			}
			s.dedupe.Add(key, struct{}{})
		}

		inc, err := s.ledger.Create(ctx, f.Node, severityFromCVSS(f.CVSS), Describe(f))
		if err != nil {
			s.logger.Error(ctx, err, "failed to record finding", "cve_id", f.CVEID, "node", f.Node)
			continue
		}
		reported = append(reported, f)
		s.logger.Info(ctx, "zero-day exposure reported",
			"incident_id", inc.ID,
			"cve_id", f.CVEID,
			"node", f.Node,
			"package", f.Package,
			"installed_version", f.InstalledVersion,
		)
	}
	return reported
}

// Describe renders the incident description for a finding.
func Describe(f Finding) string {
	return fmt.Sprintf("Zero-Day Exposure: %s on %s (%s %s) - %s",
		f.CVEID, f.Node, f.Package, f.InstalledVersion, f.Description)
}
