package soc

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/analyst"
	"github.com/linnemanlabs/sentinel/internal/graph"
	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/inventory"
	"github.com/linnemanlabs/sentinel/internal/retrieval"
	"github.com/linnemanlabs/sentinel/internal/scanner"
)

type fakeScanner struct {
	started  atomic.Int32
	stopped  atomic.Int32
	findings []scanner.Finding
}

func (f *fakeScanner) Start(context.Context) error { f.started.Add(1); return nil }
func (f *fakeScanner) Stop(context.Context) error  { f.stopped.Add(1); return nil }
func (f *fakeScanner) ScanAndReport(context.Context) []scanner.Finding {
	return f.findings
}

type testEngine struct {
	*Engine
	ledger *incident.Ledger
	graph  *graph.Graph
}

func newTestEngine(t *testing.T, deps Deps, cfg Config, hooks Hooks) *testEngine {
	t.Helper()
	if deps.Ledger == nil {
		deps.Ledger = incident.NewLedger()
	}
	if deps.Graph == nil {
		deps.Graph = graph.NewDemo()
	}
	if deps.Retriever == nil {
		deps.Retriever = retrieval.NewRetriever(retrieval.Sources{Incidents: deps.Ledger, Nodes: deps.Graph}, 0)
	}
	if deps.Pipeline == nil {
		comp := analyst.NewComposer(deps.Ledger, deps.Retriever, nil, 0)
		deps.Pipeline = analyst.NewPipeline(deps.Ledger, comp, nil, analyst.PipelineConfig{}, log.Nop(), analyst.Hooks{})
	}
	e := New(deps, cfg, log.Nop(), hooks)
	return &testEngine{Engine: e, ledger: deps.Ledger, graph: deps.Graph}
}

func TestNew_PanicsOnMissingDeps(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for missing ledger")
		}
	}()
	New(Deps{}, Config{}, nil, Hooks{})
}

func TestRunCycle_CreatesIncidentAndLinksGraph(t *testing.T) {
	t.Parallel()

	var origins []string
	e := newTestEngine(t, Deps{}, Config{}, Hooks{OnIncident: func(o string) { origins = append(origins, o) }})
	before := e.graph.Summary()

	res, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	inc, err := e.ledger.Get(res.IncidentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inc.Source != res.Log.Source || inc.Description != res.Log.Description {
		t.Errorf("incident = %+v, cycle = %+v", inc, res)
	}
	if res.Severity < 0 || res.Severity >= 1 {
		t.Errorf("severity %v outside [0, 1)", res.Severity)
	}
	if lo, hi := res.Log.Base*0.9-0.001, res.Log.Base*1.1+0.001; res.Severity < lo || res.Severity > hi {
		t.Errorf("severity %v outside jitter range [%v, %v]", res.Severity, lo, hi)
	}
	if _, ok := e.graph.Node(res.IncidentID); !ok {
		t.Error("incident node missing from graph")
	}
	if got := e.graph.Summary(); got.Nodes != before.Nodes+1 || got.Edges != before.Edges+1 {
		t.Errorf("graph summary = %+v, before %+v", got, before)
	}
	if len(origins) != 1 || origins[0] != OriginHunt {
		t.Errorf("origins = %v", origins)
	}
	if res.AutoRemediated && (!inc.AutoRemediated || inc.Severity <= autoRemediateAbove) {
		t.Errorf("auto remediation inconsistent: %+v", inc)
	}
}

func TestRunCycle_SeverityRoundedAndClamped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	e.rng = rand.New(rand.NewPCG(1, 2))

	for range 200 {
		res, err := e.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		if res.Severity > maxSeverity {
			t.Fatalf("severity %v above clamp", res.Severity)
		}
		if scaled := res.Severity * 1000; math.Abs(scaled-math.Round(scaled)) > 1e-9 {
			t.Fatalf("severity %v not rounded to 3 decimals", res.Severity)
		}
		inc, _ := e.ledger.Get(res.IncidentID)
		if res.AutoRemediated && inc.RemediationNotes != "auto remediation (simulated)" {
			t.Fatalf("notes = %q", inc.RemediationNotes)
		}
		if inc.Severity <= autoRemediateAbove && inc.AutoRemediated {
			t.Fatalf("low severity incident %s auto remediated", inc.ID)
		}
	}
}

func TestCreateIncident_GraphFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})

	// an empty source cannot be linked into the graph but the incident
	// must still be recorded
	inc, err := e.ManualIncident(context.Background(), "", 0.4, "orphan")
	if err != nil {
		t.Fatalf("ManualIncident: %v", err)
	}
	if _, err := e.Incident(inc.ID); err != nil {
		t.Errorf("incident not recorded: %v", err)
	}
}

func TestCreateIncident_InvalidSeverity(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	_, err := e.CreateIncident(context.Background(), "db-2", 1.5, "bad")
	if !errors.Is(err, incident.ErrInvalidSeverity) {
		t.Fatalf("err = %v, want ErrInvalidSeverity", err)
	}
	if n := len(e.Incidents()); n != 0 {
		t.Errorf("incidents = %d, want 0", n)
	}
}

func TestRemediateByID(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	ctx := context.Background()
	inc, _ := e.CreateIncident(ctx, "web-3", 0.5, "low-entropy config change")

	got, err := e.RemediateByID(ctx, inc.ID)
	if err != nil {
		t.Fatalf("RemediateByID: %v", err)
	}
	if !got.AutoRemediated || got.RemediationNotes != "manual remediation (simulated)" {
		t.Errorf("incident = %+v", got)
	}

	if _, err := e.RemediateByID(ctx, "INC-0-999"); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAnalyzeIncident_AnnotatesLedger(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	ctx := context.Background()
	inc, _ := e.CreateIncident(ctx, "db-2", 0.95, "Credential BRUTE force on ssh")
	_, _ = e.CreateIncident(ctx, "db-2", 0.9, "credential brute force")

	a, err := e.AnalyzeIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("AnalyzeIncident: %v", err)
	}
	if a.AttackType != "Credential Brute Force" {
		t.Errorf("attack type = %q", a.AttackType)
	}
	if len(a.RecommendedActions) != 4 {
		t.Errorf("actions = %d, want 4", len(a.RecommendedActions))
	}
	if !strings.HasPrefix(a.Correlation, "1 related") {
		t.Errorf("correlation = %q", a.Correlation)
	}

	got, _ := e.Incident(inc.ID)
	if got.RemediationNotes != "Analysis completed" || got.AutoRemediated {
		t.Errorf("incident = %+v", got)
	}
}

func TestAnalyze_UnknownIncident(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	ctx := context.Background()

	if _, err := e.AnalyzeIncident(ctx, "missing"); !errors.Is(err, analyst.ErrIncidentNotFound) {
		t.Errorf("rule tier err = %v", err)
	}
	if _, err := e.Tier3Analyze(ctx, "missing"); !errors.Is(err, analyst.ErrIncidentNotFound) {
		t.Errorf("pipeline err = %v", err)
	}
}

func TestTier3Analyze_TemplateWithoutProvider(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	inc, _ := e.CreateIncident(context.Background(), "api-gateway", 0.9, "data exfil pattern")

	res, err := e.Tier3Analyze(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("Tier3Analyze: %v", err)
	}
	if res.Mode != analyst.ModeTemplate {
		t.Errorf("mode = %q, want template", res.Mode)
	}
	if res.Analysis.ExecutiveSummary == "" {
		t.Error("expected template executive summary")
	}
}

func TestScanNow(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	if got := e.ScanNow(context.Background()); got == nil || len(got) != 0 {
		t.Errorf("ScanNow without scanner = %v, want empty list", got)
	}

	fs := &fakeScanner{findings: []scanner.Finding{{CVEID: "CVE-1", Node: "db-2"}}}
	e = newTestEngine(t, Deps{Scanner: fs}, Config{}, Hooks{})
	if got := e.ScanNow(context.Background()); len(got) != 1 || got[0].CVEID != "CVE-1" {
		t.Errorf("ScanNow = %+v", got)
	}
}

func TestStoryboard(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	l := incident.NewLedger(incident.WithClock(func() time.Time {
		return now.Add(time.Duration(tick.Add(1)) * time.Second)
	}))
	e := newTestEngine(t, Deps{Ledger: l}, Config{}, Hooks{})
	ctx := context.Background()

	first, _ := e.CreateIncident(ctx, "db-2", 0.9, "credential brute force")
	_, _ = e.CreateIncident(ctx, "web-3", 0.5, "config change")
	last, _ := e.CreateIncident(ctx, "db-2", 0.95, "credential brute force again")

	sb, err := e.Storyboard(last.ID)
	if err != nil {
		t.Fatalf("Storyboard: %v", err)
	}
	if sb.Source != "db-2" || len(sb.Timeline) != 2 {
		t.Fatalf("storyboard = %+v", sb)
	}
	if sb.Timeline[0].ID != first.ID || sb.Timeline[1].ID != last.ID {
		t.Errorf("timeline order = %s, %s", sb.Timeline[0].ID, sb.Timeline[1].ID)
	}
	if !strings.Contains(sb.Narrative, "Total related events: 2") || !strings.Contains(sb.Narrative, "sev=0.95") {
		t.Errorf("narrative = %q", sb.Narrative)
	}

	if _, err := e.Storyboard("missing"); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStoryboardGraph_TwoHops(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	inc, _ := e.CreateIncident(context.Background(), "db-2", 0.9, "credential brute force")

	sg, err := e.StoryboardGraph(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("StoryboardGraph: %v", err)
	}

	ids := map[string]bool{}
	for _, n := range sg.Nodes {
		ids[n.ID] = true
	}
	// db-2 -> web-3, k8s-node-7, incident -> api-gateway
	for _, want := range []string{"db-2", "web-3", "k8s-node-7", inc.ID, "api-gateway"} {
		if !ids[want] {
			t.Errorf("missing node %s", want)
		}
	}
	if ids["internet"] || ids["endpoint-1"] {
		t.Errorf("nodes beyond two hops included: %v", ids)
	}
	for _, ed := range sg.Edges {
		if !ids[ed.From] || !ids[ed.To] {
			t.Errorf("edge %s-%s leaves the neighbourhood", ed.From, ed.To)
		}
	}
}

func TestStoryboardGraph_UnknownSourceIsEmpty(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	inc, _ := e.ledger.Create(context.Background(), "not-in-graph", 0.3, "noise")

	sg, err := e.StoryboardGraph(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("StoryboardGraph: %v", err)
	}
	if len(sg.Nodes) != 0 || len(sg.Edges) != 0 {
		t.Errorf("storyboard graph = %+v, want empty", sg)
	}
}

func TestSimulateAttackPath(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Deps{}, Config{}, Hooks{})
	_, _ = e.CreateIncident(context.Background(), "api-gateway", 0.9, "data exfil pattern")

	res := e.SimulateAttackPath(context.Background(), AttackPathRequest{
		EntryNodes: []string{"internet", "endpoint-1", "nowhere"},
		Targets:    []string{"db-2", "api-gateway"},
		Query:      "data exfil pattern",
		K:          3,
	})

	if len(res.Paths) != 3 {
		t.Fatalf("paths = %d, want 3", len(res.Paths))
	}
	for i := 1; i < len(res.Paths); i++ {
		if res.Paths[i].Len() < res.Paths[i-1].Len() {
			t.Errorf("paths not sorted by length: %+v", res.Paths)
		}
	}
	if p := res.Paths[0]; p.Len() != 1 {
		t.Errorf("shortest path = %+v, want a single hop", p)
	}
	if len(res.Hints) == 0 || len(res.Hints) > 3 {
		t.Errorf("hints = %d, want 1..3", len(res.Hints))
	}
}

func TestStartShutdown(t *testing.T) {
	t.Parallel()

	var cycles atomic.Int32
	fs := &fakeScanner{}
	e := newTestEngine(t, Deps{Scanner: fs}, Config{HuntEnabled: true, HuntInterval: 5 * time.Millisecond},
		Hooks{OnHuntCycle: func() { cycles.Add(1) }})

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(ctx); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start err = %v, want ErrRunning", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for cycles.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cycles.Load() < 2 {
		t.Fatalf("hunt cycles = %d, want >= 2", cycles.Load())
	}

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if e.Running() {
		t.Error("engine still running after Shutdown")
	}
	if fs.started.Load() != 1 || fs.stopped.Load() != 1 {
		t.Errorf("scanner start/stop = %d/%d", fs.started.Load(), fs.stopped.Load())
	}

	n := len(e.Incidents())
	time.Sleep(20 * time.Millisecond)
	if got := len(e.Incidents()); got != n {
		t.Errorf("incidents grew after shutdown: %d -> %d", n, got)
	}
}

func TestConcurrentProducers_UniqueIDs(t *testing.T) {
	t.Parallel()

	l := incident.NewLedger()
	g := graph.NewDemo()
	inv := inventory.New(g, inventory.WithRand(rand.New(rand.NewPCG(3, 4))))
	// every synthesized openssl version is <= 1.2.0
	path := filepath.Join(t.TempDir(), "feed.json")
	feedJSON := `[{"cve_id":"CVE-TEST-1","package":"openssl","vulnerable_versions":"<=1.2.0","cvss":7.5,"description":"test"}]`
	if err := os.WriteFile(path, []byte(feedJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	sc, err := scanner.New(scanner.Config{FeedPath: path}, inv, Tagged(l, OriginScanner, Hooks{}), nil, scanner.Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	sc.LoadFeed(context.Background())

	e := newTestEngine(t, Deps{Ledger: l, Graph: g, Scanner: sc}, Config{}, Hooks{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(3)
		go func() { defer wg.Done(); _, _ = e.RunCycle(ctx) }()
		go func() { defer wg.Done(); e.ScanNow(ctx) }()
		go func() { defer wg.Done(); _, _ = e.ManualIncident(ctx, "endpoint-1", 0.3, "manual") }()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, inc := range e.Incidents() {
		if seen[inc.ID] {
			t.Fatalf("duplicate id %s", inc.ID)
		}
		seen[inc.ID] = true
	}
	if len(seen) < 50 {
		t.Errorf("incidents = %d, want at least 50", len(seen))
	}
}

func TestTagged_CountsOrigin(t *testing.T) {
	t.Parallel()

	var got []string
	tl := Tagged(incident.NewLedger(), OriginScanner, Hooks{OnIncident: func(o string) { got = append(got, o) }})
	if _, err := tl.Create(context.Background(), "db-2", 0.7, "finding"); err != nil {
		t.Fatal(err)
	}
	if _, err := tl.Create(context.Background(), "db-2", 7, "bad"); err == nil {
		t.Fatal("expected severity error")
	}
	if len(got) != 1 || got[0] != OriginScanner {
		t.Errorf("origins = %v", got)
	}
}
