// Sentinel is a security operations service: it records incidents, hunts
// for synthetic threats, scans inventory against a vulnerability feed and
// produces tiered incident analysis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/sentinel/internal/analyst"
	"github.com/linnemanlabs/sentinel/internal/authmw"
	sc "github.com/linnemanlabs/sentinel/internal/cfg"
	"github.com/linnemanlabs/sentinel/internal/graph"
	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/incident/pgstore"
	"github.com/linnemanlabs/sentinel/internal/inventory"
	"github.com/linnemanlabs/sentinel/internal/llm/claude"
	"github.com/linnemanlabs/sentinel/internal/notify/natsbus"
	"github.com/linnemanlabs/sentinel/internal/notify/slack"
	"github.com/linnemanlabs/sentinel/internal/postgres"
	"github.com/linnemanlabs/sentinel/internal/retrieval"
	"github.com/linnemanlabs/sentinel/internal/scanner"
	"github.com/linnemanlabs/sentinel/internal/soc"
	"github.com/linnemanlabs/sentinel/internal/socapi"
)

const appName = "sentinel"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loadEnvFile(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg    sc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars fill in only what was not set on the cmdline
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "SENTINEL_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := checkPorts(appCfg.APIPort, opsCfg.Port); err != nil {
		return err
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"feed_path", appCfg.FeedPath,
		"scan_interval", appCfg.ScanInterval,
		"hunt_enabled", appCfg.HuntEnabled,
		"hunt_interval", appCfg.HuntInterval,
		"api_auth", appCfg.APIToken != "",
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	socMetrics := soc.NewMetrics(m.Registry())
	scanMetrics := scanner.NewMetrics(m.Registry())
	analystMetrics := analyst.NewMetrics(m.Registry())

	// Notification fan-out runs off the ledger's observer hook
	var notifiers []soc.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, slack.New(appCfg.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	var bus *natsbus.Publisher
	if appCfg.NATSURL != "" {
		bus, err = natsbus.Connect(appCfg.NATSURL, appCfg.NATSSubject, L)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer bus.Close()
		notifiers = append(notifiers, bus)
		L.Info(ctx, "notifier enabled", "type", "nats", "subject", bus.Subject())
	}

	ledgerOpts := []incident.Option{incident.WithLogger(L)}
	if len(notifiers) > 0 {
		ledgerOpts = append(ledgerOpts, incident.WithObserver(soc.NotifyObserver(L, appCfg.NotifyMinSeverity, notifiers...)))
	}

	var restored []incident.Incident
	if appCfg.DatabaseURL != "" {
		dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"caller", "outcome"})
		m.Registry().MustRegister(dbQueryDuration)

		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.WithQueryObserver(postgres.QueryObserverFunc(
			func(_ context.Context, caller, outcome string, dur time.Duration) {
				dbQueryDuration.WithLabelValues(caller, outcome).Observe(dur.Seconds())
			},
		)))
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		store, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		restored, err = store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("load incidents: %w", err)
		}
		ledgerOpts = append(ledgerOpts, incident.WithSink(store))
		L.Info(ctx, "using postgres incident store")
	} else {
		L.Info(ctx, "using in-memory incident ledger (no database-url configured)")
	}

	ledger := incident.NewLedger(ledgerOpts...)
	if n := ledger.Restore(restored); n > 0 {
		L.Info(ctx, "restored incidents", "count", n)
	}

	g := graph.NewDemo()
	inv := inventory.New(g)

	scanCfg := scanner.Config{FeedPath: appCfg.FeedPath, Interval: appCfg.ScanInterval}
	if appCfg.ScannerDedupe {
		scanCfg.DedupeSize = appCfg.ScannerDedupeSize
	}
	scan, err := scanner.New(scanCfg, inv, soc.Tagged(ledger, soc.OriginScanner, socMetrics.Hooks()), L, scanMetrics.Hooks())
	if err != nil {
		return fmt.Errorf("scanner init: %w", err)
	}

	retriever := retrieval.NewRetriever(
		retrieval.Sources{Incidents: ledger, Nodes: g, Feed: scan},
		appCfg.RetrievalMaxFeatures,
		retrieval.WithLogger(L),
		retrieval.WithFitHook(socMetrics.ObserveCorpus),
	)

	rules := analyst.DefaultRules()
	if appCfg.RulesPath != "" {
		rules, err = analyst.LoadRules(appCfg.RulesPath)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		L.Info(ctx, "loaded rule table", "path", appCfg.RulesPath, "rules", len(rules.Rules))
	}

	var provider analyst.Provider
	if appCfg.ClaudeAPIKey != "" {
		provider = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel, appCfg.LLMTimeout)
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)
	} else {
		L.Info(ctx, "no LLM provider configured, tier-3 analysis uses templates")
	}

	composer := analyst.NewComposer(ledger, retriever, scan, appCfg.RetrievalTopK)
	pipeline := analyst.NewPipeline(ledger, composer, provider, analyst.PipelineConfig{
		Model:     appCfg.ClaudeModel,
		MaxTokens: appCfg.LLMMaxTokens,
		Timeout:   appCfg.LLMTimeout,
	}, L, analystMetrics.Hooks())

	engine := soc.New(soc.Deps{
		Ledger:    ledger,
		Graph:     g,
		Scanner:   scan,
		Rules:     analyst.NewRuleTier(ledger, rules),
		Pipeline:  pipeline,
		Retriever: retriever,
	}, soc.Config{
		HuntInterval: appCfg.HuntInterval,
		HuntEnabled:  appCfg.HuntEnabled,
	}, L, socMetrics.Hooks())

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	// readiness fails once shutdown starts so the load balancer drains us
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	socapi.New(L, engine).RegisterRoutes(r, authmw.Optional(appCfg.APIToken, L)...)

	// outermost wrapper sees the raw request first
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Per-component budget sliced from the total. Background loops stop
	// after the listener so no request races a stopped engine.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"engine", engine.Shutdown},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete", "incidents", ledger.Len())
	return nil
}

// loadEnvFile exports the variables in path that are not already set in
// the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// checkPorts rejects an API listener that would collide with the ops listener.
func checkPorts(apiPort, adminPort int) error {
	if apiPort == adminPort {
		return fmt.Errorf("http and admin ports must differ (both %d)", apiPort)
	}
	return nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
