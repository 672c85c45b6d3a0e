package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config adds sentinel-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	FeedPath          string
	ScanInterval      time.Duration
	ScannerDedupe     bool
	ScannerDedupeSize int

	HuntEnabled  bool
	HuntInterval time.Duration

	RetrievalTopK        int
	RetrievalMaxFeatures int
	RulesPath            string

	ClaudeAPIKey string
	ClaudeModel  string
	LLMTimeout   time.Duration
	LLMMaxTokens int

	DatabaseURL string

	SlackWebhookURL   string
	NotifyMinSeverity float64
	NATSURL           string
	NATSSubject       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 (empty = no auth)")

	fs.StringVar(&c.FeedPath, "feed-path", "data/cve_feed.json", "path to the vulnerability feed JSON file")
	fs.DurationVar(&c.ScanInterval, "scan-interval", 30*time.Second, "interval between vulnerability scan cycles")
	fs.BoolVar(&c.ScannerDedupe, "scanner-dedupe", false, "suppress re-reporting the same (CVE, node) finding")
	fs.IntVar(&c.ScannerDedupeSize, "scanner-dedupe-size", 4096, "number of (CVE, node) pairs remembered when dedupe is enabled")

	fs.BoolVar(&c.HuntEnabled, "hunt-enabled", true, "run the synthetic hunt loop")
	fs.DurationVar(&c.HuntInterval, "hunt-interval", 8*time.Second, "interval between synthetic hunt cycles")

	fs.IntVar(&c.RetrievalTopK, "retrieval-top-k", 6, "context snippets retrieved per analysis")
	fs.IntVar(&c.RetrievalMaxFeatures, "retrieval-max-features", 2000, "vocabulary cap of the retrieval index")
	fs.StringVar(&c.RulesPath, "rules-path", "", "YAML classification rule table (empty = built-in rules)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider (empty = template analysis only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.DurationVar(&c.LLMTimeout, "llm-timeout", 60*time.Second, "timeout for a single LLM request")
	fs.IntVar(&c.LLMMaxTokens, "llm-max-tokens", 800, "maximum output tokens per LLM request")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory ledger only)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.Float64Var(&c.NotifyMinSeverity, "notify-min-severity", 0.9, "minimum incident severity that triggers notifications (0..1)")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for incident events (empty = disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "sentinel.incidents", "NATS subject incidents are published on")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.FeedPath == "" {
		errs = append(errs, errors.New("FEED_PATH is required"))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid SCAN_INTERVAL %s (must be > 0)", c.ScanInterval))
	}
	if c.ScannerDedupe && c.ScannerDedupeSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid SCANNER_DEDUPE_SIZE %d (must be > 0 when dedupe is enabled)", c.ScannerDedupeSize))
	}
	if c.HuntInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid HUNT_INTERVAL %s (must be > 0)", c.HuntInterval))
	}

	if c.RetrievalTopK <= 0 || c.RetrievalTopK > 100 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_TOP_K %d (must be 1..100)", c.RetrievalTopK))
	}
	if c.RetrievalMaxFeatures <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRIEVAL_MAX_FEATURES %d (must be > 0)", c.RetrievalMaxFeatures))
	}

	// Claude settings only matter when a key is configured
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}
	if c.LLMTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT %s (must be > 0)", c.LLMTimeout))
	}
	if c.LLMMaxTokens <= 0 || c.LLMMaxTokens > 8192 {
		errs = append(errs, fmt.Errorf("invalid LLM_MAX_TOKENS %d (must be 1..8192)", c.LLMMaxTokens))
	}

	if !(c.NotifyMinSeverity >= 0 && c.NotifyMinSeverity <= 1) {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_MIN_SEVERITY %v (must be 0..1)", c.NotifyMinSeverity))
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, errors.New("NATS_SUBJECT is required when NATS_URL is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
