package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
)

// Config adds log-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL     string
	AutoMigrate     bool
	LogQueryArgs    bool
	SlowQueryMillis int

	Dedup

	APIToken  string
	JWTSecret string
	JWTIssuer string

	SlackWebhookURL       string
	WebhookURLs           string
	WebhookTimeoutSeconds int
	WebhookMaxRetries     int
	StreamEnabled         bool
}

// Dedup holds the duplicate-detection settings shared by the server and
// breachctl.
type Dedup struct {
	DedupEnabled   bool
	DedupThreshold float64
}

// RegisterFlags binds Dedup fields to the given FlagSet.
func (d *Dedup) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&d.DedupEnabled, "dedup-enabled", true, "check incoming reports against known incidents")
	fs.Float64Var(&d.DedupThreshold, "dedup-threshold", 0.85, "cross-source title similarity above which a report is a duplicate (0..1)")
}

// Validate checks the threshold range.
func (d *Dedup) Validate() error {
	// NaN fails both comparisons, so test the accepted range directly
	if !(d.DedupThreshold >= 0 && d.DedupThreshold <= 1) {
		return fmt.Errorf("invalid DEDUP_THRESHOLD %v (must be 0..1)", d.DedupThreshold)
	}
	return nil
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.BoolVar(&c.AutoMigrate, "auto-migrate", true, "apply embedded schema migrations at startup")
	fs.BoolVar(&c.LogQueryArgs, "log-query-args", false, "include bind arguments in query logs")
	fs.IntVar(&c.SlowQueryMillis, "slow-query-ms", 0, "only log successful queries slower than this many milliseconds (0 = log every query)")
	c.Dedup.RegisterFlags(fs)
	fs.StringVar(&c.APIToken, "api-token", "", "static bearer token granting admin access to the API")
	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HMAC secret for signed role tokens (at least 16 bytes)")
	fs.StringVar(&c.JWTIssuer, "jwt-issuer", "breachlog", "issuer claim expected on role tokens")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.WebhookURLs, "webhook-urls", "", "comma-separated URLs that receive incident notifications as JSON")
	fs.IntVar(&c.WebhookTimeoutSeconds, "webhook-timeout-seconds", 5, "per-attempt timeout for webhook deliveries (>= 1)")
	fs.IntVar(&c.WebhookMaxRetries, "webhook-max-retries", 3, "retries after a failed webhook delivery (0..10)")
	fs.BoolVar(&c.StreamEnabled, "stream-enabled", true, "serve the websocket notification stream")
}

// Webhooks returns the configured webhook URLs with blanks removed.
func (c *Config) Webhooks() []string {
	var out []string
	for _, u := range strings.Split(c.WebhookURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
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

	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMillis))
	}

	if err := c.Dedup.Validate(); err != nil {
		errs = append(errs, err)
	}

	// At least one way to authenticate API callers
	if c.APIToken == "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("API_TOKEN or JWT_SECRET is required"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 bytes"))
	}
	if c.JWTSecret != "" && c.JWTIssuer == "" {
		errs = append(errs, errors.New("JWT_ISSUER is required when JWT_SECRET is set"))
	}

	if c.SlackWebhookURL != "" {
		if err := checkHTTPURL(c.SlackWebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL: %w", err))
		}
	}
	for _, u := range c.Webhooks() {
		if err := checkHTTPURL(u); err != nil {
			errs = append(errs, fmt.Errorf("invalid WEBHOOK_URLS entry %q: %w", u, err))
		}
	}
	if c.WebhookTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("invalid WEBHOOK_TIMEOUT_SECONDS %d (must be >= 1)", c.WebhookTimeoutSeconds))
	}
	if c.WebhookMaxRetries < 0 || c.WebhookMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid WEBHOOK_MAX_RETRIES %d (must be 0..10)", c.WebhookMaxRetries))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
