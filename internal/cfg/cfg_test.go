package cfg

import (
	"flag"
	"math"
	"slices"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		SlowQueryMillis:       500,
		Dedup:                 Dedup{DedupEnabled: true, DedupThreshold: 0.85},
		APIToken:              "test-token-123",
		JWTIssuer:             "breachlog",
		WebhookTimeoutSeconds: 5,
		WebhookMaxRetries:     3,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if !c.DedupEnabled || c.DedupThreshold != 0.85 {
		t.Errorf("dedup = %v/%v, want true/0.85", c.DedupEnabled, c.DedupThreshold)
	}
	if c.WebhookTimeoutSeconds != 5 || c.WebhookMaxRetries != 3 {
		t.Errorf("webhook = %ds/%d retries, want 5s/3", c.WebhookTimeoutSeconds, c.WebhookMaxRetries)
	}
	if c.JWTIssuer != "breachlog" {
		t.Errorf("JWTIssuer = %q, want breachlog", c.JWTIssuer)
	}
	if !c.AutoMigrate || !c.StreamEnabled {
		t.Errorf("AutoMigrate/StreamEnabled = %v/%v, want true/true", c.AutoMigrate, c.StreamEnabled)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-dedup-threshold", "0.9",
		"-dedup-enabled=false",
		"-webhook-urls", "https://a.example/hook, https://b.example/hook",
		"-jwt-secret", "0123456789abcdef",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.DedupThreshold != 0.9 || c.DedupEnabled {
		t.Errorf("dedup = %v/%v, want false/0.9", c.DedupEnabled, c.DedupThreshold)
	}
	want := []string{"https://a.example/hook", "https://b.example/hook"}
	if got := c.Webhooks(); !slices.Equal(got, want) {
		t.Errorf("Webhooks() = %v, want %v", got, want)
	}
	if c.JWTSecret != "0123456789abcdef" {
		t.Errorf("JWTSecret = %q", c.JWTSecret)
	}
}

func TestWebhooks_Blank(t *testing.T) {
	t.Parallel()

	c := Config{WebhookURLs: " , ,"}
	if got := c.Webhooks(); len(got) != 0 {
		t.Errorf("Webhooks() = %v, want empty", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mod func(*Config)) Config {
		c := validBase()
		mod(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.DedupThreshold, c.WebhookTimeoutSeconds, c.WebhookMaxRetries = 0, 1, 0
			}),
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.DedupThreshold, c.WebhookMaxRetries = 1, 10
			}),
			wantErr: false,
		},
		{
			name: "jwt only",
			cfg: with(func(c *Config) {
				c.APIToken = ""
				c.JWTSecret = "0123456789abcdef"
			}),
			wantErr: false,
		},
		{
			name: "webhooks valid",
			cfg: with(func(c *Config) {
				c.SlackWebhookURL = "https://hooks.slack.com/services/T/B/X"
				c.WebhookURLs = "http://siem.internal:8080/in,https://pager.example/hook"
			}),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget zero",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "negative slow query threshold",
			cfg:       with(func(c *Config) { c.SlowQueryMillis = -1 }),
			wantErr:   true,
			errSubstr: []string{"SLOW_QUERY_MS"},
		},
		// Dedup threshold
		{
			name:      "threshold above one",
			cfg:       with(func(c *Config) { c.DedupThreshold = 1.01 }),
			wantErr:   true,
			errSubstr: []string{"DEDUP_THRESHOLD"},
		},
		{
			name:      "threshold negative",
			cfg:       with(func(c *Config) { c.DedupThreshold = -0.1 }),
			wantErr:   true,
			errSubstr: []string{"DEDUP_THRESHOLD"},
		},
		{
			name:      "threshold NaN",
			cfg:       with(func(c *Config) { c.DedupThreshold = math.NaN() }),
			wantErr:   true,
			errSubstr: []string{"DEDUP_THRESHOLD"},
		},
		// Auth
		{
			name:      "no credentials",
			cfg:       with(func(c *Config) { c.APIToken = "" }),
			wantErr:   true,
			errSubstr: []string{"API_TOKEN or JWT_SECRET"},
		},
		{
			name:      "short jwt secret",
			cfg:       with(func(c *Config) { c.JWTSecret = "short" }),
			wantErr:   true,
			errSubstr: []string{"JWT_SECRET must be at least"},
		},
		{
			name: "jwt secret without issuer",
			cfg: with(func(c *Config) {
				c.JWTSecret = "0123456789abcdef"
				c.JWTIssuer = ""
			}),
			wantErr:   true,
			errSubstr: []string{"JWT_ISSUER"},
		},
		// Notifications
		{
			name:      "slack url without scheme",
			cfg:       with(func(c *Config) { c.SlackWebhookURL = "hooks.slack.com/services/x" }),
			wantErr:   true,
			errSubstr: []string{"SLACK_WEBHOOK_URL"},
		},
		{
			name:      "webhook url bad scheme",
			cfg:       with(func(c *Config) { c.WebhookURLs = "https://ok.example/a,ftp://files.example/b" }),
			wantErr:   true,
			errSubstr: []string{"WEBHOOK_URLS", "ftp://files.example/b"},
		},
		{
			name:      "webhook timeout zero",
			cfg:       with(func(c *Config) { c.WebhookTimeoutSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"WEBHOOK_TIMEOUT_SECONDS"},
		},
		{
			name:      "webhook retries above max",
			cfg:       with(func(c *Config) { c.WebhookMaxRetries = 11 }),
			wantErr:   true,
			errSubstr: []string{"WEBHOOK_MAX_RETRIES"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{Dedup: Dedup{DedupThreshold: 2}},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "DEDUP_THRESHOLD", "API_TOKEN", "WEBHOOK_TIMEOUT_SECONDS"},
		},
		// Extreme values
		{
			name:      "extreme negative values",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port int
		threshold           float64
		token               string
	}{
		{60, 90, 8080, 0.85, "tok"},
		{1, 2, 1, 0, "t"},
		{299, 300, 65535, 1, "t"},
		{0, 0, 0, -1, ""},
		{300, 300, 65535, 0.5, "t"},
		{301, 302, 65536, 1.5, ""},
		{150, 100, 8080, 0.85, "t"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.Inf(-1), ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.Inf(1), ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.threshold, s.token)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, threshold float64, token string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.DedupThreshold = threshold
		c.APIToken = token
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		thresholdOK := threshold >= 0 && threshold <= 1
		tokenOK := token != ""

		allValid := drainOK && budgetOK && portOK && crossOK && thresholdOK && tokenOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
