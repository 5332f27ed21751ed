package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
)

// Config holds carewatch server settings. It follows the go-core
// Registerable and Validatable conventions so main can register it next to
// the shared library configs.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL    string
	DBMaxConns     int
	SlowQueryMS    int
	LogQueryArgs   bool
	RedisURL       string
	RedisKeyPrefix string

	RulesPath     string
	DirectoryPath string

	SlackWebhookURL        string
	StreamHeartbeatSeconds int
	DisableSweeps          bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token the gateway presents on API requests (comma-separated to accept several during rotation)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum pooled database connections (0 = pgx default)")
	fs.IntVar(&c.SlowQueryMS, "db-slow-query-ms", 100, "only log successful database queries slower than this many milliseconds (0 = log every query)")
	fs.BoolVar(&c.LogQueryArgs, "db-log-query-args", false, "include query arguments in database query logs (may contain patient data)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the notification dedupe ledger (empty = in-process ledger)")
	fs.StringVar(&c.RedisKeyPrefix, "redis-key-prefix", "carewatch:", "key prefix for dedupe ledger entries")
	fs.StringVar(&c.RulesPath, "rules-file", "", "YAML alert rule file, reloaded on change (empty = no rules)")
	fs.StringVar(&c.DirectoryPath, "directory-file", "", "YAML seed of organizations, clinicians, patients and enrollments")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.IntVar(&c.StreamHeartbeatSeconds, "stream-heartbeat-seconds", 30, "seconds between heartbeat events on live streams (5..300)")
	fs.BoolVar(&c.DisableSweeps, "disable-sweeps", false, "do not run background sweeps on this instance")
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

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.SlowQueryMS < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMS))
	}

	if c.StreamHeartbeatSeconds < 5 || c.StreamHeartbeatSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid STREAM_HEARTBEAT_SECONDS %d (must be 5..300)", c.StreamHeartbeatSeconds))
	}

	if c.SlackWebhookURL != "" {
		if u, err := url.Parse(c.SlackWebhookURL); err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, errors.New("SLACK_WEBHOOK_URL must be an https URL"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
