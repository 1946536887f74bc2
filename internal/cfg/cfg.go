package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/winnow/internal/triage"
)

// scheduleParser accepts standard 5-field cron expressions plus @hourly style descriptors.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL      string
	DBMaxConns       int
	SlowQuery        time.Duration
	MirrorPath       string
	ResyncSchedule   string
	IGDBClientID     string
	IGDBClientSecret string
	IGDBBaseURL      string
	IGDBAuthURL      string

	PageSize          int
	MaxPagesToScan    int
	ImportConcurrency int
	ImportDelay       time.Duration

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on mutating API routes (empty = open)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections (1..100)")
	fs.DurationVar(&c.SlowQuery, "db-slow-query", 200*time.Millisecond, "log successful queries slower than this (0 = log all)")
	fs.StringVar(&c.MirrorPath, "mirror-path", "winnow-mirror.db", "SQLite file for the local mirror (empty = no mirror)")
	fs.StringVar(&c.ResyncSchedule, "resync-schedule", "*/5 * * * *", "cron schedule for pushing dirty mirror partitions to the store (empty = disabled)")

	fs.StringVar(&c.IGDBClientID, "igdb-client-id", "", "Twitch client id for the IGDB catalog")
	fs.StringVar(&c.IGDBClientSecret, "igdb-client-secret", "", "Twitch client secret for the IGDB catalog")
	fs.StringVar(&c.IGDBBaseURL, "igdb-base-url", "https://api.igdb.com/v4", "IGDB API base URL")
	fs.StringVar(&c.IGDBAuthURL, "igdb-auth-url", "https://id.twitch.tv/oauth2/token", "Twitch OAuth token URL")

	fs.IntVar(&c.PageSize, "cursor-page-size", triage.DefaultPageSize, "catalog page size per cursor fetch (1..500)")
	fs.IntVar(&c.MaxPagesToScan, "cursor-max-pages", triage.DefaultMaxPagesToScan, "fully triaged pages one batch load may skip before giving up (1..10000)")
	fs.IntVar(&c.ImportConcurrency, "import-concurrency", 1, "concurrent catalog searches during reconcile (1..16)")
	fs.DurationVar(&c.ImportDelay, "import-delay", triage.DefaultMatchDelay, "minimum spacing between catalog searches during reconcile (0..10s)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for reconcile reports")
}

// Schedule parses ResyncSchedule. It returns nil when resync is disabled.
func (c *Config) Schedule() (cron.Schedule, error) {
	spec := strings.TrimSpace(c.ResyncSchedule)
	if spec == "" {
		return nil, nil
	}
	return scheduleParser.Parse(spec)
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

	if c.DatabaseURL != "" && (c.DBMaxConns <= 0 || c.DBMaxConns > 100) {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..100)", c.DBMaxConns))
	}
	if c.SlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must not be negative)", c.SlowQuery))
	}
	if _, err := c.Schedule(); err != nil {
		errs = append(errs, fmt.Errorf("invalid RESYNC_SCHEDULE %q: %w", c.ResyncSchedule, err))
	}

	// catalog credentials are required, every batch load goes through IGDB
	if c.IGDBClientID == "" {
		errs = append(errs, errors.New("IGDB_CLIENT_ID is required"))
	}
	if c.IGDBClientSecret == "" {
		errs = append(errs, errors.New("IGDB_CLIENT_SECRET is required"))
	}
	if c.IGDBBaseURL == "" {
		errs = append(errs, errors.New("IGDB_BASE_URL is required"))
	}
	if c.IGDBAuthURL == "" {
		errs = append(errs, errors.New("IGDB_AUTH_URL is required"))
	}

	if c.PageSize <= 0 || c.PageSize > 500 {
		errs = append(errs, fmt.Errorf("invalid CURSOR_PAGE_SIZE %d (must be 1..500)", c.PageSize))
	}
	if c.MaxPagesToScan <= 0 || c.MaxPagesToScan > 10000 {
		errs = append(errs, fmt.Errorf("invalid CURSOR_MAX_PAGES %d (must be 1..10000)", c.MaxPagesToScan))
	}
	if c.ImportConcurrency <= 0 || c.ImportConcurrency > 16 {
		errs = append(errs, fmt.Errorf("invalid IMPORT_CONCURRENCY %d (must be 1..16)", c.ImportConcurrency))
	}
	if c.ImportDelay < 0 || c.ImportDelay > 10*time.Second {
		errs = append(errs, fmt.Errorf("invalid IMPORT_DELAY %s (must be 0..10s)", c.ImportDelay))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
