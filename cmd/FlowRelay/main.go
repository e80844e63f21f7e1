package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CanopyChat/FlowRelay/internal/api"
	"github.com/CanopyChat/FlowRelay/internal/cache"
	"github.com/CanopyChat/FlowRelay/internal/identity"
	"github.com/CanopyChat/FlowRelay/internal/ingest"
	"github.com/CanopyChat/FlowRelay/internal/models"
	"github.com/CanopyChat/FlowRelay/internal/scheduler"
	"github.com/CanopyChat/FlowRelay/internal/session"
	"github.com/CanopyChat/FlowRelay/internal/store"
	"github.com/CanopyChat/FlowRelay/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowRelay state data
	DefaultStateDir = "/var/lib/flowrelay"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowrelay.db"
	// DefaultSweepInterval is how often the stale-flow sweep runs
	DefaultSweepInterval = 5 * time.Minute
	// DefaultAckMessage is sent when no external flow engine handles a turn
	DefaultAckMessage = "Your message has been recorded."
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("FlowRelay failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowRelay exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	RedisURL      string
	StateDir      string
	APIAddr       string
	SessionTTL    time.Duration
	DedupWindow   time.Duration
	SweepInterval time.Duration
	StaleAgeMins  int
}

// Flags holds command line flag values
type Flags struct {
	dbDSN         *string
	redisURL      *string
	apiAddr       *string
	sessionTTL    *time.Duration
	dedupWindow   *time.Duration
	sweepInterval *time.Duration
	staleAgeMins  *int
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("FLOWRELAY_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		StateDir:      os.Getenv("FLOWRELAY_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		SessionTTL:    util.ParseDurationEnv("SESSION_TTL", cache.DefaultSessionTTL),
		DedupWindow:   util.ParseDurationEnv("DEDUP_WINDOW", ingest.DefaultDedupWindow),
		SweepInterval: util.ParseDurationEnv("SWEEP_INTERVAL", DefaultSweepInterval),
		StaleAgeMins:  util.ParseIntEnv("STALE_AGE_MINUTES", session.DefaultStaleAgeMinutes),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWRELAY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"FLOWRELAY_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"SESSION_TTL", config.SessionTTL,
		"DEDUP_WINDOW", config.DedupWindow,
		"SWEEP_INTERVAL", config.SweepInterval,
		"STALE_AGE_MINUTES", config.StaleAgeMins)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the flow run store (overrides $DATABASE_URL)"),
		redisURL:      flag.String("redis-url", config.RedisURL, "Redis URL for the session cache (overrides $REDIS_URL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sessionTTL:    flag.Duration("session-ttl", config.SessionTTL, "session blob TTL (overrides $SESSION_TTL)"),
		dedupWindow:   flag.Duration("dedup-window", config.DedupWindow, "duplicate message suppression window (overrides $DEDUP_WINDOW)"),
		sweepInterval: flag.Duration("sweep-interval", config.SweepInterval, "stale flow sweep interval (overrides $SWEEP_INTERVAL)"),
		staleAgeMins:  flag.Int("stale-age-minutes", config.StaleAgeMins, "age after which active flows are abandoned (overrides $STALE_AGE_MINUTES)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"dbDSN_set", *flags.dbDSN != "",
		"redisURL_set", *flags.redisURL != "",
		"apiAddr", *flags.apiAddr,
		"sessionTTL", *flags.sessionTTL,
		"dedupWindow", *flags.dedupWindow,
		"sweepInterval", *flags.sweepInterval,
		"staleAgeMins", *flags.staleAgeMins)

	return flags
}

// buildStore constructs the durable flow run store from the DSN shape.
func buildStore(dsn string) (store.Store, error) {
	if dsn == "" {
		slog.Warn("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildCache constructs the session cache, falling back to in-memory when
// no Redis URL is configured.
func buildCache(redisURL string, sessionTTL time.Duration) (cache.SessionCache, error) {
	if redisURL == "" {
		slog.Warn("No Redis URL provided, using in-memory session cache")
		return cache.NewInMemorySessionCache(cache.WithSessionTTL(sessionTTL)), nil
	}
	return cache.NewRedisSessionCache(cache.WithURL(redisURL), cache.WithSessionTTL(sessionTTL))
}

// ackExecutor acknowledges turns when no external flow engine is plugged in.
func ackExecutor() ingest.StepExecutor {
	return ingest.ExecutorFunc(func(ctx context.Context, ident models.IdentityResolution, flowCtx *models.FlowContext, message string) (*ingest.StepResult, error) {
		return &ingest.StepResult{
			Context: flowCtx,
			Status:  models.FlowRunStatusActive,
			Reply:   &models.Reply{Text: DefaultAckMessage},
		}, nil
	})
}

func run(flags Flags) error {
	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	sessionCache, err := buildCache(*flags.redisURL, *flags.sessionTTL)
	if err != nil {
		return err
	}
	defer sessionCache.Close()

	resolver := identity.NewResolver(sessionCache)
	reconciler := session.NewReconciler(sessionCache, st)
	frontDoor := ingest.NewFrontDoor(resolver, reconciler, sessionCache, ackExecutor(),
		ingest.WithDedupWindow(*flags.dedupWindow))

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.ScheduleStaleFlowSweep(reconciler, *flags.sweepInterval, *flags.staleAgeMins); err != nil {
		return err
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(frontDoor, reconciler, resolver, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowRelay with configured modules")
	return server.Run(ctx)
}
