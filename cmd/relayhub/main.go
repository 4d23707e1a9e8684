package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/msgrelay/relayhub/internal/api"
	"github.com/msgrelay/relayhub/internal/connector"
	"github.com/msgrelay/relayhub/internal/lock"
	"github.com/msgrelay/relayhub/internal/manifest"
	"github.com/msgrelay/relayhub/internal/pipeline"
	"github.com/msgrelay/relayhub/internal/scheduler"
	"github.com/msgrelay/relayhub/internal/schema"
	"github.com/msgrelay/relayhub/internal/store"
	"github.com/msgrelay/relayhub/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for relay hub state data
	DefaultStateDir = "/var/lib/relayhub"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "relayhub.db"
	// DefaultAPIAddr is the default operator API listen address
	DefaultAPIAddr = ":8080"
	// DefaultSchedule drives every pipeline stage unless overridden
	DefaultSchedule = "@every 30s"
	// DefaultStaleAfter is how long a processing entry may sit before the
	// startup recovery pass fails it
	DefaultStaleAfter = 10 * time.Minute
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("relayhub failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("relayhub exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	ManifestDir   string
	APIAddr       string
	Schedule      string
	StaleAfter    time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	redisAddr   *string
	redisPass   *string
	manifestDir *string
	apiAddr     *string
	schedule    *string
	staleAfter  *time.Duration
}

// initializeLogger sets up structured logging. LOG_LEVEL selects the level;
// debug is the default, matching a service meant to be observable.
func initializeLogger() {
	level := slog.LevelDebug
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
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
		StateDir:      os.Getenv("RELAYHUB_STATE_DIR"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		ManifestDir:   os.Getenv("MANIFEST_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		Schedule:      os.Getenv("PIPELINE_SCHEDULE"),
		StaleAfter:    util.ParseDurationEnv("STALE_PROCESSING_AFTER", DefaultStaleAfter),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No RELAYHUB_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.ManifestDir == "" {
		config.ManifestDir = filepath.Join(config.StateDir, "manifests")
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}

	slog.Debug("environment variables loaded",
		"RELAYHUB_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR", config.RedisAddr,
		"MANIFEST_DIR", config.ManifestDir,
		"API_ADDR", config.APIAddr,
		"PIPELINE_SCHEDULE", config.Schedule)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for relay hub data (overrides $RELAYHUB_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)"),
		redisAddr:   flag.String("redis-addr", config.RedisAddr, "Redis address for distributed locks; empty uses in-process locks (overrides $REDIS_ADDR)"),
		redisPass:   flag.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		manifestDir: flag.String("manifest-dir", config.ManifestDir, "directory of connector manifest files (overrides $MANIFEST_DIR)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "operator API address (overrides $API_ADDR)"),
		schedule:    flag.String("schedule", config.Schedule, "cron schedule for pipeline stages (overrides $PIPELINE_SCHEDULE)"),
		staleAfter:  flag.Duration("stale-after", config.StaleAfter, "age after which processing entries are failed at startup (overrides $STALE_PROCESSING_AFTER)"),
	}

	flag.Parse()

	// A moved state directory moves the default SQLite path with it.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return err
		}
	}
	return os.MkdirAll(*flags.manifestDir, 0o755)
}

// buildStore opens the storage backend selected by the DSN.
func buildStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildLockManager selects Redis-backed locks when an address is configured,
// in-process locks otherwise.
func buildLockManager(addr, password string) (lock.Manager, func(), error) {
	if addr == "" {
		slog.Debug("No Redis address configured, using in-process locks")
		return lock.NewMemoryManager(), func() {}, nil
	}
	mgr, err := lock.NewRedisManager(lock.RedisOptions{Addr: addr, Password: password})
	if err != nil {
		return nil, nil, err
	}
	return mgr, func() { mgr.Close() }, nil
}

// buildConnectors loads manifests and registers the matching built-in
// connector for each. A manifest without a built-in implementation is
// logged and skipped.
func buildConnectors(manifestDir string) (*connector.Registry, error) {
	loader, err := manifest.NewLoader()
	if err != nil {
		return nil, err
	}
	manifests, err := loader.LoadDir(manifestDir)
	if err != nil {
		return nil, err
	}

	registry := connector.NewRegistry()
	for name, m := range manifests {
		var conn connector.Connector
		switch name {
		case "mailpoll":
			conn = connector.NewMailPollConnector(m)
		case "mailsend":
			conn = connector.NewMailSendConnector(m)
		case "sms":
			conn = connector.NewSMSConnector(m)
		case "webhook":
			conn = connector.NewWebhookConnector(m)
		default:
			slog.Warn("No built-in connector for manifest, skipping", "name", name)
			continue
		}
		if err := registry.Register(conn); err != nil {
			return nil, err
		}
		slog.Info("Connector registered", "name", name, "inbound", m.Inbound, "outbound", m.Outbound)
	}
	return registry, nil
}

func run(flags Flags) error {
	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	locks, closeLocks, err := buildLockManager(*flags.redisAddr, *flags.redisPass)
	if err != nil {
		return err
	}
	defer closeLocks()

	connectors, err := buildConnectors(*flags.manifestDir)
	if err != nil {
		return err
	}

	recorder := pipeline.NewRecorder(st)
	schemas := schema.NewRegistry(st, locks)
	ingestor := pipeline.NewIngestor(st, connectors, schemas, locks, recorder)
	canonicalizer := pipeline.NewCanonicalizer(st, connectors, locks, recorder, pipeline.DefaultMaxTranslateAttempts)
	distributor := pipeline.NewDistributor(st, locks, recorder)
	delivery := pipeline.NewDeliveryWorker(st, connectors, schemas, locks, recorder)
	lifecycle := pipeline.NewLifecycle(st, connectors, schemas, recorder)

	// Entries stranded in processing by a crash are failed before the
	// scheduler starts, so they surface instead of sitting forever.
	failed, err := st.FailStaleProcessingEntries(time.Now().Add(-*flags.staleAfter), "stale processing entry failed at startup")
	if err != nil {
		return err
	}
	if failed > 0 {
		slog.Warn("Failed stale processing entries at startup", "count", failed)
		recorder.Error("", "startup recovery failed stale processing entries")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewScheduler()
	if util.ParseBoolEnv("PIPELINE_PAUSED", false) {
		slog.Warn("PIPELINE_PAUSED is set, stages run only when triggered via the API")
	} else {
		jobs := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"ingest", ingestor.RunCycle},
			{"canonicalize", canonicalizer.RunCycle},
			{"distribute", distributor.RunCycle},
			{"deliver", delivery.RunCycle},
		}
		for _, job := range jobs {
			if _, err := sched.AddJob(ctx, job.name, *flags.schedule, job.fn); err != nil {
				return err
			}
		}
		sched.Start()
		defer sched.Stop()
	}

	server := api.NewServer(*flags.apiAddr, st, connectors, lifecycle, api.Stages{
		Ingestor:      ingestor,
		Canonicalizer: canonicalizer,
		Distributor:   distributor,
		Delivery:      delivery,
	})
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	cancel()
	if err := server.Shutdown(context.Background()); err != nil {
		slog.Error("API shutdown failed", "error", err)
	}
	return nil
}
