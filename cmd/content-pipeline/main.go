// Command content-pipeline is the content-generation pipeline binary.
//
// Subcommands:
//
//	serve    — HTTP API + embedded worker pool, sweeper, and monitor
//	worker   — standalone worker pool only (scaled deployments)
//	sweep    — standalone stale-claim sweeper
//	monitor  — standalone failure-rate monitor
//	migrate  — run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/Laderis97/content-pipeline/internal/api"
	"github.com/Laderis97/content-pipeline/internal/config"
	"github.com/Laderis97/content-pipeline/internal/dedupe"
	"github.com/Laderis97/content-pipeline/internal/monitor"
	"github.com/Laderis97/content-pipeline/internal/notify"
	"github.com/Laderis97/content-pipeline/internal/pipeline"
	"github.com/Laderis97/content-pipeline/internal/provider"
	"github.com/Laderis97/content-pipeline/internal/store"
	"github.com/Laderis97/content-pipeline/internal/sweeper"
	"github.com/Laderis97/content-pipeline/internal/worker"
	"github.com/Laderis97/content-pipeline/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "content-pipeline",
		Short: "Automated content-generation pipeline",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		sweepCmd(),
		monitorCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with embedded worker pool, sweeper, and monitor",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	// Background loops run until ctx is cancelled. The worker pool drains its
	// in-flight jobs before returning; the sweeper and monitor exit between
	// passes. All of this happens before or alongside HTTP server shutdown.
	go newWorkerPool(st, cfg, logger).Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context
	go newSweeper(st, cfg, logger).Start(ctx)    //nolint:contextcheck
	go newMonitor(st, cfg, logger).Start(ctx)    //nolint:contextcheck

	// Explicit timeouts prevent Slowloris-style connection exhaustion.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(st, cfg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE: runBackground(func(st *store.Store, cfg *config.Config, log *slog.Logger) interface{ Start(context.Context) } {
			return newWorkerPool(st, cfg, log)
		}),
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Start the standalone stale-claim sweeper",
		RunE: runBackground(func(st *store.Store, cfg *config.Config, log *slog.Logger) interface{ Start(context.Context) } {
			return newSweeper(st, cfg, log)
		}),
	}
}

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Start the standalone failure-rate monitor",
		RunE: runBackground(func(st *store.Store, cfg *config.Config, log *slog.Logger) interface{ Start(context.Context) } {
			return newMonitor(st, cfg, log)
		}),
	}
}

// runBackground wraps a background loop constructor into a cobra RunE that
// handles config, logging, pool setup, and signal-driven shutdown.
func runBackground(build func(*store.Store, *config.Config, *slog.Logger) interface{ Start(context.Context) }) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}

		logger := newLogger(cfg)
		slog.SetDefault(logger)

		db, err := newPool(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		slog.Info("started", "command", cmd.Use)
		build(store.New(db), cfg, logger).Start(ctx) // blocks until ctx cancelled
		return nil
	}
}

// ── component wiring ──────────────────────────────────────────────────────────

func newWorkerPool(st *store.Store, cfg *config.Config, log *slog.Logger) *worker.Pool {
	gen := provider.NewHTTPGenerator(nil, cfg.GeneratorBaseURL, cfg.GeneratorAPIKey,
		cfg.GeneratorTimeout, cfg.GeneratorRPS)
	pub := provider.NewWordPressPublisher(nil, cfg.PublisherBaseURL, cfg.PublisherUsername,
		cfg.PublisherAppPassword, cfg.PublisherTimeout, cfg.PublisherRPS)
	guard := dedupe.NewGuard(st, dedupe.TokenOverlap{}, cfg.SimilarityThreshold, cfg.DedupeWindow)

	return worker.NewPool(st, guard, gen, pub, worker.Config{
		Count:          cfg.WorkerCount,
		PollInterval:   cfg.WorkerPollInterval,
		MaxRetries:     cfg.MaxRetries,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Backoff:        pipeline.BackoffPolicy{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
	}, log)
}

func newSweeper(st *store.Store, cfg *config.Config, log *slog.Logger) *sweeper.Sweeper {
	return sweeper.New(st, sweeper.Config{
		Interval:   cfg.SweepInterval,
		Staleness:  cfg.StalenessThreshold,
		MaxRetries: cfg.MaxRetries,
	}, log)
}

func newMonitor(st *store.Store, cfg *config.Config, log *slog.Logger) *monitor.Monitor {
	var notifiers []notify.Notifier
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(nil, notify.WebhookConfig{
			URL:           cfg.AlertWebhookURL,
			SigningSecret: cfg.AlertWebhookSecret,
		}))
	}
	if cfg.SMTPHost != "" && cfg.AlertRecipients != "" {
		notifiers = append(notifiers, notify.NewEmailNotifier(notify.SMTPConfig{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			From:       cfg.SMTPFrom,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			TLS:        cfg.SMTPTLS,
			Recipients: strings.Split(cfg.AlertRecipients, ","),
		}))
	}
	return monitor.New(st, notifiers, monitor.Config{
		Interval: cfg.MonitorInterval,
		Window:   cfg.MonitorWindow,
	}, log)
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed for a one-shot run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 3

// newPool creates and validates a pgxpool, retrying up to 10 times with
// linear backoff to handle compose startup races where Postgres is not
// immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Warn if DB_MAX_CONNS is dangerously close to Postgres's server-side
	// max_connections limit, which would starve other instances.
	var pgMaxConnsStr string
	if err := db.QueryRow(ctx, "SHOW max_connections").Scan(&pgMaxConnsStr); err == nil {
		if pgMaxConns, err := strconv.Atoi(pgMaxConnsStr); err == nil {
			if int(cfg.DBMaxConns) > int(float64(pgMaxConns)*0.8) {
				slog.Warn("DB_MAX_CONNS exceeds 80% of Postgres max_connections",
					"db_max_conns", cfg.DBMaxConns,
					"postgres_max_connections", pgMaxConns,
				)
			}
		}
	}

	// Advisory schema version check: catches deployments where migrations
	// have not been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `content-pipeline migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
