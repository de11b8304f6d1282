// Command forgesync-server runs the replication engine: HTTP API, batch
// runner, schedule controller and event bus in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgesync-io/forgesync/internal/api"
	"github.com/forgesync-io/forgesync/internal/auth"
	"github.com/forgesync-io/forgesync/internal/batch"
	"github.com/forgesync-io/forgesync/internal/cleanup"
	"github.com/forgesync-io/forgesync/internal/config"
	"github.com/forgesync-io/forgesync/internal/db"
	"github.com/forgesync-io/forgesync/internal/discovery"
	"github.com/forgesync-io/forgesync/internal/events"
	"github.com/forgesync-io/forgesync/internal/metrics"
	"github.com/forgesync-io/forgesync/internal/mirror"
	"github.com/forgesync-io/forgesync/internal/schedule"
	"github.com/forgesync-io/forgesync/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes: 0 success, 1 generic failure, 130/143 on signal interruption.
const (
	exitInterrupt = 130
	exitTerminate = 143
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var sig signalError
		if errors.As(err, &sig) {
			os.Exit(sig.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalError carries the conventional exit code for a received signal.
type signalError struct {
	sig  os.Signal
	code int
}

func (e signalError) Error() string {
	return fmt.Sprintf("terminated by signal %v", e.sig)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "forgesync-server",
		Short: "ForgeSync server — GitHub to Gitea repository replication engine",
		Long: `ForgeSync continuously replicates GitHub repositories, metadata and
organizations into a Gitea instance. It discovers the source graph,
provisions pull mirrors, keeps them synchronized on a schedule and
reconciles orphaned destination repositories.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forgesync-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newMigrateCmd applies pending migrations and exits. db.New runs them on
// startup anyway; the subcommand exists for init containers and CI.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := buildLogger(settings.LogLevel, settings.LogFormat)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			_, err = db.New(db.Options{
				Driver:    settings.DBDriver,
				DSN:       settings.DBDSN,
				SecretKey: settings.SecretKey,
				Logger:    logger,
			})
			return err
		},
	}
}

func run(ctx context.Context) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(settings.LogLevel, settings.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting forgesync server",
		zap.String("version", version),
		zap.String("http_addr", settings.HTTPAddr),
		zap.String("db_driver", settings.DBDriver),
	)

	database, err := db.New(db.Options{
		Driver:    settings.DBDriver,
		DSN:       settings.DBDSN,
		SecretKey: settings.SecretKey,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	// Stores.
	users := store.NewUserStore(database)
	configs := store.NewConfigStore(database)
	repos := store.NewRepoStore(database)
	orgs := store.NewOrgStore(database)
	jobs := store.NewJobStore(database)
	eventStore := store.NewEventStore(database)

	// Signal handling is done by hand rather than with NotifyContext so the
	// received signal is known at exit time (130 for SIGINT, 143 for SIGTERM).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var received os.Signal
	go func() {
		select {
		case received = <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Event bus: hub first, then the durable write side.
	hub := events.NewHub()
	go hub.Run(ctx)
	bus := events.NewBus(eventStore, hub, logger)

	m := metrics.New()
	bus.SetMetrics(m)
	go refreshRepoGauge(ctx, repos, m)

	// Engine components.
	factory := batch.NewClientFactory(logger)
	engine := mirror.NewEngine(repos, bus, logger)
	discoverer := discovery.New(repos, orgs, bus, logger)
	cleaner := cleanup.New(repos, jobs, bus, logger)

	runner := batch.NewRunner(jobs, repos, configs, engine, factory, bus, logger)
	runner.SetMetrics(m)
	runner.Start(ctx)
	if err := runner.Recover(ctx); err != nil {
		logger.Error("batch recovery failed", zap.Error(err))
	}

	controller, err := schedule.New(configs, repos, jobs, runner, bus, logger, settings.ScheduleCadence)
	if err != nil {
		return err
	}
	if err := controller.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := controller.Stop(); err != nil {
			logger.Warn("schedule controller stop", zap.Error(err))
		}
	}()

	// Declarative configuration block, applied before the API comes up.
	loader := config.NewLoader(users, configs, logger)
	if err := loader.Apply(ctx, settings.ConfigJSON); err != nil {
		return err
	}

	// Auth: request-to-user-id resolution only; sessions live elsewhere.
	jwtMgr, err := buildJWTManager(settings)
	if err != nil {
		return err
	}
	resolver := auth.NewResolver(jwtMgr, users)

	router := api.NewRouter(api.RouterConfig{
		Resolver:   resolver,
		Logger:     logger,
		Metrics:    m,
		Users:      users,
		Configs:    configs,
		Repos:      repos,
		Orgs:       orgs,
		Jobs:       jobs,
		Events:     eventStore,
		Bus:        bus,
		Runner:     runner,
		Discoverer: discoverer,
		Cleaner:    cleaner,
		Schedule:   controller,
		Factory:    factory,
		HealthPing: func(ctx context.Context) error {
			return db.Ping(ctx, database)
		},
	})

	server := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", settings.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down forgesync server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	// In-flight batch items finish or unwind with Cancelled; unfinished
	// jobs stay in_progress and are resumed on the next start.
	runner.Wait()

	if received == syscall.SIGTERM {
		return signalError{sig: received, code: exitTerminate}
	}
	if received != nil {
		return signalError{sig: received, code: exitInterrupt}
	}
	return nil
}

// refreshRepoGauge keeps the per-status repository gauge current. Statuses
// with no rows are reset to zero so drained states do not stick.
func refreshRepoGauge(ctx context.Context, repos store.RepoStore, m *metrics.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		counts, err := repos.CountAllByStatus(ctx)
		if err != nil {
			continue
		}
		for _, status := range db.AllStatuses {
			m.RepositoriesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}
}

// buildJWTManager loads the RSA key pair from disk when configured and
// falls back to an ephemeral generated pair otherwise.
func buildJWTManager(settings *config.Settings) (*auth.JWTManager, error) {
	issuer := settings.PrimaryAuthBase().String()
	if settings.JWTPrivateKeyFile != "" && settings.JWTPublicKeyFile != "" {
		return auth.NewJWTManagerFromFiles(settings.JWTPrivateKeyFile, settings.JWTPublicKeyFile, issuer)
	}
	return auth.NewJWTManagerGenerated(issuer)
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
