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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinic/internal/config"
	"github.com/ehr/clinic/internal/domain/scheduling"
	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/internal/platform/hipaa"
	"github.com/ehr/clinic/internal/platform/lock"
	"github.com/ehr/clinic/internal/platform/metrics"
	"github.com/ehr/clinic/internal/platform/middleware"
	"github.com/ehr/clinic/internal/platform/notification"
	"github.com/ehr/clinic/internal/platform/telemetry"
	"github.com/ehr/clinic/internal/platform/validation"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Clinic appointment scheduling API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(remindersCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir := migrationsDir(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dir := migrationsDir(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Manage appointment reminders",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dispatch",
		Short: "Send every due reminder once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			sender, err := newReminderSender(cfg, logger)
			if err != nil {
				return err
			}
			locker, closeLocker, err := newLocker(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeLocker()

			svc := newService(cfg, logger, pool, locker, nil)
			d := scheduling.NewDispatcher(svc, notification.NewTemplateEngine(), sender, nil, logger)
			n, err := d.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("reminder dispatch failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d reminder(s).\n", n)
			return nil
		},
	})
	return cmd
}

// newLocker returns the Redis locker when REDIS_URL is set and a process-local
// one otherwise. Every command that mutates appointments must use it so the
// server and one-off commands exclude each other.
func newLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (scheduling.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set: doctor locks are process-local")
		return lock.NewLocalLocker(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Msg("using redis doctor locks")
	locker := lock.NewRedisLocker(client, lock.WithTTL(cfg.LockTTL), lock.WithLogger(logger))
	return locker, func() { client.Close() }, nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Hour,
		ApplicationName: cfg.ServiceName,
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newReminderSender posts reminders to the configured webhook, or logs them
// when none is set.
func newReminderSender(cfg *config.Config, logger zerolog.Logger) (notification.Sender, error) {
	if cfg.ReminderWebhookURL == "" {
		return notification.NewLogSender(logger), nil
	}
	s, err := notification.NewWebhookSender(cfg.ReminderWebhookURL, cfg.ReminderWebhookSecret,
		notification.WithWebhookLogger(logger))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newService wires the scheduling service onto a Postgres pool. Mutations and
// their audit rows share one transaction.
func newService(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, locker scheduling.Locker, m *metrics.SchedulingMetrics) *scheduling.Service {
	audit := scheduling.NewAuditRecorder(hipaa.NewAuditLogger(pool))
	return scheduling.NewService(
		scheduling.NewAppointmentRepoPG(pool),
		audit,
		scheduling.WithLogger(logger),
		scheduling.WithMetrics(m),
		scheduling.WithLocker(locker),
		scheduling.WithTransactor(db.NewTransactor(pool, logger)),
		scheduling.WithReminderPolicy(cfg.ReminderDefaultLeadMinutes, cfg.ReminderRearmOnReschedule),
	)
}

// serverDeps carries everything newServer needs so the router can be built
// without a live database.
type serverDeps struct {
	cfg       *config.Config
	logger    zerolog.Logger
	svc       *scheduling.Service
	dbPinger  db.Pinger
	poolStats func() *db.PoolStats
	limiter   *middleware.RateLimiter
	tracing   *telemetry.Provider
	gatherer  prometheus.Gatherer
}

func newServer(d serverDeps) *echo.Echo {
	cfg := d.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New(scheduling.RegisterValidators)

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	if d.tracing != nil {
		e.Use(d.tracing.Middleware())
	}
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled || cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "traceparent"},
	}))
	e.Use(echomw.BodyLimit("1M"))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(d.dbPinger, d.poolStats))
	gatherer := d.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	apiV1 := e.Group("/api/v1")
	if d.limiter != nil {
		apiV1.Use(d.limiter.Middleware())
	}
	scheduling.NewHandler(d.svc).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests run as dev-user with the admin role")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Tracing
	tracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       !cfg.IsProduction(),
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	// Database
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Per-doctor locks
	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	m := metrics.NewSchedulingMetrics(prometheus.DefaultRegisterer)
	svc := newService(cfg, logger, pool, locker, m)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})
	go pruneLoop(ctx, limiter, time.Minute)

	e := newServer(serverDeps{
		cfg:       cfg,
		logger:    logger,
		svc:       svc,
		dbPinger:  pool,
		poolStats: func() *db.PoolStats { return db.GetPoolStats(pool) },
		limiter:   limiter,
		tracing:   tracing,
	})

	// Reminder dispatcher
	if cfg.ReminderDispatchEnabled {
		sender, err := newReminderSender(cfg, logger)
		if err != nil {
			return err
		}
		d := scheduling.NewDispatcher(svc, notification.NewTemplateEngine(), sender, m, logger)
		go d.Run(ctx, cfg.ReminderPollInterval)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func pruneLoop(ctx context.Context, rl *middleware.RateLimiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}
