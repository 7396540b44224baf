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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sceneforge-io/sceneforge/server/internal/api"
	"github.com/sceneforge-io/sceneforge/server/internal/auth"
	"github.com/sceneforge-io/sceneforge/server/internal/bridge"
	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/jobs"
	"github.com/sceneforge-io/sceneforge/server/internal/maintenance"
	"github.com/sceneforge-io/sceneforge/server/internal/metrics"
	"github.com/sceneforge-io/sceneforge/server/internal/notification"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
	"github.com/sceneforge-io/sceneforge/server/internal/webhook"
	"github.com/sceneforge-io/sceneforge/server/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	jwtSecret         string
	encryptionKey     string
	accessExpiryMins  int
	refreshExpiryDays int
	quotaMode         string
	schedulerInterval time.Duration
	logLevel          string
	secureCookies     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	// A .env file in the working directory is convenient in development;
	// its absence is not an error.
	_ = godotenv.Load()

	cfg := &config{}

	root := &cobra.Command{
		Use:   "sceneforge-server",
		Short: "SceneForge server, the control plane for generative video production",
		Long: `SceneForge server is the control plane of a generative video studio.
It exposes a REST API and client WebSocket feed, schedules render jobs
across a fleet of ComfyUI-compatible workers, and manages notifications,
webhooks, and credentials.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	// Each knob reads the SCENEFORGE_-prefixed variable first, then the
	// bare deployment name (DATABASE_URL, JWT_SECRET, HOST/PORT, ...).
	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", defaultHTTPAddr(), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", defaultDBDriver(), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOr("./sceneforge.db", "SCENEFORGE_DB_DSN", "DATABASE_URL"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.jwtSecret, "jwt-secret", envOr("", "SCENEFORGE_JWT_SECRET", "JWT_SECRET"), "HMAC secret for access tokens (required)")
	root.PersistentFlags().StringVar(&cfg.encryptionKey, "encryption-key", envOr("", "SCENEFORGE_ENCRYPTION_KEY", "ENCRYPTION_KEY"), "32-byte key for encrypting secrets at rest (required)")
	root.PersistentFlags().IntVar(&cfg.accessExpiryMins, "access-expiry-mins", envOrInt(15, "SCENEFORGE_ACCESS_EXPIRY_MINS", "JWT_ACCESS_EXPIRY_MINS"), "Access token lifetime in minutes")
	root.PersistentFlags().IntVar(&cfg.refreshExpiryDays, "refresh-expiry-days", envOrInt(7, "SCENEFORGE_REFRESH_EXPIRY_DAYS", "JWT_REFRESH_EXPIRY_DAYS"), "Refresh token lifetime in days")
	root.PersistentFlags().StringVar(&cfg.quotaMode, "quota-mode", envOr(jobs.QuotaModeSoft, "SCENEFORGE_QUOTA_MODE", "QUOTA_MODE"), "Quota enforcement mode (soft or hard)")
	root.PersistentFlags().DurationVar(&cfg.schedulerInterval, "scheduler-interval", envOrDuration(0, "SCENEFORGE_SCHEDULER_INTERVAL"), "Scheduler tick interval (0 uses the default)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOr("info", "SCENEFORGE_LOG_LEVEL", "LOG_LEVEL"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", os.Getenv("SCENEFORGE_SECURE_COOKIES") == "true", "Set the Secure flag on auth cookies (enable behind HTTPS)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sceneforge-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.jwtSecret == "" {
		return fmt.Errorf("JWT secret is required, set --jwt-secret or JWT_SECRET")
	}
	if err := db.InitEncryption([]byte(cfg.encryptionKey)); err != nil {
		return fmt.Errorf("encryption key is required, set --encryption-key or ENCRYPTION_KEY: %w", err)
	}

	logger.Info("starting sceneforge server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("quota_mode", cfg.quotaMode),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database and repositories.
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	userRepo := repositories.NewUserRepository(database)
	sessionRepo := repositories.NewSessionRepository(database)
	apiKeyRepo := repositories.NewAPIKeyRepository(database)
	jobRepo := repositories.NewJobRepository(database)
	workerRepo := repositories.NewWorkerRepository(database)
	eventRepo := repositories.NewEventRepository(database)
	notificationRepo := repositories.NewNotificationRepository(database)
	webhookRepo := repositories.NewWebhookRepository(database)
	lockRepo := repositories.NewLockRepository(database)
	metricRepo := repositories.NewMetricRepository(database)
	settingsRepo := repositories.NewSettingsRepository(database)

	// Credentials.
	jwtManager, err := auth.NewJWTManager([]byte(cfg.jwtSecret), "sceneforge", time.Duration(cfg.accessExpiryMins)*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to create JWT manager: %w", err)
	}
	authService := auth.NewService(userRepo, sessionRepo, jwtManager,
		time.Duration(cfg.refreshExpiryDays)*24*time.Hour, logger)
	limiter := auth.NewRateLimiter()
	apiKeyService := auth.NewAPIKeyService(apiKeyRepo, limiter, logger)

	// Event bus, durable first, fan-out second.
	bus := events.NewBus(eventRepo, logger)

	// Job lifecycle, worker bridge, scheduler. The bridge is both the
	// scheduler's dispatcher and the lifecycle engine's cancel path.
	jobService := jobs.NewService(jobRepo, bus, nil, logger)
	bridgeManager := bridge.NewManager(jobRepo, workerRepo, jobService, bus, "sceneforge-server", logger)
	jobService.BindWorkers(bridgeManager)
	scheduler := jobs.NewScheduler(jobRepo, workerRepo, userRepo, lockRepo, metricRepo,
		jobService, bridgeManager, bus, cfg.schedulerInterval, cfg.quotaMode, logger)
	metrics.RegisterWorkerGauge(bridgeManager.ConnectedCount)

	// Client WebSocket hub and its bus feed.
	hub := websocket.NewHub()
	feed := websocket.NewFeed(hub, bus, logger)

	// Notification pipeline and webhook delivery.
	notificationRouter := notification.NewRouter(notificationRepo, userRepo, settingsRepo, bus, hub, logger)
	digester := notification.NewDigester(notificationRepo, userRepo, eventRepo, settingsRepo, logger)
	notificationService := notification.NewService(notificationRepo, logger)
	webhookEngine := webhook.NewEngine(webhookRepo, bus, logger)

	// Background maintenance sweeps.
	sweeper, err := maintenance.New(sessionRepo, notificationRepo, eventRepo, metricRepo,
		workerRepo, lockRepo, limiter, bus, logger)
	if err != nil {
		return fmt.Errorf("failed to create maintenance sweeper: %w", err)
	}

	// Start the long-running components. Each owns a goroutine bound to
	// runCtx; cancelling runCtx begins the drain.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	go hub.Run(runCtx)
	go feed.Run(runCtx)
	go notificationRouter.Run(runCtx)
	go digester.Run(runCtx)
	go webhookEngine.Run(runCtx)
	go scheduler.Run(runCtx)

	if err := bridgeManager.Start(runCtx); err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}

	handler := api.NewRouter(api.RouterConfig{
		AuthService:   authService,
		APIKeyService: apiKeyService,
		JWTManager:    jwtManager,
		Jobs:          jobService,
		Notifications: notificationService,
		WebhookEngine: webhookEngine,
		Hub:           hub,
		Bridge:        bridgeManager,
		Logger:        logger,
		Users:         userRepo,
		Workers:       workerRepo,
		APIKeys:       apiKeyRepo,
		Webhooks:      webhookRepo,
		Events:        eventRepo,
		Locks:         lockRepo,
		Settings:      settingsRepo,
		Secure:        cfg.secureCookies,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down sceneforge server")

	// Stop accepting requests first, then drain the background components
	// in dependency order: bridge before scheduler so no dispatch races a
	// closing session, bus last so in-flight publishes still fan out.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	bridgeManager.Shutdown()
	if err := sweeper.Stop(); err != nil {
		logger.Warn("maintenance shutdown incomplete", zap.Error(err))
	}
	stop()
	bus.Close()

	logger.Info("shutdown complete")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
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

// envOr returns the first non-empty variable among keys, or defaultVal.
// Keys are tried in order, so the prefixed name wins over its bare alias.
func envOr(defaultVal string, keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return defaultVal
}

func envOrInt(defaultVal int, keys ...string) int {
	if v := envOr("", keys...); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDuration(defaultVal time.Duration, keys ...string) time.Duration {
	if v := envOr("", keys...); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// defaultHTTPAddr resolves the listen address: the explicit address
// variable if set, otherwise HOST and PORT composed with their defaults.
func defaultHTTPAddr() string {
	if addr := os.Getenv("SCENEFORGE_HTTP_ADDR"); addr != "" {
		return addr
	}
	host := os.Getenv("HOST")
	port := envOr("8080", "PORT")
	return host + ":" + port
}

// defaultDBDriver picks postgres when only DATABASE_URL is set, since
// that variable carries a PostgreSQL connection string.
func defaultDBDriver() string {
	if driver := os.Getenv("SCENEFORGE_DB_DRIVER"); driver != "" {
		return driver
	}
	if os.Getenv("SCENEFORGE_DB_DSN") == "" && os.Getenv("DATABASE_URL") != "" {
		return "postgres"
	}
	return "sqlite"
}
