package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/ranklens/ranklens-sync/pkg/config"
	"github.com/ranklens/ranklens-sync/pkg/crypto"
	"github.com/ranklens/ranklens-sync/pkg/database"
	"github.com/ranklens/ranklens-sync/pkg/handlers"
	"github.com/ranklens/ranklens-sync/pkg/logging"
	"github.com/ranklens/ranklens-sync/pkg/middleware"
	"github.com/ranklens/ranklens-sync/pkg/repositories"
	"github.com/ranklens/ranklens-sync/pkg/retry"
	"github.com/ranklens/ranklens-sync/pkg/searchconsole"
	"github.com/ranklens/ranklens-sync/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Int("sync_delay_seconds", cfg.Sync.DelaySeconds),
		zap.Int("sync_window_days", cfg.Sync.WindowDays),
	)

	ctx := context.Background()

	db, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		})
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = sqlDB.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient == nil {
		logger.Info("Redis not configured, using in-process refresh locks")
	}

	encryptor, err := crypto.NewTokenEncryptor(cfg.TokenCredentialsKey)
	if err != nil {
		logger.Fatal("Failed to create token encryptor", zap.Error(err))
	}

	connectionRepo := repositories.NewConnectionRepository(db)
	propertyRepo := repositories.NewPropertyRepository(db)
	resultRepo := repositories.NewResultRepository(db)
	runRepo := repositories.NewSyncRunRepository(db)

	upstream := searchconsole.NewClient(&cfg.Upstream)
	tokenManager := services.NewTokenManager(
		connectionRepo,
		upstream,
		encryptor,
		redisClient,
		time.Duration(cfg.Sync.TokenSafetyMarginSeconds)*time.Second,
		logger,
	)
	enumerator := services.NewPropertyEnumerator(propertyRepo, tokenManager, upstream, logger)
	orchestrator := services.NewOrchestrator(
		connectionRepo,
		propertyRepo,
		resultRepo,
		runRepo,
		enumerator,
		tokenManager,
		upstream,
		services.SleepDelay(time.Duration(cfg.Sync.DelaySeconds)*time.Second),
		cfg.Sync,
		logger,
	)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewSyncHandler(orchestrator, runRepo, cfg.Sync.TriggerSecret, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: middleware.RequestLogger(logger)(mux),
	}

	go func() {
		logger.Info("Starting ranklens-sync",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	// A shutdown mid-batch leaves already-persisted properties intact; the
	// next scheduled run fills the gaps.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
