package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/catalog"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/config"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/engine"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/handlers"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/metrics"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/notification"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/scheduler"
)

const (
	serviceName = "compliance-monitor"
	version     = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logger := setupLogging(cfg)
	logger.Info("Starting Compliance Monitor Service",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	// Load the requirement catalog
	cat, err := catalog.Load(cfg.Catalog.Path, logger)
	if err != nil {
		logger.Error("Failed to load requirement catalog", "error", err)
		os.Exit(1)
	}

	// Setup database connection
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	// Run database migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// Setup repositories
	subjectRepo := database.NewSubjectRepository(db, logger)
	obligationRepo := database.NewObligationRepository(db, logger)
	alertRepo := database.NewAlertRepository(db, logger)
	scoreRepo := database.NewScoreRepository(db, logger)

	// Setup notification dispatcher
	var dispatcher engine.Dispatcher = notification.NoopDispatcher{}
	var kafkaDispatcher *notification.KafkaDispatcher
	if cfg.Kafka.Enabled {
		kafkaDispatcher = notification.NewKafkaDispatcher(cfg.Kafka, logger)
		dispatcher = kafkaDispatcher
	}

	// Setup metrics collector
	metricsCollector := metrics.NewCollector()

	// Setup engines
	alertEngine := engine.NewAlertEngine(cfg.Monitoring, logger, alertRepo, dispatcher)
	alertEngine.OnCreated(metricsCollector.ObserveAlert)
	escalationEngine := engine.NewEscalationEngine(cfg.Monitoring.Escalation, logger, alertEngine)
	monitor := engine.NewMonitor(
		cfg.Monitoring,
		logger,
		cat,
		subjectRepo,
		obligationRepo,
		scoreRepo,
		alertEngine,
		escalationEngine,
	)

	// Setup scheduler for periodic runs
	runScheduler := scheduler.NewScheduler(cfg, logger, monitor, metricsCollector, obligationRepo, alertRepo)

	// Setup HTTP handlers
	httpHandlers := handlers.NewHTTPHandler(
		cfg,
		logger,
		db,
		alertRepo,
		obligationRepo,
		scoreRepo,
		subjectRepo,
		runScheduler,
		metricsCollector,
	)

	httpRouter := mux.NewRouter()
	httpHandlers.RegisterRoutes(httpRouter)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start scheduler
	if err := runScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Shutting down services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	runScheduler.Stop()

	if kafkaDispatcher != nil {
		if err := kafkaDispatcher.Close(); err != nil {
			logger.Error("Failed to close Kafka dispatcher", "error", err)
		}
	}

	logger.Info("Service shutdown complete")
}

// setupLogging configures structured logging
func setupLogging(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	switch cfg.Logging.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	handlerOptions := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: cfg.Debug,
	}

	var handler slog.Handler
	if cfg.Environment == "production" || cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, handlerOptions)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOptions)
	}

	logger := slog.New(handler)
	logger = logger.With(
		"service", serviceName,
		"environment", cfg.Environment,
	)

	slog.SetDefault(logger)
	return logger
}
