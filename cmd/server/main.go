package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/eoffice-suite/be-approvals/internal/client"
	"github.com/eoffice-suite/be-approvals/internal/config"
	"github.com/eoffice-suite/be-approvals/internal/database"
	"github.com/eoffice-suite/be-approvals/internal/handler"
	"github.com/eoffice-suite/be-approvals/internal/logger"
	"github.com/eoffice-suite/be-approvals/internal/middleware"
	"github.com/eoffice-suite/be-approvals/internal/natsclient"
	"github.com/eoffice-suite/be-approvals/internal/repository"
	"github.com/eoffice-suite/be-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	historyRepo := repository.NewHistoryRepository(db)
	envelopeRepo := repository.NewEnvelopeRepository(db, historyRepo)
	ruleRepo := repository.NewFlowRuleRepository(db)

	// Org directory client
	directoryClient := client.NewDirectoryClient(cfg.Directory.BaseURL, cfg.Directory.Timeout)
	log.Info().Str("directory_url", cfg.Directory.BaseURL).Msg("Org directory client initialized")

	// Notifications (optional)
	var notifier service.Notifier
	if cfg.NATS.URL != "" {
		nc, err := natsclient.Connect(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		notifier = client.NewNotificationPublisher(nc, cfg.NATS.Subject, log.Logger)
		log.Info().Str("nats_url", cfg.NATS.URL).Msg("Notification publisher initialized")
	} else {
		log.Warn().Msg("NATS URL not configured, notifications disabled")
	}

	// Initialize services
	resolver := service.NewFlowResolver(ruleRepo, directoryClient, cfg.Resolver.CacheTTL, log.Logger)
	counters := service.NewQueueCounters(envelopeRepo, directoryClient, log.Logger)
	engine := service.NewAssignmentEngine(envelopeRepo, historyRepo, resolver, directoryClient, counters, notifier, log.Logger)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, counters, resolver, ruleRepo, log)
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	httpHandler.RegisterRoutes(router)

	// Apply middleware
	var h http.Handler = router
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
