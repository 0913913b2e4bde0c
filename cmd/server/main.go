package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/offbit/flowtrace/internal/analytics"
	"github.com/offbit/flowtrace/internal/auth"
	"github.com/offbit/flowtrace/internal/config"
	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/handlers"
	"github.com/offbit/flowtrace/internal/logging"
	"github.com/offbit/flowtrace/internal/maintenance"
	"github.com/offbit/flowtrace/internal/metrics"
	"github.com/offbit/flowtrace/internal/middleware"
	"github.com/offbit/flowtrace/internal/notify"
	"github.com/offbit/flowtrace/internal/query"
	"github.com/offbit/flowtrace/internal/recorder"
	"github.com/offbit/flowtrace/internal/replay"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	logger.Info("Starting flowtrace server", map[string]interface{}{
		"version": version,
	})

	// Connect to database
	database, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		logger.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	database.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	database.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database", err, nil)
		os.Exit(1)
	}
	logger.Info("Connected to database", map[string]interface{}{
		"host": cfg.Database.Host,
		"port": cfg.Database.Port,
		"name": cfg.Database.Name,
	})

	// Initialize schema (hypertables when timescaledb is present, native
	// partitions otherwise)
	store := db.NewStore(database)
	initCtx, initCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer initCancel()
	if err := store.InitSchema(initCtx, cfg.Retention.Horizon); err != nil {
		logger.Error("Failed to initialize schema", err, nil)
		os.Exit(1)
	}
	logger.Info("Storage ready", map[string]interface{}{
		"mode": string(store.Mode()),
	})

	// Notification bridge
	bus := notify.NewBus(logger, cfg.Recorder.RetryLimit, cfg.Recorder.RetryBackoff)
	hub := notify.NewHub()
	bus.Register(hub)
	if webhookURL := os.Getenv("NOTIFY_WEBHOOK_URL"); webhookURL != "" {
		bus.Register(notify.NewWebhookSink(webhookURL, os.Getenv("NOTIFY_WEBHOOK_SECRET")))
	} else {
		bus.Register(notify.NewLogSink(logger.WithComponent("notify")))
	}
	defer bus.Close()

	// Core services
	rec := recorder.New(store, bus, logger, cfg.Recorder)
	defer rec.Close()
	querySvc := query.New(store)
	replayEngine := replay.NewEngine(store, rec, bus, logger, cfg.Jobs.ReplayWorkers, cfg.Jobs.QueueSize)
	defer replayEngine.Close()
	analyticsSvc := analytics.New(store, logger, cfg.Jobs.ReportDir, cfg.Jobs.ReportWorkers, cfg.Jobs.QueueSize)
	defer analyticsSvc.Close()

	// Background storage upkeep
	upkeep := maintenance.New(store, logger, cfg.Retention, cfg.Rollup)
	upkeep.Start()
	defer upkeep.Stop()

	// Auth
	keyManager := auth.NewAPIKeyManager(store)
	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, 24*time.Hour)

	// Handlers
	ingestHandlers := handlers.NewIngestHandlers(rec)
	queryHandlers := handlers.NewQueryHandlers(querySvc)
	replayHandlers := handlers.NewReplayHandlers(replayEngine)
	analyticsHandlers := handlers.NewAnalyticsHandlers(analyticsSvc)
	healthHandlers := handlers.NewHealthHandlers(store, rec, hub, cfg.Jobs.ReportDir, version)
	streamHandlers := handlers.NewStreamHandlers(hub, logger)
	apiKeyHandlers := handlers.NewAPIKeyHandlers(keyManager)

	rateLimiter := middleware.NewRateLimiter(10000, 1*time.Minute)

	// Setup router
	router := mux.NewRouter()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// Health and metrics (no auth)
	router.HandleFunc("/health", healthHandlers.Health).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// API routes (with auth and rate limiting)
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(auth.Middleware(cfg.Auth.Mode, keyManager, jwtManager))
	apiRouter.Use(middleware.RateLimitMiddleware(rateLimiter))

	// Ingestion
	apiRouter.HandleFunc("/trace-sessions", ingestHandlers.CreateSession).Methods("POST")
	apiRouter.HandleFunc("/trace-sessions/{session_id}", ingestHandlers.UpdateSession).Methods("PATCH")
	apiRouter.HandleFunc("/trace-sessions/{session_id}/complete", ingestHandlers.CompleteSession).Methods("POST")
	apiRouter.HandleFunc("/trace-sessions/{session_id}/traces", ingestHandlers.AddTrace).Methods("POST")
	apiRouter.HandleFunc("/trace-sessions/{session_id}/events", ingestHandlers.AddEvent).Methods("POST")
	apiRouter.HandleFunc("/trace-sessions/{session_id}/events/batch", ingestHandlers.AddEventsBatch).Methods("POST")

	// Queries
	apiRouter.HandleFunc("/trace-sessions", queryHandlers.ListSessions).Methods("GET")
	apiRouter.HandleFunc("/trace-sessions/{session_id}", queryHandlers.GetSession).Methods("GET")
	apiRouter.HandleFunc("/trace-sessions/{session_id}/events", queryHandlers.ListSessionEvents).Methods("GET")
	apiRouter.HandleFunc("/flow-traces", queryHandlers.GetFlowTraces).Methods("GET")
	apiRouter.HandleFunc("/flow-traces/search", queryHandlers.SearchTraces).Methods("GET")
	apiRouter.HandleFunc("/flow-traces/{trace_id}", queryHandlers.GetFlowTrace).Methods("GET")

	// Replay
	apiRouter.HandleFunc("/workflows/{workflow_id}/state", replayHandlers.GetWorkflowState).Methods("GET")
	apiRouter.HandleFunc("/trace-sessions/{session_id}/replay", replayHandlers.ReplayTraces).Methods("GET")
	apiRouter.HandleFunc("/trace-sessions/{session_id}/replay", replayHandlers.ReplaySession).Methods("POST")
	apiRouter.HandleFunc("/trace-sessions/{session_id}/timeline", replayHandlers.GetExecutionTimeline).Methods("GET")
	apiRouter.HandleFunc("/replay-jobs/{job_id}", replayHandlers.GetReplayJob).Methods("GET")
	apiRouter.HandleFunc("/replay-jobs/{job_id}", replayHandlers.CancelReplayJob).Methods("DELETE")

	// Analytics
	apiRouter.HandleFunc("/workflows/{workflow_id}/stats", analyticsHandlers.GetSessionStats).Methods("GET")
	apiRouter.HandleFunc("/nodes/{node_id}/performance", analyticsHandlers.GetNodePerformance).Methods("GET")
	apiRouter.HandleFunc("/workflows/{workflow_id}/analytics", analyticsHandlers.GetAnalytics).Methods("GET")
	apiRouter.HandleFunc("/trace-sessions/{session_id}/report", analyticsHandlers.GenerateReport).Methods("POST")
	apiRouter.HandleFunc("/reports/{report_id}", analyticsHandlers.GetReport).Methods("GET")
	apiRouter.HandleFunc("/reports/{report_id}/download", analyticsHandlers.DownloadReport).Methods("GET")

	// Diagnostics and live stream
	apiRouter.HandleFunc("/diagnostics", healthHandlers.Diagnostics).Methods("GET")
	apiRouter.HandleFunc("/stream", streamHandlers.Stream).Methods("GET")

	// Credential management
	apiRouter.HandleFunc("/api-keys", apiKeyHandlers.CreateAPIKey).Methods("POST")
	apiRouter.HandleFunc("/api-keys/{key_id}", apiKeyHandlers.DeleteAPIKey).Methods("DELETE")

	// CORS handler wrapper
	//
	// Wrapped at the HTTP handler level (instead of router.Use) so preflight
	// responses work even when gorilla/mux would return 404 for
	// method-mismatches. Websocket upgrades bypass the wrapper because they
	// need the underlying connection.
	corsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			router.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		allowed := false
		allowAll := false
		for _, allowedOrigin := range cfg.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowAll = true
				allowed = true
				break
			} else if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if allowAll && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
		if allowed && (!allowAll || origin != "") {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.CORS.AllowedMethods, ", "))
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.CORS.AllowedHeaders, ", "))

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		router.ServeHTTP(w, r)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      corsHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Server starting", map[string]interface{}{
			"address": addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", err, nil)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", err, nil)
	}

	logger.Info("Server stopped", nil)
}
