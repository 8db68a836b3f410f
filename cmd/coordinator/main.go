package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cosignr/coordinator/internal/api"
	"github.com/cosignr/coordinator/internal/auth"
	"github.com/cosignr/coordinator/internal/config"
	"github.com/cosignr/coordinator/internal/db"
	"github.com/cosignr/coordinator/internal/hub"
	"github.com/cosignr/coordinator/internal/logging"
	"github.com/cosignr/coordinator/internal/metrics"
	"github.com/cosignr/coordinator/internal/sign"
)

// Main entry point: sets up the database, broadcast hub, and HTTP server
func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	var signer *sign.Signer
	if cfg.OperatorPrivateKey != "" {
		signer, err = sign.NewSigner(cfg.OperatorPrivateKey)
		if err != nil {
			logger.Fatal("failed to load operator key", zap.Error(err))
		}
		logger.Info("approval co-signing enabled", zap.String("operator_address", signer.Address()))
	} else {
		logger.Warn("no operator key configured, approvals will not be co-signed")
	}

	broadcastHub := hub.New(logger)
	authSvc := auth.NewService(cfg.SubscriberAuthSecret)
	handler := api.NewHandler(database, broadcastHub, authSvc, cfg, signer, logger)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(api.MetricsMiddleware)

	r.Get(cfg.MetricsPath, metrics.Handler(registry).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := database.Pool.Ping(req.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	// Approval requests for signed taker transactions
	r.Post("/v1/request_transaction", handler.RequestTransaction)

	// WebSocket endpoint for subscribing to coordinator notifications
	r.Get("/v1/requests", handler.SubscribeRequests)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	logger.Info("starting server",
		zap.String("addr", addr),
		zap.Ints("supported_networks", cfg.SupportedNetworks))
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
