// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

// Package council is the HTTP service layer: routing, CORS, streaming,
// metrics, and optional bearer-token auth around the deliberation core.
package council

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"conclave/platform/council/catalog"
	"conclave/platform/council/deliberation"
	"conclave/platform/council/storage"
	"conclave/platform/shared/logger"
)

// Service components, initialized once by initializeComponents.
var (
	serviceConfig *Config
	store         conversationStore
	engine        *deliberation.Engine
	modelCache    modelCatalog
	metrics       *serviceMetrics
	logr          = logger.New("council")
)

// initRedis connects to Redis when a URL is configured. Failure is not
// fatal; the catalog falls back to its in-memory tier.
func initRedis(redisURL string) *redis.Client {
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("⚠️  Invalid REDIS_URL, continuing without Redis: %v", err)
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️  Redis unreachable, continuing without Redis: %v", err)
		client.Close()
		return nil
	}
	log.Printf("✅ Redis connected: %s", redisURL)
	return client
}

// initializeComponents wires the gateway, store, catalog, and engine from the
// loaded configuration.
func initializeComponents(cfg *Config) error {
	serviceConfig = cfg
	metrics = newServiceMetrics()

	db, err := storage.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	pgStore := storage.New(db)
	if err := pgStore.Migrate(context.Background()); err != nil {
		return err
	}
	store = pgStore
	log.Println("✅ Database connected and migrated")

	var gatewayOpts []deliberation.GatewayOption
	if cfg.OpenRouterURL != "" {
		gatewayOpts = append(gatewayOpts, deliberation.WithEndpoint(cfg.OpenRouterURL))
	}
	gw := deliberation.NewOpenRouterGateway(cfg.OpenRouterAPIKey, gatewayOpts...)
	engine = deliberation.NewEngine(&instrumentedGateway{next: gw}, store)

	catalogOpts := []catalog.Option{}
	if rdb := initRedis(cfg.RedisURL); rdb != nil {
		catalogOpts = append(catalogOpts, catalog.WithRedis(rdb))
	}
	modelCache = catalog.NewCache(cfg.OpenRouterAPIKey, catalogOpts...)

	return nil
}

// statusRecorder captures the response status for request metrics while
// still exposing Flush for SSE handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// instrument counts requests per route template and status.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		promRequestsTotal.WithLabelValues(route, http.StatusText(recorder.status)).Inc()
		metrics.recordRequest(recorder.status >= http.StatusBadRequest)
	})
}

// newRouter builds the route table. Split out of Run so handler tests can
// exercise the real routing.
func newRouter(jwtSecret []byte) *mux.Router {
	router := mux.NewRouter()
	router.Use(instrument)

	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.HandleFunc("/metrics", metrics.handler).Methods("GET")
	router.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware(jwtSecret))

	api.HandleFunc("/models", modelsHandler).Methods("GET")

	api.HandleFunc("/conversations", listConversationsHandler).Methods("GET")
	api.HandleFunc("/conversations", createConversationHandler).Methods("POST")
	api.HandleFunc("/conversations/{id}", getConversationHandler).Methods("GET")
	api.HandleFunc("/conversations/{id}", deleteConversationHandler).Methods("DELETE")
	api.HandleFunc("/conversations/{id}/title", updateTitleHandler).Methods("PATCH")
	api.HandleFunc("/conversations/{id}/config", updateConfigHandler).Methods("PATCH")

	api.HandleFunc("/conversations/{id}/message", messageHandler).Methods("POST")
	api.HandleFunc("/conversations/{id}/message/stream", streamMessageHandler).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages/{idx}/continue", continueHandler).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages/{idx}/rerun", rerunHandler).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages/{idx}/stage1/model/{model:.*}", rerunStage1ModelHandler).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages/{idx}/stage2/model/{model:.*}", rerunStage2ModelHandler).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages/{idx}/stage3", rerunStage3Handler).Methods("POST")

	return router
}

// Run is the exported entry point for the council service. It blocks.
func Run() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if err := initializeComponents(cfg); err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	handler := corsHandler.Handler(newRouter([]byte(cfg.JWTSecret)))

	log.Printf("🚀 Conclave council starting on port %s", cfg.Port)
	log.Printf("   Council: %v", cfg.CouncilModels)
	log.Printf("   Chairman: %s", cfg.ChairmanModel)
	if err := http.ListenAndServe(":"+cfg.Port, handler); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
