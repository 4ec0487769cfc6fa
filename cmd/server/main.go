package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gitlab.com/secp/services/relay/internal/config"
	"gitlab.com/secp/services/relay/internal/db"
	"gitlab.com/secp/services/relay/internal/handlers"
	"gitlab.com/secp/services/relay/internal/mailbox"
	"gitlab.com/secp/services/relay/internal/push"
	"gitlab.com/secp/services/relay/internal/ratelimit"
	"gitlab.com/secp/services/relay/pkg/logger"
)

func main() {
	godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.LogLevel)

	log.Info("relay server starting",
		"listen_addr", cfg.ListenAddr,
		"redis_url", cfg.RedisURL,
		"max_ttl_hours", cfg.MaxTTLHours,
		"rate_limit", cfg.RateLimitPerMinute)

	rdb, err := db.Connect(context.Background(), cfg.RedisURL, os.Getenv("REDIS_PASSWORD"))
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	log.Info("connected to redis")

	mailboxService := mailbox.NewService(rdb, log)
	rateLimiter := ratelimit.NewLimiter(rdb)
	relayHandler := handlers.NewRelayHandler(mailboxService, rateLimiter, cfg, log)
	gateway := push.NewGateway(mailboxService, log, cfg.WsPollInterval, cfg.WsPingInterval)

	router := setupRouter(relayHandler, gateway)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited gracefully")
}

func setupRouter(relay *handlers.RelayHandler, gateway *push.Gateway) *mux.Router {
	router := mux.NewRouter()

	router.Use(corsMiddleware)
	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/health", relay.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/relay/upload", relay.Upload).Methods("POST")
	router.HandleFunc("/relay/poll", relay.Poll).Methods("GET")
	router.HandleFunc("/relay/ack", relay.Ack).Methods("POST")
	router.HandleFunc("/relay/pending", relay.Pending).Methods("GET")
	router.HandleFunc("/relay/ws", gateway.ServeWs).Methods("GET")

	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
