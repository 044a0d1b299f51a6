// Command broker runs the WebRTC signaling broker: it terminates the client
// and robot sockets, authenticates every connection, relays signaling frames
// between the intended peers and accounts session time against credits.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modulr/broker/internal/auth"
	"github.com/modulr/broker/internal/authz"
	"github.com/modulr/broker/internal/config"
	"github.com/modulr/broker/internal/directory"
	"github.com/modulr/broker/internal/dispatch"
	"github.com/modulr/broker/internal/gateway"
	"github.com/modulr/broker/internal/infra"
	"github.com/modulr/broker/internal/metrics"
	"github.com/modulr/broker/internal/relay"
	"github.com/modulr/broker/internal/session"
	"github.com/modulr/broker/internal/store"
)

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	if cfg.AllowNoToken {
		slog.Warn("ALLOW_NO_TOKEN is set: token auth disabled, development only")
	}

	rdb, err := infra.NewGoRedisAdapter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	dir, err := directory.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, directory.Tables{
		Robots:    cfg.RobotsTable,
		Operators: cfg.OperatorsTable,
		Credits:   cfg.CreditsTable,
		Settings:  cfg.SettingsTable,
	})
	if err != nil {
		slog.Error("directory client failed", "error", err)
		os.Exit(1)
	}

	connections := store.NewConnectionStore(rdb, cfg.ConnectionsTable)
	presence := store.NewPresenceStore(rdb, cfg.PresenceTable)
	revoked := store.NewRevokedTokenStore(rdb, cfg.RevokedTokensTable)
	var sessions *store.SessionStore
	if cfg.SessionsEnabled() {
		sessions = store.NewSessionStore(rdb, cfg.SessionsTable)
	} else {
		slog.Warn("SESSIONS_TABLE not set: billing sessions and session locks disabled")
	}

	keys := auth.NewKeySet(cfg.JWKSURL(), 5*time.Minute)
	resolver := auth.NewResolver(connections, revoked, keys, cfg.Issuer(), cfg.AllowNoToken)
	authorizer := authz.NewEngine(presence, dir, sessions)

	m := metrics.New(prometheus.DefaultRegisterer)

	pool := gateway.NewPool(rdb)
	engine := relay.NewEngine(connections, presence, authorizer, pool, m, cfg.LenientClientTarget)
	lifecycle := session.NewLifecycle(sessions, dir, engine, m)
	engine.SetSessions(lifecycle)

	dispatcher := dispatch.New(resolver, connections, presence, authorizer, engine, lifecycle, m)
	server := gateway.NewServer(pool, dispatcher, cfg.Env, cfg.AllowedOrigins)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pool.StartBus(ctx); err != nil {
		slog.Warn("cross-pod delivery bus unavailable, local-only delivery", "error", err)
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", server.HandleWebSocket)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, hcancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer hcancel()

		status := "healthy"
		redisStatus := "connected"
		if err := rdb.Ping(hctx); err != nil {
			status, redisStatus = "degraded", "error"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "signal-broker",
			"redis":   redisStatus,
		})
	}).Methods("GET")

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("broker listening", "port", cfg.Port, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	pool.Close()
}
