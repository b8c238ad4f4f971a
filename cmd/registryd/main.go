package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/registry/internal/config"
	"github.com/agentmesh/registry/internal/contentstore"
	"github.com/agentmesh/registry/internal/discovery"
	"github.com/agentmesh/registry/internal/economics"
	"github.com/agentmesh/registry/internal/events"
	"github.com/agentmesh/registry/internal/handlers"
	"github.com/agentmesh/registry/internal/health"
	"github.com/agentmesh/registry/internal/identity"
	"github.com/agentmesh/registry/internal/ledger"
	"github.com/agentmesh/registry/internal/metrics"
	"github.com/agentmesh/registry/internal/middleware"
	"github.com/agentmesh/registry/internal/registry"
	"github.com/agentmesh/registry/internal/reputation"
	"github.com/agentmesh/registry/internal/utip"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			slog.Error("failed to load config", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}

	logLevel := slog.LevelInfo
	if cfg.Server.Env == "development" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	// Storage and event backends: Redis when an address is configured via
	// environment, in-memory otherwise.
	var (
		store contentstore.Store
		bus   events.Bus
	)
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			cancel()
			slog.Error("redis unreachable", "addr", addr, "error", err)
			os.Exit(1)
		}
		cancel()
		store = contentstore.NewRedisStore(client, cfg.Redis.KeyPrefix)
		bus = events.NewRedisBus(client, cfg.Redis.KeyPrefix+"events:")
		slog.Info("using redis backends", "addr", addr)
	} else {
		store = contentstore.NewMemoryStore()
		bus = events.NewLocalBus()
		slog.Info("using in-memory backends")
	}
	defer bus.Close()

	chain := ledger.NewMemoryLedger()

	econ := economics.NewEngine(cfg.Economics, nil)
	reg := registry.NewService(cfg.Registry.DIDNamespace, store, chain, econ, bus)

	arbiterDID := os.Getenv("ARBITER_DID")
	if arbiterDID == "" {
		arbiterDID = registry.DeriveDID(cfg.Registry.DIDNamespace, "arbiter")
	}
	rep := reputation.NewLedger(cfg.Reputation, reg, chain, econ, bus, arbiterDID)
	econ.SetReliabilityProvider(rep)

	disc := discovery.NewEngine(cfg.Discovery, chain, store, econ, cfg.Registry.DIDNamespace)

	signer, err := identity.NewSigner(identity.DefaultAlgorithm)
	if err != nil {
		slog.Error("failed to create provenance signer", "error", err)
		os.Exit(1)
	}
	auth := utip.NewAuthenticator(cfg.Invocation, &utip.RegistryKeyResolver{Entries: reg})
	invoker := utip.NewEngine(cfg.Invocation, reg, auth, econ, store, signer, bus)
	defer invoker.Close()

	monitor := health.NewMonitor(chain, bus, cfg.Reputation.ReliabilityFloor)
	defer monitor.Close()

	m := metrics.NewMetrics()

	limiter := middleware.NewRateLimiter(0)
	defer limiter.Stop()

	router := mux.NewRouter()
	router.Use(middleware.Logging, middleware.CORS, limiter.Middleware)
	router.HandleFunc("/health", handlers.HandleLiveness()).Methods("GET")
	router.HandleFunc("/health/network", handlers.HandleNetworkHealth(monitor)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/agents", handlers.HandleRegister(reg, m)).Methods("POST")
	api.HandleFunc("/agents/{agentId}", handlers.HandleGetAgent(reg)).Methods("GET")
	api.HandleFunc("/agents/{agentId}/history", handlers.HandleAgentHistory(reg)).Methods("GET")
	api.HandleFunc("/agents/{agentId}/deployment", handlers.HandleUpdateDeployment(reg)).Methods("PUT")
	api.HandleFunc("/agents/{agentId}/stake", handlers.HandleBondStake(econ)).Methods("POST")
	api.HandleFunc("/stake/quote", handlers.HandleStakeQuote(econ)).Methods("POST")
	api.HandleFunc("/discover", handlers.HandleDiscover(disc, m)).Methods("POST")
	api.HandleFunc("/invoke", handlers.HandleInvoke(invoker, m)).Methods("POST")
	api.HandleFunc("/tokens", handlers.HandleIssueToken(auth)).Methods("POST")
	api.HandleFunc("/tokens/revoke", handlers.HandleRevokeToken(auth)).Methods("POST")
	api.HandleFunc("/agents/{agentId}/reputation", handlers.HandleGetReputation(reg, m)).Methods("GET")
	api.HandleFunc("/agents/{agentId}/reputation", handlers.HandleSubmitRating(rep, m)).Methods("POST")
	api.HandleFunc("/agents/{agentId}/slash", handlers.HandleSlash(rep, m)).Methods("POST")

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("registryd starting",
		"port", cfg.Server.Port,
		"namespace", cfg.Registry.DIDNamespace,
		"arbiter", arbiterDID)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("registryd stopped")
}
