package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tenant-gateway/internal/analytics"
	"tenant-gateway/internal/api"
	"tenant-gateway/internal/auth"
	"tenant-gateway/internal/breaker"
	"tenant-gateway/internal/config"
	"tenant-gateway/internal/gateway"
	"tenant-gateway/internal/metrics"
	"tenant-gateway/internal/pool"
	"tenant-gateway/internal/ratelimit"
	"tenant-gateway/internal/storage"
	"tenant-gateway/internal/tenant"
)

// @title Tenant Gateway API
// @version 1.0
// @description Multi-tenant request gateway: tenant resolution, auth caching, rate limits, circuit breaking
// @host localhost:8080
// @BasePath /
// @schemes http

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	// Init Metrics
	metrics.Init()

	// Load Configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded")

	// Init PostgreSQL (control plane: tenant directory + analytics events)
	db, err := storage.NewStorage(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to init DB: %v", err)
	}
	defer db.DB.Close()
	log.Println("PostgreSQL connected")

	// Init RabbitMQ analytics pipeline
	publisher, err := analytics.NewPublisher(cfg.RabbitMQ.URL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()
	log.Println("RabbitMQ connected")

	sink, err := analytics.StartSink(publisher.GetConnection(), db)
	if err != nil {
		log.Fatalf("Failed to start analytics sink: %v", err)
	}

	// Tenant resolution over the directory
	resolver := tenant.NewResolver(db, cfg.Tenant.CacheTTL.D(), cfg.Tenant.CacheSize)

	// Credential verification + short-lived identity cache
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	authCache := auth.NewCache(auth.DefaultStrategies(), verifier, cfg.Auth.CacheTTL.D())

	// Rate limiting: shared Redis counters when configured, in-process otherwise
	var store ratelimit.CounterStore
	if cfg.Redis.Addr != "" {
		store = ratelimit.NewRedisStore(cfg.Redis.Addr)
		log.Println("Rate limit counters in Redis")
	} else {
		store = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.NewLimiter(store)

	// Per-tenant connection pools
	pools := pool.NewManager(pool.Options{
		DSN:            cfg.Database.URL,
		MinConns:       cfg.Pool.MinConns,
		MaxConns:       cfg.Pool.MaxConns,
		StartSize:      cfg.Pool.StartSize,
		IdleTimeout:    cfg.Pool.IdleTimeout.D(),
		GlobalCap:      cfg.Pool.GlobalCap,
		AcquireTimeout: cfg.Pool.AcquireTimeout.D(),
		SlowQuery:      cfg.Pool.SlowQuery.D(),
		SweepInterval:  cfg.Pool.SweepInterval.D(),
		IdleThreshold:  cfg.Pool.IdleThreshold.D(),
	})

	// Downstream handlers
	registry := gateway.NewRegistry()
	registerRoutes(registry)

	gw := gateway.New(cfg, resolver, authCache, limiter, breaker.New(), pools, registry, publisher)

	// Graceful Shutdown Setup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pools.StartSweeper(ctx)

	// Background loop for the analytics queue depth gauge
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				publisher.UpdateQueueDepth()
			}
		}
	}()

	// Init API
	apiHandler := api.NewAPI(gw, pools, authCache, cfg)
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: apiHandler.Router(),
	}

	go func() {
		log.Printf("🚀 Starting gateway on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done() // Wait for interrupt signal
	log.Println("Shutdown initiated...")

	// Shutdown sequence
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	sink.Stop()
	pools.CloseAll()

	log.Println("Graceful shutdown complete")
}

// registerRoutes wires the downstream handler set. The business routes live
// in the marketplace services; these are the gateway's own reference routes.
func registerRoutes(registry *gateway.Registry) {
	registry.Register(gateway.RouteID(http.MethodGet, "/api/ping"), func(ctx context.Context, rc *gateway.RequestContext) (*gateway.Response, error) {
		body, _ := json.Marshal(map[string]string{
			"status": "ok",
			"tenant": rc.Tenant.Subdomain,
		})
		return &gateway.Response{Status: http.StatusOK, Body: body}, nil
	})

	registry.RegisterAuthenticated(gateway.RouteID(http.MethodGet, "/api/whoami"), func(ctx context.Context, rc *gateway.RequestContext) (*gateway.Response, error) {
		rows, err := rc.DB.Query(ctx, `SELECT current_setting('app.current_tenant') AS tenant`)
		if err != nil {
			return nil, err
		}
		body, _ := json.Marshal(map[string]interface{}{
			"subject": rc.Identity.Subject,
			"tenant":  rc.Tenant.Subdomain,
			"session": rows,
		})
		return &gateway.Response{Status: http.StatusOK, Body: body}, nil
	})
}
