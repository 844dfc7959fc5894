package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cybershield/messenger/internal/abuse"
	"github.com/cybershield/messenger/internal/config"
	"github.com/cybershield/messenger/internal/messaging"
	"github.com/cybershield/messenger/internal/metrics"
	"github.com/cybershield/messenger/internal/moderation"
	"github.com/cybershield/messenger/internal/presence"
	"github.com/cybershield/messenger/internal/ratelimit"
	"github.com/cybershield/messenger/internal/relay"
	"github.com/cybershield/messenger/internal/report"
	"github.com/cybershield/messenger/internal/store"
	"github.com/cybershield/messenger/internal/ws"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := config.LoadRelay(nil, os.Getenv("RELAY_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// --- PostgreSQL ---
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}
	directory := store.New(db)
	reports := report.NewStore(db)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "messenger-relay-" + cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisClient, err := presence.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	log.Printf("messenger relay starting")
	log.Printf("  listen_addr:        %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:        %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections:    %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:       %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:      %s", serverConfig.WriteTimeout)
	log.Printf("  nats_url:           %s", natsConfig.URL)
	log.Printf("  redis_addr:         %s", cfg.RedisAddr)
	log.Printf("  server_name:        %s", cfg.ServerName)
	log.Printf("  moderation_timeout: %s", cfg.ModerationTimeout)

	presenceStore := presence.NewStore(redisClient, cfg.ServerName)
	svc := relay.NewService(relay.DefaultConfig(), relay.Deps{
		Directory: directory,
		Reports:   reports,
		Limiter:   ratelimit.NewLimiter(redisClient),
		Abuse:     abuse.NewTracker(redisClient),
		Scorer:    moderation.NewNATSScorer(natsClient, cfg.ModerationTimeout),
		Presence:  presenceStore,
		Bus:       natsClient,
	})

	server := ws.NewServer(serverConfig, svc.Hooks())
	svc.SetLocal(server)

	router := server.Router()
	relay.NewAPI(directory, reports, presenceStore).Register(router)
	router.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
