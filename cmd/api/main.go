package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"boardroom/api/internal/anchor"
	"boardroom/api/internal/app"
	"boardroom/api/internal/broadcast"
	"boardroom/api/internal/config"
	"boardroom/api/internal/member"
	"boardroom/api/internal/search"
	"boardroom/api/internal/store"
	"boardroom/api/internal/voting"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	resolver := member.NewPostgresResolver(db)

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()
		log.Printf("Using Redis for tally cache and event fan-out")
	}

	var hub *broadcast.Hub
	if redisClient != nil {
		hub = broadcast.NewHubWithRedis(redisClient, "boardroom.events")
		go hub.Run(ctx)
	} else {
		hub = broadcast.NewHub()
	}

	aggregator := voting.NewAggregator(dataStore, redisClient)

	pgSearch := search.NewPgSearch(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)

	service := voting.New(dataStore, resolver, aggregator, hub, searchService)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}
	searchService.ReindexAll(ctx)

	scheduler := voting.NewScheduler(service, cfg.SchedulerInterval)
	go scheduler.Run(ctx)

	if strings.TrimSpace(cfg.AnchorURL) != "" {
		client := anchor.NewHTTPClient(cfg.AnchorURL, cfg.AnchorToken)
		synchronizer := anchor.NewSynchronizer(dataStore, client, anchor.Options{
			Workers:      cfg.AnchorWorkers,
			MaxAttempts:  cfg.AnchorMaxAttempts,
			BaseBackoff:  cfg.AnchorBaseBackoff,
			PollInterval: cfg.AnchorPollInterval,
		})
		go synchronizer.Run(ctx)
		go synchronizer.Reconcile(ctx, time.Minute)
		log.Printf("Anchor mirroring enabled (%d workers)", cfg.AnchorWorkers)
	} else {
		log.Printf("Anchor mirroring disabled (ANCHOR_URL not set)")
	}

	httpServer := app.NewHTTPServer(service, resolver, hub, searchService, []byte(cfg.JWTSecret), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No ReadTimeout/WriteTimeout: /api/events holds websockets open
		// indefinitely; per-write deadlines are set on the connection.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Boardroom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
