package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canvasd/api/internal/app"
	"canvasd/api/internal/config"
	"canvasd/api/internal/hub"
	"canvasd/api/internal/presence"
	"canvasd/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	cardStore := store.NewPostgresStore(db)

	presenceService, err := presence.NewRedisService(cfg.RedisURL, cfg.PresenceTTL, cfg.LockTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer presenceService.Close()

	service := app.New(cfg, cardStore, presenceService)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	wsHub := hub.New(presenceService)

	mux := http.NewServeMux()
	mux.Handle("/ws/", wsHub)
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("canvasd API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	service.FlushMirrors()
}
