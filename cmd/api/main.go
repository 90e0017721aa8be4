package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lastmile/internal/api"
	"lastmile/internal/config"
	"lastmile/internal/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvDeps, err := api.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	worker := srvDeps.NewWebhookWorker()
	worker.Start()

	// WriteTimeout leaves room for synchronous solves at the longest
	// configured search limit plus a cold matrix fetch.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srvDeps.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Optimizer.TimeLimit() + 2*time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("API listening addr=%s auth=%s matrix=%s", srv.Addr, cfg.Auth.Mode, cfg.Matrix.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	close(worker.Stop)
	if err := srvDeps.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}
