package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"delivery-route-ledger/internal/api"
	"delivery-route-ledger/internal/app"
	"delivery-route-ledger/internal/config"
)

// main is the application composition root.
// It wires the configured store, ledger and queue behind ports, starts the
// anchor worker and serves the HTTP API.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	policy, err := config.LoadPolicy(cfg.AuthPolicyFile)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, policy)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := a.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("anchor worker stopped: %v", err)
		}
	}()

	router := api.NewRouter(api.Deps{
		Routes:    a.Routes,
		Verifier:  a.Verifier,
		Optimizer: a.Optimizer,
		Events:    a.Events,
	})

	// Timeouts are tuned for cold-cache optimization (external API latency).
	// WriteTimeout is left to the handlers so /events websockets stay open.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
	}()

	log.Printf("Server listening addr=:%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	<-workerDone
	log.Println("Server stopped")
}
