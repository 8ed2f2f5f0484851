package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/bootstrap"
	"github.com/Rofiq02bae/coffeepoint/internal/config"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/server"
)

// @title CoffeePoint API
// @version 1.0
// @description Coffee shop loyalty ledger: scan tokens earn points, points mint vouchers.
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	logger.Init()
	logger.Info("Starting CoffeePoint")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer app.Close()

	workerDone := make(chan struct{})
	if app.Queue != nil {
		go func() {
			defer close(workerDone)
			app.Queue.Start(ctx, app.Ledger)
		}()
	} else {
		close(workerDone)
	}

	srv := server.New(cfg, app)

	serverErrChan := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		if err := srv.Start(cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v", sig)
	case err := <-serverErrChan:
		logger.Errorf("Server error: %v", err)
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error during server shutdown: %v", err)
	}

	// In-flight requests may still enqueue compensations, so the worker
	// stops after the server.
	cancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("compensation worker did not stop in time")
	}

	logger.Info("Server stopped")
}
