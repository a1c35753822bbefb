package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediscope/internal/config"
	"mediscope/internal/di"
	serverHTTP "mediscope/internal/server/http"
	"mediscope/internal/shared/logging"
)

func main() {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting mediscope diagnose server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Info("Synthesis model: %s (%s)", cfg.Synthesis.Model, cfg.Synthesis.BaseURL)
	logger.Info("Enrichments: websearch=%t classification=%t",
		cfg.Enrichments.WebSearch, cfg.Enrichments.Classification)

	container, err := di.BuildContainer(cfg)
	if err != nil {
		log.Fatalf("Failed to build container: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Cleanup(ctx); err != nil {
			log.Printf("Failed to cleanup container: %v", err)
		}
	}()

	handler := serverHTTP.NewDiagnoseHandler(container, container.Tracer)
	srv := serverHTTP.NewServer(handler, serverHTTP.ServerConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		EnableCORS:  cfg.Server.EnableCORS,
		ReadTimeout: cfg.Server.ReadTimeout,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server stopped")
}
