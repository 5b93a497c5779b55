package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/cellclass-api/internal/config"
	"github.com/Brownie44l1/cellclass-api/internal/handlers"
	"github.com/Brownie44l1/cellclass-api/internal/model"
	"github.com/Brownie44l1/cellclass-api/internal/pipeline"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	config.InitLogger(cfg.Env)
	gin.SetMode(cfg.Server.Mode)

	slog.Info("Loading models",
		"extractor", cfg.Models.ExtractorModel,
		"live_dead", cfg.Models.LiveDead,
		"singlet_aggregate", cfg.Models.SingletAggregate,
	)

	artifacts, err := model.LoadArtifacts(cfg.Models)
	if err != nil {
		slog.Error("Failed to load models", "error", err)
		os.Exit(1)
	}
	defer artifacts.Close()

	p := pipeline.FromArtifacts(artifacts)
	handler := handlers.NewHandler(p, cfg.Server.MaxUploadBytes)

	router, err := handlers.NewRouter(handler, cfg.Server)
	if err != nil {
		slog.Error("Failed to configure router", "error", err)
		artifacts.Close()
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Starting HTTP server",
			"port", cfg.Server.Port,
			"full_pipeline", p.Full(),
			"feature_size", p.FeatureSize(),
			"allowed_origins", cfg.Server.AllowedOrigins,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(server)
}

func waitForShutdown(server *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	slog.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server gracefully stopped")
}
