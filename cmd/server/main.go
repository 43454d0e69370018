// Package main is the entry point for the farmledger API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"farmledger/internal/app"
	"farmledger/internal/config"
	"farmledger/internal/domain/auth"
	v1 "farmledger/internal/infrastructure/http/v1"
	"farmledger/internal/infrastructure/http/v1/handlers"
	"farmledger/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Development(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := logger.WithLogger(context.Background(), log)
	log.Infow("starting farmledger server", "version", cfg.Version)

	rt, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to open ledger", "error", err)
	}
	defer rt.Close()

	routerCfg := v1.RouterConfig{
		Logger:       log,
		DevActor:     cfg.DevActor,
		Service:      rt.Service,
		HealthChecks: map[string]handlers.Pinger{},
		Version:      cfg.Version,
	}
	if cfg.JWTSecret != "" {
		jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
		jwtCfg.Issuer = cfg.JWTIssuer
		routerCfg.JWTValidator = auth.NewJWTService(jwtCfg)
	} else {
		log.Warnw("JWT_SECRET not set, requests run as the dev actor", "actor", cfg.DevActor)
	}
	if rt.Pool != nil {
		routerCfg.HealthChecks["database"] = rt.Pool
	}
	if rt.Snapshots != nil {
		routerCfg.Snapshots = rt.Snapshots
		routerCfg.HealthChecks["redis"] = rt.Snapshots
	}

	router := v1.NewRouter(routerCfg)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
