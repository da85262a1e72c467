// Package main runs the GitHub Recap data service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/dataservice"
	"github.com/gitrecap/recap/internal/observability"
	"github.com/gitrecap/recap/internal/redis"
	"github.com/gitrecap/recap/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("recap-dataservice %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging, "dataservice")
	redis.InitLogger(logger)
	redis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	if !cfg.Data.TrustGatewayHeaders {
		logger.Info("gateway trust headers disabled, only direct credentials are accepted")
	}
	logger.Info("starting data service", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The cache and debounce gate degrade on Redis errors, so a cold Redis
	// is not fatal here.
	client, err := redis.NewClient(cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable at startup, continuing without cache", "error", err)
		client, err = redis.NewClientWithoutPing(cfg.Redis)
		if err != nil {
			logger.Error("invalid redis configuration", "error", err)
			os.Exit(1)
		}
	}

	reg := server.NewRegistry()
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	svc, err := dataservice.NewService(cfg, client, metrics, logger)
	if err != nil {
		logger.Error("failed to create data service", "error", err)
		_ = client.Close()
		os.Exit(1)
	}
	health.SetCheck("redis", svc.Pinger())

	srv, err := server.New(server.Options{
		Name:     "dataservice",
		Version:  version,
		Server:   cfg.Data.Server,
		Admin:    cfg.Data.Admin,
		Tracing:  cfg.Tracing,
		Handler:  svc.Handler().Routes(),
		Health:   health,
		Registry: reg,
		Logger:   logger,
		Closers:  []func() error{svc.Close, client.Close},
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		_ = svc.Close()
		_ = client.Close()
		os.Exit(1)
	}

	current := cfg
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if fields := newCfg.RequiresRestart(current); len(fields) > 0 {
			logger.Warn("config changes require a restart to take effect", "fields", fields)
		}
		svc.Reload(newCfg)
		current = newCfg
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if tls := cfg.Data.Server.TLS; tls.Enabled {
		certWatcher := config.NewCertWatcher(tls.CertFile, tls.KeyFile, func(certFile, keyFile string) {
			if certErr := srv.ReloadCerts(certFile, keyFile); certErr != nil {
				logger.Error("TLS certificate reload failed", "error", certErr)
			}
		}, logger)
		go func() { _ = certWatcher.Start(ctx) }()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("data service shut down gracefully")
}
