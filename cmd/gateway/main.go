// Package main runs the GitHub Recap API gateway: the public edge that
// sanitizes trust headers, translates bearer credentials and proxies to the
// app and data services.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/gateway"
	"github.com/gitrecap/recap/internal/observability"
	"github.com/gitrecap/recap/internal/redis"
	"github.com/gitrecap/recap/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("recap-gateway %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging, "gateway")
	redis.InitLogger(logger)
	redis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	if cfg.IsDev() {
		logger.Warn("dev mode: origin allow-list is not enforced")
	}
	logger.Info("starting gateway", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := server.NewRegistry()
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	gw, err := gateway.New(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to create gateway", "error", err)
		os.Exit(1)
	}
	health.SetCheck("redis", gw.RedisPinger())

	srv, err := server.New(server.Options{
		Name:     "gateway",
		Version:  version,
		Server:   cfg.Gateway.Server,
		Admin:    cfg.Gateway.Admin,
		Tracing:  cfg.Tracing,
		Handler:  gw,
		Health:   health,
		Registry: reg,
		Logger:   logger,
		Closers:  []func() error{gw.Close},
	})
	if err != nil {
		logger.Error("failed to create server", "error", err)
		_ = gw.Close()
		os.Exit(1)
	}

	current := cfg
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if fields := newCfg.RequiresRestart(current); len(fields) > 0 {
			logger.Warn("config changes require a restart to take effect", "fields", fields)
		}
		if reloadErr := gw.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
			return
		}
		current = newCfg
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if tls := cfg.Gateway.Server.TLS; tls.Enabled {
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
	logger.Info("gateway shut down gracefully")
}
