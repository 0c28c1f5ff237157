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

	"maia/internal/api"
	"maia/internal/app/bootstrap"
	"maia/internal/platform/config"
	applog "maia/internal/platform/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	defer applog.Sync()

	app, err := bootstrap.Build(context.Background(), cfg, bootstrap.Options{ShuffleOrder: true})
	if err != nil {
		applog.Fatalf("❌ Bootstrap failed: %v", err)
	}
	applog.Info("✅ Study stack ready",
		"backend", app.Backend(),
		"arms", app.Pipeline.Arms(),
		"defer_memorize", cfg.Prompter.DeferMemorize,
	)

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.MaxUploadMB = cfg.Server.MaxUploadMB
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	server := api.NewServer(serverConfig, app.Pipeline, app.Repository)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Runtime.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.Close()
		applog.Fatalf("❌ Server error: %v", err)
	}

	// 等待后台提交结束再关闭存储
	app.Close()
	applog.Info("👋 Server stopped")
}
