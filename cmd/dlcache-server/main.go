package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seasbee/go-logx"

	"github.com/dlmonitor/dlcache/internal/auth"
	"github.com/dlmonitor/dlcache/internal/config"
	"github.com/dlmonitor/dlcache/internal/observability"
	"github.com/dlmonitor/dlcache/internal/transport/web"
	"github.com/dlmonitor/dlcache/pkg/cache"
	"github.com/dlmonitor/dlcache/pkg/cachestats"
	"github.com/dlmonitor/dlcache/pkg/invalidate"
	"github.com/dlmonitor/dlcache/pkg/kvstore"
	"github.com/dlmonitor/dlcache/pkg/session"
)

func main() {
	configPath := flag.String("config", os.Getenv("DLCACHE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logx.Fatal("Failed to load configuration", logx.ErrorField(err))
	}
	logx.Info("Starting dlcache server",
		logx.String("environment", cfg.Environment),
		logx.String("addr", cfg.Server.Addr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Observability)
	if err != nil {
		logx.Fatal("Failed to set up tracing", logx.ErrorField(err))
	}
	obs := observability.New(cfg.Observability)

	store, err := kvstore.New(ctx, cfg.Redis, obs)
	if err != nil {
		logx.Fatal("Failed to connect to the key-value store", logx.ErrorField(err))
	}

	local, err := cache.NewLocalTier(cfg.Cache.Local)
	if err != nil {
		logx.Fatal("Failed to create local cache tier", logx.ErrorField(err))
	}

	facade := cache.New(store,
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithExcludedArgs(cfg.Cache.ExcludedArgs...),
		cache.WithLocalTier(local),
		cache.WithObservability(obs))
	tiers := cfg.Cache.Tiers()
	logx.Info("Cache facade ready",
		logx.String("default_ttl", tiers.Default.String()),
		logx.String("user_data_ttl", tiers.UserData().TTL.String()),
		logx.String("search_ttl", tiers.SearchResults().TTL.String()),
		logx.String("static_ttl", tiers.StaticData().TTL.String()),
		logx.Bool("local_tier", local != nil))

	registry := invalidate.NewRegistry(cfg.Invalidation.Categories)
	invalidator := invalidate.New(store,
		invalidate.WithRegistry(registry),
		invalidate.WithLocalTier(local),
		invalidate.WithObservability(obs),
		invalidate.WithBatchSize(cfg.Invalidation.BatchSize))

	inspector := cachestats.New(store, cachestats.WithCountLimit(cfg.Cache.CountLimit))
	sessions := session.NewManager(store,
		session.WithDefaultTTL(cfg.Session.DefaultTTL),
		session.WithObservability(obs))
	tokens := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Session.DefaultTTL)

	var watcher *config.Watcher
	if cfg.HotReload.Enabled && *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, cfg)
		if err != nil {
			logx.Warn("Config hot reload disabled", logx.ErrorField(err))
		} else {
			watcher.OnChange(func(next *config.Config) {
				registry.Replace(next.Invalidation.Categories)
				logx.Info("Invalidation categories reloaded",
					logx.Int("categories", len(next.Invalidation.Categories)))
			})
			watcher.Start()
		}
	}

	server := web.NewServer(web.ServerConfig{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, web.Deps{
		Cache:       facade,
		Inspector:   inspector,
		Invalidator: invalidator,
		Sessions:    sessions,
		Tokens:      tokens,
		Obs:         obs,
		CORSOrigins: cfg.Server.CORSOrigins,
		Cookie: web.CookieConfig{
			Name:   cfg.Session.CookieName,
			MaxAge: cfg.Session.CookieMaxAge,
			Path:   cfg.Session.CookiePath,
			Domain: cfg.Session.CookieDomain,
			Secure: cfg.IsProduction(),
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logx.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logx.Error("HTTP server failed", logx.ErrorField(err))
		}
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	if watcher != nil {
		watcher.Stop()
	}
	local.Close()
	if err := store.Close(); err != nil {
		logx.Warn("Failed to close key-value store", logx.ErrorField(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logx.Warn("Failed to flush traces", logx.ErrorField(err))
	}
	logx.Info("dlcache server stopped")
}
