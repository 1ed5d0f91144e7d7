package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/est/p.est.im/cfg"
	"github.com/est/p.est.im/svc/api"
	"github.com/est/p.est.im/svc/cache"
	"github.com/est/p.est.im/svc/db"
	"github.com/est/p.est.im/svc/lim"
	"github.com/est/p.est.im/svc/svc"
	"github.com/est/p.est.im/svc/util"
)

func main() {
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting paste service")

	store, err := db.NewStoreWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize store")
		os.Exit(1)
	}
	defer store.Close()
	util.Info().Str("path", c.DatabasePath).Msg("store initialized")

	coord, err := cache.New(c.RedisURL, c.LRUCacheSize, c.CacheTimeout)
	if err != nil {
		if c.Environment == "production" {
			util.Fatal().Err(err).Msg("cache required in production")
			os.Exit(1)
		}
		util.Warn().Err(err).Msg("redis unavailable, falling back to in-process cache only")
		coord, err = cache.New("", c.LRUCacheSize, c.CacheTimeout)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize cache")
			os.Exit(1)
		}
	}
	defer coord.Close()
	util.Info().Int("front_size", c.LRUCacheSize).Bool("redis", c.RedisURL != "").Msg("cache coordinator initialized")

	pasteSvc := svc.New(store, c)
	util.Info().Int("workers", c.WorkerPoolSize).Msg("paste service initialized")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, store, coord)
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}
