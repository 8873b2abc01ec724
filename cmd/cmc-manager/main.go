package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cmc_manager/internal/auth"
	"cmc_manager/internal/cmcapi"
	"cmc_manager/internal/cmcclient"
	"cmc_manager/internal/config"
	"cmc_manager/internal/db"
	"cmc_manager/internal/devproxy"
	"cmc_manager/internal/httpapi"
	"cmc_manager/internal/metrics"
	"cmc_manager/internal/secrets"
	"cmc_manager/internal/store"
	"cmc_manager/internal/sweeper"
	"cmc_manager/internal/tokencache"
)

func main() {
	configPath := flag.String("config", envOr("CMC_CONFIG", ""), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := httpapi.NewLogger("info")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := httpapi.NewLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	created, err := auth.Bootstrap(ctx, st, cfg.Bootstrap.AdminUsername, cfg.Bootstrap.AdminPassword)
	if err != nil {
		logger.Warn().Err(err).Msg("admin bootstrap skipped")
	} else if created {
		logger.Info().Str("username", cfg.Bootstrap.AdminUsername).Msg("created initial admin account")
	}

	m := metrics.New()
	cache := tokencache.New(tokencache.Options{Buffer: cfg.Device.SafetyBuffer})
	cache.OnChange(func(tokencache.Change) { m.SetTokensCached(cache.Len()) })

	client := cmcclient.New(logger, cmcclient.Options{Timeout: cfg.Device.Timeout})
	coord := devproxy.New(logger, client, client, cache, m, devproxy.Options{Lifetime: cfg.Device.TokenLifetime})

	worker := sweeper.New(logger, cache, sweeper.Options{Interval: cfg.Device.SweepInterval}, m)
	go worker.Run(ctx)

	h := httpapi.NewHandler(logger, httpapi.Options{
		Store:       st,
		Actions:     cmcapi.New(logger, coord),
		Tokens:      coord,
		Issuer:      auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry),
		Metrics:     m,
		LoginLimit:  cfg.Auth.LoginRateLimit,
		LoginWindow: cfg.Auth.LoginWindow,
		CORSOrigins: cfg.Server.CORSOrigins,
		// Worst case: authenticate, forward, re-authenticate, forward.
		RequestTimeout: 4*cfg.Device.Timeout + 5*time.Second,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("cmc-manager listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = store.NewPostgres(pool)
	} else {
		lite, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = lite
	}

	if cfg.EncryptionKey == "" {
		return st, nil
	}
	sealer, err := secrets.NewSealer(cfg.EncryptionKey)
	if err != nil {
		st.Close()
		return nil, err
	}
	return store.NewSealed(st, sealer), nil
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
