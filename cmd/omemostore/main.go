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

	"omemostore/internal/auth"
	"omemostore/internal/config"
	"omemostore/internal/lifecycle"
	"omemostore/internal/observability/logging"
	"omemostore/internal/observability/metrics"
	"omemostore/internal/store"
	httptransport "omemostore/internal/transport/http"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "omemostore",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DatabaseURL,
		LogSQL: cfg.LogSQL,
		Logger: logger,
	})
	if err != nil {
		logger.Error("open store", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrate store", "error", err)
		os.Exit(1)
	}

	metrics.MustRegister("omemostore")

	mgr := lifecycle.New(st, lifecycle.Config{
		PreKeyBatchSize:      cfg.PreKeyBatchSize,
		PreKeyMinCount:       cfg.PreKeyMinCount,
		SignedPreKeyInterval: cfg.SignedPreKeyInterval,
		SignedPreKeyGrace:    cfg.SignedPreKeyGrace,
		StaleDeviceRetention: cfg.StaleDeviceRetention,
	}, lifecycle.WithLogger(logger))

	var signer *auth.Signer
	if cfg.AdminSigningKey != "" {
		signer, err = auth.NewFromBase64(cfg.AdminSigningKey, "admin")
		if err != nil {
			logger.Error("load admin signing key", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("ADMIN_SIGNING_KEY not set, admin API is unauthenticated")
	}

	go lifecycle.NewScheduler(mgr, st, cfg.MaintenanceInterval, logger).Run(ctx)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httptransport.NewRouter(httptransport.Deps{
			Manager: mgr,
			Store:   st,
			Signer:  signer,
			Logger:  logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}()

	logger.Info("omemostore listening",
		"addr", srv.Addr,
		"driver", cfg.DBDriver,
		"maintenance_interval", cfg.MaintenanceInterval.String(),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("omemostore stopped")
}
