// Command trustd serves the trust substrate API: audited writes, scoped
// reads, chain verification, evidence seals and isolation certification.
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

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/trustsubstrate/internal/api"
	"github.com/jmerrifield20/trustsubstrate/internal/app"
	"github.com/jmerrifield20/trustsubstrate/internal/config"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(config.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "trustd: %v\n", err)
		os.Exit(1)
	}
	logger, err := app.NewLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trustd: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("trustd exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// A broken chain is reported, not fatal: the API stays up so auditors
	// can inspect it.
	a.Health.CheckAll(ctx)
	if !a.Health.Ready() {
		logger.Warn("startup verification did not pass, trustd is not ready")
	}

	tokens, devIssuer, err := app.TokenVerifier(cfg.Identity, logger)
	if err != nil {
		return fmt.Errorf("identity setup: %w", err)
	}
	if devIssuer != nil {
		logger.Info("development session tokens enabled", zap.String("issuer", cfg.Identity.Issuer))
	}

	go app.Every(ctx, cfg.Verify.Schedule, a.ScheduledVerify)
	go app.Every(ctx, cfg.Isolation.Schedule, a.ScheduledAudit)

	rdb := app.OpenRedis(ctx, cfg.Server.RedisURL, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(ctx, api.Options{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		Redis:        rdb,
	}, api.Deps{
		Gate:     a.Gate,
		Verifier: a.Verifier,
		Sealer:   a.Sealer,
		Engine:   a.Engine,
		Health:   a.Health,
		Tokens:   tokens,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("trustd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down trustd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("trustd stopped")
	return nil
}
