package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/app"
	"attendguard/internal/audit"
	"attendguard/internal/config"
	"attendguard/internal/handler"
	"attendguard/internal/httpmiddleware"
	"attendguard/internal/logging"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api failed")
	}
}

func run(ctx context.Context, cfg config.App, logger zerolog.Logger) error {
	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	h := handler.New(deps.Service, deps.Codec, sweeperOrNil(deps), handler.Tokens{
		SigningKey:  cfg.JWTSigningKey,
		Issuer:      cfg.JWTIssuer,
		AccessTTL:   cfg.AccessTTL,
		RefreshTTL:  cfg.RefreshTTL,
		Secret:      cfg.EnrollmentSecret,
		AdminSecret: cfg.AdminEnrollmentSecret,
		Open:        !cfg.Production(),
	}, logger.With().Str("component", "http").Logger())
	if deps.DB != nil {
		h.AddHealthCheck("db", deps.DB.Healthy)
		h.SetAuditLog(deps.Audit)
	}
	if deps.Redis != nil {
		h.AddHealthCheck("redis", deps.Redis.Healthy)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.Gin(logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders())
	h.Register(r, httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// With an in-process queue nobody else can drain the audit trail, and
	// with an in-memory store no other process can sweep it.
	if cfg.QueueBackend == "memory" {
		g.Go(func() error {
			return audit.Consume(gctx, deps.Queue, deps.AuditHandler(logger.With().Str("component", "audit").Logger()), logger)
		})
	}
	if cfg.StoreBackend == "memory" && deps.Sweeper != nil {
		g.Go(func() error { return deps.Sweeper.Run(gctx, cfg.SweepInterval) })
	}

	err = g.Wait()
	logger.Info().Msg("server exited")
	return err
}

// sweeperOrNil keeps a nil *Sweeper from becoming a non-nil interface.
func sweeperOrNil(d *app.Deps) handler.Sweeper {
	if d.Sweeper == nil {
		return nil
	}
	return d.Sweeper
}
