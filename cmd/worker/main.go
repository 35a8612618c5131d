package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/app"
	"attendguard/internal/audit"
	"attendguard/internal/config"
	"attendguard/internal/logging"
)

// Worker sweeps ended activities and persists the audit trail.
func main() {
	cfg, err := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("process", "worker").Logger()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}
	logger.Info().Msg("worker stopped")
}

func run(ctx context.Context, cfg config.App, logger zerolog.Logger) error {
	if cfg.QueueBackend == "memory" || cfg.StoreBackend == "memory" {
		return errors.New("worker needs shared backends; memory backends run inside the api")
	}
	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Msg("consuming audit trail")
		return audit.Consume(gctx, deps.Queue, deps.AuditHandler(logger.With().Str("component", "audit").Logger()), logger)
	})
	if deps.Sweeper != nil {
		g.Go(func() error {
			logger.Info().Dur("interval", cfg.SweepInterval).Msg("sweeping ended activities")
			return deps.Sweeper.Run(gctx, cfg.SweepInterval)
		})
	} else {
		logger.Warn().Msg("SCHEDULES_FILE not set; automatic checkout disabled")
	}
	return g.Wait()
}
