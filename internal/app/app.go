// Package app wires configuration into the backends shared by the API and
// the worker.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"attendguard/internal/attendance"
	"attendguard/internal/audit"
	"attendguard/internal/config"
	"attendguard/internal/fraud"
	"attendguard/internal/identity"
	"attendguard/internal/keylock"
	"attendguard/internal/queue"
	"attendguard/internal/scheduler"
	"attendguard/internal/store"
)

// Deps are the wired components. DB and Redis are nil when no backend
// needs them; Sweeper is nil without a schedules file.
type Deps struct {
	DB      *store.DB
	Redis   *store.Redis
	Queue   queue.Queue
	Codec   *identity.Codec
	Service *attendance.Service
	Catalog *scheduler.Catalog
	Sweeper *scheduler.Sweeper
	Audit   *audit.Repository
}

// Build connects the configured backends, runs migrations and assembles
// the attendance service.
func Build(ctx context.Context, cfg config.App, logger zerolog.Logger) (*Deps, error) {
	d := &Deps{}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy(loc)
	if err != nil {
		return nil, err
	}
	if d.Codec, err = cfg.Codec(); err != nil {
		return nil, err
	}
	if cfg.IdentityKeys == "" {
		logger.Warn().Msg("IDENTITY_KEYS not set; cards issued now stop working on restart")
	}

	if cfg.LockBackend == "redis" || cfg.QueueBackend == "redis" {
		d.Redis = store.NewRedis(cfg.RedisAddr)
		if !d.Redis.Healthy(ctx) {
			logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet")
		}
	}

	var sessions attendance.SessionStore
	switch cfg.StoreBackend {
	case "postgres":
		if d.DB, err = store.OpenDB(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		repo := attendance.NewRepository(d.DB.Client)
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate attendance: %w", err)
		}
		d.Audit = audit.NewRepository(d.DB.Client)
		if err := d.Audit.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate audit: %w", err)
		}
		sessions = repo
	case "memory":
		sessions = attendance.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	var (
		locker  keylock.Locker
		counter fraud.RateCounter
	)
	switch cfg.LockBackend {
	case "redis":
		locker = keylock.NewRedis(d.Redis.Client, cfg.LockTTL, cfg.LockTTL,
			keylock.WithLogger(logger.With().Str("component", "keylock").Logger()))
		counter = fraud.NewRedisWindow(d.Redis.Client, "attendguard:rate:", cfg.RecorderRateWindow)
	case "memory":
		locker = keylock.NewLocal()
		counter = fraud.NewSlidingWindow(cfg.RecorderRateWindow)
	default:
		return nil, fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend)
	}

	switch cfg.QueueBackend {
	case "redis":
		d.Queue = queue.NewRedisQueue(d.Redis.Client, "attendguard:audit")
	case "memory":
		d.Queue = queue.NewInMemory(256)
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	opts := []attendance.Option{
		attendance.WithLocker(locker),
		attendance.WithAudit(audit.NewPublisher(d.Queue)),
		attendance.WithLocation(loc),
		attendance.WithLateGrace(cfg.LateGrace),
		attendance.WithVelocityWindow(cfg.VelocityWindow),
		attendance.WithLogger(logger.With().Str("component", "recorder").Logger()),
	}
	if cfg.RecorderRateLimit > 0 {
		opts = append(opts, attendance.WithRecorderRule(fraud.RecorderRule{
			Counter: counter,
			Limit:   cfg.RecorderRateLimit,
			Window:  cfg.RecorderRateWindow,
			Blocks:  cfg.RecorderRateBlocks,
		}))
	}
	if cfg.SchedulesFile != "" {
		if d.Catalog, err = scheduler.LoadCatalog(cfg.SchedulesFile); err != nil {
			return nil, err
		}
		opts = append(opts, attendance.WithSchedules(d.Catalog))
		logger.Info().Int("schedules", d.Catalog.Len()).Str("file", cfg.SchedulesFile).Msg("schedules loaded")
	}

	engine := fraud.NewEngine(fraud.DefaultRules(policy)...)
	d.Service = attendance.NewService(d.Codec, sessions, engine, opts...)
	if d.Catalog != nil {
		d.Sweeper = scheduler.NewSweeper(d.Catalog, d.Service, loc,
			scheduler.WithLookback(cfg.SweepLookbackDays),
			scheduler.WithSweepLogger(logger.With().Str("component", "sweeper").Logger()))
	}
	ok = true
	return d, nil
}

// AuditHandler persists entries when Postgres is configured and always
// logs them.
func (d *Deps) AuditHandler(logger zerolog.Logger) audit.Handler {
	logIt := audit.LogHandler(logger)
	if d.Audit == nil {
		return logIt
	}
	return func(ctx context.Context, e audit.Entry) error {
		_ = logIt(ctx, e)
		return d.Audit.Insert(ctx, e)
	}
}

// Close releases the connections.
func (d *Deps) Close() error {
	return errors.Join(d.DB.Close(), d.Redis.Close())
}
