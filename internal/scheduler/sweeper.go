package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/attendance"
	"attendguard/internal/metrics"
	"attendguard/internal/model"
)

// ErrUnknownActivity means an on-demand sweep named an activity without a schedule.
var ErrUnknownActivity = errors.New("scheduler: unknown activity")

// Closer force-closes one session under the per-student lock.
type Closer interface {
	ForceCheckout(ctx context.Context, req attendance.ForcedCheckout) (model.Event, bool, error)
	OpenSessions(ctx context.Context, activityID, dateKey string) ([]model.Event, error)
}

// Report summarises one sweep.
type Report struct {
	Closed  []model.Event `json:"closed"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
}

func (r *Report) merge(o Report) {
	r.Closed = append(r.Closed, o.Closed...)
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Sweeper periodically closes open sessions of activities that have ended.
// It keeps no state between sweeps, so any number of instances may run it
// and a restart loses nothing.
type Sweeper struct {
	catalog     *Catalog
	closer      Closer
	loc         *time.Location
	now         func() time.Time
	lookback    int
	concurrency int
	logger      zerolog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithLookback sweeps this many previous days besides today.
func WithLookback(days int) SweeperOption { return func(s *Sweeper) { s.lookback = days } }

// WithSweepClock replaces time.Now.
func WithSweepClock(now func() time.Time) SweeperOption { return func(s *Sweeper) { s.now = now } }

// WithSweepLogger sets the logger.
func WithSweepLogger(l zerolog.Logger) SweeperOption { return func(s *Sweeper) { s.logger = l } }

// WithConcurrency bounds how many activities are swept in parallel.
func WithConcurrency(n int) SweeperOption { return func(s *Sweeper) { s.concurrency = n } }

// NewSweeper builds a sweeper over catalog.
func NewSweeper(catalog *Catalog, closer Closer, loc *time.Location, opts ...SweeperOption) *Sweeper {
	if loc == nil {
		loc = time.UTC
	}
	s := &Sweeper{
		catalog:     catalog,
		closer:      closer,
		loc:         loc,
		now:         time.Now,
		lookback:    1,
		concurrency: 4,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Sweep closes every open session of every auto-checkout activity whose
// window has ended, looking at today and the configured number of past days.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() { metrics.SweepDuration(time.Since(started).Seconds()) }()

	var (
		mu  sync.Mutex
		rep Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sched := range s.catalog.AutoCheckout() {
		sched := sched
		g.Go(func() error {
			r, err := s.sweepSchedule(gctx, sched)
			mu.Lock()
			rep.merge(r)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	if len(rep.Closed) > 0 || rep.Failed > 0 {
		s.logger.Info().Int("closed", len(rep.Closed)).Int("failed", rep.Failed).Msg("sweep finished")
	}
	return rep, err
}

// SweepActivity sweeps a single activity on demand. The activity must have a
// schedule, but need not have auto checkout enabled.
func (s *Sweeper) SweepActivity(ctx context.Context, activityID string) (Report, error) {
	sched, ok := s.catalog.Schedule(activityID)
	if !ok {
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownActivity, activityID)
	}
	return s.sweepSchedule(ctx, sched)
}

func (s *Sweeper) sweepSchedule(ctx context.Context, sched model.Schedule) (Report, error) {
	var rep Report
	now := s.now()
	for back := s.lookback; back >= 0; back-- {
		dateKey := model.DateKey(now.AddDate(0, 0, -back), s.loc)
		if !sched.OccursOn(dateKey, s.loc) {
			continue
		}
		window, err := sched.WindowOn(dateKey, s.loc)
		if err != nil {
			return rep, err
		}
		if now.Before(window.End) {
			continue
		}
		r, err := s.closeDay(ctx, sched, dateKey, window, now)
		rep.merge(r)
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (s *Sweeper) closeDay(ctx context.Context, sched model.Schedule, dateKey string, window model.Window, now time.Time) (Report, error) {
	var rep Report
	open, err := s.closer.OpenSessions(ctx, sched.ActivityID, dateKey)
	if err != nil {
		return rep, fmt.Errorf("open sessions for %s on %s: %w", sched.ActivityID, dateKey, err)
	}
	for _, in := range open {
		at := window.End
		if in.OccurredAt.After(at) {
			at = now
		}
		w := window
		evt, closed, err := s.closer.ForceCheckout(ctx, attendance.ForcedCheckout{
			Open:   in,
			At:     at,
			Window: &w,
			Note:   fmt.Sprintf("auto-closed: %s ended at %s", label(sched), sched.EndTime),
		})
		switch {
		case err != nil:
			rep.Failed++
			s.logger.Error().Err(err).
				Str("student_id", in.StudentID).
				Str("activity_id", sched.ActivityID).
				Msg("auto checkout failed")
		case closed:
			rep.Closed = append(rep.Closed, evt)
		default:
			rep.Skipped++
		}
	}
	return rep, nil
}

func label(s model.Schedule) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ActivityID
}
