package fraud

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateCounter counts hits per key over a trailing window.
type RateCounter interface {
	// Hit records one hit for key at now and returns the number of hits in
	// (now-window, now], including this one.
	Hit(ctx context.Context, key string, now time.Time) (int, error)
}

// RecorderRule flags a recording staff member who produces more than Limit
// scans in the trailing window. It is keyed by recorder, not by student, so
// the recorder evaluates it outside the per-student engine.
type RecorderRule struct {
	Counter RateCounter
	Limit   int
	Window  time.Duration
	// Blocks turns the issue into a block instead of a warning.
	Blocks bool
}

// Check records a scan by recorderID and returns an issue when over limit.
func (r RecorderRule) Check(ctx context.Context, recorderID string, now time.Time) (*Issue, error) {
	n, err := r.Counter.Hit(ctx, recorderID, now)
	if err != nil {
		return nil, fmt.Errorf("rate counter: %w", err)
	}
	if n <= r.Limit {
		return nil, nil
	}
	sev := SeverityWarn
	if r.Blocks {
		sev = SeverityBlock
	}
	return &Issue{
		Kind:     KindRateLimit,
		Severity: sev,
		Message:  fmt.Sprintf("recorder %s produced %d scans in the last %s", recorderID, n, r.Window),
		Evidence: map[string]any{
			"recorder_id": recorderID,
			"count":       n,
			"limit":       r.Limit,
			"window":      r.Window.String(),
		},
	}, nil
}

// SlidingWindow is an in-process RateCounter for single-instance setups.
type SlidingWindow struct {
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewSlidingWindow creates a counter over window.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{window: window, hits: make(map[string][]time.Time)}
}

// Hit implements RateCounter.
func (s *SlidingWindow) Hit(_ context.Context, key string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.hits[key] = kept
	return len(kept), nil
}
