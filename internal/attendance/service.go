// Package attendance turns scanned cards into attendance events. The Service
// is the single place where token, fraud and store failures are translated
// into caller-facing results.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"attendguard/internal/audit"
	"attendguard/internal/fraud"
	"attendguard/internal/identity"
	"attendguard/internal/keylock"
	"attendguard/internal/metrics"
	"attendguard/internal/model"
	"attendguard/internal/session"
)

// SystemRecorder is the recorder id of synthetic events.
const SystemRecorder = "system"

var (
	// ErrInvalidToken means the scanned card could not be opened.
	ErrInvalidToken = identity.ErrInvalidToken
	// ErrInvalidRequest means the request is missing required fields.
	ErrInvalidRequest = errors.New("attendance: invalid request")
	// ErrStoreUnavailable means the store or lock backend failed; retryable.
	ErrStoreUnavailable = errors.New("attendance: store unavailable")
	// ErrConcurrentConflict means the append lost a race twice; retryable.
	ErrConcurrentConflict = errors.New("attendance: concurrent conflict")
	// ErrOverrideForbidden means a non-admin asked to bypass fraud checks.
	ErrOverrideForbidden = errors.New("attendance: override requires admin")
)

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConcurrentConflict)
}

// TokenOpener recovers an identity from a scanned token.
type TokenOpener interface {
	Open(token string) (identity.Identity, error)
}

// AuditSink receives the audit trail.
type AuditSink interface {
	Record(ctx context.Context, e audit.Entry) error
}

// ScheduleLookup finds the schedule of an activity.
type ScheduleLookup interface {
	Schedule(activityID string) (model.Schedule, bool)
}

// ActivityContext names the activity being scanned into.
type ActivityContext struct {
	ActivityID   string
	ActivityName string
	ClassID      string
	// Window overrides the schedule-derived window when set.
	Window *model.Window
}

// CheckerContext identifies the staff member recording the scan.
type CheckerContext struct {
	RecorderID string
	Admin      bool
}

// Options modify a single record call.
type Options struct {
	SkipFraudCheck bool
	AdminOverride  bool
	Geo            *model.Geo
	NetworkOrigin  string
	Notes          string
}

// Result is what the recorder reports back to the scanning station.
type Result struct {
	OK         bool          `json:"ok"`
	Event      *model.Event  `json:"event,omitempty"`
	FraudCheck *fraud.Result `json:"fraud_check,omitempty"`
	Blocked    bool          `json:"blocked"`
	Message    string        `json:"message"`
}

// Service coordinates token checks, fraud rules and the session log.
type Service struct {
	codec   TokenOpener
	store   SessionStore
	engine  *fraud.Engine
	machine session.Machine
	locker  keylock.Locker

	recorderRule   *fraud.RecorderRule
	schedules      ScheduleLookup
	audit          AuditSink
	loc            *time.Location
	velocityWindow time.Duration
	auditTimeout   time.Duration
	now            func() time.Time
	logger         zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLocker replaces the default in-process locker.
func WithLocker(l keylock.Locker) Option { return func(s *Service) { s.locker = l } }

// WithRecorderRule enables the per-recorder rate limit.
func WithRecorderRule(r fraud.RecorderRule) Option { return func(s *Service) { s.recorderRule = &r } }

// WithSchedules lets the service fill in declared windows from schedules.
func WithSchedules(l ScheduleLookup) Option { return func(s *Service) { s.schedules = l } }

// WithAudit sets the audit sink.
func WithAudit(a AuditSink) Option { return func(s *Service) { s.audit = a } }

// WithAuditTimeout bounds how long a single audit entry may take to publish.
func WithAuditTimeout(d time.Duration) Option { return func(s *Service) { s.auditTimeout = d } }

// WithLocation sets the school timezone used for day boundaries.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

// WithLateGrace sets how late a check-in may be and still count as present.
func WithLateGrace(d time.Duration) Option { return func(s *Service) { s.machine.LateGrace = d } }

// WithVelocityWindow sets how far back the velocity rule looks.
func WithVelocityWindow(d time.Duration) Option { return func(s *Service) { s.velocityWindow = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates a recorder backed by store.
func NewService(codec TokenOpener, store SessionStore, engine *fraud.Engine, opts ...Option) *Service {
	s := &Service{
		codec:          codec,
		store:          store,
		engine:         engine,
		machine:        session.Machine{LateGrace: 5 * time.Minute},
		locker:         keylock.NewLocal(),
		loc:            time.UTC,
		velocityWindow: time.Hour,
		auditTimeout:   2 * time.Second,
		now:            time.Now,
		logger:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Location returns the school timezone.
func (s *Service) Location() *time.Location { return s.loc }

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Record opens token, checks the attempt against the student's day and, if
// allowed, appends exactly one event. A block is a result, not an error.
func (s *Service) Record(ctx context.Context, token string, dir model.Direction, act ActivityContext, checker CheckerContext, opts Options) (Result, error) {
	started := time.Now()
	defer func() { metrics.RecordDuration(time.Since(started).Seconds()) }()

	if !dir.Valid() || act.ActivityID == "" || checker.RecorderID == "" {
		return Result{Message: "direction, activity and recorder are required"}, ErrInvalidRequest
	}
	if (opts.SkipFraudCheck || opts.AdminOverride) && !checker.Admin {
		return Result{Message: "only administrators may bypass fraud checks"}, ErrOverrideForbidden
	}

	id, err := s.codec.Open(token)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			err = fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		metrics.Scan(string(dir), metrics.OutcomeInvalidToken)
		s.logger.Warn().Err(err).Str("recorder_id", checker.RecorderID).Str("activity_id", act.ActivityID).Msg("rejected scan")
		s.record(ctx, audit.Entry{
			Kind:       audit.KindInvalidToken,
			ActivityID: act.ActivityID,
			Direction:  string(dir),
			RecorderID: checker.RecorderID,
			Message:    "unreadable or forged card presented",
		})
		return Result{Message: "card not recognised"}, err
	}

	now := s.now()
	dateKey := model.DateKey(now, s.loc)

	var rateIssue *fraud.Issue
	if s.recorderRule != nil && !opts.SkipFraudCheck {
		if rateIssue, err = s.recorderRule.Check(ctx, checker.RecorderID, now); err != nil {
			s.logger.Warn().Err(err).Str("recorder_id", checker.RecorderID).Msg("recorder rate check unavailable")
			rateIssue = nil
		}
	}
	act = s.resolveActivity(act, dateKey)

	res, entry, err := s.recordUnderLock(ctx, id, dir, act, checker, opts, rateIssue, now, dateKey)
	if entry != nil {
		s.record(ctx, *entry)
	}
	return res, err
}

// recordUnderLock holds the student's day lock across the read and the
// append only. The audit entry it returns is published once the lock is gone.
func (s *Service) recordUnderLock(ctx context.Context, id identity.Identity, dir model.Direction, act ActivityContext,
	checker CheckerContext, opts Options, rateIssue *fraud.Issue, now time.Time, dateKey string) (Result, *audit.Entry, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(id.StudentID, dateKey))
	if err != nil {
		metrics.Scan(string(dir), metrics.OutcomeError)
		return Result{Message: "attendance is busy, retry"}, nil, fmt.Errorf("%w: lock: %v", ErrStoreUnavailable, err)
	}
	defer unlock()

	for attempt := 0; attempt < 2; attempt++ {
		res, entry, err := s.recordLocked(ctx, id, dir, act, checker, opts, rateIssue, now, dateKey)
		if errors.Is(err, ErrConflict) {
			metrics.Conflict()
			s.logger.Warn().Str("student_id", id.StudentID).Str("date", dateKey).Msg("append conflict, re-reading")
			continue
		}
		if err != nil {
			metrics.Scan(string(dir), metrics.OutcomeError)
		}
		return res, entry, err
	}
	metrics.Scan(string(dir), metrics.OutcomeError)
	return Result{Message: "attendance changed concurrently, retry"}, nil, ErrConcurrentConflict
}

func (s *Service) recordLocked(ctx context.Context, id identity.Identity, dir model.Direction, act ActivityContext,
	checker CheckerContext, opts Options, rateIssue *fraud.Issue, now time.Time, dateKey string) (Result, *audit.Entry, error) {
	today, err := s.store.EventsForStudentOnDate(ctx, id.StudentID, dateKey)
	if err != nil {
		return Result{Message: "attendance store unavailable"}, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var recent []model.Event
	if dir == model.CheckIn && opts.Geo != nil && !opts.SkipFraudCheck {
		recent, err = s.store.EventsForStudentSince(ctx, id.StudentID, now.Add(-s.velocityWindow))
		if err != nil {
			return Result{Message: "attendance store unavailable"}, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	evt := model.Event{
		ID:           uuid.NewString(),
		StudentID:    id.StudentID,
		ClassID:      firstNonEmpty(act.ClassID, id.ClassID),
		ActivityID:   act.ActivityID,
		ActivityName: act.ActivityName,
		Direction:    dir,
		OccurredAt:   after(today, now),
		DateKey:      dateKey,
		Seq:          len(today) + 1,
		Window:       act.Window,
		Geo:          opts.Geo,
		RecorderID:   checker.RecorderID,
		Notes:        opts.Notes,
	}

	fc := fraud.Result{Allowed: true, BlockingIssues: []fraud.Issue{}, Warnings: []fraud.Issue{}}
	if !opts.SkipFraudCheck {
		fc = s.engine.Evaluate(fraud.Attempt{Event: evt, NetworkOrigin: opts.NetworkOrigin},
			fraud.History{Today: today, Recent: recent}, opts.AdminOverride)
		if rateIssue != nil {
			fc.AddIssue(*rateIssue)
		}
	}

	if !fc.Allowed {
		countIssues(fc)
		metrics.Scan(string(dir), metrics.OutcomeBlocked)
		reason := fc.Reason()
		s.logger.Warn().
			Str("student_id", evt.StudentID).
			Str("activity_id", evt.ActivityID).
			Str("recorder_id", evt.RecorderID).
			Str("direction", string(dir)).
			Msg("scan blocked: " + reason)
		return Result{Blocked: true, FraudCheck: &fc, Message: reason}, &audit.Entry{
			Kind:       audit.KindBlocked,
			StudentID:  evt.StudentID,
			ActivityID: evt.ActivityID,
			Direction:  string(dir),
			RecorderID: evt.RecorderID,
			Message:    reason,
			Issues:     fc.BlockingIssues,
		}, nil
	}

	evt, _ = s.machine.Apply(today, evt)
	bypassed := opts.AdminOverride || opts.SkipFraudCheck
	if bypassed {
		evt.Notes = joinNotes(evt.Notes, bypassNote(opts, fc))
	}

	if err := s.store.AppendEvent(ctx, evt); err != nil {
		if errors.Is(err, ErrConflict) {
			return Result{}, nil, ErrConflict
		}
		return Result{Message: "attendance store unavailable"}, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	countIssues(fc)
	metrics.Scan(string(dir), metrics.OutcomeRecorded)
	var entry *audit.Entry
	if bypassed {
		metrics.Override()
		kind := audit.KindOverride
		if opts.SkipFraudCheck {
			kind = audit.KindSkipCheck
		}
		s.logger.Warn().
			Str("student_id", evt.StudentID).
			Str("activity_id", evt.ActivityID).
			Str("recorder_id", evt.RecorderID).
			Int("overridden", len(fc.Overridden)).
			Msg("scan recorded with " + string(kind))
		entry = &audit.Entry{
			Kind:       kind,
			StudentID:  evt.StudentID,
			ActivityID: evt.ActivityID,
			Direction:  string(dir),
			RecorderID: evt.RecorderID,
			EventID:    evt.ID,
			Message:    evt.Notes,
			Issues:     fc.Overridden,
		}
	}
	return Result{OK: true, Event: &evt, FraudCheck: &fc, Message: describe(evt)}, entry, nil
}

// ForcedCheckout asks the service to close a session on the system's behalf.
type ForcedCheckout struct {
	// Open is the check-in of the session believed to be open.
	Open model.Event
	At   time.Time
	// Window is the activity window on Open.DateKey, if known.
	Window *model.Window
	Note   string
}

// ForceCheckout appends a synthetic check-out for req.Open, skipping fraud
// checks. It takes the same lock as Record and re-reads the day, so if the
// session was closed in the meantime it does nothing and reports false.
func (s *Service) ForceCheckout(ctx context.Context, req ForcedCheckout) (model.Event, bool, error) {
	evt, closed, err := s.forceCheckoutLocked(ctx, req)
	if closed {
		s.record(ctx, audit.Entry{
			Kind:       audit.KindAutoCheckout,
			StudentID:  evt.StudentID,
			ActivityID: evt.ActivityID,
			Direction:  string(model.CheckOut),
			RecorderID: SystemRecorder,
			EventID:    evt.ID,
			Message:    req.Note,
		})
	}
	return evt, closed, err
}

func (s *Service) forceCheckoutLocked(ctx context.Context, req ForcedCheckout) (model.Event, bool, error) {
	open := req.Open
	unlock, err := s.locker.Lock(ctx, lockKey(open.StudentID, open.DateKey))
	if err != nil {
		return model.Event{}, false, fmt.Errorf("%w: lock: %v", ErrStoreUnavailable, err)
	}
	defer unlock()

	for attempt := 0; attempt < 2; attempt++ {
		today, err := s.store.EventsForStudentOnDate(ctx, open.StudentID, open.DateKey)
		if err != nil {
			return model.Event{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		current := session.Of(today, open.ActivityID)
		if current.State != session.Open {
			return model.Event{}, false, nil
		}
		in := current.CheckIn
		window := req.Window
		if window == nil {
			window = in.Window
		}
		evt := model.Event{
			ID:           uuid.NewString(),
			StudentID:    in.StudentID,
			ClassID:      in.ClassID,
			ActivityID:   in.ActivityID,
			ActivityName: in.ActivityName,
			Direction:    model.CheckOut,
			OccurredAt:   after(today, req.At),
			DateKey:      open.DateKey,
			Seq:          len(today) + 1,
			Window:       window,
			RecorderID:   SystemRecorder,
			Notes:        req.Note,
		}
		evt, _ = s.machine.Apply(today, evt)
		if err := s.store.AppendEvent(ctx, evt); err != nil {
			if errors.Is(err, ErrConflict) {
				metrics.Conflict()
				continue
			}
			return model.Event{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		metrics.AutoCheckout(evt.ActivityID)
		s.logger.Info().
			Str("student_id", evt.StudentID).
			Str("activity_id", evt.ActivityID).
			Str("date", evt.DateKey).
			Msg("session closed automatically")
		return evt, true, nil
	}
	return model.Event{}, false, ErrConcurrentConflict
}

// Sessions returns the derived sessions of a student on dateKey.
func (s *Service) Sessions(ctx context.Context, studentID, dateKey string) ([]session.Session, error) {
	events, err := s.store.EventsForStudentOnDate(ctx, studentID, dateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return session.Derive(events), nil
}

// OpenSessions returns the check-ins still open for an activity on dateKey.
func (s *Service) OpenSessions(ctx context.Context, activityID, dateKey string) ([]model.Event, error) {
	events, err := s.store.OpenSessionsForActivity(ctx, activityID, dateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return events, nil
}

func (s *Service) resolveActivity(act ActivityContext, dateKey string) ActivityContext {
	if s.schedules == nil {
		return act
	}
	sched, ok := s.schedules.Schedule(act.ActivityID)
	if !ok {
		return act
	}
	if act.ActivityName == "" {
		act.ActivityName = sched.Name
	}
	if act.Window == nil && sched.OccursOn(dateKey, s.loc) {
		if w, err := sched.WindowOn(dateKey, s.loc); err == nil {
			act.Window = &w
		}
	}
	return act
}

// record hands e to the audit sink. Sink failures never fail the scan, and
// the sink gets at most auditTimeout even if the caller has gone away.
func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.auditTimeout)
	defer cancel()
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("kind", string(e.Kind)).Msg("audit entry lost")
	}
}

func countIssues(fc fraud.Result) {
	for _, group := range [][]fraud.Issue{fc.BlockingIssues, fc.Warnings, fc.Overridden} {
		for _, is := range group {
			metrics.Issue(string(is.Kind), string(is.Severity))
		}
	}
}

func lockKey(studentID, dateKey string) string {
	return studentID + "|" + dateKey
}

// after returns now, or just past the latest event in day if the clock has
// not moved beyond it, so the log stays strictly ordered.
func after(day []model.Event, now time.Time) time.Time {
	for _, e := range day {
		if !now.After(e.OccurredAt) {
			now = e.OccurredAt.Add(time.Millisecond)
		}
	}
	return now
}

func bypassNote(opts Options, fc fraud.Result) string {
	if opts.SkipFraudCheck {
		return "fraud checks skipped by administrator"
	}
	if len(fc.Overridden) == 0 {
		return "admin override requested"
	}
	kinds := make([]string, 0, len(fc.Overridden))
	for _, is := range fc.Overridden {
		kinds = append(kinds, string(is.Kind))
	}
	return "admin override: " + strings.Join(kinds, ", ")
}

func describe(e model.Event) string {
	verb := "checked into"
	if e.Direction == model.CheckOut {
		verb = "checked out of"
	}
	msg := fmt.Sprintf("%s %s (%s)", verb, e.Label(), e.Status)
	if e.LateByMinutes != nil {
		msg += fmt.Sprintf(", %d min late", *e.LateByMinutes)
	}
	if e.DurationMinutes != nil {
		msg += fmt.Sprintf(", %d min", *e.DurationMinutes)
	}
	return msg
}

func joinNotes(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
