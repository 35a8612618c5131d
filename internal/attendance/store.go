package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"attendguard/internal/model"
	"attendguard/internal/session"
)

// ErrConflict is returned by AppendEvent when the student's log for the day
// changed since the caller read it.
var ErrConflict = errors.New("attendance: append conflict")

// ErrInvalidEvent marks an event whose status cannot go with its direction.
var ErrInvalidEvent = errors.New("attendance: invalid event")

// checkEvent rejects a direction and status pair the session machine never
// produces, on the way into and out of a store.
func checkEvent(evt model.Event) error {
	if !evt.Direction.Valid() || !evt.Status.Valid() {
		return fmt.Errorf("%w: direction %q status %q", ErrInvalidEvent, evt.Direction, evt.Status)
	}
	if !evt.Status.AllowedFor(evt.Direction) {
		return fmt.Errorf("%w: %s cannot be %s", ErrInvalidEvent, evt.Direction, evt.Status)
	}
	return nil
}

// SessionStore is the query contract the recorder and sweeper rely on.
//
// AppendEvent is conditional: it succeeds only if evt.Seq is exactly one
// past the number of events already stored for (evt.StudentID, evt.DateKey),
// and returns ErrConflict otherwise.
type SessionStore interface {
	EventsForStudentOnDate(ctx context.Context, studentID, dateKey string) ([]model.Event, error)
	EventsForStudentSince(ctx context.Context, studentID string, since time.Time) ([]model.Event, error)
	EventsForActivityOnDate(ctx context.Context, activityID, dateKey string) ([]model.Event, error)
	AppendEvent(ctx context.Context, evt model.Event) error
	OpenSessionsForActivity(ctx context.Context, activityID, dateKey string) ([]model.Event, error)
}

// openCheckIns returns the check-in event of every open session in events,
// which may span several students.
func openCheckIns(events []model.Event) []model.Event {
	byStudent := make(map[string][]model.Event)
	var order []string
	for _, e := range events {
		if _, ok := byStudent[e.StudentID]; !ok {
			order = append(order, e.StudentID)
		}
		byStudent[e.StudentID] = append(byStudent[e.StudentID], e)
	}
	var open []model.Event
	for _, id := range order {
		for _, s := range session.OpenSessions(byStudent[id]) {
			open = append(open, *s.CheckIn)
		}
	}
	return open
}

type dayKey struct {
	studentID string
	dateKey   string
}

// MemoryStore is an in-process SessionStore.
type MemoryStore struct {
	mu     sync.RWMutex
	byDay  map[dayKey][]model.Event
	events []model.Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byDay: make(map[dayKey][]model.Event)}
}

func (m *MemoryStore) EventsForStudentOnDate(_ context.Context, studentID, dateKey string) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Event(nil), m.byDay[dayKey{studentID, dateKey}]...), nil
}

func (m *MemoryStore) EventsForStudentSince(_ context.Context, studentID string, since time.Time) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Event
	for _, e := range m.events {
		if e.StudentID == studentID && !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) EventsForActivityOnDate(_ context.Context, activityID, dateKey string) ([]model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Event
	for _, e := range m.events {
		if e.ActivityID == activityID && e.DateKey == dateKey {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, evt model.Event) error {
	if err := checkEvent(evt); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dayKey{evt.StudentID, evt.DateKey}
	if evt.Seq != len(m.byDay[k])+1 {
		return ErrConflict
	}
	m.byDay[k] = append(m.byDay[k], evt)
	m.events = append(m.events, evt)
	return nil
}

func (m *MemoryStore) OpenSessionsForActivity(ctx context.Context, activityID, dateKey string) ([]model.Event, error) {
	events, err := m.EventsForActivityOnDate(ctx, activityID, dateKey)
	if err != nil {
		return nil, err
	}
	return openCheckIns(events), nil
}

// Len returns the total number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
