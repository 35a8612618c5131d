// Package session derives per-activity session state from the attendance log
// and classifies the transition a new scan would cause. It never refuses a
// scan; deciding what is allowed belongs to the fraud rules.
package session

import (
	"math"
	"sort"
	"time"

	"attendguard/internal/model"
)

// State of a student's session in one activity on one day.
type State string

const (
	Absent State = "absent"
	Open   State = "open"
	Closed State = "closed"
)

// Session is the derived view of a student's attendance in one activity.
type Session struct {
	StudentID    string       `json:"student_id"`
	ActivityID   string       `json:"activity_id"`
	ActivityName string       `json:"activity_name,omitempty"`
	DateKey      string       `json:"date_key"`
	State        State        `json:"state"`
	CheckIn      *model.Event `json:"check_in,omitempty"`
	CheckOut     *model.Event `json:"check_out,omitempty"`
}

// Label returns the activity name, falling back to its id.
func (s Session) Label() string {
	if s.ActivityName != "" {
		return s.ActivityName
	}
	return s.ActivityID
}

// Sorted returns a copy of events in log order.
func Sorted(events []model.Event) []model.Event {
	out := make([]model.Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Derive folds one student's events for one day into sessions, one per
// activity, ordered by first appearance.
func Derive(events []model.Event) []Session {
	var order []string
	byActivity := make(map[string]*Session)
	for _, e := range Sorted(events) {
		s, ok := byActivity[e.ActivityID]
		if !ok {
			s = &Session{StudentID: e.StudentID, ActivityID: e.ActivityID, DateKey: e.DateKey, State: Absent}
			byActivity[e.ActivityID] = s
			order = append(order, e.ActivityID)
		}
		if e.ActivityName != "" {
			s.ActivityName = e.ActivityName
		}
		fold(s, e)
	}
	out := make([]Session, 0, len(order))
	for _, id := range order {
		out = append(out, *byActivity[id])
	}
	return out
}

func fold(s *Session, e model.Event) {
	ev := e
	switch e.Direction {
	case model.CheckIn:
		if e.Status == model.StatusAbsent {
			return
		}
		s.State = Open
		s.CheckIn = &ev
		s.CheckOut = nil
	case model.CheckOut:
		s.State = Closed
		s.CheckOut = &ev
	}
}

// Of returns the session for activityID, Absent if it has no events.
func Of(events []model.Event, activityID string) Session {
	for _, s := range Derive(events) {
		if s.ActivityID == activityID {
			return s
		}
	}
	return Session{ActivityID: activityID, State: Absent}
}

// OpenSessions returns the sessions currently open.
func OpenSessions(events []model.Event) []Session {
	var open []Session
	for _, s := range Derive(events) {
		if s.State == Open {
			open = append(open, s)
		}
	}
	return open
}

// Transition is the state change an event causes.
type Transition struct {
	From State
	To   State
}

// Machine classifies new events.
type Machine struct {
	// LateGrace is how long after the declared start a check-in still counts
	// as present.
	LateGrace time.Duration
}

// Apply returns ev with its outcome status and timing facts filled in,
// together with the transition it causes given the student's day so far.
// A status already set to absent on a check-in is kept.
func (m Machine) Apply(day []model.Event, ev model.Event) (model.Event, Transition) {
	current := Of(day, ev.ActivityID)
	ev.Timing = model.Timing{}

	switch ev.Direction {
	case model.CheckIn:
		if ev.Status == model.StatusAbsent {
			return ev, Transition{From: current.State, To: current.State}
		}
		ev.Status = model.StatusPresent
		if w := ev.Window; w != nil {
			if late := ev.OccurredAt.Sub(w.Start); late > m.LateGrace {
				ev.Status = model.StatusLate
				ev.LateByMinutes = minutes(late)
			}
		}
		return ev, Transition{From: current.State, To: Open}

	case model.CheckOut:
		if ev.Window == nil && current.CheckIn != nil {
			ev.Window = current.CheckIn.Window
		}
		ev.Status = model.StatusCheckout
		if current.State == Open && current.CheckIn != nil {
			d := ev.OccurredAt.Sub(current.CheckIn.OccurredAt)
			ev.DurationMinutes = minutes(d)
			if w := ev.Window; w != nil && w.Duration() > 0 {
				pct := int(math.Round(d.Minutes() / w.Duration().Minutes() * 100))
				ev.CompletionPercentage = ptr(clamp(pct, 0, 100))
			}
		}
		if w := ev.Window; w != nil && ev.OccurredAt.Before(w.End) {
			ev.Status = model.StatusLeftEarly
			ev.LeftEarlyByMinutes = minutes(w.End.Sub(ev.OccurredAt))
		}
		return ev, Transition{From: current.State, To: Closed}
	}
	return ev, Transition{From: current.State, To: current.State}
}

func minutes(d time.Duration) *int {
	return ptr(int(math.Round(d.Minutes())))
}

func ptr(v int) *int { return &v }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
