// Package model holds the attendance types shared by the policy core, the
// stores and the HTTP layer.
package model

import (
	"fmt"
	"time"
)

// Direction says whether a scan opens or closes a session.
type Direction string

const (
	CheckIn  Direction = "check-in"
	CheckOut Direction = "check-out"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == CheckIn || d == CheckOut
}

// ParseDirection accepts the wire form of a direction.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown direction %q", s)
	}
	return d, nil
}

// Status is the outcome recorded on an event.
type Status string

const (
	StatusPresent   Status = "present"
	StatusLate      Status = "late"
	StatusAbsent    Status = "absent"
	StatusCheckout  Status = "checkout"
	StatusLeftEarly Status = "left-early"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusCheckout, StatusLeftEarly:
		return true
	}
	return false
}

// AllowedFor reports whether s may be recorded with direction d.
func (s Status) AllowedFor(d Direction) bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent:
		return d == CheckIn
	case StatusCheckout, StatusLeftEarly:
		return d == CheckOut
	}
	return false
}

// Geo is a WGS84 coordinate.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Window is the declared start and end of an activity on a given day.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the scheduled length of the window.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Timing holds facts derived when an event is classified.
type Timing struct {
	DurationMinutes      *int `json:"duration_minutes,omitempty"`
	CompletionPercentage *int `json:"completion_percentage,omitempty"`
	LeftEarlyByMinutes   *int `json:"left_early_by_minutes,omitempty"`
	LateByMinutes        *int `json:"late_by_minutes,omitempty"`
}

// Event is one entry in the append-only attendance log.
type Event struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"student_id"`
	ClassID      string    `json:"class_id,omitempty"`
	ActivityID   string    `json:"activity_id"`
	ActivityName string    `json:"activity_name,omitempty"`
	Direction    Direction `json:"direction"`
	Status       Status    `json:"status"`
	OccurredAt   time.Time `json:"occurred_at"`
	// DateKey is the school-local calendar day (YYYY-MM-DD) the event belongs to.
	DateKey string `json:"date_key"`
	// Seq is the 1-based position of the event in the student's log for DateKey.
	Seq        int     `json:"seq"`
	Window     *Window `json:"declared_window,omitempty"`
	Geo        *Geo    `json:"geo,omitempty"`
	RecorderID string  `json:"recorder_id"`
	Notes      string  `json:"notes,omitempty"`
	Timing
}

// Label returns the activity name, falling back to its id.
func (e Event) Label() string {
	if e.ActivityName != "" {
		return e.ActivityName
	}
	return e.ActivityID
}

// DateKeyLayout is the layout of Event.DateKey.
const DateKeyLayout = "2006-01-02"

// DateKey returns the calendar day of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateKeyLayout)
}

// ParseDateKey returns local midnight of key in loc.
func ParseDateKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateKeyLayout, key, loc)
}
