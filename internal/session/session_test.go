package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/model"
)

func at(h, m int) time.Time {
	return time.Date(2026, 10, 16, h, m, 0, 0, time.UTC)
}

func ev(seq int, activity string, dir model.Direction, when time.Time) model.Event {
	return model.Event{
		StudentID: "s-1", ActivityID: activity, ActivityName: activity,
		Direction: dir, OccurredAt: when, DateKey: "2026-10-16", Seq: seq,
	}
}

func TestDerive(t *testing.T) {
	events := []model.Event{
		ev(3, "football", model.CheckIn, at(9, 50)),
		ev(1, "library", model.CheckIn, at(9, 0)),
		ev(2, "library", model.CheckOut, at(9, 45)),
	}
	sessions := Derive(events)
	require.Len(t, sessions, 2)
	assert.Equal(t, "library", sessions[0].ActivityID)
	assert.Equal(t, Closed, sessions[0].State)
	assert.Equal(t, "football", sessions[1].ActivityID)
	assert.Equal(t, Open, sessions[1].State)

	open := OpenSessions(events)
	require.Len(t, open, 1)
	assert.Equal(t, "football", open[0].ActivityID)
	assert.Equal(t, Absent, Of(events, "chess").State)
}

func TestAbsentMarkDoesNotOpen(t *testing.T) {
	mark := ev(1, "math", model.CheckIn, at(8, 0))
	mark.Status = model.StatusAbsent
	assert.Equal(t, Absent, Of([]model.Event{mark}, "math").State)
	assert.Empty(t, OpenSessions([]model.Event{mark}))
}

func TestApplyCheckIn(t *testing.T) {
	m := Machine{LateGrace: 5 * time.Minute}
	window := &model.Window{Start: at(8, 0), End: at(9, 30)}

	onTime := ev(1, "math", model.CheckIn, at(8, 4))
	onTime.Window = window
	got, tr := m.Apply(nil, onTime)
	assert.Equal(t, model.StatusPresent, got.Status)
	assert.Nil(t, got.LateByMinutes)
	assert.Equal(t, Transition{From: Absent, To: Open}, tr)

	late := ev(1, "math", model.CheckIn, at(8, 20))
	late.Window = window
	got, _ = m.Apply(nil, late)
	assert.Equal(t, model.StatusLate, got.Status)
	require.NotNil(t, got.LateByMinutes)
	assert.Equal(t, 20, *got.LateByMinutes)

	noWindow := ev(1, "club", model.CheckIn, at(23, 0))
	got, _ = m.Apply(nil, noWindow)
	assert.Equal(t, model.StatusPresent, got.Status)
}

func TestApplyCheckOut(t *testing.T) {
	m := Machine{LateGrace: 5 * time.Minute}
	window := &model.Window{Start: at(8, 0), End: at(9, 30)}
	in := ev(1, "math", model.CheckIn, at(8, 0))
	in.Window = window
	day := []model.Event{in}

	early, tr := m.Apply(day, ev(2, "math", model.CheckOut, at(9, 0)))
	assert.Equal(t, Transition{From: Open, To: Closed}, tr)
	assert.Equal(t, model.StatusLeftEarly, early.Status)
	assert.Equal(t, window, early.Window)
	assert.Equal(t, 60, *early.DurationMinutes)
	assert.Equal(t, 67, *early.CompletionPercentage)
	assert.Equal(t, 30, *early.LeftEarlyByMinutes)

	full, _ := m.Apply(day, ev(2, "math", model.CheckOut, at(9, 30)))
	assert.Equal(t, model.StatusCheckout, full.Status)
	assert.Equal(t, 100, *full.CompletionPercentage)
	assert.Nil(t, full.LeftEarlyByMinutes)

	over, _ := m.Apply(day, ev(2, "math", model.CheckOut, at(10, 0)))
	assert.Equal(t, 100, *over.CompletionPercentage)
}

func TestApplyCheckOutWithoutSchedule(t *testing.T) {
	m := Machine{}
	day := []model.Event{ev(1, "library", model.CheckIn, at(9, 0))}
	out, _ := m.Apply(day, ev(2, "library", model.CheckOut, at(9, 45)))
	assert.Equal(t, model.StatusCheckout, out.Status)
	assert.Equal(t, 45, *out.DurationMinutes)
	assert.Nil(t, out.CompletionPercentage)
}
