package model

import (
	"errors"
	"fmt"
	"time"
)

// Clock is a time of day in minutes after midnight.
type Clock int

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

// ClockOf returns the time of day of t in loc.
func ClockOf(t time.Time, loc *time.Location) Clock {
	t = t.In(loc)
	return Clock(t.Hour()*60 + t.Minute())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On returns the instant of c on the day of date, in loc.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.In(loc).Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, loc)
}

// Schedule describes when an activity runs and whether its open sessions
// are closed automatically once it ends.
type Schedule struct {
	ActivityID   string `yaml:"activity_id" json:"activity_id"`
	Name         string `yaml:"name" json:"name"`
	StartTime    string `yaml:"start" json:"start"`
	EndTime      string `yaml:"end" json:"end"`
	DaysOfWeek   []int  `yaml:"days_of_week" json:"days_of_week"`
	AutoCheckout bool   `yaml:"auto_checkout" json:"auto_checkout"`
	Recurring    bool   `yaml:"recurring" json:"recurring"`
	// Date pins a non-recurring schedule to one day (YYYY-MM-DD).
	Date string `yaml:"date,omitempty" json:"date,omitempty"`
}

// Validate checks the schedule is internally consistent.
func (s Schedule) Validate() error {
	if s.ActivityID == "" {
		return errors.New("schedule: activity_id required")
	}
	start, err := ParseClock(s.StartTime)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", s.ActivityID, err)
	}
	end, err := ParseClock(s.EndTime)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", s.ActivityID, err)
	}
	if end <= start {
		return fmt.Errorf("schedule %s: end %s not after start %s", s.ActivityID, s.EndTime, s.StartTime)
	}
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("schedule %s: day of week %d out of range", s.ActivityID, d)
		}
	}
	if !s.Recurring {
		if _, err := time.Parse(DateKeyLayout, s.Date); err != nil {
			return fmt.Errorf("schedule %s: non-recurring schedule needs a date", s.ActivityID)
		}
	}
	return nil
}

// OccursOn reports whether the activity runs on dateKey.
func (s Schedule) OccursOn(dateKey string, loc *time.Location) bool {
	if !s.Recurring {
		return s.Date == dateKey
	}
	day, err := ParseDateKey(dateKey, loc)
	if err != nil {
		return false
	}
	if len(s.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range s.DaysOfWeek {
		if time.Weekday(d) == day.Weekday() {
			return true
		}
	}
	return false
}

// WindowOn resolves the schedule's times on dateKey.
func (s Schedule) WindowOn(dateKey string, loc *time.Location) (Window, error) {
	day, err := ParseDateKey(dateKey, loc)
	if err != nil {
		return Window{}, err
	}
	start, err := ParseClock(s.StartTime)
	if err != nil {
		return Window{}, err
	}
	end, err := ParseClock(s.EndTime)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: start.On(day, loc), End: end.On(day, loc)}, nil
}
