// Package scheduler closes sessions left open after their activity ended.
package scheduler

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"attendguard/internal/model"
)

// Catalog is the read-only set of activity schedules supplied by admin tooling.
type Catalog struct {
	byID map[string]model.Schedule
}

type catalogFile struct {
	Schedules []model.Schedule `yaml:"schedules"`
}

// NewCatalog validates schedules and indexes them by activity.
func NewCatalog(schedules []model.Schedule) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]model.Schedule, len(schedules))}
	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[s.ActivityID]; dup {
			return nil, fmt.Errorf("schedule %s defined twice", s.ActivityID)
		}
		c.byID[s.ActivityID] = s
	}
	return c, nil
}

// ParseCatalog reads a YAML document with a top-level "schedules" list.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schedules: %w", err)
	}
	return NewCatalog(f.Schedules)
}

// LoadCatalog reads the schedule file at path. An empty path yields an
// empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return NewCatalog(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules: %w", err)
	}
	return ParseCatalog(data)
}

// Schedule returns the schedule of activityID.
func (c *Catalog) Schedule(activityID string) (model.Schedule, bool) {
	s, ok := c.byID[activityID]
	return s, ok
}

// AutoCheckout returns the schedules with automatic checkout, sorted by id.
func (c *Catalog) AutoCheckout() []model.Schedule {
	var out []model.Schedule
	for _, s := range c.byID {
		if s.AutoCheckout {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivityID < out[j].ActivityID })
	return out
}

// Len returns the number of schedules.
func (c *Catalog) Len() int { return len(c.byID) }
