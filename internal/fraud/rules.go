package fraud

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"attendguard/internal/model"
	"attendguard/internal/session"
)

// Policy configures the default rule set.
type Policy struct {
	Location          *time.Location
	HoursStart        model.Clock
	HoursEnd          model.Clock
	VelocityWindow    time.Duration
	MinElapsed        time.Duration
	MaxDistanceMeters float64
	// AllowedOrigins holds IPs, CIDRs or opaque origin labels. Empty disables
	// the network-origin rule.
	AllowedOrigins []string
}

// DefaultPolicy returns the school defaults: 07:00-18:00, 5 minutes, 500 m,
// looking back one hour.
func DefaultPolicy(loc *time.Location) Policy {
	if loc == nil {
		loc = time.UTC
	}
	return Policy{
		Location:          loc,
		HoursStart:        7 * 60,
		HoursEnd:          18 * 60,
		VelocityWindow:    time.Hour,
		MinElapsed:        5 * time.Minute,
		MaxDistanceMeters: 500,
	}
}

// DefaultRules builds the per-student rule set from p.
func DefaultRules(p Policy) []Rule {
	return []Rule{
		TimeWindowRule{Location: p.Location, Start: p.HoursStart, End: p.HoursEnd},
		CrossActivityRule{Location: p.Location},
		DuplicateScanRule{Location: p.Location},
		NotCheckedInRule{},
		VelocityRule{Window: p.VelocityWindow, MinElapsed: p.MinElapsed, MaxDistanceMeters: p.MaxDistanceMeters},
		NewNetworkOriginRule(p.AllowedOrigins),
	}
}

// TimeWindowRule warns about scans outside school hours.
type TimeWindowRule struct {
	Location   *time.Location
	Start, End model.Clock
}

func (TimeWindowRule) Name() string      { return "time-window" }
func (TimeWindowRule) Overridable() bool { return false }

func (r TimeWindowRule) Evaluate(a Attempt, _ History) Verdict {
	local := model.ClockOf(a.Event.OccurredAt, r.Location)
	if local >= r.Start && local < r.End {
		return Verdict{}
	}
	return Verdict{Outcome: Warn, Issue: Issue{
		Kind:    KindTimeWindow,
		Message: fmt.Sprintf("scan at %s is outside school hours %s-%s", local, r.Start, r.End),
		Evidence: map[string]any{
			"local_time":   local.String(),
			"window_start": r.Start.String(),
			"window_end":   r.End.String(),
		},
	}}
}

// CrossActivityRule blocks a check-in while another activity is still open.
type CrossActivityRule struct {
	Location *time.Location
}

func (CrossActivityRule) Name() string      { return "cross-activity" }
func (CrossActivityRule) Overridable() bool { return true }

func (r CrossActivityRule) Evaluate(a Attempt, h History) Verdict {
	if a.Event.Direction != model.CheckIn {
		return Verdict{}
	}
	for _, s := range session.OpenSessions(h.Today) {
		if s.ActivityID == a.Event.ActivityID {
			continue
		}
		when := s.CheckIn.OccurredAt.In(r.Location).Format("15:04")
		return Verdict{Outcome: Block, Issue: Issue{
			Kind:    KindAlreadyCheckedIn,
			Message: fmt.Sprintf("already checked into %s at %s", s.Label(), when),
			Evidence: map[string]any{
				"activity_id":   s.ActivityID,
				"activity_name": s.Label(),
				"checked_in_at": when,
				"event_id":      s.CheckIn.ID,
			},
		}}
	}
	return Verdict{}
}

// DuplicateScanRule blocks a second scan in the same direction for the same
// activity on the same day.
type DuplicateScanRule struct {
	Location *time.Location
}

func (DuplicateScanRule) Name() string      { return "duplicate-scan" }
func (DuplicateScanRule) Overridable() bool { return true }

func (r DuplicateScanRule) Evaluate(a Attempt, h History) Verdict {
	for _, e := range h.Today {
		if e.ActivityID != a.Event.ActivityID || e.Direction != a.Event.Direction || e.Status == model.StatusAbsent {
			continue
		}
		when := e.OccurredAt.In(r.Location).Format("15:04")
		verb := "checked into"
		if e.Direction == model.CheckOut {
			verb = "checked out of"
		}
		return Verdict{Outcome: Block, Issue: Issue{
			Kind:    KindDuplicateScan,
			Message: fmt.Sprintf("already %s %s at %s today", verb, e.Label(), when),
			Evidence: map[string]any{
				"activity_id": e.ActivityID,
				"direction":   string(e.Direction),
				"recorded_at": when,
				"event_id":    e.ID,
			},
		}}
	}
	return Verdict{}
}

// NotCheckedInRule blocks a check-out for an activity with no open session.
type NotCheckedInRule struct{}

func (NotCheckedInRule) Name() string      { return "not-checked-in" }
func (NotCheckedInRule) Overridable() bool { return true }

func (NotCheckedInRule) Evaluate(a Attempt, h History) Verdict {
	if a.Event.Direction != model.CheckOut {
		return Verdict{}
	}
	s := session.Of(h.Today, a.Event.ActivityID)
	if s.State != session.Absent {
		// a closed session is reported by DuplicateScanRule
		return Verdict{}
	}
	return Verdict{Outcome: Block, Issue: Issue{
		Kind:     KindNotCheckedIn,
		Message:  fmt.Sprintf("not checked into %s today", a.Event.Label()),
		Evidence: map[string]any{"activity_id": a.Event.ActivityID},
	}}
}

// VelocityRule warns when a check-in implies implausible travel since the
// student's last geo-tagged event. Geo accuracy is poor, so it never blocks.
type VelocityRule struct {
	Window            time.Duration
	MinElapsed        time.Duration
	MaxDistanceMeters float64
}

func (VelocityRule) Name() string      { return "velocity" }
func (VelocityRule) Overridable() bool { return false }

func (r VelocityRule) Evaluate(a Attempt, h History) Verdict {
	if a.Event.Direction != model.CheckIn {
		return Verdict{}
	}
	if a.Event.Geo == nil {
		return Verdict{Note: "velocity check skipped: scan has no location"}
	}
	var prev *model.Event
	since := a.Event.OccurredAt.Add(-r.Window)
	for i := range h.Recent {
		e := &h.Recent[i]
		if e.Geo == nil || e.OccurredAt.Before(since) || e.OccurredAt.After(a.Event.OccurredAt) {
			continue
		}
		if prev == nil || e.OccurredAt.After(prev.OccurredAt) {
			prev = e
		}
	}
	if prev == nil {
		return Verdict{Note: "velocity check skipped: no recent located event"}
	}
	elapsed := a.Event.OccurredAt.Sub(prev.OccurredAt)
	distance := Haversine(*prev.Geo, *a.Event.Geo)
	if elapsed >= r.MinElapsed || distance <= r.MaxDistanceMeters {
		return Verdict{}
	}
	mins := math.Round(elapsed.Minutes()*10) / 10
	return Verdict{Outcome: Warn, Issue: Issue{
		Kind: KindVelocity,
		Message: fmt.Sprintf("implausible travel: %.0fm in %.1f minutes since %s",
			distance, mins, prev.Label()),
		Evidence: map[string]any{
			"distance_meters":     math.Round(distance),
			"elapsed_minutes":     mins,
			"from_activity_id":    prev.ActivityID,
			"from_event_id":       prev.ID,
			"max_distance_meters": r.MaxDistanceMeters,
			"min_elapsed_minutes": r.MinElapsed.Minutes(),
		},
	}}
}

// NetworkOriginRule warns when the requester is outside the allow-list. It
// never blocks so offline and roaming stations keep working.
type NetworkOriginRule struct {
	prefixes []netip.Prefix
	labels   map[string]struct{}
}

// NewNetworkOriginRule parses entries as IPs or CIDRs, treating anything
// else as an opaque origin label.
func NewNetworkOriginRule(allowed []string) NetworkOriginRule {
	r := NetworkOriginRule{labels: make(map[string]struct{})}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if p, err := netip.ParsePrefix(entry); err == nil {
			r.prefixes = append(r.prefixes, p.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			r.prefixes = append(r.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		r.labels[entry] = struct{}{}
	}
	return r
}

func (NetworkOriginRule) Name() string      { return "network-origin" }
func (NetworkOriginRule) Overridable() bool { return false }

func (r NetworkOriginRule) Evaluate(a Attempt, _ History) Verdict {
	if len(r.prefixes) == 0 && len(r.labels) == 0 {
		return Verdict{}
	}
	if r.allows(a.NetworkOrigin) {
		return Verdict{}
	}
	origin := a.NetworkOrigin
	if origin == "" {
		origin = "unknown"
	}
	return Verdict{Outcome: Warn, Issue: Issue{
		Kind:     KindNetworkOrigin,
		Message:  fmt.Sprintf("scan from unrecognised network %s", origin),
		Evidence: map[string]any{"origin": origin},
	}}
}

func (r NetworkOriginRule) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := r.labels[origin]; ok {
		return true
	}
	addr, err := netip.ParseAddr(origin)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
