// Package fraud evaluates a proposed attendance event against the student's
// recent history. Each rule is a pure function returning pass, warn or block;
// the Engine combines them into one decision.
package fraud

import (
	"strings"

	"attendguard/internal/model"
)

// Kind identifies the rule that raised an issue.
type Kind string

const (
	KindTimeWindow       Kind = "TIME_WINDOW"
	KindAlreadyCheckedIn Kind = "ALREADY_CHECKED_IN"
	KindDuplicateScan    Kind = "DUPLICATE_SCAN"
	KindNotCheckedIn     Kind = "NOT_CHECKED_IN"
	KindVelocity         Kind = "VELOCITY"
	KindNetworkOrigin    Kind = "NETWORK_ORIGIN"
	KindRateLimit        Kind = "RATE_LIMIT"
)

// Severity of an issue.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Issue is one finding, with the facts staff need to resolve it.
type Issue struct {
	Kind     Kind           `json:"kind"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Outcome of a single rule.
type Outcome int

const (
	Pass Outcome = iota
	Warn
	Block
)

// Verdict is what a rule returns. Note carries an explanation when a rule
// passes because it could not be evaluated.
type Verdict struct {
	Outcome Outcome
	Issue   Issue
	Note    string
}

// Attempt is a proposed event plus request context the rules may consult.
type Attempt struct {
	Event         model.Event
	NetworkOrigin string
}

// History is what the rules may look at: the student's events for the
// attempt's day and their events over the trailing velocity window.
type History struct {
	Today  []model.Event
	Recent []model.Event
}

// Rule is one independent check.
type Rule interface {
	Name() string
	// Overridable rules are skipped by an admin override.
	Overridable() bool
	Evaluate(Attempt, History) Verdict
}

// Result is the combined decision for one attempt.
type Result struct {
	Allowed         bool     `json:"allowed"`
	BlockingIssues  []Issue  `json:"blocking_issues"`
	Warnings        []Issue  `json:"warnings"`
	Overridden      []Issue  `json:"overridden,omitempty"`
	OverrideApplied bool     `json:"override_applied"`
	Notes           []string `json:"notes,omitempty"`
}

// Reason joins the blocking messages into one human-readable line.
func (r Result) Reason() string {
	msgs := make([]string, 0, len(r.BlockingIssues))
	for _, is := range r.BlockingIssues {
		msgs = append(msgs, is.Message)
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether the result carries an issue of kind k.
func (r Result) Has(k Kind) bool {
	for _, group := range [][]Issue{r.BlockingIssues, r.Warnings, r.Overridden} {
		for _, is := range group {
			if is.Kind == k {
				return true
			}
		}
	}
	return false
}

// AddIssue folds an issue produced outside the rule set, such as the
// recorder rate limit, into the result.
func (r *Result) AddIssue(is Issue) {
	if is.Severity == SeverityBlock {
		r.BlockingIssues = append(r.BlockingIssues, is)
		r.Allowed = false
		return
	}
	r.Warnings = append(r.Warnings, is)
}

// Engine runs a fixed set of rules.
type Engine struct {
	rules []Rule
}

// NewEngine returns an engine running rules in order.
func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate runs every rule. The attempt is blocked if any rule blocks;
// otherwise it is allowed with all warnings attached. With override set,
// blocks from overridable rules are moved to Overridden and do not count.
func (e *Engine) Evaluate(a Attempt, h History, override bool) Result {
	res := Result{
		Allowed:         true,
		BlockingIssues:  []Issue{},
		Warnings:        []Issue{},
		OverrideApplied: override,
	}
	for _, rule := range e.rules {
		v := rule.Evaluate(a, h)
		if v.Note != "" {
			res.Notes = append(res.Notes, v.Note)
		}
		switch v.Outcome {
		case Warn:
			v.Issue.Severity = SeverityWarn
			res.Warnings = append(res.Warnings, v.Issue)
		case Block:
			v.Issue.Severity = SeverityBlock
			if override && rule.Overridable() {
				res.Overridden = append(res.Overridden, v.Issue)
				continue
			}
			res.BlockingIssues = append(res.BlockingIssues, v.Issue)
			res.Allowed = false
		}
	}
	return res
}
