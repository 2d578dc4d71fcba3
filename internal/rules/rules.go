// Package rules evaluates deterministic heuristics against a transaction
// and its subject history. The engine produces the rule component of the
// fused risk score and works with or without a trained anomaly model, which
// keeps scoring available for cold-start and degraded subjects.
package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/thanujathanu123/finsight/internal/ingest"
	"github.com/thanujathanu123/finsight/internal/profile"
)

// Context carries everything a rule may inspect. History holds the
// subject's transactions up to and including Tx, ascending by timestamp.
type Context struct {
	Tx      ingest.TransactionRecord
	History []ingest.TransactionRecord
	Profile *profile.Profile
}

// Verdict is a single fired rule: its contribution to the rule component
// and a human-readable reason surfaced on the score and any alert.
type Verdict struct {
	Rule   string
	Weight float64
	Reason string
}

// Rule evaluates one heuristic. A nil return means the rule did not fire.
type Rule interface {
	Name() string
	Evaluate(rc *Context) *Verdict
}

// Engine runs a fixed rule set and sums fired weights into [0, 1].
type Engine struct {
	rules []Rule
}

// NewEngine builds the default rule set.
func NewEngine() *Engine {
	return &Engine{rules: []Rule{
		&AmountMultiplierRule{},
		&OffHoursRule{},
		&RapidRepeatRule{},
		&RoundAmountRule{},
	}}
}

// Component evaluates every rule and returns the clamped weight sum plus
// the reasons of the rules that fired, in rule-set order.
func (e *Engine) Component(rc *Context) (float64, []string) {
	var total float64
	var reasons []string
	for _, r := range e.rules {
		if v := r.Evaluate(rc); v != nil {
			total += v.Weight
			reasons = append(reasons, v.Reason)
		}
	}
	if total > 1 {
		total = 1
	}
	return total, reasons
}

// AmountMultiplierRule fires when the absolute amount exceeds the profile's
// configured multiple of the training-corpus mean absolute amount. Inactive
// until a first retrain establishes that mean.
type AmountMultiplierRule struct{}

func (r *AmountMultiplierRule) Name() string { return "amount_multiplier" }

func (r *AmountMultiplierRule) Evaluate(rc *Context) *Verdict {
	p := rc.Profile
	if p.MeanAbsAmount <= 0 {
		return nil
	}
	abs := math.Abs(rc.Tx.Amount)
	limit := p.AmountMultiplier * p.MeanAbsAmount
	if abs <= limit {
		return nil
	}
	return &Verdict{
		Rule:   r.Name(),
		Weight: 0.5,
		Reason: fmt.Sprintf("amount %.2f exceeds %.1fx the subject's mean absolute amount (%.2f)", abs, p.AmountMultiplier, p.MeanAbsAmount),
	}
}

// OffHoursRule fires for transactions timestamped inside the configured
// off-hours band. The band wraps midnight: start 22, end 6 covers 22:00
// through 05:59.
type OffHoursRule struct{}

func (r *OffHoursRule) Name() string { return "off_hours" }

func (r *OffHoursRule) Evaluate(rc *Context) *Verdict {
	start, end := rc.Profile.OffHoursStart, rc.Profile.OffHoursEnd
	h := rc.Tx.Timestamp.Hour()

	var off bool
	if start <= end {
		off = h >= start && h < end
	} else {
		off = h >= start || h < end
	}
	if !off {
		return nil
	}
	return &Verdict{
		Rule:   r.Name(),
		Weight: 0.25,
		Reason: fmt.Sprintf("transaction at %02d:00 falls in the off-hours window %02d:00-%02d:00", h, start, end),
	}
}

// RapidRepeatRule fires when the subject's transaction count in the trailing
// window, the triggering transaction included, reaches the configured limit.
type RapidRepeatRule struct{}

func (r *RapidRepeatRule) Name() string { return "rapid_repeat" }

func (r *RapidRepeatRule) Evaluate(rc *Context) *Verdict {
	p := rc.Profile
	if p.RapidRepeatCount <= 0 || p.RapidRepeatWindow <= 0 {
		return nil
	}
	n := countSince(rc.History, rc.Tx.Timestamp, p.RapidRepeatWindow)
	if n < p.RapidRepeatCount {
		return nil
	}
	return &Verdict{
		Rule:   r.Name(),
		Weight: 0.35,
		Reason: fmt.Sprintf("%d transactions within %s", n, p.RapidRepeatWindow),
	}
}

// RoundAmountRule fires on large round-figure amounts, a common structuring
// pattern: absolute amount at least 1000 and an exact multiple of 1000.
type RoundAmountRule struct{}

const roundAmountStep = 1000.0

func (r *RoundAmountRule) Name() string { return "round_amount" }

func (r *RoundAmountRule) Evaluate(rc *Context) *Verdict {
	abs := math.Abs(rc.Tx.Amount)
	if abs < roundAmountStep || math.Mod(abs, roundAmountStep) != 0 {
		return nil
	}
	return &Verdict{
		Rule:   r.Name(),
		Weight: 0.25,
		Reason: fmt.Sprintf("round amount %.0f is a multiple of %.0f", abs, roundAmountStep),
	}
}

// countSince counts history entries in (t-w, t]. History is ascending, so a
// reverse scan stops at the first entry outside the window.
func countSince(history []ingest.TransactionRecord, t time.Time, w time.Duration) int {
	lo := t.Add(-w)
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		ts := history[i].Timestamp
		if !ts.After(lo) {
			break
		}
		if ts.After(t) {
			continue
		}
		n++
	}
	return n
}
