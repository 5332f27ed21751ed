package rules

import (
	"context"
	"slices"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carewatch/internal/clinical"
)

// History returns a patient's observations for one metric recorded in
// [from, to), ordered by RecordedAt ascending.
type History interface {
	ListObservations(ctx context.Context, patientID, metric string, from, to time.Time) ([]clinical.Observation, error)
}

// Result is one rule that fired for an observation.
type Result struct {
	Rule *Rule

	// Value is the scalar the condition compared.
	Value any

	// Baseline and Delta are set for trend conditions.
	Baseline *float64
	Delta    *float64
}

// Evaluator matches observations against rules.
type Evaluator struct {
	history History
	logger  log.Logger
}

// NewEvaluator creates an evaluator. history may be nil, in which case
// trend conditions never fire.
func NewEvaluator(history History, logger log.Logger) *Evaluator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Evaluator{history: history, logger: logger}
}

// Evaluate returns the subset of rules whose condition holds for obs. Rules
// are assumed to be in scope already; only metric and condition are checked.
func (e *Evaluator) Evaluate(ctx context.Context, obs *clinical.Observation, rules []Rule) []Result {
	var out []Result
	for i := range rules {
		r := &rules[i]
		if r.Condition.Metric != "" && r.Condition.Metric != obs.MetricKey {
			continue
		}
		if res, ok := e.check(ctx, obs, r); ok {
			out = append(out, res)
		}
	}
	return out
}

func (e *Evaluator) check(ctx context.Context, obs *clinical.Observation, r *Rule) (Result, bool) {
	c := &r.Condition
	v, ok := clinical.Scalar(obs.Value, c.Field)
	if !ok {
		return Result{}, false
	}
	res := Result{Rule: r, Value: v}

	switch c.Kind {
	case KindThreshold:
		n, ok := clinical.Number(v)
		if !ok || c.Threshold == nil {
			return res, false
		}
		return res, compare(c.Threshold.Operator, n, c.Threshold.Value)

	case KindMatch:
		if c.Match == nil || len(c.Match.Values) == 0 {
			return res, false
		}
		switch c.Match.Operator {
		case OpEQ:
			return res, equalValue(v, c.Match.Values[0])
		case OpNEQ:
			return res, !equalValue(v, c.Match.Values[0])
		case OpIn:
			return res, slices.ContainsFunc(c.Match.Values, func(want string) bool { return equalValue(v, want) })
		}

	case KindTrend:
		n, ok := clinical.Number(v)
		if !ok || c.Trend == nil {
			return res, false
		}
		base, ok := e.baseline(ctx, obs, c)
		if !ok {
			return res, false
		}
		delta := n - base
		res.Baseline, res.Delta = &base, &delta
		if c.Trend.Direction == OpIncrease {
			return res, delta >= c.Trend.Delta
		}
		return res, -delta >= c.Trend.Delta

	default:
		e.logger.Warn(ctx, "rule has unsupported operator",
			"rule_id", r.ID,
			"operator", string(c.Operator),
		)
	}
	return res, false
}

// baseline is the earliest numeric value of the metric inside the window
// ending at the observation, excluding the observation itself.
func (e *Evaluator) baseline(ctx context.Context, obs *clinical.Observation, c *Condition) (float64, bool) {
	if e.history == nil {
		return 0, false
	}
	from := obs.RecordedAt.Add(-c.Trend.Window)
	prior, err := e.history.ListObservations(ctx, obs.PatientID, obs.MetricKey, from, obs.RecordedAt)
	if err != nil {
		e.logger.Error(ctx, err, "failed to load trend history", "patient_id", obs.PatientID, "metric", obs.MetricKey)
		return 0, false
	}
	for i := range prior {
		p := &prior[i]
		if p.ID == obs.ID {
			continue
		}
		if n, ok := p.NumericValue(c.Field); ok {
			return n, true
		}
	}
	return 0, false
}

func compare(op Operator, v, bound float64) bool {
	switch op {
	case OpGT:
		return v > bound
	case OpGTE:
		return v >= bound
	case OpLT:
		return v < bound
	case OpLTE:
		return v <= bound
	}
	return false
}

// equalValue reports whether an observed scalar equals a rule value. Two
// numbers compare by value, so "98.0" matches 98; anything else compares as
// text.
func equalValue(v any, want string) bool {
	if clinical.Text(v) == want {
		return true
	}
	n, ok := clinical.Number(v)
	w, wok := clinical.Number(want)
	return ok && wok && n == w
}
