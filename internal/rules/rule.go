// Package rules defines alert rules and the condition evaluator that matches a
// single observation against them.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/carewatch/internal/clinical"
)

// DefaultCooldown is the minimum gap between two open alerts for the same
// (patient, rule) when the rule does not set its own.
const DefaultCooldown = 60 * time.Minute

// Operator is one of the fixed comparison operators.
type Operator string

const (
	OpGT       Operator = "gt"
	OpGTE      Operator = "gte"
	OpLT       Operator = "lt"
	OpLTE      Operator = "lte"
	OpEQ       Operator = "eq"
	OpNEQ      Operator = "neq"
	OpIn       Operator = "in"
	OpIncrease Operator = "increase"
	OpDecrease Operator = "decrease"
)

// Kind discriminates the condition payload.
type Kind string

const (
	KindThreshold Kind = "threshold"
	KindMatch     Kind = "match"
	KindTrend     Kind = "trend"
)

// kindOf maps an operator to the payload kind that carries it.
func kindOf(op Operator) (Kind, bool) {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE:
		return KindThreshold, true
	case OpEQ, OpNEQ, OpIn:
		return KindMatch, true
	case OpIncrease, OpDecrease:
		return KindTrend, true
	}
	return "", false
}

// Threshold compares the current numeric value with a fixed bound.
type Threshold struct {
	Operator Operator
	Value    float64
}

// Match compares the current value for equality or set membership. Values
// are kept in their string-coerced form; eq/neq use the first entry.
type Match struct {
	Operator Operator
	Values   []string
}

// Trend compares the current value with the earliest value of the same metric
// inside Window, firing when the signed delta reaches Delta in Direction.
type Trend struct {
	Direction Operator
	Delta     float64
	Window    time.Duration
}

// Condition is a tagged variant: exactly one of Threshold, Match or Trend is
// set, as named by Kind. An unknown operator leaves Kind empty and the
// condition never fires.
type Condition struct {
	Kind   Kind
	Metric string
	Field  string

	Threshold *Threshold
	Match     *Match
	Trend     *Trend

	// Raw operator as written, kept for logging unknown operators.
	Operator Operator
}

// wireCondition is the flat JSON/YAML representation of a Condition.
type wireCondition struct {
	Type       string   `json:"type,omitempty" yaml:"type,omitempty"`
	Metric     string   `json:"metric,omitempty" yaml:"metric,omitempty"`
	Field      string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   string   `json:"operator" yaml:"operator"`
	Threshold  *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Value      any      `json:"value,omitempty" yaml:"value,omitempty"`
	Values     []any    `json:"values,omitempty" yaml:"values,omitempty"`
	TimeWindow string   `json:"time_window,omitempty" yaml:"time_window,omitempty"`
}

func (w wireCondition) toCondition() (Condition, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(w.Operator)))
	c := Condition{Metric: w.Metric, Field: w.Field, Operator: op}

	kind, known := kindOf(op)
	if !known {
		// unknown operators load fine but never fire
		return c, nil
	}
	if w.Type != "" && Kind(w.Type) != kind {
		return c, fmt.Errorf("condition type %q does not match operator %q", w.Type, op)
	}
	c.Kind = kind

	switch kind {
	case KindThreshold:
		if w.Threshold == nil {
			return c, fmt.Errorf("operator %q requires threshold", op)
		}
		c.Threshold = &Threshold{Operator: op, Value: *w.Threshold}
	case KindMatch:
		m := &Match{Operator: op}
		if op == OpIn {
			for _, v := range w.Values {
				m.Values = append(m.Values, clinical.Text(v))
			}
			if len(m.Values) == 0 {
				return c, errors.New(`operator "in" requires values`)
			}
		} else {
			if w.Value == nil {
				return c, fmt.Errorf("operator %q requires value", op)
			}
			m.Values = []string{clinical.Text(w.Value)}
		}
		c.Match = m
	case KindTrend:
		if w.Threshold == nil {
			return c, fmt.Errorf("operator %q requires threshold", op)
		}
		win, err := ParseWindow(w.TimeWindow)
		if err != nil {
			return c, err
		}
		c.Trend = &Trend{Direction: op, Delta: *w.Threshold, Window: win}
	}
	return c, nil
}

func (c Condition) toWire() wireCondition {
	w := wireCondition{Type: string(c.Kind), Metric: c.Metric, Field: c.Field, Operator: string(c.Operator)}
	switch {
	case c.Threshold != nil:
		v := c.Threshold.Value
		w.Threshold = &v
	case c.Match != nil && c.Match.Operator == OpIn:
		for _, v := range c.Match.Values {
			w.Values = append(w.Values, v)
		}
	case c.Match != nil && len(c.Match.Values) > 0:
		w.Value = c.Match.Values[0]
	case c.Trend != nil:
		d := c.Trend.Delta
		w.Threshold = &d
		w.TimeWindow = formatWindow(c.Trend.Window)
	}
	return w
}

// UnmarshalJSON decodes the flat wire form into the tagged variant.
func (c *Condition) UnmarshalJSON(b []byte) error {
	var w wireCondition
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out, err := w.toCondition()
	if err != nil {
		return err
	}
	*c = out
	return nil
}

// MarshalJSON encodes the flat wire form.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toWire())
}

// UnmarshalYAML decodes the flat wire form from a rules file.
func (c *Condition) UnmarshalYAML(n *yaml.Node) error {
	var w wireCondition
	if err := n.Decode(&w); err != nil {
		return err
	}
	out, err := w.toCondition()
	if err != nil {
		return err
	}
	*c = out
	return nil
}

// MarshalYAML encodes the flat wire form.
func (c Condition) MarshalYAML() (any, error) {
	return c.toWire(), nil
}

// ParseWindow parses "<N>h" (and "<N>d" for convenience) into a duration.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid time window %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid time window %q", s)
	}
	switch unit {
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid time window %q (want <N>h)", s)
}

func formatWindow(d time.Duration) string {
	return strconv.Itoa(int(d/time.Hour)) + "h"
}

// Rule is an alert rule. OrganizationID empty means global; a non-empty
// PatientIDs narrows the rule to those enrolled patients.
type Rule struct {
	ID              string                `json:"id" yaml:"id"`
	OrganizationID  string                `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	PatientIDs      []string              `json:"patient_ids,omitempty" yaml:"patient_ids,omitempty"`
	Name            string                `json:"name" yaml:"name"`
	Condition       Condition             `json:"conditions" yaml:"conditions"`
	Severity        clinical.Severity     `json:"severity" yaml:"severity"`
	Active          bool                  `json:"is_active" yaml:"is_active"`
	CooldownMinutes int                   `json:"cooldown_minutes,omitempty" yaml:"cooldown_minutes,omitempty"`
	NormalRange     *clinical.NormalRange `json:"normal_range,omitempty" yaml:"normal_range,omitempty"`
}

// Cooldown returns the rule's dedupe window.
func (r *Rule) Cooldown() time.Duration {
	if r.CooldownMinutes > 0 {
		return time.Duration(r.CooldownMinutes) * time.Minute
	}
	return DefaultCooldown
}

// AppliesTo reports whether the rule is active and in scope for the patient.
func (r *Rule) AppliesTo(orgID, patientID string) bool {
	if !r.Active {
		return false
	}
	if r.OrganizationID != "" && r.OrganizationID != orgID {
		return false
	}
	if len(r.PatientIDs) > 0 && !slices.Contains(r.PatientIDs, patientID) {
		return false
	}
	return true
}

// Validate checks the fields a rule cannot work without.
func (r *Rule) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("rule id is required"))
	}
	if !r.Severity.Valid() {
		errs = append(errs, fmt.Errorf("rule %q: invalid severity %q", r.ID, r.Severity))
	}
	if r.NormalRange != nil && r.NormalRange.Min > r.NormalRange.Max {
		errs = append(errs, fmt.Errorf("rule %q: normal range min > max", r.ID))
	}
	return errors.Join(errs...)
}
