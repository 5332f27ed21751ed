package triage

import (
	"encoding/json"
	"fmt"
	"time"
)

// FactsKind discriminates the payload carried in Facts.
type FactsKind string

const (
	FactsObservation         FactsKind = "observation"
	FactsMissedAssessment    FactsKind = "missed_assessment"
	FactsMedicationAdherence FactsKind = "medication_adherence"
	FactsTrend               FactsKind = "trend"
)

// Facts is the context that caused an alert. Exactly one body is set,
// matching Kind.
type Facts struct {
	Kind             FactsKind              `json:"kind"`
	Observation      *ObservationFacts      `json:"observation,omitempty"`
	MissedAssessment *MissedAssessmentFacts `json:"missed_assessment,omitempty"`
	Adherence        *AdherenceFacts        `json:"medication_adherence,omitempty"`
	Trend            *TrendFacts            `json:"trend,omitempty"`
}

// ObservationFacts references the observation that matched a rule.
type ObservationFacts struct {
	ObservationID string    `json:"observation_id"`
	MetricKey     string    `json:"metric_key"`
	Value         any       `json:"value"`
	Unit          string    `json:"unit,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
	RuleName      string    `json:"rule_name,omitempty"`
	Operator      string    `json:"operator,omitempty"`
	Baseline      *float64  `json:"baseline,omitempty"`
	Delta         *float64  `json:"delta,omitempty"`
}

// MissedAssessmentFacts describes an overdue required assessment.
type MissedAssessmentFacts struct {
	AssessmentID   string    `json:"assessment_id"`
	AssessmentName string    `json:"assessment_name"`
	DueAt          time.Time `json:"due_at"`
	DaysOverdue    int       `json:"days_overdue"`
}

// AdherenceFacts describes low 30-day medication adherence.
type AdherenceFacts struct {
	AdherencePct float64  `json:"adherence_pct"`
	Medications  []string `json:"medications,omitempty"`
	WindowDays   int      `json:"window_days"`
}

// TrendFacts describes a sustained directional change in a metric.
type TrendFacts struct {
	MetricKey  string  `json:"metric_key"`
	Direction  string  `json:"direction"`
	ChangePct  float64 `json:"change_pct"`
	From       float64 `json:"from"`
	To         float64 `json:"to"`
	WindowDays int     `json:"window_days"`
}

// Validate checks that the body matches Kind.
func (f *Facts) Validate() error {
	var ok bool
	switch f.Kind {
	case FactsObservation:
		ok = f.Observation != nil
	case FactsMissedAssessment:
		ok = f.MissedAssessment != nil
	case FactsMedicationAdherence:
		ok = f.Adherence != nil
	case FactsTrend:
		ok = f.Trend != nil
	default:
		return fmt.Errorf("unknown facts kind %q", f.Kind)
	}
	if !ok {
		return fmt.Errorf("facts kind %q has no body", f.Kind)
	}
	return nil
}

// Clone returns a deep copy of f. Observation values are treated as
// immutable and shared.
func (f Facts) Clone() Facts {
	cp := Facts{Kind: f.Kind}
	if f.Observation != nil {
		o := *f.Observation
		o.Baseline = cloneFloat(f.Observation.Baseline)
		o.Delta = cloneFloat(f.Observation.Delta)
		cp.Observation = &o
	}
	if f.MissedAssessment != nil {
		m := *f.MissedAssessment
		cp.MissedAssessment = &m
	}
	if f.Adherence != nil {
		a := *f.Adherence
		a.Medications = append([]string(nil), f.Adherence.Medications...)
		cp.Adherence = &a
	}
	if f.Trend != nil {
		t := *f.Trend
		cp.Trend = &t
	}
	return cp
}

// UnmarshalJSON rejects payloads whose body does not match Kind. An empty
// object decodes to zero Facts.
func (f *Facts) UnmarshalJSON(b []byte) error {
	type plain Facts
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	out := Facts(p)
	if out.Kind != "" {
		if err := out.Validate(); err != nil {
			return err
		}
	}
	*f = out
	return nil
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
