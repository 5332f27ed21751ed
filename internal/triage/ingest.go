package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/risk"
	"github.com/linnemanlabs/carewatch/internal/rules"
)

// NewAlert describes an alert to raise.
type NewAlert struct {
	OrganizationID string
	PatientID      string

	// ClinicianID defaults to the patient's primary clinician.
	ClinicianID string

	// RuleID is the rule that fired, or a stable key such as
	// "missed_assessment:<id>" for sweep-generated alerts. Open alerts are
	// deduplicated on (PatientID, RuleID).
	RuleID string

	Severity clinical.Severity
	Message  string
	Facts    Facts

	// Risk feeds the score; its Severity is taken from the alert.
	Risk risk.Input
}

func (n *NewAlert) validate() error {
	var problems []string
	if n.OrganizationID == "" {
		problems = append(problems, "organization id is required")
	}
	if n.PatientID == "" {
		problems = append(problems, "patient id is required")
	}
	if n.RuleID == "" {
		problems = append(problems, "rule id is required")
	}
	if !n.Severity.Valid() {
		problems = append(problems, fmt.Sprintf("invalid severity %q", n.Severity))
	}
	if err := n.Facts.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Ingest evaluates an observation against the patient's active rules and
// raises an alert for each match outside its rule's cooldown. The
// organization's queue is re-ranked when anything was created.
func (s *Service) Ingest(ctx context.Context, obs *clinical.Observation) (_ []*Alert, err error) {
	ctx, span := tracer.Start(ctx, "triage.ingest", trace.WithAttributes(
		attribute.String("carewatch.patient.id", obs.PatientID),
		attribute.String("carewatch.metric", obs.MetricKey),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if obs.PatientID == "" || obs.OrganizationID == "" || obs.MetricKey == "" {
		return nil, fmt.Errorf("%w: observation needs patient_id, organization_id and metric_key", ErrValidation)
	}
	if obs.ID == "" {
		obs.ID = ulid.Make().String()
	}
	if obs.RecordedAt.IsZero() {
		obs.RecordedAt = s.now()
	}
	if s.rules == nil {
		return nil, nil
	}

	all, err := s.rules.ActiveRules(ctx, obs.OrganizationID, obs.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	applicable := all[:0:0]
	for _, r := range all {
		if r.AppliesTo(obs.OrganizationID, obs.PatientID) {
			applicable = append(applicable, r)
		}
	}

	matches := s.evaluator.Evaluate(ctx, obs, applicable)
	span.SetAttributes(attribute.Int("carewatch.rules.matched", len(matches)))

	var created []*Alert
	for _, m := range matches {
		na := NewAlert{
			OrganizationID: obs.OrganizationID,
			PatientID:      obs.PatientID,
			RuleID:         m.Rule.ID,
			Severity:       m.Rule.Severity,
			Message:        observationMessage(m.Rule, obs, m.Value),
			Facts: Facts{Kind: FactsObservation, Observation: &ObservationFacts{
				ObservationID: obs.ID,
				MetricKey:     obs.MetricKey,
				Value:         obs.Value,
				Unit:          obs.Unit,
				RecordedAt:    obs.RecordedAt,
				RuleName:      m.Rule.Name,
				Operator:      string(m.Rule.Condition.Operator),
				Baseline:      m.Baseline,
				Delta:         m.Delta,
			}},
			Risk: s.observationRisk(ctx, obs, m.Rule),
		}
		a, ok, err := s.raise(ctx, na, s.now().Add(-m.Rule.Cooldown()))
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, a)
		}
	}

	if len(created) > 0 {
		if _, err := s.Rank(ctx, obs.OrganizationID); err != nil {
			s.logger.Error(ctx, err, "rerank after ingest failed", "organization_id", obs.OrganizationID)
		}
	}
	return created, nil
}

// Raise creates a sweep-generated alert unless an open alert already exists
// for the same (patient, rule key). created is false for duplicates, in which
// case the existing alert is returned.
//
// A duplicate raised at a higher severity than the open alert regrades that
// alert in place, so a condition that worsens is not stuck at the severity
// it was first seen at.
func (s *Service) Raise(ctx context.Context, na NewAlert) (a *Alert, created bool, err error) {
	a, created, err = s.raise(ctx, na, time.Time{})
	if err != nil {
		return a, created, err
	}
	changed := created
	if !created && na.Severity.Rank() > a.Severity.Rank() {
		regraded, err := s.regrade(ctx, a.ID, na)
		switch {
		case errors.Is(err, ErrConflict):
			// changed under us; the next sweep sees the new state
			s.logger.Info(ctx, "regrade skipped, alert changed concurrently", "alert_id", a.ID)
		case err != nil:
			return a, false, err
		default:
			a, changed = regraded, true
		}
	}
	if changed {
		if _, err := s.Rank(ctx, na.OrganizationID); err != nil {
			s.logger.Error(ctx, err, "rerank after raise failed", "organization_id", na.OrganizationID)
		}
	}
	return a, created, nil
}

// regrade raises an open alert to na's severity and refreshes its message,
// facts and score. The SLA breach time stays as stamped at creation.
func (s *Service) regrade(ctx context.Context, id string, na NewAlert) (*Alert, error) {
	return s.mutate(ctx, System, id, ActionRegraded, func(a *Alert, _ time.Time, meta map[string]any) error {
		if !a.Status.Open() || na.Severity.Rank() <= a.Severity.Rank() {
			return errUnchanged
		}
		meta["from_severity"] = string(a.Severity)
		meta["to_severity"] = string(na.Severity)

		in := na.Risk
		in.Severity = na.Severity
		a.Severity = na.Severity
		a.Message = na.Message
		a.Facts = na.Facts.Clone()
		a.Breakdown = risk.Score(in)
		return nil
	})
}

func (s *Service) raise(ctx context.Context, na NewAlert, since time.Time) (*Alert, bool, error) {
	if err := na.validate(); err != nil {
		return nil, false, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if existing, ok, err := s.store.FindOpen(ctx, na.PatientID, na.RuleID, since); err != nil {
		return nil, false, err
	} else if ok {
		if s.hooks.OnDuplicate != nil {
			s.hooks.OnDuplicate(string(na.Facts.Kind))
		}
		return existing, false, nil
	}

	if na.ClinicianID == "" && s.patients != nil {
		p, ok, err := s.patients.Patient(ctx, na.PatientID)
		if err != nil {
			s.logger.Warn(ctx, "patient lookup failed", "patient_id", na.PatientID, "error", err.Error())
		} else if ok {
			na.ClinicianID = p.PrimaryClinicianID
		}
	}

	in := na.Risk
	in.Severity = na.Severity
	score := risk.Score(in)

	now := s.now()
	a := &Alert{
		ID:             ulid.Make().String(),
		OrganizationID: na.OrganizationID,
		PatientID:      na.PatientID,
		RuleID:         na.RuleID,
		ClinicianID:    na.ClinicianID,
		Severity:       na.Severity,
		Status:         StatusPending,
		Message:        na.Message,
		Facts:          na.Facts,
		Breakdown:      score,
		TriggeredAt:    now,
		SLABreachTime:  risk.BreachTime(now, na.Severity),
		Version:        1,
		UpdatedAt:      now,
	}
	entry := s.newEntry(a, System, ActionCreated, nil, a.Snapshot(), map[string]any{
		"rule_id":    na.RuleID,
		"facts_kind": string(na.Facts.Kind),
		"risk_score": score.Score,
	}, now)

	if err := s.store.Create(ctx, a, entry); err != nil {
		return nil, false, err
	}

	if s.hooks.OnCreated != nil {
		s.hooks.OnCreated(a.Severity, string(a.Facts.Kind), score.Score)
	}
	s.logger.Info(ctx, "alert created",
		"alert_id", a.ID,
		"patient_id", a.PatientID,
		"rule_id", a.RuleID,
		"severity", string(a.Severity),
		"risk_score", score.Score,
	)
	s.committed(ctx, EventCreated, ActionCreated, a, entry)
	return a, true, nil
}

// observationRisk gathers the score inputs for a rule-triggered alert.
func (s *Service) observationRisk(ctx context.Context, obs *clinical.Observation, r *rules.Rule) risk.Input {
	in := risk.Input{Range: r.NormalRange}
	v, ok := obs.NumericValue(r.Condition.Field)
	if ok {
		in.Value, in.HasValue = v, true
	}

	if ok && s.observations != nil {
		from := obs.RecordedAt.Add(-risk.TrendLookback)
		hist, err := s.observations.ListObservations(ctx, obs.PatientID, obs.MetricKey, from, obs.RecordedAt)
		if err != nil {
			s.logger.Warn(ctx, "trend history unavailable", "patient_id", obs.PatientID, "error", err.Error())
		}
		for i := range hist {
			if hist[i].ID == obs.ID {
				continue
			}
			if hv, ok := hist[i].NumericValue(r.Condition.Field); ok {
				in.History = append(in.History, risk.Point{At: hist[i].RecordedAt, Value: hv})
			}
		}
		in.History = append(in.History, risk.Point{At: obs.RecordedAt, Value: v})
	}

	if s.medications != nil {
		pct, _, ok, err := MedicationAdherence(ctx, s.medications, obs.PatientID, s.now())
		if err != nil {
			s.logger.Warn(ctx, "adherence unavailable", "patient_id", obs.PatientID, "error", err.Error())
		} else if ok {
			in.AdherencePct = &pct
		}
	}
	return in
}

// MedicationAdherence computes a patient's 30-day adherence across active
// medications. ok is false when the patient has no medication data.
func MedicationAdherence(ctx context.Context, src MedicationSource, patientID string, now time.Time) (pct float64, names []string, ok bool, err error) {
	meds, err := src.ListActiveMedications(ctx, patientID)
	if err != nil {
		return 0, nil, false, fmt.Errorf("list medications: %w", err)
	}
	since := now.Add(-risk.AdherenceWindow)
	usage := make([]risk.Usage, 0, len(meds))
	for _, m := range meds {
		taken, err := src.CountDosesTaken(ctx, m.ID, since)
		if err != nil {
			return 0, nil, false, fmt.Errorf("count doses for %s: %w", m.ID, err)
		}
		usage = append(usage, risk.Usage{Frequency: m.Frequency, StartedAt: m.StartedAt, Taken: taken})
		names = append(names, m.Name)
	}
	pct, ok = risk.Adherence(now, usage)
	return pct, names, ok, nil
}

func observationMessage(r *rules.Rule, obs *clinical.Observation, v any) string {
	name := r.Name
	if name == "" {
		name = r.ID
	}
	val := clinical.Text(v)
	if obs.Unit != "" {
		val += " " + obs.Unit
	}
	return fmt.Sprintf("%s: %s %s", name, obs.MetricKey, val)
}
