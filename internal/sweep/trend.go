package sweep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/risk"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

const (
	// TrendWindow is the lookback of the trend sweep.
	TrendWindow = 7 * 24 * time.Hour

	// TrendThresholdPct is the change that raises an alert; above
	// TrendHighPct the alert is HIGH.
	TrendThresholdPct = 15.0
	TrendHighPct      = 30.0
)

// Trend is the change of one metric over the window.
type Trend struct {
	From, To  float64
	ChangePct float64
	Points    []risk.Point
}

// Direction is "increase" or "decrease".
func (t Trend) Direction() string {
	if t.ChangePct < 0 {
		return "decrease"
	}
	return "increase"
}

// ComputeTrend compares the earliest and latest numeric observations. ok is
// false with fewer than two numeric points or a zero starting value.
func ComputeTrend(obs []clinical.Observation) (Trend, bool) {
	var t Trend
	for i := range obs {
		v, ok := obs[i].NumericValue("")
		if !ok {
			continue
		}
		t.Points = append(t.Points, risk.Point{At: obs[i].RecordedAt, Value: v})
	}
	if len(t.Points) < 2 {
		return t, false
	}
	t.From = t.Points[0].Value
	t.To = t.Points[len(t.Points)-1].Value
	if t.From == 0 {
		return t, false
	}
	t.ChangePct = (t.To - t.From) / math.Abs(t.From) * 100
	return t, true
}

// Trends raises an alert for every patient metric that moved more than
// TrendThresholdPct over TrendWindow in either direction.
func (s *Sweeper) Trends(ctx context.Context) error {
	now := s.now()
	created := 0
	err := s.eachOrg(ctx, func(o clinical.Organization) error {
		patients, err := s.patients(ctx, o.ID)
		if err != nil {
			return err
		}
		var errs []error
		for _, e := range patients {
			metrics, err := s.d.Metrics.Metrics(ctx, e.PatientID)
			if err != nil {
				errs = append(errs, fmt.Errorf("patient %s: %w", e.PatientID, err))
				continue
			}
			for _, metric := range metrics {
				obs, err := s.d.Observations.ListObservations(ctx, e.PatientID, metric, now.Add(-TrendWindow), now)
				if err != nil {
					errs = append(errs, fmt.Errorf("patient %s metric %s: %w", e.PatientID, metric, err))
					continue
				}
				tr, ok := ComputeTrend(obs)
				if !ok || math.Abs(tr.ChangePct) <= TrendThresholdPct {
					continue
				}
				sev := clinical.SeverityMedium
				if math.Abs(tr.ChangePct) > TrendHighPct {
					sev = clinical.SeverityHigh
				}
				change := math.Round(tr.ChangePct*10) / 10
				_, ok, err = s.d.Lifecycle.Raise(ctx, triage.NewAlert{
					OrganizationID: o.ID,
					PatientID:      e.PatientID,
					ClinicianID:    e.ClinicianID,
					RuleID:         "trend:" + metric,
					Severity:       sev,
					Message:        fmt.Sprintf("%s %sd %.1f%% over 7 days", metric, tr.Direction(), math.Abs(change)),
					Facts: triage.Facts{Kind: triage.FactsTrend, Trend: &triage.TrendFacts{
						MetricKey:  metric,
						Direction:  tr.Direction(),
						ChangePct:  change,
						From:       tr.From,
						To:         tr.To,
						WindowDays: 7,
					}},
					Risk: risk.Input{Value: tr.To, HasValue: true, History: tr.Points},
				})
				if err != nil {
					errs = append(errs, fmt.Errorf("patient %s metric %s: %w", e.PatientID, metric, err))
					continue
				}
				if ok {
					created++
				}
			}
		}
		return errors.Join(errs...)
	})
	s.logger.Info(ctx, "trend sweep complete", "created", created)
	return err
}
