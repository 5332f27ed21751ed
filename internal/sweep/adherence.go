package sweep

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/risk"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

// AdherenceThreshold is the adherence percentage below which an alert is
// raised.
const AdherenceThreshold = 80.0

// AdherenceSeverity grades low adherence.
func AdherenceSeverity(pct float64) clinical.Severity {
	switch {
	case pct < 50:
		return clinical.SeverityHigh
	case pct < 65:
		return clinical.SeverityMedium
	}
	return clinical.SeverityLow
}

// MedicationAdherence raises an alert for every enrolled patient whose
// 30-day adherence is below AdherenceThreshold.
func (s *Sweeper) MedicationAdherence(ctx context.Context) error {
	now := s.now()
	created := 0
	err := s.eachOrg(ctx, func(o clinical.Organization) error {
		patients, err := s.patients(ctx, o.ID)
		if err != nil {
			return err
		}
		var errs []error
		for _, e := range patients {
			pct, names, ok, err := triage.MedicationAdherence(ctx, s.d.Medications, e.PatientID, now)
			if err != nil {
				errs = append(errs, fmt.Errorf("patient %s: %w", e.PatientID, err))
				continue
			}
			if !ok || pct >= AdherenceThreshold {
				continue
			}
			rounded := math.Round(pct*10) / 10
			_, ok, err = s.d.Lifecycle.Raise(ctx, triage.NewAlert{
				OrganizationID: o.ID,
				PatientID:      e.PatientID,
				ClinicianID:    e.ClinicianID,
				RuleID:         "medication_adherence",
				Severity:       AdherenceSeverity(pct),
				Message:        fmt.Sprintf("Medication adherence %.1f%% over %d days", rounded, int(risk.AdherenceWindow.Hours()/24)),
				Facts: triage.Facts{Kind: triage.FactsMedicationAdherence, Adherence: &triage.AdherenceFacts{
					AdherencePct: rounded,
					Medications:  names,
					WindowDays:   int(risk.AdherenceWindow.Hours() / 24),
				}},
				Risk: risk.Input{AdherencePct: &pct},
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("patient %s: %w", e.PatientID, err))
				continue
			}
			if ok {
				created++
			}
		}
		return errors.Join(errs...)
	})
	s.logger.Info(ctx, "adherence sweep complete", "created", created)
	return err
}
