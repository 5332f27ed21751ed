package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

const (
	// ReminderLead is how far ahead of the due time patients are reminded.
	ReminderLead = 24 * time.Hour

	// ReminderRepeat is the minimum gap between reminders for the same
	// assessment.
	ReminderRepeat = 12 * time.Hour
)

// MissedAssessmentSeverity grades an overdue assessment.
func MissedAssessmentSeverity(daysOverdue int) clinical.Severity {
	switch {
	case daysOverdue >= 14:
		return clinical.SeverityCritical
	case daysOverdue >= 7:
		return clinical.SeverityHigh
	case daysOverdue >= 3:
		return clinical.SeverityMedium
	}
	return clinical.SeverityLow
}

// MissedAssessments raises an alert for every required assessment at least
// one full day overdue.
func (s *Sweeper) MissedAssessments(ctx context.Context) error {
	now := s.now()
	created := 0
	err := s.eachOrg(ctx, func(o clinical.Organization) error {
		enrollments, err := s.d.Enrollments.ListEnrollments(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("list enrollments: %w", err)
		}
		var errs []error
		for _, e := range enrollments {
			if !e.Active {
				continue
			}
			for _, req := range e.Assessments {
				due := req.NextDue(e.EnrolledAt)
				days := int(now.Sub(due) / (24 * time.Hour))
				if days < 1 {
					continue
				}
				name := req.Name
				if name == "" {
					name = req.ID
				}
				_, ok, err := s.d.Lifecycle.Raise(ctx, triage.NewAlert{
					OrganizationID: o.ID,
					PatientID:      e.PatientID,
					ClinicianID:    e.ClinicianID,
					RuleID:         "missed_assessment:" + req.ID,
					Severity:       MissedAssessmentSeverity(days),
					Message:        fmt.Sprintf("%s overdue by %d days", name, days),
					Facts: triage.Facts{Kind: triage.FactsMissedAssessment, MissedAssessment: &triage.MissedAssessmentFacts{
						AssessmentID:   req.ID,
						AssessmentName: name,
						DueAt:          due,
						DaysOverdue:    days,
					}},
				})
				if err != nil {
					errs = append(errs, fmt.Errorf("patient %s assessment %s: %w", e.PatientID, req.ID, err))
					continue
				}
				if ok {
					created++
				}
			}
		}
		return errors.Join(errs...)
	})
	s.logger.Info(ctx, "missed assessment sweep complete", "created", created)
	return err
}

// Reminders notifies patients whose assessments fall due within
// ReminderLead, at most once per ReminderRepeat.
func (s *Sweeper) Reminders(ctx context.Context) error {
	now := s.now()
	sent := 0
	err := s.eachOrg(ctx, func(o clinical.Organization) error {
		enrollments, err := s.d.Enrollments.ListEnrollments(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("list enrollments: %w", err)
		}
		var errs []error
		for _, e := range enrollments {
			if !e.Active {
				continue
			}
			for _, req := range e.Assessments {
				due := req.NextDue(e.EnrolledAt)
				if due.Before(now) || due.After(now.Add(ReminderLead)) {
					continue
				}
				first, err := s.d.Ledger.Claim(ctx, "reminder:"+e.PatientID+":"+req.ID, ReminderRepeat)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if !first {
					continue
				}
				name := req.Name
				if name == "" {
					name = req.ID
				}
				s.d.Lifecycle.Notify(ctx, triage.Notification{
					Kind:           triage.NotifyAssessmentReminder,
					PatientID:      e.PatientID,
					OrganizationID: o.ID,
					Subject:        name + " due soon",
					Body:           fmt.Sprintf("Your %s is due by %s.", name, due.Format(time.RFC1123)),
				})
				sent++
			}
		}
		return errors.Join(errs...)
	})
	s.logger.Info(ctx, "reminder sweep complete", "sent", sent)
	return err
}
