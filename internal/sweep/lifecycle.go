package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/risk"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

const (
	// StaleAlertAge is how long an alert may stay PENDING before the
	// cleanup sweep dismisses it.
	StaleAlertAge = 72 * time.Hour

	// StaleAlertNote is recorded as the resolution note of dismissed
	// stale alerts.
	StaleAlertNote = "Automatically dismissed by system: no action taken within 72 hours"

	// ClaimTimeout releases claims held longer without resolution.
	ClaimTimeout = 60 * time.Minute

	// ClaimWarning is when a claimer is warned of the coming release.
	ClaimWarning = 45 * time.Minute
)

// StaleAlerts dismisses alerts left pending longer than StaleAlertAge.
func (s *Sweeper) StaleAlerts(ctx context.Context) error {
	cutoff := s.now().Add(-StaleAlertAge)
	dismissed := 0
	err := s.eachOrg(ctx, func(o clinical.Organization) error {
		alerts, err := s.d.Lifecycle.List(ctx, triage.AlertFilter{
			OrganizationID:  o.ID,
			Statuses:        []triage.Status{triage.StatusPending},
			TriggeredBefore: cutoff,
		})
		if err != nil {
			return fmt.Errorf("list alerts: %w", err)
		}
		var errs []error
		for _, a := range alerts {
			ok, err := s.d.Lifecycle.DismissStale(ctx, a.ID, cutoff, StaleAlertNote)
			if err != nil {
				errs = append(errs, fmt.Errorf("alert %s: %w", a.ID, err))
				continue
			}
			if ok {
				dismissed++
			}
		}
		return errors.Join(errs...)
	})
	s.logger.Info(ctx, "stale alert sweep complete", "dismissed", dismissed)
	return err
}

// SnoozeReactivation clears snoozes that have run out so the alerts are
// broadcast again.
func (s *Sweeper) SnoozeReactivation(ctx context.Context) error {
	now := s.now()
	expired := 0
	err := s.eachOrg(ctx, func(o clinical.Organization) error {
		return s.eachOpenAlert(ctx, triage.AlertFilter{OrganizationID: o.ID, SnoozeEndedBy: now}, func(a *triage.Alert) error {
			ok, err := s.d.Lifecycle.ExpireSnooze(ctx, a.ID)
			if ok {
				expired++
			}
			return err
		})
	})
	if expired > 0 {
		s.logger.Info(ctx, "snoozes expired", "count", expired)
	}
	return err
}

// EscalationDue reports whether a should be escalated to a supervisor at now.
func EscalationDue(a *triage.Alert, now time.Time) bool {
	if a.IsEscalated || a.IsSuppressed || !a.Status.Open() {
		return false
	}
	delay, ok := risk.EscalationDelay(a.Severity)
	if !ok {
		return false
	}
	return !now.Before(a.SLABreachTime.Add(delay))
}

// SLAEscalation hands alerts left well past their SLA to the
// organization's supervisor.
func (s *Sweeper) SLAEscalation(ctx context.Context) error {
	now := s.now()
	escalated := 0
	err := s.eachOrg(ctx, func(o clinical.Organization) error {
		var due []*triage.Alert
		err := s.eachOpenAlert(ctx, triage.AlertFilter{OrganizationID: o.ID}, func(a *triage.Alert) error {
			if EscalationDue(a, now) {
				due = append(due, a)
			}
			return nil
		})
		if err != nil || len(due) == 0 {
			return err
		}

		sup, ok, err := s.d.Supervisors.Supervisor(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("lookup supervisor: %w", err)
		}
		if !ok || sup.UserID == "" {
			s.logger.Warn(ctx, "no supervisor for escalation", "organization_id", o.ID, "alerts", len(due))
			return nil
		}

		var errs []error
		for _, a := range due {
			reason := fmt.Sprintf("SLA breached %d minutes ago", int(now.Sub(a.SLABreachTime).Minutes()))
			_, err := s.d.Lifecycle.Escalate(ctx, triage.System, a.ID, sup.UserID, reason)
			switch {
			case errors.Is(err, triage.ErrConflict):
				// resolved since it was listed
			case err != nil:
				errs = append(errs, fmt.Errorf("alert %s: %w", a.ID, err))
			default:
				escalated++
			}
		}
		return errors.Join(errs...)
	})
	if escalated > 0 {
		s.logger.Info(ctx, "alerts escalated", "count", escalated)
	}
	return err
}

// StaleClaims releases claims older than ClaimTimeout and warns claimers
// once their claim passes ClaimWarning.
func (s *Sweeper) StaleClaims(ctx context.Context) error {
	now := s.now()
	release := now.Add(-ClaimTimeout)
	warn := now.Add(-ClaimWarning)
	released, warned := 0, 0
	err := s.eachOrg(ctx, func(o clinical.Organization) error {
		return s.eachOpenAlert(ctx, triage.AlertFilter{OrganizationID: o.ID, ClaimedBefore: warn}, func(a *triage.Alert) error {
			if a.ClaimedAt == nil {
				return nil
			}
			if a.ClaimedAt.Before(release) {
				ok, err := s.d.Lifecycle.ReleaseStaleClaim(ctx, a.ID, release)
				if ok {
					released++
				}
				return err
			}
			key := fmt.Sprintf("claim-warning:%s:%s:%d", a.ID, a.ClaimedBy, a.ClaimedAt.Unix())
			first, err := s.d.Ledger.Claim(ctx, key, ClaimTimeout)
			if err != nil || !first {
				return err
			}
			left := int(a.ClaimedAt.Add(ClaimTimeout).Sub(now).Minutes())
			s.d.Lifecycle.NotifyClinician(ctx, a.ClaimedBy, triage.Notification{
				Kind:           triage.NotifyClaimWarning,
				OrganizationID: a.OrganizationID,
				AlertID:        a.ID,
				Severity:       a.Severity,
				Subject:        "Claim expiring soon",
				Body:           fmt.Sprintf("Your claim on alert %q will be released in %d minutes unless it is resolved.", a.Message, left),
			})
			warned++
			return nil
		})
	})
	if released > 0 || warned > 0 {
		s.logger.Info(ctx, "stale claim sweep complete", "released", released, "warned", warned)
	}
	return err
}
