// Package sweep holds the background jobs that derive alerts from missing
// data and enforce age-based transitions. Every job walks patient-care
// organizations only; PLATFORM tenants are skipped.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/dedupe"
	"github.com/linnemanlabs/carewatch/internal/engagement"
	"github.com/linnemanlabs/carewatch/internal/scheduler"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

// Job names and cadences.
const (
	JobMissedAssessments   = "missed-assessment"
	JobMedicationAdherence = "medication-adherence"
	JobTrends              = "trend"
	JobStaleAlerts         = "stale-alert-cleanup"
	JobReminders           = "reminder-dispatch"
	JobSnoozeReactivation  = "snooze-reactivation"
	JobSLAEscalation       = "sla-escalation"
	JobStaleClaims         = "stale-claim-release"
	JobEngagement          = "engagement-sweep"
)

// Lifecycle is the part of the triage service the sweeps drive.
type Lifecycle interface {
	Raise(ctx context.Context, na triage.NewAlert) (*triage.Alert, bool, error)
	List(ctx context.Context, f triage.AlertFilter) ([]*triage.Alert, error)
	DismissStale(ctx context.Context, id string, cutoff time.Time, note string) (bool, error)
	ExpireSnooze(ctx context.Context, id string) (bool, error)
	ReleaseStaleClaim(ctx context.Context, id string, cutoff time.Time) (bool, error)
	Escalate(ctx context.Context, actor triage.Actor, id, targetUserID, reason string) (*triage.Alert, error)
	Notify(ctx context.Context, n triage.Notification)
	NotifyClinician(ctx context.Context, clinicianID string, n triage.Notification)
}

// MetricLister returns the metric keys a patient has observations for.
type MetricLister interface {
	Metrics(ctx context.Context, patientID string) ([]string, error)
}

// Deps are the collaborators of the sweeps. Jobs whose collaborators are
// nil are not registered.
type Deps struct {
	Lifecycle    Lifecycle
	Orgs         triage.OrganizationDirectory
	Enrollments  triage.EnrollmentDirectory
	Medications  triage.MedicationSource
	Observations triage.ObservationSource
	Metrics      MetricLister
	Supervisors  triage.SupervisorDirectory
	Engagement   *engagement.Registry
	Ledger       dedupe.Ledger
	Logger       log.Logger
	Now          func() time.Time
}

// Sweeper runs the sweeps.
type Sweeper struct {
	d      Deps
	logger log.Logger
	now    func() time.Time
}

// New creates a Sweeper. Lifecycle and Orgs are required.
func New(d Deps) *Sweeper {
	if d.Lifecycle == nil || d.Orgs == nil {
		panic("sweep: Lifecycle and Orgs are required")
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Ledger == nil {
		d.Ledger = dedupe.NewMemory(d.Now)
	}
	return &Sweeper{d: d, logger: d.Logger.With("component", "sweep"), now: d.Now}
}

// Jobs returns the scheduler jobs for every sweep whose collaborators are
// configured.
func (s *Sweeper) Jobs() []scheduler.Job {
	var jobs []scheduler.Job
	add := func(enabled bool, name string, every time.Duration, run func(context.Context) error) {
		if enabled {
			jobs = append(jobs, scheduler.Job{Name: name, Interval: every, Run: run})
		}
	}
	add(s.d.Enrollments != nil, JobMissedAssessments, time.Hour, s.MissedAssessments)
	add(s.d.Enrollments != nil && s.d.Medications != nil, JobMedicationAdherence, 6*time.Hour, s.MedicationAdherence)
	add(s.d.Enrollments != nil && s.d.Observations != nil && s.d.Metrics != nil, JobTrends, 24*time.Hour, s.Trends)
	add(true, JobStaleAlerts, 24*time.Hour, s.StaleAlerts)
	add(s.d.Enrollments != nil, JobReminders, 12*time.Hour, s.Reminders)
	add(true, JobSnoozeReactivation, 5*time.Minute, s.SnoozeReactivation)
	add(s.d.Supervisors != nil, JobSLAEscalation, time.Minute, s.SLAEscalation)
	add(true, JobStaleClaims, 10*time.Minute, s.StaleClaims)
	add(s.d.Engagement != nil, JobEngagement, time.Hour, s.EngagementTimers)
	return jobs
}

// careOrgs lists organizations the sweeps act on.
func (s *Sweeper) careOrgs(ctx context.Context) ([]clinical.Organization, error) {
	orgs, err := s.d.Orgs.ListOrganizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	out := orgs[:0:0]
	for _, o := range orgs {
		if o.PatientCare() {
			out = append(out, o)
		}
	}
	return out, nil
}

// eachOrg runs fn for every patient-care organization. Failures are
// collected so one organization cannot starve the rest.
func (s *Sweeper) eachOrg(ctx context.Context, fn func(clinical.Organization) error) error {
	orgs, err := s.careOrgs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range orgs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := fn(o); err != nil {
			errs = append(errs, fmt.Errorf("organization %s: %w", o.ID, err))
		}
	}
	return errors.Join(errs...)
}

// eachOpenAlert lists an organization's open alerts matching f and runs fn
// on each, collecting failures.
func (s *Sweeper) eachOpenAlert(ctx context.Context, f triage.AlertFilter, fn func(*triage.Alert) error) error {
	f.Statuses = []triage.Status{triage.StatusPending, triage.StatusAcknowledged}
	alerts, err := s.d.Lifecycle.List(ctx, f)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}
	var errs []error
	for _, a := range alerts {
		if err := fn(a); err != nil {
			errs = append(errs, fmt.Errorf("alert %s: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

// patients returns the distinct patients with an active enrollment in org,
// each with the first enrollment seen.
func (s *Sweeper) patients(ctx context.Context, orgID string) ([]clinical.Enrollment, error) {
	enrollments, err := s.d.Enrollments.ListEnrollments(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	seen := make(map[string]bool, len(enrollments))
	var out []clinical.Enrollment
	for _, e := range enrollments {
		if !e.Active || seen[e.PatientID] {
			continue
		}
		seen[e.PatientID] = true
		out = append(out, e)
	}
	return out, nil
}

// EngagementTimers drops engagement timers left running too long.
func (s *Sweeper) EngagementTimers(ctx context.Context) error {
	if n := s.d.Engagement.Sweep(s.now(), engagement.MaxAge); n > 0 {
		s.logger.Info(ctx, "dropped stale engagement timers", "count", n)
	}
	return nil
}
