package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/carewatch/internal/rules"
)

var tracer = otel.Tracer("github.com/linnemanlabs/carewatch/internal/triage")

const (
	// MinNoteLength applies to resolution notes, force-claim reasons,
	// dismiss reasons and OTHER suppression notes.
	MinNoteLength = 10

	MinSnoozeMinutes = 1
	MaxSnoozeMinutes = 7 * 24 * 60
)

// errUnchanged short-circuits a transition that has nothing to write.
var errUnchanged = errors.New("unchanged")

// Options are the collaborators of a Service. Only Store is required; a nil
// collaborator disables the behavior that depends on it.
type Options struct {
	Rules        RuleDirectory
	Observations ObservationSource
	Patients     PatientDirectory
	Clinicians   ClinicianDirectory
	Medications  MedicationSource
	Audit        AuditSink
	Notifier     Notifier
	Billing      BillingLinkResolver
	Effects      ResolutionEffects
	Broadcaster  Broadcaster
	Hooks        ServiceHooks
	Logger       log.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service is the business boundary for alert creation and lifecycle
// operations.
type Service struct {
	store        Store
	evaluator    *rules.Evaluator
	ranker       *Ranker
	rules        RuleDirectory
	observations ObservationSource
	patients     PatientDirectory
	clinicians   ClinicianDirectory
	medications  MedicationSource
	audit        AuditSink
	notifier     Notifier
	billing      BillingLinkResolver
	effects      ResolutionEffects
	broadcaster  Broadcaster
	hooks        ServiceHooks
	logger       log.Logger
	now          func() time.Time

	// createMu serializes the open-alert check with the insert that follows.
	createMu sync.Mutex

	// wg tracks background effects started after commits.
	wg sync.WaitGroup
}

// NewService creates a new triage service.
func NewService(store Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:        store,
		evaluator:    rules.NewEvaluator(opts.Observations, opts.Logger),
		ranker:       NewRanker(store),
		rules:        opts.Rules,
		observations: opts.Observations,
		patients:     opts.Patients,
		clinicians:   opts.Clinicians,
		medications:  opts.Medications,
		audit:        opts.Audit,
		notifier:     opts.Notifier,
		billing:      opts.Billing,
		effects:      opts.Effects,
		broadcaster:  opts.Broadcaster,
		hooks:        opts.Hooks,
		logger:       opts.Logger,
		now:          opts.Now,
	}
}

// Wait blocks until background effects started so far have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Get returns an alert visible to actor.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (*Alert, error) {
	return s.load(ctx, actor, id)
}

// Audit returns an alert's audit trail.
func (s *Service) Audit(ctx context.Context, actor Actor, id string) ([]AuditEntry, error) {
	if _, err := s.load(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id)
}

// List passes a filter through to the store.
func (s *Service) List(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	return s.store.List(ctx, f)
}

// Queue returns an organization's pending alerts in priority order.
func (s *Service) Queue(ctx context.Context, actor Actor, orgID string, limit int) ([]*Alert, error) {
	if !actor.CanSee(orgID) {
		return nil, fmt.Errorf("%w: organization %s", ErrForbidden, orgID)
	}
	return s.store.List(ctx, AlertFilter{OrganizationID: orgID, Statuses: []Status{StatusPending}, Limit: limit})
}

// Rank recomputes an organization's priority ranks and returns how many
// pending alerts were ranked.
func (s *Service) Rank(ctx context.Context, orgID string) (int, error) {
	start := time.Now()
	n, err := s.ranker.Recompute(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if s.hooks.OnRank != nil {
		s.hooks.OnRank(n, time.Since(start).Seconds())
	}
	return n, nil
}

// Claim takes an unclaimed open alert for the caller.
func (s *Service) Claim(ctx context.Context, actor Actor, id string) (_ *Alert, err error) {
	ctx, span := s.startSpan(ctx, ActionClaimed, id, actor)
	defer func() { s.endSpan(span, ActionClaimed, err) }()

	a, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.Open() {
		return nil, fmt.Errorf("%w: alert is %s", ErrConflict, a.Status)
	}
	if a.Claimed() {
		return nil, fmt.Errorf("%w: alert already claimed by %s", ErrConflict, a.ClaimedBy)
	}

	now := s.now()
	before := a.Snapshot()
	after := a.Snapshot()
	after.ClaimedBy = actor.ID()
	after.Version++
	entry := s.newEntry(a, actor, ActionClaimed, before, after, nil, now)

	got, ok, err := s.store.ClaimIfUnclaimed(ctx, id, actor.ID(), now, entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		if got != nil && got.Claimed() {
			return nil, fmt.Errorf("%w: alert already claimed by %s", ErrConflict, got.ClaimedBy)
		}
		return nil, fmt.Errorf("%w: alert can no longer be claimed", ErrConflict)
	}

	s.committed(ctx, EventUpdated, ActionClaimed, got, entry)
	return got, nil
}

// ForceClaim takes over an alert's claim. Only supervisory roles may do it,
// and the previous claimer is notified.
func (s *Service) ForceClaim(ctx context.Context, actor Actor, id, reason string) (*Alert, error) {
	if !actor.IsSystem() && !actor.Role.Supervisory() {
		err := fmt.Errorf("%w: force-claim requires a supervisory role", ErrForbidden)
		s.observe(ActionForceClaimed, err)
		return nil, err
	}
	if err := requireNote("reason", reason); err != nil {
		s.observe(ActionForceClaimed, err)
		return nil, err
	}

	var prior string
	a, err := s.mutate(ctx, actor, id, ActionForceClaimed, func(a *Alert, now time.Time, meta map[string]any) error {
		if a.Status == StatusResolved {
			return fmt.Errorf("%w: cannot force-claim a resolved alert", ErrConflict)
		}
		if a.ClaimedBy == actor.ID() {
			return fmt.Errorf("%w: caller already holds the claim", ErrConflict)
		}
		prior = a.ClaimedBy
		a.ClaimedBy = actor.ID()
		a.ClaimedAt = &now
		meta["reason"] = strings.TrimSpace(reason)
		if prior != "" {
			meta["previous_claimant"] = prior
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if prior != "" {
		s.NotifyClinician(ctx, prior, Notification{
			Kind:           NotifyForceClaimed,
			OrganizationID: a.OrganizationID,
			AlertID:        a.ID,
			Severity:       a.Severity,
			Subject:        "Alert reassigned",
			Body:           fmt.Sprintf("Your claim on alert %q was taken over by %s: %s", a.Message, actor.ID(), strings.TrimSpace(reason)),
		})
	}
	return a, nil
}

// Unclaim releases the caller's claim.
func (s *Service) Unclaim(ctx context.Context, actor Actor, id string) (*Alert, error) {
	return s.mutate(ctx, actor, id, ActionUnclaimed, func(a *Alert, _ time.Time, _ map[string]any) error {
		if !a.Claimed() {
			return fmt.Errorf("%w: alert is not claimed", ErrConflict)
		}
		if a.ClaimedBy != actor.ID() && !actor.IsSystem() {
			return fmt.Errorf("%w: only the current claimer can unclaim", ErrForbidden)
		}
		a.ClaimedBy = ""
		a.ClaimedAt = nil
		return nil
	})
}

// ReleaseStaleClaim drops a claim taken before cutoff and tells the claimer.
// released is false when the claim was already gone or renewed.
func (s *Service) ReleaseStaleClaim(ctx context.Context, id string, cutoff time.Time) (released bool, err error) {
	var prior string
	a, err := s.mutate(ctx, System, id, ActionUnclaimed, func(a *Alert, now time.Time, meta map[string]any) error {
		if !a.Status.Open() || !a.Claimed() || a.ClaimedAt == nil || !a.ClaimedAt.Before(cutoff) {
			return errUnchanged
		}
		prior = a.ClaimedBy
		meta["reason"] = "claim timed out"
		meta["claimed_minutes"] = int(now.Sub(*a.ClaimedAt).Minutes())
		meta["previous_claimant"] = prior
		a.ClaimedBy = ""
		a.ClaimedAt = nil
		return nil
	})
	if err != nil || prior == "" {
		return false, err
	}

	s.NotifyClinician(ctx, prior, Notification{
		Kind:           NotifyClaimReleased,
		OrganizationID: a.OrganizationID,
		AlertID:        a.ID,
		Severity:       a.Severity,
		Subject:        "Claim released",
		Body:           fmt.Sprintf("Your claim on alert %q was released after it went unresolved.", a.Message),
	})
	return true, nil
}

// Acknowledge moves a pending alert to ACKNOWLEDGED.
func (s *Service) Acknowledge(ctx context.Context, actor Actor, id string) (*Alert, error) {
	return s.mutate(ctx, actor, id, ActionAcknowledged, func(a *Alert, now time.Time, _ map[string]any) error {
		if a.Status != StatusPending {
			return fmt.Errorf("%w: alert is %s", ErrConflict, a.Status)
		}
		a.Status = StatusAcknowledged
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = actor.ID()
		return nil
	})
}

// ResolveInput is the documentation required to resolve an alert.
type ResolveInput struct {
	Notes            string           `json:"resolution_notes"`
	InterventionType InterventionType `json:"intervention_type"`
	PatientOutcome   PatientOutcome   `json:"patient_outcome"`
	TimeSpentMinutes int              `json:"time_spent_minutes"`

	FollowUp      *FollowUp `json:"follow_up,omitempty"`
	EncounterNote string    `json:"encounter_note,omitempty"`
}

func (in *ResolveInput) validate() error {
	var problems []string
	if noteLength(in.Notes) < MinNoteLength {
		problems = append(problems, fmt.Sprintf("resolution notes must be at least %d characters", MinNoteLength))
	}
	if !in.InterventionType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown intervention type %q", in.InterventionType))
	}
	if !in.PatientOutcome.Valid() {
		problems = append(problems, fmt.Sprintf("unknown patient outcome %q", in.PatientOutcome))
	}
	if in.TimeSpentMinutes < 1 {
		problems = append(problems, "time spent must be at least 1 minute")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Resolve closes an alert with documentation and then runs the resolution
// side effects in the background.
func (s *Service) Resolve(ctx context.Context, actor Actor, id string, in ResolveInput) (*Alert, error) {
	if err := in.validate(); err != nil {
		s.observe(ActionResolved, err)
		return nil, err
	}

	a, err := s.mutate(ctx, actor, id, ActionResolved, func(a *Alert, now time.Time, meta map[string]any) error {
		if !a.Status.Open() {
			return fmt.Errorf("%w: alert is already %s", ErrConflict, a.Status)
		}
		a.Status = StatusResolved
		a.ResolvedAt = &now
		a.ResolvedBy = actor.ID()
		a.ResolutionNotes = strings.TrimSpace(in.Notes)
		a.InterventionType = in.InterventionType
		a.PatientOutcome = in.PatientOutcome
		a.TimeSpentMinutes = in.TimeSpentMinutes
		a.SnoozedUntil = nil
		a.SnoozedBy = ""
		meta["intervention_type"] = string(in.InterventionType)
		meta["patient_outcome"] = string(in.PatientOutcome)
		meta["time_spent_minutes"] = in.TimeSpentMinutes
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.resolutionEffects(ctx, actor, a.Clone(), in)
	return a, nil
}

func (s *Service) resolutionEffects(ctx context.Context, actor Actor, a *Alert, in ResolveInput) {
	if s.effects == nil {
		return
	}
	s.async(ctx, func(ctx context.Context) {
		L := s.logger.With("alert_id", a.ID, "patient_id", a.PatientID)
		now := s.now()

		entry := TimeEntry{
			AlertID:        a.ID,
			OrganizationID: a.OrganizationID,
			PatientID:      a.PatientID,
			ClinicianID:    actor.ID(),
			Minutes:        in.TimeSpentMinutes,
			Activity:       in.InterventionType,
			RecordedAt:     now,
		}
		if s.billing != nil {
			billingID, ok, err := s.billing.BillingEnrollmentID(ctx, a.OrganizationID, a.PatientID)
			switch {
			case err != nil:
				L.Error(ctx, err, "failed to resolve billing enrollment")
			case ok:
				entry.BillingEnrollmentID = billingID
			}
		}
		if err := s.effects.LogBillableTime(ctx, entry); err != nil {
			L.Error(ctx, err, "failed to log billable time")
		}

		if in.FollowUp != nil {
			task := FollowUpTask{
				FollowUp:       *in.FollowUp,
				AlertID:        a.ID,
				OrganizationID: a.OrganizationID,
				PatientID:      a.PatientID,
				AssigneeID:     actor.ID(),
			}
			if err := s.effects.CreateFollowUp(ctx, task); err != nil {
				L.Error(ctx, err, "failed to create follow-up task")
			}
		}

		if note := strings.TrimSpace(in.EncounterNote); note != "" {
			n := EncounterNote{
				AlertID:        a.ID,
				OrganizationID: a.OrganizationID,
				PatientID:      a.PatientID,
				AuthorID:       actor.ID(),
				Body:           note,
				CreatedAt:      now,
			}
			if err := s.effects.AddEncounterNote(ctx, n); err != nil {
				L.Error(ctx, err, "failed to add encounter note")
			}
		}

		if obs := a.Facts.Observation; obs != nil && obs.ObservationID != "" {
			if err := s.effects.MarkObservationReviewed(ctx, obs.ObservationID, actor.ID()); err != nil {
				L.Error(ctx, err, "failed to mark observation reviewed")
			}
		}
	})
}

// Dismiss closes an open alert without intervention.
func (s *Service) Dismiss(ctx context.Context, actor Actor, id, reason string) (*Alert, error) {
	if err := requireNote("reason", reason); err != nil {
		s.observe(ActionDismissed, err)
		return nil, err
	}
	return s.mutate(ctx, actor, id, ActionDismissed, func(a *Alert, _ time.Time, meta map[string]any) error {
		if !a.Status.Open() {
			return fmt.Errorf("%w: alert is already %s", ErrConflict, a.Status)
		}
		dismiss(a, strings.TrimSpace(reason))
		meta["reason"] = strings.TrimSpace(reason)
		return nil
	})
}

// DismissStale dismisses an alert still pending since before cutoff.
func (s *Service) DismissStale(ctx context.Context, id string, cutoff time.Time, note string) (dismissed bool, err error) {
	_, err = s.mutate(ctx, System, id, ActionDismissed, func(a *Alert, _ time.Time, meta map[string]any) error {
		if a.Status != StatusPending || !a.TriggeredAt.Before(cutoff) {
			return errUnchanged
		}
		dismiss(a, note)
		meta["reason"] = note
		dismissed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return dismissed, nil
}

func dismiss(a *Alert, note string) {
	a.Status = StatusDismissed
	a.ResolutionNotes = note
	a.SnoozedUntil = nil
	a.SnoozedBy = ""
}

// Snooze hides an open alert for 1 to 10080 minutes.
func (s *Service) Snooze(ctx context.Context, actor Actor, id string, minutes int) (*Alert, error) {
	if minutes < MinSnoozeMinutes || minutes > MaxSnoozeMinutes {
		err := fmt.Errorf("%w: snooze must be between %d and %d minutes", ErrValidation, MinSnoozeMinutes, MaxSnoozeMinutes)
		s.observe(ActionSnoozed, err)
		return nil, err
	}
	return s.mutate(ctx, actor, id, ActionSnoozed, func(a *Alert, now time.Time, meta map[string]any) error {
		if !a.Status.Open() {
			return fmt.Errorf("%w: cannot snooze a %s alert", ErrConflict, a.Status)
		}
		until := now.Add(time.Duration(minutes) * time.Minute)
		a.SnoozedUntil = &until
		a.SnoozedBy = actor.ID()
		meta["minutes"] = minutes
		return nil
	})
}

// Unsnooze clears a snooze. It is a no-op, without an audit entry, when the
// alert is not snoozed.
func (s *Service) Unsnooze(ctx context.Context, actor Actor, id string) (*Alert, error) {
	return s.mutate(ctx, actor, id, ActionUnsnoozed, func(a *Alert, _ time.Time, _ map[string]any) error {
		if a.SnoozedUntil == nil {
			return errUnchanged
		}
		a.SnoozedUntil = nil
		a.SnoozedBy = ""
		return nil
	})
}

// ExpireSnooze clears a snooze whose time has passed so the alert shows up
// again on live clients.
func (s *Service) ExpireSnooze(ctx context.Context, id string) (expired bool, err error) {
	_, err = s.mutate(ctx, System, id, ActionUnsnoozed, func(a *Alert, now time.Time, meta map[string]any) error {
		if a.SnoozedUntil == nil || a.SnoozedUntil.After(now) {
			return errUnchanged
		}
		meta["reason"] = "snooze expired"
		a.SnoozedUntil = nil
		a.SnoozedBy = ""
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// Suppress marks an alert as noise and dismisses it.
func (s *Service) Suppress(ctx context.Context, actor Actor, id string, reason SuppressReason, notes string) (*Alert, error) {
	notes = strings.TrimSpace(notes)
	var err error
	switch {
	case !reason.Valid():
		err = fmt.Errorf("%w: unknown suppress reason %q", ErrValidation, reason)
	case reason == SuppressOther && noteLength(notes) < MinNoteLength:
		err = fmt.Errorf("%w: suppress reason OTHER requires notes of at least %d characters", ErrValidation, MinNoteLength)
	}
	if err != nil {
		s.observe(ActionSuppressed, err)
		return nil, err
	}

	return s.mutate(ctx, actor, id, ActionSuppressed, func(a *Alert, now time.Time, meta map[string]any) error {
		if a.Status == StatusResolved {
			return fmt.Errorf("%w: cannot suppress a resolved alert", ErrConflict)
		}
		if a.IsSuppressed {
			return fmt.Errorf("%w: alert is already suppressed", ErrConflict)
		}
		a.IsSuppressed = true
		a.SuppressReason = reason
		a.SuppressNotes = notes
		a.SuppressedBy = actor.ID()
		a.SuppressedAt = &now
		a.Status = StatusDismissed
		a.SnoozedUntil = nil
		a.SnoozedBy = ""
		meta["reason"] = string(reason)
		return nil
	})
}

// Unsuppress reverses a suppression and returns the alert to PENDING.
func (s *Service) Unsuppress(ctx context.Context, actor Actor, id string) (*Alert, error) {
	return s.mutate(ctx, actor, id, ActionUnsuppressed, func(a *Alert, _ time.Time, _ map[string]any) error {
		if !a.IsSuppressed {
			return fmt.Errorf("%w: alert is not suppressed", ErrConflict)
		}
		a.IsSuppressed = false
		a.SuppressReason = ""
		a.SuppressNotes = ""
		a.SuppressedBy = ""
		a.SuppressedAt = nil
		a.Status = StatusPending
		return nil
	})
}

// Escalate raises an alert's escalation level and hands it to targetUserID,
// who is notified.
func (s *Service) Escalate(ctx context.Context, actor Actor, id, targetUserID, reason string) (*Alert, error) {
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		err := fmt.Errorf("%w: escalation target is required", ErrValidation)
		s.observe(ActionEscalated, err)
		return nil, err
	}
	if s.clinicians != nil {
		_, ok, err := s.clinicians.ClinicianByUser(ctx, targetUserID)
		if err != nil {
			return nil, fmt.Errorf("lookup escalation target: %w", err)
		}
		if !ok {
			err := fmt.Errorf("%w: escalation target %s does not exist", ErrValidation, targetUserID)
			s.observe(ActionEscalated, err)
			return nil, err
		}
	}

	a, err := s.mutate(ctx, actor, id, ActionEscalated, func(a *Alert, now time.Time, meta map[string]any) error {
		if a.Status == StatusResolved {
			return fmt.Errorf("%w: cannot escalate a resolved alert", ErrConflict)
		}
		a.IsEscalated = true
		a.EscalationLevel++
		a.EscalatedTo = targetUserID
		a.EscalatedAt = &now
		meta["level"] = a.EscalationLevel
		if reason = strings.TrimSpace(reason); reason != "" {
			meta["reason"] = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Notify(ctx, Notification{
		Kind:            NotifyEscalated,
		RecipientUserID: targetUserID,
		OrganizationID:  a.OrganizationID,
		AlertID:         a.ID,
		Severity:        a.Severity,
		Subject:         fmt.Sprintf("%s alert escalated to you", a.Severity),
		Body:            escalationBody(a, reason),
	})
	return a, nil
}

func escalationBody(a *Alert, reason string) string {
	body := fmt.Sprintf("Alert %q (level %d) for patient %s needs attention.", a.Message, a.EscalationLevel, a.PatientID)
	if reason != "" {
		body += " Reason: " + reason
	}
	return body
}

// Notify sends n in the background. Failures are logged.
func (s *Service) Notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	s.async(ctx, func(ctx context.Context) {
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Error(ctx, err, "notification failed",
				"kind", string(n.Kind),
				"alert_id", n.AlertID,
				"recipient", n.RecipientUserID,
			)
		}
	})
}

// NotifyClinician addresses n to the user account behind clinicianID.
func (s *Service) NotifyClinician(ctx context.Context, clinicianID string, n Notification) {
	n.RecipientUserID = clinicianID
	if s.clinicians != nil {
		c, ok, err := s.clinicians.Clinician(ctx, clinicianID)
		if err != nil {
			s.logger.Warn(ctx, "clinician lookup failed", "clinician_id", clinicianID, "error", err.Error())
		} else if ok && c.UserID != "" {
			n.RecipientUserID = c.UserID
		}
	}
	s.Notify(ctx, n)
}

// transition mutates a loaded alert in place. now is the transition time
// and meta is recorded on the audit entry.
type transition func(a *Alert, now time.Time, meta map[string]any) error

// mutate loads an alert, applies fn and writes the result with its audit
// entry, then broadcasts the change.
func (s *Service) mutate(ctx context.Context, actor Actor, id string, action Action, fn transition) (_ *Alert, err error) {
	ctx, span := s.startSpan(ctx, action, id, actor)
	defer func() { s.endSpan(span, action, err) }()

	a, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	before := a.Snapshot()
	meta := map[string]any{}
	if err := fn(a, now, meta); err != nil {
		if errors.Is(err, errUnchanged) {
			return a, nil
		}
		return nil, err
	}

	a.UpdatedAt = now
	after := a.Snapshot()
	after.Version++
	entry := s.newEntry(a, actor, action, before, after, meta, now)
	if err := s.store.Update(ctx, a, entry); err != nil {
		return nil, err
	}

	s.committed(ctx, EventUpdated, action, a, entry)
	return a, nil
}

func (s *Service) load(ctx context.Context, actor Actor, id string) (*Alert, error) {
	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
	}
	if !actor.CanSee(a.OrganizationID) {
		return nil, fmt.Errorf("%w: alert belongs to another organization", ErrForbidden)
	}
	return a, nil
}

func (s *Service) newEntry(a *Alert, actor Actor, action Action, before, after *Snapshot, meta map[string]any, now time.Time) *AuditEntry {
	if len(meta) == 0 {
		meta = nil
	}
	return &AuditEntry{
		ID:             ulid.Make().String(),
		AlertID:        a.ID,
		OrganizationID: a.OrganizationID,
		Actor:          actor.ID(),
		Action:         action,
		Before:         before,
		After:          after,
		Metadata:       meta,
		CreatedAt:      now,
	}
}

// committed fans out a change that is already durable. Nothing here can
// fail the operation.
func (s *Service) committed(ctx context.Context, typ EventType, action Action, a *Alert, entry *AuditEntry) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(ctx, Event{Type: typ, Action: action, Alert: a.Clone()})
	}
	if s.audit != nil {
		e := *entry
		s.async(ctx, func(ctx context.Context) {
			if err := s.audit.Record(ctx, e); err != nil {
				s.logger.Error(ctx, err, "audit sink failed", "alert_id", e.AlertID, "action", string(e.Action))
			}
		})
	}
}

// async runs fn detached from the caller's cancellation.
func (s *Service) async(ctx context.Context, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

func (s *Service) startSpan(ctx context.Context, action Action, id string, actor Actor) (context.Context, trace.Span) {
	return tracer.Start(ctx, "triage."+string(action), trace.WithAttributes(
		attribute.String("carewatch.alert.id", id),
		attribute.String("carewatch.actor", actor.ID()),
	))
}

func (s *Service) endSpan(span trace.Span, action Action, err error) {
	s.observe(action, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) observe(action Action, err error) {
	if s.hooks.OnTransition != nil {
		s.hooks.OnTransition(action, Outcome(err))
	}
}

// Outcome classifies an operation error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	}
	return "error"
}

// noteLength counts characters, not bytes, ignoring surrounding space.
func noteLength(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}

func requireNote(field, v string) error {
	if noteLength(v) < MinNoteLength {
		return fmt.Errorf("%w: %s must be at least %d characters", ErrValidation, field, MinNoteLength)
	}
	return nil
}
