package triage

import (
	"context"
	"time"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/rules"
)

// ObservationSource returns a patient's observations for one metric in
// [from, to), oldest first.
type ObservationSource interface {
	ListObservations(ctx context.Context, patientID, metric string, from, to time.Time) ([]clinical.Observation, error)
}

// RuleDirectory returns the active rules in scope for a patient.
type RuleDirectory interface {
	ActiveRules(ctx context.Context, orgID, patientID string) ([]rules.Rule, error)
}

// PatientDirectory looks up patients.
type PatientDirectory interface {
	Patient(ctx context.Context, id string) (*clinical.Patient, bool, error)
}

// ClinicianDirectory looks up clinicians by clinician or user id.
type ClinicianDirectory interface {
	Clinician(ctx context.Context, id string) (*clinical.Clinician, bool, error)
	ClinicianByUser(ctx context.Context, userID string) (*clinical.Clinician, bool, error)
}

// SupervisorDirectory returns the clinician SLA breaches escalate to.
type SupervisorDirectory interface {
	Supervisor(ctx context.Context, orgID string) (*clinical.Clinician, bool, error)
}

// OrganizationDirectory lists tenants for the sweeps.
type OrganizationDirectory interface {
	ListOrganizations(ctx context.Context) ([]clinical.Organization, error)
}

// EnrollmentDirectory lists active enrollments of an organization.
type EnrollmentDirectory interface {
	ListEnrollments(ctx context.Context, orgID string) ([]clinical.Enrollment, error)
}

// MedicationSource supplies prescriptions and dose logs for adherence.
type MedicationSource interface {
	ListActiveMedications(ctx context.Context, patientID string) ([]clinical.Medication, error)
	CountDosesTaken(ctx context.Context, medicationID string, since time.Time) (int, error)
}

// AuditSink mirrors committed audit entries to an external system.
// Failures are logged and never undo the transition.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// NotificationKind identifies why a notification was sent.
type NotificationKind string

const (
	NotifyForceClaimed       NotificationKind = "force_claimed"
	NotifyEscalated          NotificationKind = "escalated"
	NotifyClaimWarning       NotificationKind = "claim_warning"
	NotifyClaimReleased      NotificationKind = "claim_released"
	NotifyAssessmentReminder NotificationKind = "assessment_reminder"
)

// Notification is an outbound message. Either RecipientUserID or PatientID
// (for patient-facing reminders) identifies the recipient.
type Notification struct {
	Kind            NotificationKind
	RecipientUserID string
	PatientID       string
	OrganizationID  string
	AlertID         string
	Severity        clinical.Severity
	Subject         string
	Body            string
}

// Notifier delivers notifications. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// BillingLinkResolver finds the billing enrollment that resolution time is
// logged against.
type BillingLinkResolver interface {
	BillingEnrollmentID(ctx context.Context, orgID, patientID string) (string, bool, error)
}

// TimeEntry is billable clinician time recorded on resolution.
type TimeEntry struct {
	AlertID             string
	OrganizationID      string
	PatientID           string
	ClinicianID         string
	BillingEnrollmentID string
	Minutes             int
	Activity            InterventionType
	RecordedAt          time.Time
}

// FollowUp is an optional task created on resolution.
type FollowUp struct {
	DueAt time.Time `json:"due_at"`
	Note  string    `json:"note"`
}

// FollowUpTask is a FollowUp bound to its alert.
type FollowUpTask struct {
	FollowUp
	AlertID        string
	OrganizationID string
	PatientID      string
	AssigneeID     string
}

// EncounterNote is an optional clinical note created on resolution.
type EncounterNote struct {
	AlertID        string
	OrganizationID string
	PatientID      string
	AuthorID       string
	Body           string
	CreatedAt      time.Time
}

// ResolutionEffects performs the side effects of resolving an alert. Each
// effect is attempted independently after commit; failures are logged.
type ResolutionEffects interface {
	LogBillableTime(ctx context.Context, e TimeEntry) error
	CreateFollowUp(ctx context.Context, t FollowUpTask) error
	AddEncounterNote(ctx context.Context, n EncounterNote) error
	MarkObservationReviewed(ctx context.Context, observationID, reviewerID string) error
}

// EventType names a lifecycle event.
type EventType string

const (
	EventCreated EventType = "alert.created"
	EventUpdated EventType = "alert.updated"
)

// Event is a committed lifecycle change pushed to live clients.
type Event struct {
	Type   EventType
	Action Action
	Alert  *Alert
}

// Broadcaster pushes events to live clients. Publish must not block.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event)
}
