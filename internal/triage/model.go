package triage

import (
	"time"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/risk"
)

// Status tracks where an alert is in its lifecycle.
type Status string

const (
	// StatusPending means raised and awaiting a clinician
	StatusPending Status = "PENDING"

	// StatusAcknowledged means a clinician has seen it
	StatusAcknowledged Status = "ACKNOWLEDGED"

	// StatusResolved means closed with documentation
	StatusResolved Status = "RESOLVED"

	// StatusDismissed means closed without action (manual, stale or suppressed)
	StatusDismissed Status = "DISMISSED"
)

// Open reports whether the alert still needs attention.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusAcknowledged
}

// InterventionType documents what a clinician did to resolve an alert.
type InterventionType string

const (
	InterventionPhoneCall            InterventionType = "PHONE_CALL"
	InterventionVideoVisit           InterventionType = "VIDEO_VISIT"
	InterventionInPersonVisit        InterventionType = "IN_PERSON_VISIT"
	InterventionMedicationAdjustment InterventionType = "MEDICATION_ADJUSTMENT"
	InterventionCarePlanUpdate       InterventionType = "CARE_PLAN_UPDATE"
	InterventionPatientEducation     InterventionType = "PATIENT_EDUCATION"
	InterventionReferral             InterventionType = "REFERRAL"
	InterventionEscalatedToProvider  InterventionType = "ESCALATED_TO_PROVIDER"
	InterventionNoActionRequired     InterventionType = "NO_ACTION_REQUIRED"
	InterventionOther                InterventionType = "OTHER"
)

// Valid reports whether t is a known intervention.
func (t InterventionType) Valid() bool {
	switch t {
	case InterventionPhoneCall, InterventionVideoVisit, InterventionInPersonVisit,
		InterventionMedicationAdjustment, InterventionCarePlanUpdate, InterventionPatientEducation,
		InterventionReferral, InterventionEscalatedToProvider, InterventionNoActionRequired,
		InterventionOther:
		return true
	}
	return false
}

// PatientOutcome documents the patient's state after the intervention.
type PatientOutcome string

const (
	OutcomeImproved      PatientOutcome = "IMPROVED"
	OutcomeStable        PatientOutcome = "STABLE"
	OutcomeDeclined      PatientOutcome = "DECLINED"
	OutcomeHospitalized  PatientOutcome = "HOSPITALIZED"
	OutcomeEDVisit       PatientOutcome = "ED_VISIT"
	OutcomeNoChange      PatientOutcome = "NO_CHANGE"
	OutcomeUnableToReach PatientOutcome = "UNABLE_TO_REACH"
	OutcomeOther         PatientOutcome = "OTHER"
)

// Valid reports whether o is a known outcome.
func (o PatientOutcome) Valid() bool {
	switch o {
	case OutcomeImproved, OutcomeStable, OutcomeDeclined, OutcomeHospitalized,
		OutcomeEDVisit, OutcomeNoChange, OutcomeUnableToReach, OutcomeOther:
		return true
	}
	return false
}

// SuppressReason explains why an alert was suppressed.
type SuppressReason string

const (
	SuppressFalsePositive        SuppressReason = "FALSE_POSITIVE"
	SuppressDeviceError          SuppressReason = "DEVICE_ERROR"
	SuppressKnownCondition       SuppressReason = "KNOWN_CONDITION"
	SuppressDuplicate            SuppressReason = "DUPLICATE"
	SuppressClinicallyIrrelevant SuppressReason = "CLINICALLY_IRRELEVANT"
	SuppressPatientHospitalized  SuppressReason = "PATIENT_HOSPITALIZED"
	SuppressOther                SuppressReason = "OTHER"
)

// Valid reports whether r is a known suppression reason.
func (r SuppressReason) Valid() bool {
	switch r {
	case SuppressFalsePositive, SuppressDeviceError, SuppressKnownCondition, SuppressDuplicate,
		SuppressClinicallyIrrelevant, SuppressPatientHospitalized, SuppressOther:
		return true
	}
	return false
}

// Alert is one actionable item in a clinician's queue.
type Alert struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	PatientID      string            `json:"patient_id"`
	RuleID         string            `json:"rule_id"`
	ClinicianID    string            `json:"clinician_id,omitempty"`
	Severity       clinical.Severity `json:"severity"`
	Status         Status            `json:"status"`
	Message        string            `json:"message"`
	Facts          Facts             `json:"facts"`

	risk.Breakdown
	PriorityRank int `json:"priority_rank,omitempty"`

	TriggeredAt    time.Time  `json:"triggered_at"`
	SLABreachTime  time.Time  `json:"sla_breach_time"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`

	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
	SnoozedBy    string     `json:"snoozed_by,omitempty"`

	IsSuppressed   bool           `json:"is_suppressed"`
	SuppressReason SuppressReason `json:"suppress_reason,omitempty"`
	SuppressNotes  string         `json:"suppress_notes,omitempty"`
	SuppressedBy   string         `json:"suppressed_by,omitempty"`
	SuppressedAt   *time.Time     `json:"suppressed_at,omitempty"`

	IsEscalated     bool       `json:"is_escalated"`
	EscalatedTo     string     `json:"escalated_to,omitempty"`
	EscalatedAt     *time.Time `json:"escalated_at,omitempty"`
	EscalationLevel int        `json:"escalation_level"`

	ResolutionNotes  string           `json:"resolution_notes,omitempty"`
	InterventionType InterventionType `json:"intervention_type,omitempty"`
	PatientOutcome   PatientOutcome   `json:"patient_outcome,omitempty"`
	TimeSpentMinutes int              `json:"time_spent_minutes,omitempty"`

	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of a.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	cp.ResolvedAt = cloneTime(a.ResolvedAt)
	cp.ClaimedAt = cloneTime(a.ClaimedAt)
	cp.SnoozedUntil = cloneTime(a.SnoozedUntil)
	cp.SuppressedAt = cloneTime(a.SuppressedAt)
	cp.EscalatedAt = cloneTime(a.EscalatedAt)
	cp.Facts = a.Facts.Clone()
	return &cp
}

// Snoozed reports whether the alert is hidden until a future instant.
func (a *Alert) Snoozed(now time.Time) bool {
	return a.SnoozedUntil != nil && a.SnoozedUntil.After(now)
}

// Claimed reports whether a clinician currently holds the alert.
func (a *Alert) Claimed() bool {
	return a.ClaimedBy != ""
}

// Snapshot is the part of an alert recorded before and after each
// transition in the audit trail.
type Snapshot struct {
	Status          Status     `json:"status"`
	ClaimedBy       string     `json:"claimed_by,omitempty"`
	SnoozedUntil    *time.Time `json:"snoozed_until,omitempty"`
	IsSuppressed    bool       `json:"is_suppressed"`
	IsEscalated     bool       `json:"is_escalated"`
	EscalatedTo     string     `json:"escalated_to,omitempty"`
	EscalationLevel int        `json:"escalation_level"`
	Version         int        `json:"version"`
}

// Snapshot captures the lifecycle-relevant state of a.
func (a *Alert) Snapshot() *Snapshot {
	return &Snapshot{
		Status:          a.Status,
		ClaimedBy:       a.ClaimedBy,
		SnoozedUntil:    cloneTime(a.SnoozedUntil),
		IsSuppressed:    a.IsSuppressed,
		IsEscalated:     a.IsEscalated,
		EscalatedTo:     a.EscalatedTo,
		EscalationLevel: a.EscalationLevel,
		Version:         a.Version,
	}
}

// Action names an audited transition.
type Action string

const (
	ActionCreated      Action = "created"
	ActionClaimed      Action = "claimed"
	ActionForceClaimed Action = "force_claimed"
	ActionUnclaimed    Action = "unclaimed"
	ActionAcknowledged Action = "acknowledged"
	ActionResolved     Action = "resolved"
	ActionDismissed    Action = "dismissed"
	ActionSnoozed      Action = "snoozed"
	ActionUnsnoozed    Action = "unsnoozed"
	ActionSuppressed   Action = "suppressed"
	ActionUnsuppressed Action = "unsuppressed"
	ActionEscalated    Action = "escalated"
	ActionRegraded     Action = "regraded"
)

// AuditEntry records one transition. Entries are written in the same atomic
// unit as the alert change and never modified afterwards.
type AuditEntry struct {
	ID             string         `json:"id"`
	AlertID        string         `json:"alert_id"`
	OrganizationID string         `json:"organization_id"`
	Actor          string         `json:"actor"`
	Action         Action         `json:"action"`
	Before         *Snapshot      `json:"before,omitempty"`
	After          *Snapshot      `json:"after,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AlertFilter selects alerts for listing. Zero fields do not filter.
type AlertFilter struct {
	OrganizationID string
	PatientID      string
	Statuses       []Status

	// TriggeredBefore keeps alerts triggered strictly before the instant.
	TriggeredBefore time.Time

	// ClaimedBefore keeps claimed alerts whose claim started strictly
	// before the instant.
	ClaimedBefore time.Time

	// SnoozeEndedBy keeps snoozed alerts whose snooze ends at or before
	// the instant.
	SnoozeEndedBy time.Time

	Limit int
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
