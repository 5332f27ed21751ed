package clinical

import "time"

// OrgType distinguishes patient-care organizations from the platform tenant.
type OrgType string

const (
	OrgTypeClinic   OrgType = "CLINIC"
	OrgTypePlatform OrgType = "PLATFORM"
)

// Organization is a tenant.
type Organization struct {
	ID   string  `json:"id" yaml:"id"`
	Name string  `json:"name" yaml:"name"`
	Type OrgType `json:"type" yaml:"type"`
}

// PatientCare reports whether sweeps should consider the organization.
func (o Organization) PatientCare() bool {
	return o.Type != OrgTypePlatform
}

// Role is a clinician's authorization tier.
type Role string

const (
	RoleClinician     Role = "clinician"
	RoleSupervisor    Role = "supervisor"
	RoleOrgAdmin      Role = "org_admin"
	RolePlatformAdmin Role = "platform_admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClinician || r.Supervisory()
}

// Supervisory reports whether the role may override other clinicians' claims.
func (r Role) Supervisory() bool {
	switch r {
	case RoleSupervisor, RoleOrgAdmin, RolePlatformAdmin:
		return true
	}
	return false
}

// Clinician is the clinical-role identity alerts are addressed to. UserID is
// the authenticated account that owns live connections.
type Clinician struct {
	ID             string `json:"id" yaml:"id"`
	UserID         string `json:"user_id" yaml:"user_id"`
	OrganizationID string `json:"organization_id" yaml:"organization_id"`
	Name           string `json:"name" yaml:"name"`
	Email          string `json:"email,omitempty" yaml:"email,omitempty"`
	Role           Role   `json:"role" yaml:"role"`
}

// Patient is the subject of observations and alerts.
type Patient struct {
	ID                 string `json:"id" yaml:"id"`
	OrganizationID     string `json:"organization_id" yaml:"organization_id"`
	Name               string `json:"name" yaml:"name"`
	Phone              string `json:"phone,omitempty" yaml:"phone,omitempty"`
	PrimaryClinicianID string `json:"primary_clinician_id,omitempty" yaml:"primary_clinician_id,omitempty"`
}

// RequiredAssessment is a recurring questionnaire or measurement the patient
// owes as part of an enrollment.
type RequiredAssessment struct {
	ID              string     `json:"id" yaml:"id"`
	Name            string     `json:"name" yaml:"name"`
	FrequencyDays   int        `json:"frequency_days" yaml:"frequency_days"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty" yaml:"last_completed_at,omitempty"`
}

// NextDue returns when the assessment is next owed. Assessments never
// completed are due one period after enrollment start.
func (a RequiredAssessment) NextDue(enrolledAt time.Time) time.Time {
	base := enrolledAt
	if a.LastCompletedAt != nil {
		base = *a.LastCompletedAt
	}
	freq := a.FrequencyDays
	if freq <= 0 {
		freq = 1
	}
	return base.AddDate(0, 0, freq)
}

// Enrollment ties a patient to a care program within an organization.
type Enrollment struct {
	ID             string               `json:"id" yaml:"id"`
	PatientID      string               `json:"patient_id" yaml:"patient_id"`
	OrganizationID string               `json:"organization_id" yaml:"organization_id"`
	ClinicianID    string               `json:"clinician_id,omitempty" yaml:"clinician_id,omitempty"`
	Program        string               `json:"program,omitempty" yaml:"program,omitempty"`
	EnrolledAt     time.Time            `json:"enrolled_at" yaml:"enrolled_at"`
	BillingLinked  bool                 `json:"billing_linked,omitempty" yaml:"billing_linked,omitempty"`
	Active         bool                 `json:"active" yaml:"active"`
	Assessments    []RequiredAssessment `json:"assessments,omitempty" yaml:"assessments,omitempty"`
}

// Medication is an active prescription with a free-text dosing frequency
// ("twice daily", "BID", "q8h", "every 12 hours", "weekly").
type Medication struct {
	ID        string    `json:"id" yaml:"id"`
	PatientID string    `json:"patient_id" yaml:"patient_id"`
	Name      string    `json:"name" yaml:"name"`
	Frequency string    `json:"frequency" yaml:"frequency"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
}

// DoseLog records one taken dose.
type DoseLog struct {
	MedicationID string    `json:"medication_id" yaml:"medication_id"`
	TakenAt      time.Time `json:"taken_at" yaml:"taken_at"`
}
