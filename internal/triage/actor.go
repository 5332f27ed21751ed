package triage

import "github.com/linnemanlabs/carewatch/internal/clinical"

// SystemID is the actor recorded for scheduler-driven transitions.
const SystemID = "system"

// Actor is the caller of a lifecycle operation.
type Actor struct {
	UserID         string
	ClinicianID    string
	Role           clinical.Role
	OrganizationID string
}

// System is the actor used by background sweeps. It bypasses role and
// ownership checks.
var System = Actor{UserID: SystemID, ClinicianID: SystemID, Role: clinical.RolePlatformAdmin}

// ID is the identity written to claims and audit entries: the clinician id
// when the caller has one, otherwise the user id.
func (a Actor) ID() string {
	if a.ClinicianID != "" {
		return a.ClinicianID
	}
	return a.UserID
}

// IsSystem reports whether a is the scheduler.
func (a Actor) IsSystem() bool {
	return a.UserID == SystemID
}

// CanSee reports whether a may act on alerts of orgID.
func (a Actor) CanSee(orgID string) bool {
	if a.IsSystem() || a.Role == clinical.RolePlatformAdmin || a.OrganizationID == "" {
		return true
	}
	return a.OrganizationID == orgID
}
