package triage

import (
	"context"
	"time"
)

// Store is the persistence interface for alerts and their audit trail.
//
// Every mutating method writes the alert and its audit entry in one atomic
// unit. Update and ClaimIfUnclaimed bump Version; Update fails with
// ErrConflict when the stored version differs from a.Version.
type Store interface {
	Get(ctx context.Context, id string) (*Alert, bool, error)

	// Create inserts a new alert with Version 1.
	Create(ctx context.Context, a *Alert, entry *AuditEntry) error

	// Update writes a if nobody changed it since it was read. On success
	// a.Version holds the new version. PriorityRank is not written.
	Update(ctx context.Context, a *Alert, entry *AuditEntry) error

	// ClaimIfUnclaimed sets the claim only when the alert is open and
	// unclaimed. ok is false, with the current alert, when the guard fails.
	ClaimIfUnclaimed(ctx context.Context, id, claimant string, at time.Time, entry *AuditEntry) (a *Alert, ok bool, err error)

	// FindOpen returns an open alert for (patient, rule) triggered at or
	// after since.
	FindOpen(ctx context.Context, patientID, ruleID string, since time.Time) (*Alert, bool, error)

	// List returns matching alerts ordered by risk score descending, then
	// trigger time ascending.
	List(ctx context.Context, f AlertFilter) ([]*Alert, error)

	// SetRanks assigns ranks to the given alerts of an organization and
	// clears the rank of every other alert in it.
	SetRanks(ctx context.Context, orgID string, ranks map[string]int) error

	// ListAudit returns an alert's audit trail oldest first.
	ListAudit(ctx context.Context, alertID string) ([]AuditEntry, error)
}
