// Package memstore provides in-memory implementations of triage.Store and of
// the directory collaborators. Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/carewatch/internal/triage"
)

// Store holds alerts and their audit trail in memory.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*triage.Alert       // alert ID -> alert
	audit  map[string][]triage.AuditEntry // alert ID -> entries, oldest first
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts: make(map[string]*triage.Alert),
		audit:  make(map[string][]triage.AuditEntry),
	}
}

// Get retrieves an alert by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// Create stores a copy of a new alert together with its audit entry.
func (s *Store) Create(_ context.Context, a *triage.Alert, entry *triage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("%w: alert %s already exists", triage.ErrConflict, a.ID)
	}
	if a.Version == 0 {
		a.Version = 1
	}
	s.alerts[a.ID] = a.Clone()
	s.appendAudit(entry)
	return nil
}

// Update replaces an alert when the caller's version is current.
func (s *Store) Update(_ context.Context, a *triage.Alert, entry *triage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[a.ID]
	if !ok {
		return fmt.Errorf("%w: alert %s", triage.ErrNotFound, a.ID)
	}
	if cur.Version != a.Version {
		return fmt.Errorf("%w: alert %s was modified concurrently", triage.ErrConflict, a.ID)
	}
	a.Version++
	a.PriorityRank = cur.PriorityRank
	s.alerts[a.ID] = a.Clone()
	s.appendAudit(entry)
	return nil
}

// ClaimIfUnclaimed sets the claim when the alert is open and unclaimed.
func (s *Store) ClaimIfUnclaimed(_ context.Context, id, claimant string, at time.Time, entry *triage.AuditEntry) (*triage.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: alert %s", triage.ErrNotFound, id)
	}
	if !cur.Status.Open() || cur.Claimed() {
		return cur.Clone(), false, nil
	}
	claimedAt := at
	cur.ClaimedBy = claimant
	cur.ClaimedAt = &claimedAt
	cur.UpdatedAt = at
	cur.Version++
	s.appendAudit(entry)
	return cur.Clone(), true, nil
}

// FindOpen returns the most recent open alert for (patient, rule) triggered
// at or after since.
func (s *Store) FindOpen(_ context.Context, patientID, ruleID string, since time.Time) (*triage.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *triage.Alert
	for _, a := range s.alerts {
		if a.PatientID != patientID || a.RuleID != ruleID || !a.Status.Open() {
			continue
		}
		if a.TriggeredAt.Before(since) {
			continue
		}
		if found == nil || a.TriggeredAt.After(found.TriggeredAt) {
			found = a
		}
	}
	if found == nil {
		return nil, false, nil
	}
	return found.Clone(), true, nil
}

// List returns copies of the matching alerts in queue order.
func (s *Store) List(_ context.Context, f triage.AlertFilter) ([]*triage.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*triage.Alert
	for _, a := range s.alerts {
		if matches(a, &f) {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, triage.CompareQueue)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(a *triage.Alert, f *triage.AlertFilter) bool {
	if f.OrganizationID != "" && a.OrganizationID != f.OrganizationID {
		return false
	}
	if f.PatientID != "" && a.PatientID != f.PatientID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if !f.TriggeredBefore.IsZero() && !a.TriggeredAt.Before(f.TriggeredBefore) {
		return false
	}
	if !f.ClaimedBefore.IsZero() && (a.ClaimedAt == nil || !a.ClaimedAt.Before(f.ClaimedBefore)) {
		return false
	}
	if !f.SnoozeEndedBy.IsZero() && (a.SnoozedUntil == nil || a.SnoozedUntil.After(f.SnoozeEndedBy)) {
		return false
	}
	return true
}

// SetRanks assigns ranks within an organization and clears all others.
func (s *Store) SetRanks(_ context.Context, orgID string, ranks map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.alerts {
		if a.OrganizationID != orgID {
			continue
		}
		a.PriorityRank = ranks[id]
	}
	return nil
}

// ListAudit returns a copy of an alert's audit trail.
func (s *Store) ListAudit(_ context.Context, alertID string) ([]triage.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.audit[alertID]), nil
}

func (s *Store) appendAudit(e *triage.AuditEntry) {
	if e == nil {
		return
	}
	s.audit[e.AlertID] = append(s.audit[e.AlertID], *e)
}
