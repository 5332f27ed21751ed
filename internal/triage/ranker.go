package triage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// Ranker assigns dense priority ranks to an organization's pending alerts.
type Ranker struct {
	store Store
}

// NewRanker creates a ranker over store.
func NewRanker(store Store) *Ranker {
	return &Ranker{store: store}
}

// Recompute ranks the organization's pending alerts 1..N by risk score
// descending, then trigger time ascending, and writes the ranks in one batch.
func (r *Ranker) Recompute(ctx context.Context, orgID string) (int, error) {
	pending, err := r.store.List(ctx, AlertFilter{OrganizationID: orgID, Statuses: []Status{StatusPending}})
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	slices.SortStableFunc(pending, CompareQueue)

	ranks := make(map[string]int, len(pending))
	for i, a := range pending {
		ranks[a.ID] = i + 1
	}
	if err := r.store.SetRanks(ctx, orgID, ranks); err != nil {
		return 0, fmt.Errorf("set ranks: %w", err)
	}
	return len(ranks), nil
}

// CompareQueue orders alerts for the work queue: higher risk first, then
// older first, with the id as a final tie-break.
func CompareQueue(a, b *Alert) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := a.TriggeredAt.Compare(b.TriggeredAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
