// Package dedupe suppresses repeated notifications within a time window.
// The in-memory ledger serves single-process deployments; the Redis ledger
// keeps the window across restarts.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Ledger records keys for a limited time.
type Ledger interface {
	// Claim reports true the first time key is seen within ttl and false
	// while an earlier claim is still live.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Memory is an in-process Ledger.
type Memory struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemory creates an in-memory ledger. A nil now uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{expires: make(map[string]time.Time), now: now}
}

// Claim implements Ledger. Expired keys are pruned as a side effect.
func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, exp := range m.expires {
		if !exp.After(now) {
			delete(m.expires, k)
		}
	}
	if _, live := m.expires[key]; live {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expires)
}
