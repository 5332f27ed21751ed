// Package engagement tracks open clinician-patient engagement timers. The
// registry lives for the lifetime of the process; timers are not persisted.
package engagement

import (
	"sync"
	"time"
)

// MaxAge is how long an unstopped timer survives before the sweep drops it.
const MaxAge = 12 * time.Hour

type key struct{ userID, patientID string }

// Session is a started timer.
type Session struct {
	UserID    string    `json:"user_id"`
	PatientID string    `json:"patient_id"`
	StartedAt time.Time `json:"started_at"`
}

// Registry holds open timers keyed by (user, patient).
type Registry struct {
	mu     sync.Mutex
	timers map[key]time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{timers: make(map[key]time.Time)}
}

// Start opens a timer. Restarting an open timer keeps the original start
// and reports false.
func (r *Registry) Start(userID, patientID string, at time.Time) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{userID, patientID}
	if started, ok := r.timers[k]; ok {
		return Session{UserID: userID, PatientID: patientID, StartedAt: started}, false
	}
	r.timers[k] = at
	return Session{UserID: userID, PatientID: patientID, StartedAt: at}, true
}

// Stop closes a timer and returns its elapsed time. ok is false when no
// timer was open.
func (r *Registry) Stop(userID, patientID string, at time.Time) (elapsed time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{userID, patientID}
	started, ok := r.timers[k]
	if !ok {
		return 0, false
	}
	delete(r.timers, k)
	if at.Before(started) {
		return 0, true
	}
	return at.Sub(started), true
}

// Active lists a user's open timers.
func (r *Registry) Active(userID string) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for k, started := range r.timers {
		if k.userID == userID {
			out = append(out, Session{UserID: k.userID, PatientID: k.patientID, StartedAt: started})
		}
	}
	return out
}

// Sweep drops timers started more than maxAge before now and returns how
// many were dropped.
func (r *Registry) Sweep(now time.Time, maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-maxAge)
	n := 0
	for k, started := range r.timers {
		if started.Before(cutoff) {
			delete(r.timers, k)
			n++
		}
	}
	return n
}

// Len returns the number of open timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
