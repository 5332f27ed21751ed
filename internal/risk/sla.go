package risk

import (
	"math"
	"time"

	"github.com/linnemanlabs/carewatch/internal/clinical"
)

// ApproachingWindow is how close to breach an alert counts as approaching.
const ApproachingWindow = 30 * time.Minute

// SLA status values.
const (
	SLAOk          = "ok"
	SLAApproaching = "approaching"
	SLABreached    = "breached"
)

// Window is the response SLA for a severity.
func Window(s clinical.Severity) time.Duration {
	switch s {
	case clinical.SeverityCritical:
		return 30 * time.Minute
	case clinical.SeverityHigh:
		return 2 * time.Hour
	case clinical.SeverityMedium:
		return 8 * time.Hour
	}
	return 24 * time.Hour
}

// BreachTime is triggeredAt plus the severity window. It is fixed when the
// alert is created.
func BreachTime(triggeredAt time.Time, s clinical.Severity) time.Time {
	return triggeredAt.Add(Window(s))
}

// EscalationDelay is how long past breach an alert may sit before it is
// auto-escalated. LOW alerts are never auto-escalated.
func EscalationDelay(s clinical.Severity) (time.Duration, bool) {
	switch s {
	case clinical.SeverityCritical:
		return 30 * time.Minute, true
	case clinical.SeverityHigh:
		return 2 * time.Hour, true
	case clinical.SeverityMedium:
		return 4 * time.Hour, true
	}
	return 0, false
}

// Status classifies the time left before breach.
func Status(now, breach time.Time) string {
	left := breach.Sub(now)
	switch {
	case left <= 0:
		return SLABreached
	case left <= ApproachingWindow:
		return SLAApproaching
	}
	return SLAOk
}

// MinutesRemaining is the whole minutes until breach, never negative.
func MinutesRemaining(now, breach time.Time) int {
	m := math.Floor(breach.Sub(now).Minutes())
	if m < 0 {
		return 0
	}
	return int(m)
}
