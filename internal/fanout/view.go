package fanout

import (
	"time"

	"github.com/linnemanlabs/carewatch/internal/risk"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

// Computed holds the fields clients derive from the clock and the viewer.
type Computed struct {
	TimeRemainingMinutes int    `json:"time_remaining_minutes"`
	SLAStatus            string `json:"sla_status"`
	RiskLevel            string `json:"risk_level"`
	IsClaimed            bool   `json:"is_claimed"`
	IsClaimedByMe        bool   `json:"is_claimed_by_me"`
}

// AlertView is an alert as one viewer sees it.
type AlertView struct {
	*triage.Alert
	Computed Computed `json:"computed"`
}

// View enriches a for viewer at now.
func View(a *triage.Alert, viewer triage.Actor, now time.Time) AlertView {
	return AlertView{Alert: a, Computed: Compute(a, viewer, now)}
}

// Compute derives a's computed fields for viewer at now.
func Compute(a *triage.Alert, viewer triage.Actor, now time.Time) Computed {
	return Computed{
		TimeRemainingMinutes: risk.MinutesRemaining(now, a.SLABreachTime),
		SLAStatus:            risk.Status(now, a.SLABreachTime),
		RiskLevel:            risk.Level(a.Score),
		IsClaimed:            a.Claimed(),
		IsClaimedByMe:        a.Claimed() && a.ClaimedBy == viewer.ID(),
	}
}

// Message is the JSON envelope written to streams.
type Message struct {
	Event     string     `json:"event"`
	Action    string     `json:"action,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	UserID    string     `json:"user_id,omitempty"`
	Alert     *AlertView `json:"alert,omitempty"`
}

// Stream event names besides the triage event types.
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)
