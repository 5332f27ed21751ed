package risk

import (
	"math"
	"time"

	"github.com/linnemanlabs/carewatch/internal/clinical"
)

// Factor weights. They sum to 1.0.
const (
	weightDeviation = 0.5
	weightVelocity  = 0.3
	weightAdherence = 0.2
)

const (
	// MaxScore is the upper bound of the score and of every factor.
	MaxScore = 10.0

	// TrendLookback is how far back trend velocity looks.
	TrendLookback = 7 * 24 * time.Hour

	// velocityPerUnit maps a slope of one unit per day to mid-scale.
	velocityPerUnit = 5.0
)

// Point is one timestamped numeric sample of a metric.
type Point struct {
	At    time.Time
	Value float64
}

// Input holds everything the score depends on.
type Input struct {
	// Value is the current numeric reading. HasValue is false for
	// categorical observations and system-generated alerts.
	Value    float64
	HasValue bool

	// Range is the metric's normal band. Nil means no deviation.
	Range *clinical.NormalRange

	// History is the same-metric series used for trend velocity. Points
	// older than TrendLookback before the newest point are ignored.
	History []Point

	// AdherencePct is 30-day medication adherence in percent. Nil means
	// no medication data.
	AdherencePct *float64

	Severity clinical.Severity
}

// Breakdown is the score together with the factors that produced it.
type Breakdown struct {
	Score              float64 `json:"risk_score"`
	VitalsDeviation    float64 `json:"vitals_deviation"`
	TrendVelocity      float64 `json:"trend_velocity"`
	AdherencePenalty   float64 `json:"adherence_penalty"`
	SeverityMultiplier float64 `json:"severity_multiplier"`
}

// Score computes the risk score for in.
func Score(in Input) Breakdown {
	b := Breakdown{
		TrendVelocity:      TrendVelocity(in.History),
		AdherencePenalty:   AdherencePenalty(in.AdherencePct),
		SeverityMultiplier: SeverityMultiplier(in.Severity),
	}
	if in.HasValue {
		b.VitalsDeviation = VitalsDeviation(in.Value, in.Range)
	}

	raw := b.VitalsDeviation*weightDeviation +
		b.TrendVelocity*weightVelocity +
		b.AdherencePenalty*weightAdherence
	b.Score = clamp(raw*b.SeverityMultiplier, 0, MaxScore)
	return b
}

// VitalsDeviation is 0 inside [min, max] and otherwise the relative distance
// past the nearer bound scaled by 10, capped at 10. A zero bound has no
// meaningful relative distance, so the absolute distance is used instead.
func VitalsDeviation(v float64, r *clinical.NormalRange) float64 {
	if r == nil || math.IsNaN(v) {
		return 0
	}
	var bound, dist float64
	switch {
	case v > r.Max:
		bound, dist = r.Max, v-r.Max
	case v < r.Min:
		bound, dist = r.Min, r.Min-v
	default:
		return 0
	}
	if bound != 0 {
		dist /= math.Abs(bound)
	}
	return clamp(dist*10, 0, MaxScore)
}

// TrendVelocity fits a least-squares line through the last week of points
// and normalizes a positive slope (units per day) so that 1 unit/day is 5.
// Fewer than two usable points, or a flat or falling slope, yields 0.
func TrendVelocity(points []Point) float64 {
	if len(points) < 2 {
		return 0
	}
	var newest time.Time
	for _, p := range points {
		if p.At.After(newest) {
			newest = p.At
		}
	}
	cutoff := newest.Add(-TrendLookback)

	var n, sx, sy, sxx, sxy float64
	for _, p := range points {
		if p.At.Before(cutoff) {
			continue
		}
		x := p.At.Sub(cutoff).Hours() / 24
		n++
		sx += x
		sy += p.Value
		sxx += x * x
		sxy += x * p.Value
	}
	if n < 2 {
		return 0
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	slope := (n*sxy - sx*sy) / den
	if slope <= 0 {
		return 0
	}
	return clamp(slope*velocityPerUnit, 0, MaxScore)
}

// AdherencePenalty is 10 - adherence/10. Nil adherence means no data and no
// penalty.
func AdherencePenalty(pct *float64) float64 {
	if pct == nil {
		return 0
	}
	return clamp(MaxScore-clamp(*pct, 0, 100)/10, 0, MaxScore)
}

// SeverityMultiplier scales the weighted factors by alert severity.
func SeverityMultiplier(s clinical.Severity) float64 {
	switch s {
	case clinical.SeverityCritical:
		return 2.0
	case clinical.SeverityHigh:
		return 1.5
	case clinical.SeverityMedium:
		return 1.0
	case clinical.SeverityLow:
		return 0.5
	}
	return 1.0
}

// Level buckets a score for display.
func Level(score float64) string {
	switch {
	case score >= 8:
		return "critical"
	case score >= 6:
		return "high"
	case score >= 4:
		return "medium"
	}
	return "low"
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
