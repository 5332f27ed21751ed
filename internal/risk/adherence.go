package risk

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// AdherenceWindow is the lookback for medication adherence.
const AdherenceWindow = 30 * 24 * time.Hour

var (
	everyHoursRe = regexp.MustCompile(`^(?:q|every\s*)(\d+)\s*(?:h|hr|hrs|hours?)$`)
	timesDailyRe = regexp.MustCompile(`^(\d+)\s*(?:x|times)\s*(?:a\s+|per\s+)?(?:daily|day)$`)
)

// DosesPerDay parses a prescription frequency. ok is false when the string
// is not recognized; callers treat that as once daily.
func DosesPerDay(freq string) (perDay float64, ok bool) {
	f := strings.ToLower(strings.TrimSpace(freq))
	f = strings.Join(strings.Fields(f), " ")

	switch f {
	case "daily", "once daily", "once a day", "qd", "od", "every day", "qam", "qpm", "qhs", "at bedtime":
		return 1, true
	case "bid", "twice daily", "twice a day", "2x daily":
		return 2, true
	case "tid", "three times daily", "three times a day":
		return 3, true
	case "qid", "four times daily", "four times a day":
		return 4, true
	case "weekly", "once weekly", "once a week", "qw":
		return 1.0 / 7, true
	case "every other day", "qod":
		return 0.5, true
	}
	if m := everyHoursRe.FindStringSubmatch(f); m != nil {
		h, err := strconv.Atoi(m[1])
		if err == nil && h > 0 {
			return 24 / float64(h), true
		}
	}
	if m := timesDailyRe.FindStringSubmatch(f); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return float64(n), true
		}
	}
	return 1, false
}

// Usage is one active medication and the doses logged for it inside the
// adherence window.
type Usage struct {
	Frequency string
	StartedAt time.Time
	Taken     int
}

// Adherence returns the 30-day adherence percentage across meds, capped at
// 100. ok is false when there is no medication data.
func Adherence(now time.Time, meds []Usage) (pct float64, ok bool) {
	var expected, taken float64
	for _, m := range meds {
		perDay, _ := DosesPerDay(m.Frequency)
		expected += perDay * activeDays(now, m.StartedAt)
		taken += float64(m.Taken)
	}
	if expected <= 0 {
		return 0, false
	}
	return math.Min(100, taken/expected*100), true
}

// activeDays is the number of days (at least 1, at most 30) the medication
// has been active inside the window.
func activeDays(now, started time.Time) float64 {
	days := AdherenceWindow.Hours() / 24
	if !started.IsZero() {
		d := math.Ceil(now.Sub(started).Hours() / 24)
		days = math.Min(days, d)
	}
	return math.Max(1, days)
}
