// Package risk computes the 0-10 risk score attached to every alert and the
// SLA deadlines derived from alert severity.
//
// The score is a weighted blend of three factors, each on a 0-10 scale,
// multiplied by a severity factor and clamped:
//
//	score = clamp(0, 10, (deviation*0.5 + velocity*0.3 + adherence*0.2) * multiplier)
//
// All functions are pure; callers gather observations and medication data
// and pass them in.
package risk
