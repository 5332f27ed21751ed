package clinical

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Observation is one recorded patient-monitoring data point.
//
// Value holds whatever the device or form reported after JSON decoding:
// float64, string, bool, or a one-level object such as
// {"systolic": 150, "diastolic": 95} or {"value": 98.6, "unit": "F"}.
type Observation struct {
	ID             string    `json:"id" yaml:"id"`
	PatientID      string    `json:"patient_id" yaml:"patient_id"`
	OrganizationID string    `json:"organization_id" yaml:"organization_id"`
	MetricKey      string    `json:"metric_key" yaml:"metric_key"`
	Value          any       `json:"value" yaml:"value"`
	Unit           string    `json:"unit,omitempty" yaml:"unit,omitempty"`
	RecordedAt     time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// Scalar unwraps one level of structured value. When field is set it selects
// that key; otherwise the "value" key is used, and failing that the only key
// of a single-entry object. Non-object values are returned unchanged.
func Scalar(v any, field string) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, v != nil
	}
	if field != "" {
		x, ok := m[field]
		return x, ok && x != nil
	}
	if x, ok := m["value"]; ok {
		return x, x != nil
	}
	if len(m) == 1 {
		for _, x := range m {
			return x, x != nil
		}
	}
	return nil, false
}

// Number coerces a scalar to float64. Numeric strings are parsed.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Text renders a scalar the way string-coerced comparisons see it.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// NumericValue returns the observation's value as a number, unwrapping field.
func (o *Observation) NumericValue(field string) (float64, bool) {
	s, ok := Scalar(o.Value, field)
	if !ok {
		return 0, false
	}
	return Number(s)
}

// NormalRange is the inclusive clinically normal band for a metric.
type NormalRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}
