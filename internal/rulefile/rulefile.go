// Package rulefile loads alert rules from a YAML file and serves them to
// the evaluator, reloading when the file changes.
package rulefile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/carewatch/internal/rules"
)

// File is the on-disk layout.
type File struct {
	Rules []rules.Rule `yaml:"rules"`
}

// Parse decodes and validates a rules document. Rule IDs must be unique.
func Parse(data []byte) ([]rules.Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	var errs []error
	for i := range f.Rules {
		r := &f.Rules[i]
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rule %d: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// Load reads and parses the rules file at path.
func Load(path string) ([]rules.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	// editors truncate before writing; an empty file is never a rule set
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("%s: rules file is empty", path)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Directory serves a swappable rule set. It is safe for concurrent use.
type Directory struct {
	rules atomic.Pointer[[]rules.Rule]
}

// NewDirectory returns a Directory serving rs.
func NewDirectory(rs []rules.Rule) *Directory {
	d := &Directory{}
	d.Replace(rs)
	return d
}

// Replace swaps in a new rule set. Evaluations already running keep the
// set they started with.
func (d *Directory) Replace(rs []rules.Rule) {
	cp := append([]rules.Rule(nil), rs...)
	d.rules.Store(&cp)
}

// Rules returns the current rule set.
func (d *Directory) Rules() []rules.Rule {
	return *d.rules.Load()
}

// ActiveRules returns the active rules in scope for a patient.
func (d *Directory) ActiveRules(_ context.Context, orgID, patientID string) ([]rules.Rule, error) {
	var out []rules.Rule
	for _, r := range d.Rules() {
		if r.AppliesTo(orgID, patientID) {
			out = append(out, r)
		}
	}
	return out, nil
}
