package memstore

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

// Seed is the YAML layout of a directory file.
type Seed struct {
	Organizations []clinical.Organization `yaml:"organizations"`
	Clinicians    []clinical.Clinician    `yaml:"clinicians"`
	Patients      []clinical.Patient      `yaml:"patients"`
	Enrollments   []clinical.Enrollment   `yaml:"enrollments"`
	Medications   []clinical.Medication   `yaml:"medications"`
	Doses         []clinical.DoseLog      `yaml:"doses"`
	Observations  []clinical.Observation  `yaml:"observations"`
}

// Directory is an in-memory implementation of the triage directory,
// observation, medication, billing and resolution-effect collaborators.
type Directory struct {
	mu            sync.RWMutex
	organizations []clinical.Organization
	clinicians    map[string]clinical.Clinician
	patients      map[string]clinical.Patient
	enrollments   []clinical.Enrollment
	medications   []clinical.Medication
	doses         []clinical.DoseLog
	observations  map[string][]clinical.Observation // patient ID -> observations, oldest first

	timeEntries []triage.TimeEntry
	followUps   []triage.FollowUpTask
	notes       []triage.EncounterNote
	reviewed    map[string]string // observation ID -> reviewer
}

// NewDirectory returns a directory populated from seed.
func NewDirectory(seed Seed) *Directory {
	d := &Directory{
		organizations: slices.Clone(seed.Organizations),
		clinicians:    make(map[string]clinical.Clinician, len(seed.Clinicians)),
		patients:      make(map[string]clinical.Patient, len(seed.Patients)),
		enrollments:   slices.Clone(seed.Enrollments),
		medications:   slices.Clone(seed.Medications),
		doses:         slices.Clone(seed.Doses),
		observations:  make(map[string][]clinical.Observation),
		reviewed:      make(map[string]string),
	}
	for _, c := range seed.Clinicians {
		d.clinicians[c.ID] = c
	}
	for _, p := range seed.Patients {
		d.patients[p.ID] = p
	}
	for _, o := range seed.Observations {
		d.addObservation(o)
	}
	return d
}

// LoadDirectory reads a YAML seed file.
func LoadDirectory(path string) (*Directory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", path, err)
	}
	return NewDirectory(seed), nil
}

// AddObservation records an observation for trend history.
func (d *Directory) AddObservation(_ context.Context, o clinical.Observation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addObservation(o)
	return nil
}

func (d *Directory) addObservation(o clinical.Observation) {
	list := append(d.observations[o.PatientID], o)
	slices.SortStableFunc(list, func(a, b clinical.Observation) int {
		return a.RecordedAt.Compare(b.RecordedAt)
	})
	d.observations[o.PatientID] = list
}

// ListObservations returns a patient's observations of metric in [from, to).
func (d *Directory) ListObservations(_ context.Context, patientID, metric string, from, to time.Time) ([]clinical.Observation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []clinical.Observation
	for _, o := range d.observations[patientID] {
		if o.MetricKey != metric || o.RecordedAt.Before(from) || !o.RecordedAt.Before(to) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Metrics returns the distinct metric keys recorded for a patient.
func (d *Directory) Metrics(_ context.Context, patientID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	for _, o := range d.observations[patientID] {
		if !slices.Contains(keys, o.MetricKey) {
			keys = append(keys, o.MetricKey)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Patient looks up a patient.
func (d *Directory) Patient(_ context.Context, id string) (*clinical.Patient, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

// Clinician looks up a clinician by clinician ID.
func (d *Directory) Clinician(_ context.Context, id string) (*clinical.Clinician, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clinicians[id]
	if !ok {
		return nil, false, nil
	}
	return &c, true, nil
}

// ClinicianByUser looks up a clinician by user account ID.
func (d *Directory) ClinicianByUser(_ context.Context, userID string) (*clinical.Clinician, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.clinicians {
		if c.UserID == userID {
			return &c, true, nil
		}
	}
	return nil, false, nil
}

// Supervisor returns the organization's supervisor, falling back to an
// org admin. Ties go to the lowest clinician ID.
func (d *Directory) Supervisor(_ context.Context, orgID string) (*clinical.Clinician, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var best *clinical.Clinician
	for _, c := range d.clinicians {
		if c.OrganizationID != orgID || !c.Role.Supervisory() || c.Role == clinical.RolePlatformAdmin {
			continue
		}
		if best == nil || supervisorLess(c, *best) {
			cp := c
			best = &cp
		}
	}
	return best, best != nil, nil
}

func supervisorLess(a, b clinical.Clinician) bool {
	// supervisors before org admins
	if (a.Role == clinical.RoleSupervisor) != (b.Role == clinical.RoleSupervisor) {
		return a.Role == clinical.RoleSupervisor
	}
	return cmp.Less(a.ID, b.ID)
}

// ListOrganizations returns every organization.
func (d *Directory) ListOrganizations(_ context.Context) ([]clinical.Organization, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.organizations), nil
}

// ListEnrollments returns the organization's active enrollments.
func (d *Directory) ListEnrollments(_ context.Context, orgID string) ([]clinical.Enrollment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []clinical.Enrollment
	for _, e := range d.enrollments {
		if e.OrganizationID == orgID && e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListActiveMedications returns a patient's medications.
func (d *Directory) ListActiveMedications(_ context.Context, patientID string) ([]clinical.Medication, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []clinical.Medication
	for _, m := range d.medications {
		if m.PatientID == patientID {
			out = append(out, m)
		}
	}
	return out, nil
}

// CountDosesTaken counts doses logged for a medication at or after since.
func (d *Directory) CountDosesTaken(_ context.Context, medicationID string, since time.Time) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, l := range d.doses {
		if l.MedicationID == medicationID && !l.TakenAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// BillingEnrollmentID returns the patient's billing-linked enrollment.
func (d *Directory) BillingEnrollmentID(_ context.Context, orgID, patientID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.enrollments {
		if e.OrganizationID == orgID && e.PatientID == patientID && e.Active && e.BillingLinked {
			return e.ID, true, nil
		}
	}
	return "", false, nil
}

// LogBillableTime records a time entry.
func (d *Directory) LogBillableTime(_ context.Context, e triage.TimeEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeEntries = append(d.timeEntries, e)
	return nil
}

// CreateFollowUp records a follow-up task.
func (d *Directory) CreateFollowUp(_ context.Context, t triage.FollowUpTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.followUps = append(d.followUps, t)
	return nil
}

// AddEncounterNote records an encounter note.
func (d *Directory) AddEncounterNote(_ context.Context, n triage.EncounterNote) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notes = append(d.notes, n)
	return nil
}

// MarkObservationReviewed records who reviewed an observation.
func (d *Directory) MarkObservationReviewed(_ context.Context, observationID, reviewerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reviewed[observationID] = reviewerID
	return nil
}

// TimeEntries returns the recorded billable time.
func (d *Directory) TimeEntries() []triage.TimeEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.timeEntries)
}

// FollowUps returns the recorded follow-up tasks.
func (d *Directory) FollowUps() []triage.FollowUpTask {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.followUps)
}

// EncounterNotes returns the recorded encounter notes.
func (d *Directory) EncounterNotes() []triage.EncounterNote {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.notes)
}

// ReviewedBy returns who reviewed an observation, if anyone.
func (d *Directory) ReviewedBy(observationID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.reviewed[observationID]
	return r, ok
}
