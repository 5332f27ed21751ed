// Package clinical holds the shared vocabulary of the triage engine: severities,
// observations, and the directory records (patients, clinicians, organizations,
// enrollments, medications) that collaborators hand to the core.
package clinical
