// Package triage is the business boundary for carewatch's alert lifecycle.
// It defines the Alert model, the Service that creates alerts from
// observations and applies clinician and system transitions, the Ranker that
// orders each organization's pending queue, the Store interface used for
// persistence, and the collaborator interfaces the service depends on.
package triage
