// Package fanout pushes committed alert changes to the websocket streams of
// the clinicians involved with each alert.
//
// A Hub is owned by the server and closed on shutdown. It indexes live
// streams by user ID and maps clinician IDs to the user that connected with
// them, so events addressed to a clinician (the assigned clinician or the
// claimer) and events addressed to a user (the escalation target) reach the
// same streams. Delivery is fire-and-forget: a stream whose buffer is full
// is dropped and a user with no live stream is skipped.
package fanout
