package alertapi

import (
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/carewatch/internal/triage"
)

func (a *API) handleEngagementStart(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	sess, started := a.engagement.Start(act.UserID, chi.URLParam(r, "patientID"), a.now())
	status := http.StatusCreated
	if !started {
		status = http.StatusOK
	}
	writeJSON(w, status, sess)
}

type engagementStopResponse struct {
	PatientID string `json:"patient_id"`
	Minutes   int    `json:"minutes"`
	Logged    bool   `json:"logged"`
}

// handleEngagementStop closes the caller's timer for the patient and logs
// the elapsed time, rounded up to whole minutes, as billable.
func (a *API) handleEngagementStop(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	patientID := chi.URLParam(r, "patientID")
	now := a.now()
	elapsed, ok := a.engagement.Stop(act.UserID, patientID, now)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no engagement timer for patient " + patientID})
		return
	}

	resp := engagementStopResponse{PatientID: patientID, Minutes: max(1, int(math.Ceil(elapsed.Minutes())))}
	if a.timeLog != nil {
		entry := triage.TimeEntry{
			OrganizationID: act.OrganizationID,
			PatientID:      patientID,
			ClinicianID:    act.ID(),
			Minutes:        resp.Minutes,
			RecordedAt:     now,
		}
		if a.billing != nil {
			if id, ok, err := a.billing.BillingEnrollmentID(r.Context(), act.OrganizationID, patientID); err != nil {
				a.logger.Warn(r.Context(), "billing enrollment lookup failed", "patient_id", patientID, "error", err.Error())
			} else if ok {
				entry.BillingEnrollmentID = id
			}
		}
		if err := a.timeLog.LogBillableTime(r.Context(), entry); err != nil {
			a.logger.Error(r.Context(), err, "failed to log engagement time", "patient_id", patientID)
		} else {
			resp.Logged = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
