package alertapi

import (
	"net/http"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/carewatch/internal/clinical"
)

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}

	var obs clinical.Observation
	if err := decode(r, &obs); err != nil {
		a.writeError(w, r, err)
		return
	}
	if obs.OrganizationID == "" {
		obs.OrganizationID = act.OrganizationID
	}
	if !act.CanSee(obs.OrganizationID) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden: organization " + obs.OrganizationID})
		return
	}
	if obs.ID == "" {
		obs.ID = ulid.Make().String()
	}
	if obs.RecordedAt.IsZero() {
		obs.RecordedAt = a.now()
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("carewatch.observation.id", obs.ID))

	if a.observations != nil && obs.PatientID != "" && obs.MetricKey != "" {
		if err := a.observations.AddObservation(r.Context(), obs); err != nil {
			a.writeError(w, r, err)
			return
		}
	}

	created, err := a.svc.Ingest(r.Context(), &obs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	views := make([]any, 0, len(created))
	for _, al := range created {
		views = append(views, a.view(al, act))
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"observation_id": obs.ID,
		"alerts":         views,
	})
}
