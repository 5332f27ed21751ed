package alertapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/carewatch/internal/triage"
)

const (
	defaultQueueLimit = 50
	maxQueueLimit     = 500
)

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("carewatch.alert.id", id))

	alert, err := a.svc.Get(r.Context(), act, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(alert, act))
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	trail, err := a.svc.Audit(r.Context(), act, chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if trail == nil {
		trail = []triage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": trail})
}

// transitionFunc applies one lifecycle operation using the request body.
type transitionFunc func(ctx context.Context, act triage.Actor, id string, r *http.Request) (*triage.Alert, error)

func (a *API) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		act, ok := a.actor(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("carewatch.alert.id", id))

		alert, err := fn(r.Context(), act, id, r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a.view(alert, act))
	}
}

func (a *API) claim(ctx context.Context, act triage.Actor, id string, _ *http.Request) (*triage.Alert, error) {
	return a.svc.Claim(ctx, act, id)
}

func (a *API) unclaim(ctx context.Context, act triage.Actor, id string, _ *http.Request) (*triage.Alert, error) {
	return a.svc.Unclaim(ctx, act, id)
}

func (a *API) acknowledge(ctx context.Context, act triage.Actor, id string, _ *http.Request) (*triage.Alert, error) {
	return a.svc.Acknowledge(ctx, act, id)
}

func (a *API) unsnooze(ctx context.Context, act triage.Actor, id string, _ *http.Request) (*triage.Alert, error) {
	return a.svc.Unsnooze(ctx, act, id)
}

func (a *API) unsuppress(ctx context.Context, act triage.Actor, id string, _ *http.Request) (*triage.Alert, error) {
	return a.svc.Unsuppress(ctx, act, id)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *API) forceClaim(ctx context.Context, act triage.Actor, id string, r *http.Request) (*triage.Alert, error) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return a.svc.ForceClaim(ctx, act, id, req.Reason)
}

func (a *API) dismiss(ctx context.Context, act triage.Actor, id string, r *http.Request) (*triage.Alert, error) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return a.svc.Dismiss(ctx, act, id, req.Reason)
}

func (a *API) resolve(ctx context.Context, act triage.Actor, id string, r *http.Request) (*triage.Alert, error) {
	var in triage.ResolveInput
	if err := decode(r, &in); err != nil {
		return nil, err
	}
	return a.svc.Resolve(ctx, act, id, in)
}

type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

func (a *API) snooze(ctx context.Context, act triage.Actor, id string, r *http.Request) (*triage.Alert, error) {
	var req snoozeRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return a.svc.Snooze(ctx, act, id, req.Minutes)
}

type suppressRequest struct {
	Reason triage.SuppressReason `json:"reason"`
	Notes  string                `json:"notes"`
}

func (a *API) suppress(ctx context.Context, act triage.Actor, id string, r *http.Request) (*triage.Alert, error) {
	var req suppressRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return a.svc.Suppress(ctx, act, id, req.Reason, req.Notes)
}

type escalateRequest struct {
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason"`
}

func (a *API) escalate(ctx context.Context, act triage.Actor, id string, r *http.Request) (*triage.Alert, error) {
	var req escalateRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	return a.svc.Escalate(ctx, act, id, req.TargetUserID, req.Reason)
}

func (a *API) handleQueue(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	limit := defaultQueueLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxQueueLimit)
	}

	alerts, err := a.svc.Queue(r.Context(), act, chi.URLParam(r, "orgID"), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	views := make([]any, 0, len(alerts))
	for _, al := range alerts {
		views = append(views, a.view(al, act))
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": views})
}

func (a *API) handleRank(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	orgID := chi.URLParam(r, "orgID")
	if !act.CanSee(orgID) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden: organization " + orgID})
		return
	}
	n, err := a.svc.Rank(r.Context(), orgID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ranked": n})
}
