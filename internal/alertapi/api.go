package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/carewatch/internal/authmw"
	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/engagement"
	"github.com/linnemanlabs/carewatch/internal/fanout"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

const maxBodyBytes = 1 << 20

// AlertService defines the business operations alertapi needs.
type AlertService interface {
	Ingest(ctx context.Context, obs *clinical.Observation) ([]*triage.Alert, error)
	Get(ctx context.Context, actor triage.Actor, id string) (*triage.Alert, error)
	Audit(ctx context.Context, actor triage.Actor, id string) ([]triage.AuditEntry, error)
	Queue(ctx context.Context, actor triage.Actor, orgID string, limit int) ([]*triage.Alert, error)
	Rank(ctx context.Context, orgID string) (int, error)

	Claim(ctx context.Context, actor triage.Actor, id string) (*triage.Alert, error)
	ForceClaim(ctx context.Context, actor triage.Actor, id, reason string) (*triage.Alert, error)
	Unclaim(ctx context.Context, actor triage.Actor, id string) (*triage.Alert, error)
	Acknowledge(ctx context.Context, actor triage.Actor, id string) (*triage.Alert, error)
	Resolve(ctx context.Context, actor triage.Actor, id string, in triage.ResolveInput) (*triage.Alert, error)
	Dismiss(ctx context.Context, actor triage.Actor, id, reason string) (*triage.Alert, error)
	Snooze(ctx context.Context, actor triage.Actor, id string, minutes int) (*triage.Alert, error)
	Unsnooze(ctx context.Context, actor triage.Actor, id string) (*triage.Alert, error)
	Suppress(ctx context.Context, actor triage.Actor, id string, reason triage.SuppressReason, notes string) (*triage.Alert, error)
	Unsuppress(ctx context.Context, actor triage.Actor, id string) (*triage.Alert, error)
	Escalate(ctx context.Context, actor triage.Actor, id, targetUserID, reason string) (*triage.Alert, error)
}

// ObservationRecorder stores ingested observations so later evaluations and
// sweeps can read them back.
type ObservationRecorder interface {
	AddObservation(ctx context.Context, o clinical.Observation) error
}

// TimeLogger records billable engagement time.
type TimeLogger interface {
	LogBillableTime(ctx context.Context, e triage.TimeEntry) error
}

// Streamer serves live alert streams.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, viewer triage.Actor)
}

// Options are the optional collaborators of the API. Routes whose
// collaborator is nil respond 404.
type Options struct {
	Logger       log.Logger
	Observations ObservationRecorder
	Engagement   *engagement.Registry
	TimeLog      TimeLogger
	Billing      triage.BillingLinkResolver
	Stream       Streamer

	// Now overrides the clock in tests.
	Now func() time.Time
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	svc          AlertService
	observations ObservationRecorder
	engagement   *engagement.Registry
	timeLog      TimeLogger
	billing      triage.BillingLinkResolver
	stream       Streamer
	now          func() time.Time
}

// New creates a new API handler.
func New(svc AlertService, opts Options) *API {
	if svc == nil {
		panic(xerrors.New("alert service is required"))
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &API{
		logger:       opts.Logger,
		svc:          svc,
		observations: opts.Observations,
		engagement:   opts.Engagement,
		timeLog:      opts.TimeLog,
		billing:      opts.Billing,
		stream:       opts.Stream,
		now:          opts.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router. The router must run
// authmw.Identity so handlers can find the caller.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/observations", a.handleIngest)

		r.Route("/alerts/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetAlert)
			r.Get("/audit", a.handleAudit)
			r.Post("/claim", a.transition(a.claim))
			r.Post("/force-claim", a.transition(a.forceClaim))
			r.Post("/unclaim", a.transition(a.unclaim))
			r.Post("/acknowledge", a.transition(a.acknowledge))
			r.Post("/resolve", a.transition(a.resolve))
			r.Post("/dismiss", a.transition(a.dismiss))
			r.Post("/snooze", a.transition(a.snooze))
			r.Post("/unsnooze", a.transition(a.unsnooze))
			r.Post("/suppress", a.transition(a.suppress))
			r.Post("/unsuppress", a.transition(a.unsuppress))
			r.Post("/escalate", a.transition(a.escalate))
		})

		r.Get("/organizations/{orgID}/queue", a.handleQueue)
		r.Post("/organizations/{orgID}/queue/rank", a.handleRank)

		if a.engagement != nil {
			r.Post("/patients/{patientID}/engagement/start", a.handleEngagementStart)
			r.Post("/patients/{patientID}/engagement/stop", a.handleEngagementStop)
		}
		if a.stream != nil {
			r.Get("/stream", a.handleStream)
		}
	})
}

// actor returns the caller, writing 401 when the identity middleware did
// not run.
func (a *API) actor(w http.ResponseWriter, r *http.Request) (triage.Actor, bool) {
	act, ok := authmw.ActorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing caller identity"})
	}
	return act, ok
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps service error kinds to status codes. Unknown errors are
// logged and reported as internal.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, triage.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, triage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, triage.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, triage.ErrForbidden):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", triage.ErrValidation, err)
	}
	return nil
}

// view enriches alerts for the caller.
func (a *API) view(alert *triage.Alert, viewer triage.Actor) fanout.AlertView {
	return fanout.View(alert, viewer, a.now())
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	a.stream.Serve(w, r, act)
}
