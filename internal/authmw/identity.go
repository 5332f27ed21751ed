package authmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

// Headers set by the gateway after it authenticates the user.
const (
	HeaderUserID         = "X-User-Id"
	HeaderClinicianID    = "X-Clinician-Id"
	HeaderRole           = "X-User-Role"
	HeaderOrganizationID = "X-Organization-Id"
)

type actorKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a triage.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the caller identity stored by Identity.
func ActorFromContext(ctx context.Context) (triage.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(triage.Actor)
	return a, ok
}

// Identity returns middleware that reads the caller identity from trusted
// gateway headers. Requests without a user ID, or with an unknown role, are
// rejected. The role defaults to clinician. Mount it behind BearerToken so
// only the gateway can set the headers.
func Identity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a := triage.Actor{
				UserID:         strings.TrimSpace(r.Header.Get(HeaderUserID)),
				ClinicianID:    strings.TrimSpace(r.Header.Get(HeaderClinicianID)),
				Role:           clinical.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRole)))),
				OrganizationID: strings.TrimSpace(r.Header.Get(HeaderOrganizationID)),
			}
			if a.UserID == "" {
				http.Error(w, `{"error":"missing caller identity"}`, http.StatusUnauthorized)
				return
			}
			if a.UserID == triage.SystemID || a.ClinicianID == triage.SystemID {
				http.Error(w, `{"error":"reserved identity"}`, http.StatusForbidden)
				return
			}
			if a.Role == "" {
				a.Role = clinical.RoleClinician
			}
			if !a.Role.Valid() {
				http.Error(w, `{"error":"unknown role"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
		})
	}
}
