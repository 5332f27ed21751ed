package alertapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carewatch/internal/alertapi"
	"github.com/linnemanlabs/carewatch/internal/authmw"
	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/engagement"
	"github.com/linnemanlabs/carewatch/internal/fanout"
	"github.com/linnemanlabs/carewatch/internal/rules"
	"github.com/linnemanlabs/carewatch/internal/triage"
	"github.com/linnemanlabs/carewatch/internal/triage/memstore"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticRules []rules.Rule

func (s staticRules) ActiveRules(_ context.Context, _, _ string) ([]rules.Rule, error) {
	return s, nil
}

var (
	clinician  = triage.Actor{UserID: "u-1", ClinicianID: "c-1", Role: clinical.RoleClinician, OrganizationID: "org-1"}
	colleague  = triage.Actor{UserID: "u-2", ClinicianID: "c-2", Role: clinical.RoleClinician, OrganizationID: "org-1"}
	supervisor = triage.Actor{UserID: "u-sup", ClinicianID: "c-sup", Role: clinical.RoleSupervisor, OrganizationID: "org-1"}
	outsider   = triage.Actor{UserID: "u-9", ClinicianID: "c-9", Role: clinical.RoleClinician, OrganizationID: "org-2"}
)

type testEnv struct {
	router http.Handler
	svc    *triage.Service
	dir    *memstore.Directory
	hub    *fanout.Hub
	reg    *engagement.Registry
	clock  *clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	var cond rules.Condition
	if err := cond.UnmarshalJSON([]byte(`{"metric":"heart_rate","operator":"gt","threshold":100}`)); err != nil {
		t.Fatal(err)
	}
	rule := rules.Rule{
		ID:          "hr-high",
		Name:        "Tachycardia",
		Condition:   cond,
		Severity:    clinical.SeverityMedium,
		Active:      true,
		NormalRange: &clinical.NormalRange{Min: 60, Max: 100},
	}

	dir := memstore.NewDirectory(memstore.Seed{
		Clinicians: []clinical.Clinician{
			{ID: "c-1", UserID: "u-1", OrganizationID: "org-1", Role: clinical.RoleClinician},
			{ID: "c-2", UserID: "u-2", OrganizationID: "org-1", Role: clinical.RoleClinician},
			{ID: "c-sup", UserID: "u-sup", OrganizationID: "org-1", Role: clinical.RoleSupervisor},
		},
		Patients: []clinical.Patient{{ID: "p-1", OrganizationID: "org-1", PrimaryClinicianID: "c-1"}},
		Enrollments: []clinical.Enrollment{
			{ID: "e-1", PatientID: "p-1", OrganizationID: "org-1", Active: true, BillingLinked: true},
		},
	})
	clk := &clock{now: t0}
	hub := fanout.New(fanout.Options{Logger: log.Nop(), Now: clk.Now})
	t.Cleanup(hub.Close)

	svc := triage.NewService(memstore.New(), triage.Options{
		Rules:        staticRules{rule},
		Observations: dir,
		Patients:     dir,
		Clinicians:   dir,
		Medications:  dir,
		Billing:      dir,
		Effects:      dir,
		Broadcaster:  hub,
		Logger:       log.Nop(),
		Now:          clk.Now,
	})
	t.Cleanup(svc.Wait)

	reg := engagement.NewRegistry()
	api := alertapi.New(svc, alertapi.Options{
		Logger:       log.Nop(),
		Observations: dir,
		Engagement:   reg,
		TimeLog:      dir,
		Billing:      dir,
		Stream:       hub,
		Now:          clk.Now,
	})
	r := chi.NewRouter()
	r.Use(authmw.Identity())
	api.RegisterRoutes(r)

	return &testEnv{router: r, svc: svc, dir: dir, hub: hub, reg: reg, clock: clk}
}

func setIdentity(h http.Header, a triage.Actor) {
	h.Set(authmw.HeaderUserID, a.UserID)
	h.Set(authmw.HeaderClinicianID, a.ClinicianID)
	h.Set(authmw.HeaderRole, string(a.Role))
	h.Set(authmw.HeaderOrganizationID, a.OrganizationID)
}

func (e *testEnv) do(t *testing.T, method, path string, as *triage.Actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if as != nil {
		setIdentity(req.Header, *as)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type alertView struct {
	ID           string          `json:"id"`
	Status       triage.Status   `json:"status"`
	ClaimedBy    string          `json:"claimed_by"`
	EscalatedTo  string          `json:"escalated_to"`
	IsSuppressed bool            `json:"is_suppressed"`
	SnoozedUntil *time.Time      `json:"snoozed_until"`
	Computed     fanout.Computed `json:"computed"`
	Facts        map[string]any  `json:"facts"`
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, want, rec.Body.String())
	}
}

// ingest posts a heart rate reading for p-1 and returns the created alerts.
func (e *testEnv) ingest(t *testing.T, value float64) []alertView {
	t.Helper()
	body := `{"patient_id":"p-1","organization_id":"org-1","metric_key":"heart_rate","value":` + jsonNumber(value) + `}`
	rec := e.do(t, http.MethodPost, "/api/v1/observations", &clinician, body)
	expectStatus(t, rec, http.StatusCreated)
	resp := decodeBody[struct {
		ObservationID string      `json:"observation_id"`
		Alerts        []alertView `json:"alerts"`
	}](t, rec)
	if resp.ObservationID == "" {
		t.Error("observation_id is empty")
	}
	return resp.Alerts
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func (e *testEnv) raise(t *testing.T) alertView {
	t.Helper()
	created := e.ingest(t, 120)
	if len(created) != 1 {
		t.Fatalf("created %d alerts, want 1", len(created))
	}
	return created[0]
}

func TestNew_PanicsWithoutService(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("New(nil) did not panic")
		}
	}()
	alertapi.New(nil, alertapi.Options{})
}

func TestRouting(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	tests := []struct {
		name   string
		method string
		path   string
		as     *triage.Actor
		want   int
	}{
		{"no identity", http.MethodGet, "/api/v1/alerts/a-1", nil, http.StatusUnauthorized},
		{"unknown alert", http.MethodGet, "/api/v1/alerts/a-1", &clinician, http.StatusNotFound},
		{"unknown alert audit", http.MethodGet, "/api/v1/alerts/a-1/audit", &clinician, http.StatusNotFound},
		{"unknown alert claim", http.MethodPost, "/api/v1/alerts/a-1/claim", &clinician, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/api/v1/alerts/a-1/claim", &clinician, http.StatusMethodNotAllowed},
		{"unknown transition", http.MethodPost, "/api/v1/alerts/a-1/reopen", &clinician, http.StatusNotFound},
		{"other org queue", http.MethodGet, "/api/v1/organizations/org-1/queue", &outsider, http.StatusForbidden},
		{"other org rank", http.MethodPost, "/api/v1/organizations/org-1/queue/rank", &outsider, http.StatusForbidden},
		{"bad limit", http.MethodGet, "/api/v1/organizations/org-1/queue?limit=zero", &clinician, http.StatusBadRequest},
		{"unknown path", http.MethodGet, "/api/v1/nope", &clinician, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.path, tt.as, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestIngest_CreatesAlert(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	a := e.raise(t)

	if a.Status != triage.StatusPending {
		t.Errorf("status = %s, want PENDING", a.Status)
	}
	if a.Computed.TimeRemainingMinutes != 480 {
		t.Errorf("time_remaining_minutes = %d, want 480", a.Computed.TimeRemainingMinutes)
	}
	if a.Computed.SLAStatus == "" || a.Computed.RiskLevel == "" {
		t.Errorf("computed = %+v, want sla_status and risk_level", a.Computed)
	}
	if a.Computed.IsClaimed {
		t.Error("new alert reported as claimed")
	}

	rec := e.do(t, http.MethodGet, "/api/v1/alerts/"+a.ID, &clinician, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[alertView](t, rec); got.ID != a.ID {
		t.Errorf("GET id = %q, want %q", got.ID, a.ID)
	}

	if created := e.ingest(t, 80); len(created) != 0 {
		t.Errorf("normal reading created %d alerts", len(created))
	}
}

func TestIngest_Errors(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	tests := []struct {
		name string
		as   triage.Actor
		body string
		want int
	}{
		{"malformed json", clinician, `{"patient_id":`, http.StatusBadRequest},
		{"unknown field", clinician, `{"patient":"p-1"}`, http.StatusBadRequest},
		{"missing patient", clinician, `{"metric_key":"heart_rate","value":120}`, http.StatusBadRequest},
		{"other organization", outsider, `{"patient_id":"p-1","organization_id":"org-1","metric_key":"heart_rate","value":120}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/v1/observations", &tt.as, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rec.Code, tt.want, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("body = %s, want an error object", rec.Body.String())
			}
		})
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	a := e.raise(t)
	base := "/api/v1/alerts/" + a.ID

	rec := e.do(t, http.MethodPost, base+"/claim", &clinician, "")
	expectStatus(t, rec, http.StatusOK)
	got := decodeBody[alertView](t, rec)
	if got.ClaimedBy != "c-1" || !got.Computed.IsClaimed || !got.Computed.IsClaimedByMe {
		t.Errorf("after claim = %+v", got)
	}

	expectStatus(t, e.do(t, http.MethodPost, base+"/claim", &colleague, ""), http.StatusConflict)
	expectStatus(t, e.do(t, http.MethodPost, base+"/force-claim", &colleague, `{"reason":"covering"}`), http.StatusForbidden)

	rec = e.do(t, http.MethodGet, base, &colleague, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[alertView](t, rec); !got.Computed.IsClaimed || got.Computed.IsClaimedByMe {
		t.Errorf("colleague view computed = %+v", got.Computed)
	}

	expectStatus(t, e.do(t, http.MethodPost, base+"/acknowledge", &clinician, ""), http.StatusOK)

	expectStatus(t, e.do(t, http.MethodPost, base+"/snooze", &clinician, `{"minutes":0}`), http.StatusBadRequest)
	rec = e.do(t, http.MethodPost, base+"/snooze", &clinician, `{"minutes":30}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[alertView](t, rec); got.SnoozedUntil == nil || !got.SnoozedUntil.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("snoozed_until = %v", got.SnoozedUntil)
	}
	expectStatus(t, e.do(t, http.MethodPost, base+"/unsnooze", &clinician, ""), http.StatusOK)

	expectStatus(t, e.do(t, http.MethodPost, base+"/suppress", &clinician, `{"reason":"BORED"}`), http.StatusBadRequest)
	rec = e.do(t, http.MethodPost, base+"/suppress", &clinician, `{"reason":"DEVICE_ERROR","notes":"cuff slipped"}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[alertView](t, rec); !got.IsSuppressed {
		t.Error("alert not suppressed")
	}
	expectStatus(t, e.do(t, http.MethodPost, base+"/unsuppress", &clinician, ""), http.StatusOK)

	expectStatus(t, e.do(t, http.MethodPost, base+"/escalate", &clinician, `{"reason":"no target"}`), http.StatusBadRequest)
	rec = e.do(t, http.MethodPost, base+"/escalate", &clinician, `{"target_user_id":"u-sup","reason":"worsening"}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[alertView](t, rec); got.EscalatedTo != "u-sup" {
		t.Errorf("escalated_to = %q, want u-sup", got.EscalatedTo)
	}

	expectStatus(t, e.do(t, http.MethodPost, base+"/resolve", &clinician, `{"resolution_notes":"short"}`), http.StatusBadRequest)
	rec = e.do(t, http.MethodPost, base+"/resolve", &clinician,
		`{"resolution_notes":"called patient, rate normal","intervention_type":"PHONE_CALL","patient_outcome":"STABLE","time_spent_minutes":12}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[alertView](t, rec); got.Status != triage.StatusResolved {
		t.Errorf("status = %s, want RESOLVED", got.Status)
	}

	expectStatus(t, e.do(t, http.MethodPost, base+"/dismiss", &clinician, `{"reason":"already handled elsewhere"}`), http.StatusConflict)

	rec = e.do(t, http.MethodGet, base+"/audit", &clinician, "")
	expectStatus(t, rec, http.StatusOK)
	trail := decodeBody[struct {
		Entries []triage.AuditEntry `json:"entries"`
	}](t, rec)
	want := []triage.Action{
		triage.ActionCreated, triage.ActionClaimed, triage.ActionAcknowledged,
		triage.ActionSnoozed, triage.ActionUnsnoozed, triage.ActionSuppressed,
		triage.ActionUnsuppressed, triage.ActionEscalated, triage.ActionResolved,
	}
	if len(trail.Entries) != len(want) {
		t.Fatalf("audit has %d entries, want %d", len(trail.Entries), len(want))
	}
	for i, entry := range trail.Entries {
		if entry.Action != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, entry.Action, want[i])
		}
	}

	expectStatus(t, e.do(t, http.MethodGet, base+"/audit", &outsider, ""), http.StatusForbidden)
}

func TestForceClaimAndUnclaim(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	a := e.raise(t)
	base := "/api/v1/alerts/" + a.ID

	expectStatus(t, e.do(t, http.MethodPost, base+"/claim", &clinician, ""), http.StatusOK)
	rec := e.do(t, http.MethodPost, base+"/force-claim", &supervisor, `{"reason":"taking over"}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[alertView](t, rec); got.ClaimedBy != "c-sup" || !got.Computed.IsClaimedByMe {
		t.Errorf("after force-claim = %+v", got)
	}

	rec = e.do(t, http.MethodPost, base+"/unclaim", &supervisor, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[alertView](t, rec); got.Computed.IsClaimed {
		t.Error("alert still claimed after unclaim")
	}
}

func TestDismiss(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	a := e.raise(t)

	rec := e.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/dismiss", &clinician, `{"reason":"duplicate reading"}`)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[alertView](t, rec); got.Status != triage.StatusDismissed {
		t.Errorf("status = %s, want DISMISSED", got.Status)
	}
}

func TestQueueAndRank(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	first := e.raise(t)
	e.clock.Advance(time.Minute)
	if _, err := e.svc.Dismiss(context.Background(), clinician, first.ID, "noise from a loose sensor"); err != nil {
		t.Fatal(err)
	}
	second := e.raise(t)

	rec := e.do(t, http.MethodGet, "/api/v1/organizations/org-1/queue?limit=10", &clinician, "")
	expectStatus(t, rec, http.StatusOK)
	queue := decodeBody[struct {
		Alerts []alertView `json:"alerts"`
	}](t, rec)
	if len(queue.Alerts) != 1 || queue.Alerts[0].ID != second.ID {
		t.Fatalf("queue = %+v, want only %s", queue.Alerts, second.ID)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/organizations/org-1/queue/rank", &supervisor, "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[map[string]int](t, rec); got["ranked"] != 1 {
		t.Errorf("ranked = %d, want 1", got["ranked"])
	}
}

func TestEngagement(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	start := "/api/v1/patients/p-1/engagement/start"
	stop := "/api/v1/patients/p-1/engagement/stop"

	expectStatus(t, e.do(t, http.MethodPost, stop, &clinician, ""), http.StatusNotFound)
	expectStatus(t, e.do(t, http.MethodPost, start, &clinician, ""), http.StatusCreated)
	expectStatus(t, e.do(t, http.MethodPost, start, &clinician, ""), http.StatusOK)
	if n := len(e.reg.Active("u-1")); n != 1 {
		t.Fatalf("active sessions = %d, want 1", n)
	}

	e.clock.Advance(7*time.Minute + 10*time.Second)
	rec := e.do(t, http.MethodPost, stop, &clinician, "")
	expectStatus(t, rec, http.StatusOK)
	got := decodeBody[struct {
		Minutes int  `json:"minutes"`
		Logged  bool `json:"logged"`
	}](t, rec)
	if got.Minutes != 8 || !got.Logged {
		t.Errorf("stop = %+v, want 8 minutes logged", got)
	}

	entries := e.dir.TimeEntries()
	if len(entries) != 1 {
		t.Fatalf("time entries = %d, want 1", len(entries))
	}
	if entries[0].BillingEnrollmentID != "e-1" || entries[0].ClinicianID != "c-1" || entries[0].Minutes != 8 {
		t.Errorf("time entry = %+v", entries[0])
	}
}

func TestStream_ReceivesIngestedAlert(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	header := http.Header{}
	setIdentity(header, clinician)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/stream", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var msg struct {
		Event string    `json:"event"`
		Alert alertView `json:"alert"`
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil || msg.Event != fanout.EventConnected {
		t.Fatalf("first message = %+v, %v", msg, err)
	}

	a := e.raise(t)
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Event == string(triage.EventCreated) {
			break
		}
	}
	if msg.Alert.ID != a.ID || msg.Alert.Computed.TimeRemainingMinutes != 480 {
		t.Errorf("streamed alert = %+v", msg.Alert)
	}
}
