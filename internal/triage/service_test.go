package triage_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/carewatch/internal/clinical"
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

type recorder struct {
	mu     sync.Mutex
	events []triage.Event
	sent   []triage.Notification
	audit  []triage.AuditEntry
}

func (r *recorder) Publish(_ context.Context, ev triage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Notify(_ context.Context, n triage.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) Record(_ context.Context, e triage.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, e)
	return nil
}

func (r *recorder) notifications() []triage.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]triage.Notification(nil), r.sent...)
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type staticRules []rules.Rule

func (s staticRules) ActiveRules(_ context.Context, _, _ string) ([]rules.Rule, error) {
	return s, nil
}

type harness struct {
	svc   *triage.Service
	store *memstore.Store
	dir   *memstore.Directory
	rec   *recorder
	clock *clock
}

var (
	clinician  = triage.Actor{UserID: "u-1", ClinicianID: "c-1", Role: clinical.RoleClinician, OrganizationID: "org-1"}
	colleague  = triage.Actor{UserID: "u-2", ClinicianID: "c-2", Role: clinical.RoleClinician, OrganizationID: "org-1"}
	supervisor = triage.Actor{UserID: "u-sup", ClinicianID: "c-sup", Role: clinical.RoleSupervisor, OrganizationID: "org-1"}
	outsider   = triage.Actor{UserID: "u-9", ClinicianID: "c-9", Role: clinical.RoleClinician, OrganizationID: "org-2"}
)

func heartRateRule(t *testing.T) rules.Rule {
	t.Helper()
	var c rules.Condition
	if err := c.UnmarshalJSON([]byte(`{"metric":"heart_rate","operator":"gt","threshold":100}`)); err != nil {
		t.Fatal(err)
	}
	return rules.Rule{
		ID:          "hr-high",
		Name:        "Tachycardia",
		Condition:   c,
		Severity:    clinical.SeverityMedium,
		Active:      true,
		NormalRange: &clinical.NormalRange{Min: 60, Max: 100},
	}
}

func newHarness(t *testing.T, opts ...func(*triage.Options)) *harness {
	t.Helper()
	store := memstore.New()
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
	rec := &recorder{}
	clk := &clock{now: t0}

	o := triage.Options{
		Rules:        staticRules{heartRateRule(t)},
		Observations: dir,
		Patients:     dir,
		Clinicians:   dir,
		Medications:  dir,
		Audit:        rec,
		Notifier:     rec,
		Billing:      dir,
		Effects:      dir,
		Broadcaster:  rec,
		Logger:       log.Nop(),
		Now:          clk.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &harness{svc: triage.NewService(store, o), store: store, dir: dir, rec: rec, clock: clk}
}

func (h *harness) ingest(t *testing.T, value any) []*triage.Alert {
	t.Helper()
	obs := &clinical.Observation{PatientID: "p-1", OrganizationID: "org-1", MetricKey: "heart_rate", Value: value, RecordedAt: h.clock.Now()}
	created, err := h.svc.Ingest(context.Background(), obs)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return created
}

func (h *harness) raise(t *testing.T) *triage.Alert {
	t.Helper()
	created := h.ingest(t, 120.0)
	if len(created) != 1 {
		t.Fatalf("created %d alerts, want 1", len(created))
	}
	return created[0]
}

func (h *harness) auditActions(t *testing.T, id string) []triage.Action {
	t.Helper()
	trail, err := h.store.ListAudit(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	var out []triage.Action
	for _, e := range trail {
		out = append(out, e.Action)
	}
	return out
}

func assertKind(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestIngest_CreatesScoredAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.raise(t)

	if a.Status != triage.StatusPending {
		t.Errorf("Status = %s, want PENDING", a.Status)
	}
	if a.ClinicianID != "c-1" {
		t.Errorf("ClinicianID = %q, want primary clinician c-1", a.ClinicianID)
	}
	if a.VitalsDeviation != 2.0 || a.Score != 1.0 || a.SeverityMultiplier != 1.0 {
		t.Errorf("risk = %+v, want deviation 2.0 score 1.0", a.Breakdown)
	}
	if !a.SLABreachTime.Equal(t0.Add(8 * time.Hour)) {
		t.Errorf("SLABreachTime = %v, want triggered + 8h", a.SLABreachTime)
	}
	if a.Facts.Kind != triage.FactsObservation || a.Facts.Observation.MetricKey != "heart_rate" {
		t.Errorf("Facts = %+v", a.Facts)
	}

	got, err := h.svc.Get(context.Background(), clinician, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PriorityRank != 1 {
		t.Errorf("PriorityRank = %d, want 1", got.PriorityRank)
	}
	if acts := h.auditActions(t, a.ID); len(acts) != 1 || acts[0] != triage.ActionCreated {
		t.Errorf("audit = %v, want [created]", acts)
	}
}

func TestIngest_NoMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if created := h.ingest(t, 80.0); len(created) != 0 {
		t.Errorf("created %d alerts for a normal reading", len(created))
	}
}

func TestIngest_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.svc.Ingest(context.Background(), &clinical.Observation{MetricKey: "heart_rate", Value: 150.0})
	assertKind(t, err, triage.ErrValidation)
}

func TestIngest_CooldownDedupe(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.raise(t)

	h.clock.Advance(30 * time.Minute)
	if created := h.ingest(t, 130.0); len(created) != 0 {
		t.Fatalf("created %d alerts inside cooldown, want 0", len(created))
	}

	// outside the 60 minute window a new alert is allowed
	h.clock.Advance(31 * time.Minute)
	if created := h.ingest(t, 130.0); len(created) != 1 {
		t.Fatalf("created %d alerts after cooldown, want 1", len(created))
	}

	// a terminal alert never blocks
	h2 := newHarness(t)
	a := h2.raise(t)
	if _, err := h2.svc.Dismiss(context.Background(), clinician, a.ID, "reading was taken after exercise"); err != nil {
		t.Fatal(err)
	}
	if created := h2.ingest(t, 130.0); len(created) != 1 {
		t.Fatalf("created %d alerts after dismissal, want 1", len(created))
	}
}

func TestIngest_RanksByRiskThenAge(t *testing.T) {
	t.Parallel()

	var c rules.Condition
	_ = c.UnmarshalJSON([]byte(`{"metric":"heart_rate","operator":"gt","threshold":100}`))
	critical := rules.Rule{ID: "hr-critical", Condition: c, Severity: clinical.SeverityCritical, Active: true, NormalRange: &clinical.NormalRange{Min: 60, Max: 100}}

	h := newHarness(t)
	first := h.raise(t)

	h.clock.Advance(time.Minute)
	h2 := triage.NewService(h.store, triage.Options{Rules: staticRules{critical}, Logger: log.Nop(), Now: h.clock.Now})
	created, err := h2.Ingest(context.Background(), &clinical.Observation{PatientID: "p-1", OrganizationID: "org-1", MetricKey: "heart_rate", Value: 120.0})
	if err != nil || len(created) != 1 {
		t.Fatalf("Ingest critical: %v, %d", err, len(created))
	}

	queue, err := h.svc.Queue(context.Background(), clinician, "org-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 2 || queue[0].ID != created[0].ID || queue[1].ID != first.ID {
		t.Fatalf("queue order wrong: %v", queue)
	}
	if queue[0].PriorityRank != 1 || queue[1].PriorityRank != 2 {
		t.Errorf("ranks = %d, %d; want 1, 2", queue[0].PriorityRank, queue[1].PriorityRank)
	}

	if _, err := h.svc.Queue(context.Background(), outsider, "org-1", 0); !errors.Is(err, triage.ErrForbidden) {
		t.Errorf("outsider queue err = %v, want ErrForbidden", err)
	}
}

func TestClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	got, err := h.svc.Claim(ctx, clinician, a.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got.ClaimedBy != "c-1" || got.ClaimedAt == nil {
		t.Errorf("claim = %q %v", got.ClaimedBy, got.ClaimedAt)
	}

	_, err = h.svc.Claim(ctx, colleague, a.ID)
	assertKind(t, err, triage.ErrConflict)
	if !strings.Contains(err.Error(), "c-1") {
		t.Errorf("conflict should name the holder: %v", err)
	}

	_, err = h.svc.Claim(ctx, outsider, a.ID)
	assertKind(t, err, triage.ErrForbidden)

	_, err = h.svc.Claim(ctx, clinician, "missing")
	assertKind(t, err, triage.ErrNotFound)
}

func TestClaim_Terminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)
	if _, err := h.svc.Dismiss(ctx, clinician, a.ID, "duplicate of an earlier call"); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.Claim(ctx, clinician, a.ID)
	assertKind(t, err, triage.ErrConflict)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.raise(t)

	actors := []triage.Actor{clinician, colleague, supervisor}
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, act := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.Claim(context.Background(), act, a.ID)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, triage.ErrConflict):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestForceClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)
	if _, err := h.svc.Claim(ctx, clinician, a.ID); err != nil {
		t.Fatal(err)
	}

	_, err := h.svc.ForceClaim(ctx, colleague, a.ID, "covering the shift today")
	assertKind(t, err, triage.ErrForbidden)

	_, err = h.svc.ForceClaim(ctx, supervisor, a.ID, "123456789")
	assertKind(t, err, triage.ErrValidation)

	got, err := h.svc.ForceClaim(ctx, supervisor, a.ID, "1234567890")
	if err != nil {
		t.Fatalf("ForceClaim: %v", err)
	}
	if got.ClaimedBy != "c-sup" {
		t.Errorf("ClaimedBy = %q, want c-sup", got.ClaimedBy)
	}

	_, err = h.svc.ForceClaim(ctx, supervisor, a.ID, "taking it again please")
	assertKind(t, err, triage.ErrConflict)

	h.svc.Wait()
	sent := h.rec.notifications()
	if len(sent) != 1 || sent[0].Kind != triage.NotifyForceClaimed || sent[0].RecipientUserID != "u-1" {
		t.Errorf("notifications = %+v, want force_claimed to u-1", sent)
	}
}

func TestForceClaim_Resolved(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)
	resolve(t, h, a.ID)

	_, err := h.svc.ForceClaim(ctx, supervisor, a.ID, "reviewing closed alert")
	assertKind(t, err, triage.ErrConflict)
}

func TestUnclaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	_, err := h.svc.Unclaim(ctx, clinician, a.ID)
	assertKind(t, err, triage.ErrConflict)

	if _, err := h.svc.Claim(ctx, clinician, a.ID); err != nil {
		t.Fatal(err)
	}
	_, err = h.svc.Unclaim(ctx, colleague, a.ID)
	assertKind(t, err, triage.ErrForbidden)

	got, err := h.svc.Unclaim(ctx, clinician, a.ID)
	if err != nil {
		t.Fatalf("Unclaim: %v", err)
	}
	if got.Claimed() || got.ClaimedAt != nil {
		t.Errorf("claim not cleared: %+v", got)
	}
}

func TestAcknowledge(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	got, err := h.svc.Acknowledge(ctx, clinician, a.ID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if got.Status != triage.StatusAcknowledged || got.AcknowledgedAt == nil || got.AcknowledgedBy != "c-1" {
		t.Errorf("ack = %+v", got)
	}

	_, err = h.svc.Acknowledge(ctx, clinician, a.ID)
	assertKind(t, err, triage.ErrConflict)
}

func resolveInput(notes string) triage.ResolveInput {
	return triage.ResolveInput{
		Notes:            notes,
		InterventionType: triage.InterventionPhoneCall,
		PatientOutcome:   triage.OutcomeStable,
		TimeSpentMinutes: 12,
	}
}

func resolve(t *testing.T, h *harness, id string) *triage.Alert {
	t.Helper()
	a, err := h.svc.Resolve(context.Background(), clinician, id, resolveInput("called patient, symptoms resolved"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return a
}

func TestResolve_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	tests := []struct {
		name   string
		mutate func(*triage.ResolveInput)
		ok     bool
	}{
		{"nine char notes", func(in *triage.ResolveInput) { in.Notes = "123456789" }, false},
		{"nine multibyte chars", func(in *triage.ResolveInput) { in.Notes = "éèêëàâäîï" }, false},
		{"five multibyte chars", func(in *triage.ResolveInput) { in.Notes = "ééééé" }, false},
		{"padded notes", func(in *triage.ResolveInput) { in.Notes = "   short   " }, false},
		{"bad intervention", func(in *triage.ResolveInput) { in.InterventionType = "PRAYER" }, false},
		{"bad outcome", func(in *triage.ResolveInput) { in.PatientOutcome = "FINE" }, false},
		{"zero minutes", func(in *triage.ResolveInput) { in.TimeSpentMinutes = 0 }, false},
		{"ten char notes", func(in *triage.ResolveInput) { in.Notes = "1234567890" }, true},
	}
	for _, tt := range tests {
		in := resolveInput("called patient, all fine")
		tt.mutate(&in)
		_, err := h.svc.Resolve(ctx, clinician, a.ID, in)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, triage.ErrValidation) {
			t.Errorf("%s: err = %v, want ErrValidation", tt.name, err)
		}
	}
}

func TestResolve_EffectsAndConflict(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)
	if _, err := h.svc.Snooze(ctx, clinician, a.ID, 30); err != nil {
		t.Fatal(err)
	}

	in := resolveInput("called patient, symptoms resolved")
	in.FollowUp = &triage.FollowUp{DueAt: t0.Add(48 * time.Hour), Note: "recheck vitals"}
	in.EncounterNote = "Patient reports palpitations after coffee."
	got, err := h.svc.Resolve(ctx, clinician, a.ID, in)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != triage.StatusResolved || got.ResolvedBy != "c-1" || got.ResolvedAt == nil || got.SnoozedUntil != nil {
		t.Errorf("resolved alert = %+v", got)
	}

	h.svc.Wait()
	entries := h.dir.TimeEntries()
	if len(entries) != 1 || entries[0].BillingEnrollmentID != "e-1" || entries[0].Minutes != 12 {
		t.Errorf("time entries = %+v", entries)
	}
	if len(h.dir.FollowUps()) != 1 || len(h.dir.EncounterNotes()) != 1 {
		t.Errorf("follow-ups = %d, notes = %d", len(h.dir.FollowUps()), len(h.dir.EncounterNotes()))
	}
	if who, ok := h.dir.ReviewedBy(a.Facts.Observation.ObservationID); !ok || who != "c-1" {
		t.Errorf("observation reviewed by %q, %v", who, ok)
	}

	_, err = h.svc.Resolve(ctx, clinician, a.ID, in)
	assertKind(t, err, triage.ErrConflict)
}

func TestDismiss(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	_, err := h.svc.Dismiss(ctx, clinician, a.ID, "too short")
	assertKind(t, err, triage.ErrValidation)
	// nine characters in twelve bytes
	_, err = h.svc.Dismiss(ctx, clinician, a.ID, "Réévaluée")
	assertKind(t, err, triage.ErrValidation)

	got, err := h.svc.Dismiss(ctx, clinician, a.ID, "device double-submitted")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != triage.StatusDismissed || got.ResolutionNotes != "device double-submitted" {
		t.Errorf("dismissed = %+v", got)
	}
	_, err = h.svc.Dismiss(ctx, clinician, a.ID, "device double-submitted")
	assertKind(t, err, triage.ErrConflict)
}

func TestSnooze_Bounds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	for _, m := range []int{0, -5, 10081} {
		_, err := h.svc.Snooze(ctx, clinician, a.ID, m)
		if !errors.Is(err, triage.ErrValidation) {
			t.Errorf("Snooze(%d) err = %v, want ErrValidation", m, err)
		}
	}
	for _, m := range []int{1, 10080} {
		got, err := h.svc.Snooze(ctx, clinician, a.ID, m)
		if err != nil {
			t.Fatalf("Snooze(%d): %v", m, err)
		}
		want := t0.Add(time.Duration(m) * time.Minute)
		if got.SnoozedUntil == nil || !got.SnoozedUntil.Equal(want) {
			t.Errorf("Snooze(%d) until = %v, want %v", m, got.SnoozedUntil, want)
		}
	}

	resolve(t, h, a.ID)
	_, err := h.svc.Snooze(ctx, clinician, a.ID, 30)
	assertKind(t, err, triage.ErrConflict)
}

func TestUnsnooze_NoopWritesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	got, err := h.svc.Unsnooze(ctx, clinician, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != a.Version {
		t.Errorf("no-op unsnooze bumped version %d -> %d", a.Version, got.Version)
	}
	if acts := h.auditActions(t, a.ID); len(acts) != 1 {
		t.Errorf("audit = %v, want only created", acts)
	}

	if _, err := h.svc.Snooze(ctx, clinician, a.ID, 60); err != nil {
		t.Fatal(err)
	}
	got, err = h.svc.Unsnooze(ctx, clinician, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SnoozedUntil != nil {
		t.Error("snooze not cleared")
	}
}

func TestExpireSnooze(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)
	if _, err := h.svc.Snooze(ctx, clinician, a.ID, 10); err != nil {
		t.Fatal(err)
	}

	expired, err := h.svc.ExpireSnooze(ctx, a.ID)
	if err != nil || expired {
		t.Fatalf("early ExpireSnooze = %v, %v; want false", expired, err)
	}

	h.clock.Advance(11 * time.Minute)
	before := h.rec.eventCount()
	expired, err = h.svc.ExpireSnooze(ctx, a.ID)
	if err != nil || !expired {
		t.Fatalf("ExpireSnooze = %v, %v; want true", expired, err)
	}
	if h.rec.eventCount() != before+1 {
		t.Error("reactivation should re-broadcast")
	}
	got, _ := h.svc.Get(ctx, triage.System, a.ID)
	if got.SnoozedUntil != nil {
		t.Error("snooze not cleared")
	}
}

func TestSuppressAndUnsuppress(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	_, err := h.svc.Suppress(ctx, clinician, a.ID, "BORED", "")
	assertKind(t, err, triage.ErrValidation)
	_, err = h.svc.Suppress(ctx, clinician, a.ID, triage.SuppressOther, "123456789")
	assertKind(t, err, triage.ErrValidation)
	_, err = h.svc.Suppress(ctx, clinician, a.ID, triage.SuppressOther, "ééééé")
	assertKind(t, err, triage.ErrValidation)

	_, err = h.svc.Unsuppress(ctx, clinician, a.ID)
	assertKind(t, err, triage.ErrConflict)

	got, err := h.svc.Suppress(ctx, clinician, a.ID, triage.SuppressOther, "1234567890")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsSuppressed || got.Status != triage.StatusDismissed {
		t.Errorf("suppressed = %+v", got)
	}

	_, err = h.svc.Suppress(ctx, clinician, a.ID, triage.SuppressDeviceError, "")
	assertKind(t, err, triage.ErrConflict)

	got, err = h.svc.Unsuppress(ctx, clinician, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsSuppressed || got.Status != triage.StatusPending || got.SuppressReason != "" {
		t.Errorf("unsuppressed = %+v", got)
	}
}

func TestSuppress_Resolved(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.raise(t)
	resolve(t, h, a.ID)
	_, err := h.svc.Suppress(context.Background(), clinician, a.ID, triage.SuppressFalsePositive, "")
	assertKind(t, err, triage.ErrConflict)
}

func TestEscalate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	_, err := h.svc.Escalate(ctx, clinician, a.ID, "", "")
	assertKind(t, err, triage.ErrValidation)
	_, err = h.svc.Escalate(ctx, clinician, a.ID, "u-ghost", "")
	assertKind(t, err, triage.ErrValidation)

	got, err := h.svc.Escalate(ctx, clinician, a.ID, "u-sup", "patient not answering")
	if err != nil {
		t.Fatal(err)
	}
	got, err = h.svc.Escalate(ctx, clinician, got.ID, "u-sup", "")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsEscalated || got.EscalationLevel != 2 || got.EscalatedTo != "u-sup" || got.EscalatedAt == nil {
		t.Errorf("escalated = %+v", got)
	}

	h.svc.Wait()
	sent := h.rec.notifications()
	if len(sent) != 2 {
		t.Fatalf("notifications = %d, want 2", len(sent))
	}
	for _, n := range sent {
		if n.Kind != triage.NotifyEscalated || n.RecipientUserID != "u-sup" || n.AlertID != a.ID {
			t.Errorf("notification = %+v", n)
		}
	}

	resolve(t, h, a.ID)
	_, err = h.svc.Escalate(ctx, clinician, a.ID, "u-sup", "")
	assertKind(t, err, triage.ErrConflict)
}

func TestReleaseStaleClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)
	if _, err := h.svc.Claim(ctx, clinician, a.ID); err != nil {
		t.Fatal(err)
	}

	released, err := h.svc.ReleaseStaleClaim(ctx, a.ID, t0.Add(-time.Minute))
	if err != nil || released {
		t.Fatalf("fresh claim released = %v, %v", released, err)
	}

	h.clock.Advance(61 * time.Minute)
	released, err = h.svc.ReleaseStaleClaim(ctx, a.ID, h.clock.Now().Add(-60*time.Minute))
	if err != nil || !released {
		t.Fatalf("stale claim released = %v, %v; want true", released, err)
	}
	got, _ := h.svc.Get(ctx, clinician, a.ID)
	if got.Claimed() {
		t.Error("claim not cleared")
	}

	h.svc.Wait()
	sent := h.rec.notifications()
	if len(sent) != 1 || sent[0].Kind != triage.NotifyClaimReleased || sent[0].RecipientUserID != "u-1" {
		t.Errorf("notifications = %+v", sent)
	}
}

func TestDismissStale(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	h.clock.Advance(71 * time.Hour)
	ok, err := h.svc.DismissStale(ctx, a.ID, h.clock.Now().Add(-72*time.Hour), "auto-dismissed")
	if err != nil || ok {
		t.Fatalf("71h DismissStale = %v, %v; want false", ok, err)
	}

	h.clock.Advance(2 * time.Hour)
	ok, err = h.svc.DismissStale(ctx, a.ID, h.clock.Now().Add(-72*time.Hour), "auto-dismissed")
	if err != nil || !ok {
		t.Fatalf("73h DismissStale = %v, %v; want true", ok, err)
	}
	got, _ := h.svc.Get(ctx, clinician, a.ID)
	if got.Status != triage.StatusDismissed || got.ResolutionNotes != "auto-dismissed" {
		t.Errorf("stale alert = %+v", got)
	}
	trail, _ := h.store.ListAudit(ctx, a.ID)
	if last := trail[len(trail)-1]; last.Actor != triage.SystemID {
		t.Errorf("audit actor = %q, want system", last.Actor)
	}
}

func TestRaise_DedupesOnOpenAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	na := triage.NewAlert{
		OrganizationID: "org-1",
		PatientID:      "p-1",
		RuleID:         "missed_assessment:phq9",
		Severity:       clinical.SeverityLow,
		Message:        "PHQ-9 overdue by 2 days",
		Facts: triage.Facts{Kind: triage.FactsMissedAssessment, MissedAssessment: &triage.MissedAssessmentFacts{
			AssessmentID: "phq9", DaysOverdue: 2,
		}},
	}
	first, created, err := h.svc.Raise(ctx, na)
	if err != nil || !created {
		t.Fatalf("Raise = %v, %v", created, err)
	}
	h.clock.Advance(48 * time.Hour)
	again, created, err := h.svc.Raise(ctx, na)
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("second Raise = %v, %v, %v; want existing", again.ID, created, err)
	}

	na.Facts = triage.Facts{Kind: triage.FactsTrend}
	_, _, err = h.svc.Raise(ctx, na)
	assertKind(t, err, triage.ErrValidation)
}

func TestRaise_RegradesWorseningCondition(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	na := func(sev clinical.Severity, overdue int) triage.NewAlert {
		return triage.NewAlert{
			OrganizationID: "org-1",
			PatientID:      "p-1",
			RuleID:         "missed_assessment:phq9",
			Severity:       sev,
			Message:        fmt.Sprintf("PHQ-9 overdue by %d days", overdue),
			Facts: triage.Facts{Kind: triage.FactsMissedAssessment, MissedAssessment: &triage.MissedAssessmentFacts{
				AssessmentID: "phq9", DaysOverdue: overdue,
			}},
		}
	}

	first, _, err := h.svc.Raise(ctx, na(clinical.SeverityLow, 2))
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(13 * 24 * time.Hour)

	got, created, err := h.svc.Raise(ctx, na(clinical.SeverityCritical, 15))
	if err != nil || created || got.ID != first.ID {
		t.Fatalf("Raise = %v, %v, %v; want the existing alert", got.ID, created, err)
	}
	if got.Severity != clinical.SeverityCritical || got.Message != "PHQ-9 overdue by 15 days" || got.Version != 2 {
		t.Errorf("regraded = %s %q v%d", got.Severity, got.Message, got.Version)
	}
	if !got.SLABreachTime.Equal(first.SLABreachTime) {
		t.Errorf("SLA breach moved from %v to %v", first.SLABreachTime, got.SLABreachTime)
	}

	trail, err := h.svc.Audit(ctx, clinician, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := trail[len(trail)-1]
	if last.Action != triage.ActionRegraded || last.Actor != triage.SystemID ||
		last.Metadata["from_severity"] != "LOW" || last.Metadata["to_severity"] != "CRITICAL" {
		t.Errorf("audit = %+v", last)
	}

	// a milder duplicate never downgrades
	got, _, err = h.svc.Raise(ctx, na(clinical.SeverityMedium, 4))
	if err != nil || got.Severity != clinical.SeverityCritical || got.Version != 2 {
		t.Errorf("milder Raise = %s v%d, %v", got.Severity, got.Version, err)
	}
}

func TestAudit_OneEntryPerTransition(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	a := h.raise(t)

	steps := []func() error{
		func() error { _, err := h.svc.Claim(ctx, clinician, a.ID); return err },
		func() error { _, err := h.svc.Acknowledge(ctx, clinician, a.ID); return err },
		func() error { _, err := h.svc.Snooze(ctx, clinician, a.ID, 15); return err },
		func() error { _, err := h.svc.Unsnooze(ctx, clinician, a.ID); return err },
		func() error { _, err := h.svc.Acknowledge(ctx, clinician, a.ID); return err }, // conflict, no entry
	}
	for _, step := range steps {
		_ = step()
	}
	resolve(t, h, a.ID)

	want := []triage.Action{
		triage.ActionCreated, triage.ActionClaimed, triage.ActionAcknowledged,
		triage.ActionSnoozed, triage.ActionUnsnoozed, triage.ActionResolved,
	}
	got := h.auditActions(t, a.ID)
	if len(got) != len(want) {
		t.Fatalf("audit = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	trail, err := h.svc.Audit(ctx, clinician, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if trail[1].Before.ClaimedBy != "" || trail[1].After.ClaimedBy != "c-1" {
		t.Errorf("claim entry before/after = %+v / %+v", trail[1].Before, trail[1].After)
	}

	h.svc.Wait()
	h.rec.mu.Lock()
	mirrored := len(h.rec.audit)
	h.rec.mu.Unlock()
	if mirrored != len(want) {
		t.Errorf("audit sink received %d entries, want %d", mirrored, len(want))
	}
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := triage.NewMetrics(reg)
	h := newHarness(t, func(o *triage.Options) { o.Hooks = m.Hooks() })
	ctx := context.Background()

	a := h.raise(t)
	_ = h.ingest(t, 150.0) // cooldown
	_, _ = h.svc.Acknowledge(ctx, clinician, a.ID)
	_, _ = h.svc.Acknowledge(ctx, clinician, a.ID)

	if v := testutil.ToFloat64(m.AlertsCreated.WithLabelValues("MEDIUM", "observation")); v != 1 {
		t.Errorf("alerts created = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.AlertsDeduped.WithLabelValues("observation")); v != 1 {
		t.Errorf("alerts deduped = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("acknowledged", "ok")); v != 1 {
		t.Errorf("ack ok = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("acknowledged", "conflict")); v != 1 {
		t.Errorf("ack conflict = %v, want 1", v)
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	tests := map[string]error{
		"ok":        nil,
		"invalid":   triage.ErrValidation,
		"not_found": triage.ErrNotFound,
		"conflict":  triage.ErrConflict,
		"forbidden": triage.ErrForbidden,
		"error":     errors.New("db down"),
	}
	for want, err := range tests {
		if got := triage.Outcome(err); got != want {
			t.Errorf("Outcome(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestTransitions_CreateSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t)
	a := h.raise(t)
	_, _ = h.svc.Claim(context.Background(), clinician, a.ID)
	_, _ = h.svc.Claim(context.Background(), colleague, a.ID)

	counts := make(map[string]int)
	var errored int
	for _, s := range exporter.GetSpans() {
		counts[s.Name]++
		if s.Name == "triage.claimed" && s.Status.Code == codes.Error {
			errored++
		}
	}
	if counts["triage.ingest"] != 1 {
		t.Errorf("triage.ingest spans = %d, want 1", counts["triage.ingest"])
	}
	if counts["triage.claimed"] != 2 {
		t.Errorf("triage.claimed spans = %d, want 2", counts["triage.claimed"])
	}
	if errored != 1 {
		t.Errorf("errored claim spans = %d, want 1", errored)
	}
}
