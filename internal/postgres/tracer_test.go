package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"github.com/linnemanlabs/carewatch/internal/triage/pgstore.(*Store).ClaimIfUnclaimed", "(*Store).ClaimIfUnclaimed"},
		{"github.com/linnemanlabs/carewatch/internal/sweep.(*Sweeper).snoozeReactivation", "(*Sweeper).snoozeReactivation"},
		{"(*Store).Get", "Get"},
		{"pgstore.(*Store).Get", "(*Store).Get"},
		{"main", "main"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := shortenFuncName(tt.in); got != tt.want {
			t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sql, op, table string
	}{
		{"SELECT id, status FROM alerts WHERE id = $1", "SELECT", "alerts"},
		{"INSERT INTO alert_audit (id, alert_id) VALUES ($1, $2)", "INSERT", "alert_audit"},
		{"UPDATE alerts SET claimed_by = $2 WHERE id = $1 AND claimed_by = ''", "UPDATE", "alerts"},
		{"  delete from \"alerts\" where id = $1", "DELETE", "alerts"},
		{"WITH open AS (SELECT id FROM alerts) UPDATE alerts SET priority_rank = 0", "UPDATE", "alerts"},
		{"BEGIN", "BEGIN", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		op, table := summarize(tt.sql)
		if op != tt.op || table != tt.table {
			t.Errorf("summarize(%q) = %q, %q, want %q, %q", tt.sql, op, table, tt.op, tt.table)
		}
	}
}

func TestReqDBStats(t *testing.T) {
	t.Parallel()

	ctx := NewReqDBStatsContext(context.Background())
	s, ok := ReqDBStatsFromContext(ctx)
	if !ok || s == nil {
		t.Fatal("stats missing from context")
	}
	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	again, _ := ReqDBStatsFromContext(ctx)
	queries, total, failed := again.Snapshot()
	if queries != 3 || total != 35*time.Millisecond || failed != 1 {
		t.Errorf("Snapshot = %d, %v, %d, want 3, 35ms, 1", queries, total, failed)
	}

	if _, ok := ReqDBStatsFromContext(context.Background()); ok {
		t.Error("plain context reported stats")
	}
}

func TestQueryLabels(t *testing.T) {
	t.Parallel()

	method, route := queryLabels(context.Background())
	if method != "background" || route != "none" {
		t.Errorf("background labels = %q, %q", method, route)
	}

	if ctx := WithHTTPMethod(context.Background(), ""); httpMethodFromContext(ctx) != "" {
		t.Error("empty method was stored")
	}

	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{"/api/v1/alerts/{id}/claim"}
	ctx := context.WithValue(context.Background(), chi.RouteCtxKey, rc)
	ctx = WithHTTPMethod(ctx, "POST")
	method, route = queryLabels(ctx)
	if method != "POST" || route != "/api/v1/alerts/{id}/claim" {
		t.Errorf("request labels = %q, %q", method, route)
	}
}

func TestSetQueryObserver(t *testing.T) {
	// Not parallel: mutates package state.
	defer SetQueryObserver(nil)

	var got string
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, _, outcome string, _ time.Duration) {
		got = method + " " + outcome
	}))
	obs := currentObserver()
	if obs == nil {
		t.Fatal("observer not installed")
	}
	obs.ObserveQuery(context.Background(), "GET", "/", "ok", time.Millisecond)
	if got != "GET ok" {
		t.Errorf("observer saw %q", got)
	}

	SetQueryObserver(nil)
	if currentObserver() != nil {
		t.Error("observer still installed after SetQueryObserver(nil)")
	}
}

func TestSetQueryLogging(t *testing.T) {
	// Not parallel: mutates package state.
	defer SetQueryLogging(0, false)

	SetQueryLogging(250*time.Millisecond, true)
	if !belowThreshold(100*time.Millisecond) || belowThreshold(300*time.Millisecond) {
		t.Error("threshold not applied")
	}
	if !logArgs.Load() {
		t.Error("expected args logging enabled")
	}

	SetQueryLogging(0, false)
	if belowThreshold(time.Nanosecond) {
		t.Error("zero threshold should log every query")
	}
	if logArgs.Load() {
		t.Error("expected args logging disabled")
	}
}

func TestWrapQueryTracer_ImplementsBatchTracer(t *testing.T) {
	t.Parallel()

	if _, ok := wrapQueryTracer(nil).(pgx.BatchTracer); !ok {
		t.Error("wrapped tracer should implement pgx.BatchTracer")
	}
}

func TestNewPool_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewPool(context.Background(), "postgres://%zz"); err == nil {
		t.Error("expected parse error")
	}
}
