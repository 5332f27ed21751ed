package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var (
	// successful queries faster than this are not logged; 0 logs all
	slowQuery atomic.Int64

	// bind arguments carry patient data and are only logged when enabled
	logArgs atomic.Bool
)

// SetQueryLogging sets the minimum duration of a successful query to be
// logged and whether bind arguments are included in the log line.
func SetQueryLogging(minDuration time.Duration, withArgs bool) {
	slowQuery.Store(int64(minDuration))
	logArgs.Store(withArgs)
}

func belowThreshold(dur time.Duration) bool {
	floor := time.Duration(slowQuery.Load())
	return floor > 0 && dur < floor
}

const modulePrefix = "github.com/linnemanlabs/carewatch/internal/"

// inflight is what a query start hands to its end through the context.
type inflight struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

type inflightKey struct{}

// queryTracer layers structured query logs, per-request stats and the
// query observer on top of an inner tracer (otelpgx).
type queryTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &inflight{sql: data.SQL, args: data.Args, start: time.Now()}
	q.caller, q.handler = queryOrigin()

	// otelpgx opens its span first so the attributes land on the DB span.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if q.caller != "" {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
		if q.handler != "" {
			span.SetAttributes(attribute.String("db.handler", q.handler))
		}
	}
	return context.WithValue(ctx, inflightKey{}, q)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}
	q, ok := ctx.Value(inflightKey{}).(*inflight)
	if !ok {
		return
	}
	dur := time.Since(q.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	if obs := currentObserver(); obs != nil {
		method, route := queryLabels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, method, route, outcome, dur)
	}

	if data.Err == nil && belowThreshold(dur) {
		return
	}

	op, table := summarize(q.sql)
	fields := []any{
		"db.operation.name", op,
		"db.collection.name", table,
		"db.statement", q.sql,
		"db.duration", dur.Seconds(),
	}
	if logArgs.Load() {
		fields = append(fields, "db.args", q.args)
	} else {
		fields = append(fields, "db.arg_count", len(q.args))
	}
	if tag := data.CommandTag.String(); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if q.caller != "" {
		fields = append(fields, "db.caller", q.caller)
	}
	if q.handler != "" {
		fields = append(fields, "db.handler", q.handler)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

type batchStartKey struct{}

// TraceBatchStart forwards to the inner tracer when it traces batches.
func (t queryTracer) TraceBatchStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceBatchStartData) context.Context {
	if bt, ok := t.inner.(pgx.BatchTracer); ok {
		ctx = bt.TraceBatchStart(ctx, conn, data)
	}
	return context.WithValue(ctx, batchStartKey{}, time.Now())
}

// TraceBatchQuery counts each queued statement against the request stats.
// Rank recomputation writes one batch per organization.
func (t queryTracer) TraceBatchQuery(ctx context.Context, conn *pgx.Conn, data pgx.TraceBatchQueryData) {
	if bt, ok := t.inner.(pgx.BatchTracer); ok {
		bt.TraceBatchQuery(ctx, conn, data)
	}
	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(0, data.Err)
	}
}

// TraceBatchEnd logs the batch as a whole.
func (t queryTracer) TraceBatchEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceBatchEndData) {
	if bt, ok := t.inner.(pgx.BatchTracer); ok {
		bt.TraceBatchEnd(ctx, conn, data)
	}
	var dur time.Duration
	if start, ok := ctx.Value(batchStartKey{}).(time.Time); ok {
		dur = time.Since(start)
	}
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db batch failed", "db.duration", dur.Seconds())
		return
	}
	if belowThreshold(dur) {
		return
	}
	L.Info(ctx, "db batch", "db.duration", dur.Seconds())
}

// summarize returns the leading SQL keyword and the first table the
// statement names, for low-cardinality log fields.
func summarize(sql string) (op, table string) {
	words := strings.Fields(sql)
	if len(words) == 0 {
		return "", ""
	}
	op = strings.ToUpper(words[0])
	if op == "WITH" {
		for _, w := range words[1:] {
			switch u := strings.ToUpper(w); u {
			case "SELECT", "INSERT", "UPDATE", "DELETE":
				op = u
			}
			if op != "WITH" {
				break
			}
		}
	}
	for i, w := range words[:len(words)-1] {
		switch strings.ToUpper(w) {
		case "FROM", "INTO", "UPDATE":
			return op, strings.Trim(words[i+1], `"();`)
		}
	}
	return op, ""
}

// queryOrigin walks the stack above pgx and returns the frame that issued
// the query (caller, normally a store method) and the first carewatch frame
// above the store (handler, normally a triage service operation or sweep).
func queryOrigin() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		fn := fr.Function
		switch {
		case fn == "",
			strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/pgx/v5"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.HasPrefix(fn, modulePrefix+"postgres."):
		case caller == "":
			caller = shortenFuncName(fn)
		case strings.HasPrefix(fn, modulePrefix) && !strings.HasPrefix(fn, modulePrefix+"triage/pgstore."):
			return caller, shortenFuncName(fn)
		}
		if !more {
			return caller, handler
		}
	}
}

// shortenFuncName trims the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
