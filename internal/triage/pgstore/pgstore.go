// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/carewatch/internal/clinical"
	"github.com/linnemanlabs/carewatch/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/carewatch/internal/triage/pgstore")

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

var columns = []string{
	"id", "organization_id", "patient_id", "rule_id", "clinician_id", "severity", "status", "message", "facts",
	"risk_score", "vitals_deviation", "trend_velocity", "adherence_penalty", "severity_multiplier", "priority_rank",
	"triggered_at", "sla_breach_time", "acknowledged_at", "acknowledged_by", "resolved_at", "resolved_by",
	"claimed_by", "claimed_at", "snoozed_until", "snoozed_by",
	"is_suppressed", "suppress_reason", "suppress_notes", "suppressed_by", "suppressed_at",
	"is_escalated", "escalated_to", "escalated_at", "escalation_level",
	"resolution_notes", "intervention_type", "patient_outcome", "time_spent_minutes",
	"version", "updated_at",
}

var (
	alertColumns = strings.Join(columns, ", ")
	insertSQL    = `INSERT INTO alerts (` + alertColumns + `) VALUES (` + placeholders(1, len(columns)) + `)`

	updateSQL, updateArgs = buildUpdate()
)

const openStatuses = `('PENDING', 'ACKNOWLEDGED')`

// Store persists alerts and their audit trail in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks database reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (_ *triage.Alert, _ bool, err error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer func() { endSpan(span, err) }()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, false, err
	}
	return a, a != nil, nil
}

// Create inserts a new alert and its creation audit entry.
func (s *Store) Create(ctx context.Context, a *triage.Alert, entry *triage.AuditEntry) (err error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer func() { endSpan(span, err) }()

	if a.Version == 0 {
		a.Version = 1
	}
	args, err := alertArgs(a)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, insertSQL, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: alert %s already exists", triage.ErrConflict, a.ID)
		}
		return fmt.Errorf("insert alert: %w", err)
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update writes a when the stored version still equals a.Version.
func (s *Store) Update(ctx context.Context, a *triage.Alert, entry *triage.AuditEntry) (err error) {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer func() { endSpan(span, err) }()

	all, err := alertArgs(a)
	if err != nil {
		return err
	}
	args := make([]any, len(updateArgs))
	for i, idx := range updateArgs {
		args[i] = all[idx]
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, updateSQL, args...)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check alert: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: alert %s", triage.ErrNotFound, a.ID)
		}
		return fmt.Errorf("%w: alert %s was modified concurrently", triage.ErrConflict, a.ID)
	}
	if err := insertAudit(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Version++
	return nil
}

// ClaimIfUnclaimed claims an open, unclaimed alert with a single guarded
// UPDATE so that concurrent claimers cannot both win.
func (s *Store) ClaimIfUnclaimed(ctx context.Context, id, claimant string, at time.Time, entry *triage.AuditEntry) (_ *triage.Alert, _ bool, err error) {
	ctx, span := startSpan(ctx, "pgstore.ClaimIfUnclaimed", "UPDATE")
	defer func() { endSpan(span, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	a, err := scanAlert(tx.QueryRow(ctx,
		`UPDATE alerts SET claimed_by = $2, claimed_at = $3, updated_at = $3, version = version + 1
		 WHERE id = $1 AND claimed_by = '' AND status IN `+openStatuses+`
		 RETURNING `+alertColumns,
		id, claimant, at,
	))
	if err != nil {
		return nil, false, err
	}
	if a == nil {
		cur, err := scanAlert(tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
		if err != nil {
			return nil, false, err
		}
		if cur == nil {
			return nil, false, fmt.Errorf("%w: alert %s", triage.ErrNotFound, id)
		}
		return cur, false, nil
	}

	if err := insertAudit(ctx, tx, entry); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return a, true, nil
}

// FindOpen returns the most recent open alert for (patient, rule) triggered
// at or after since.
func (s *Store) FindOpen(ctx context.Context, patientID, ruleID string, since time.Time) (_ *triage.Alert, _ bool, err error) {
	ctx, span := startSpan(ctx, "pgstore.FindOpen", "SELECT")
	defer func() { endSpan(span, err) }()

	a, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE patient_id = $1 AND rule_id = $2 AND status IN `+openStatuses+` AND triggered_at >= $3
		 ORDER BY triggered_at DESC LIMIT 1`,
		patientID, ruleID, since,
	))
	if err != nil {
		return nil, false, err
	}
	return a, a != nil, nil
}

// List returns alerts matching f in queue order.
func (s *Store) List(ctx context.Context, f triage.AlertFilter) (_ []*triage.Alert, err error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer func() { endSpan(span, err) }()

	query, args := listQuery(&f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*triage.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func listQuery(f *triage.AlertFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if f.OrganizationID != "" {
		add("organization_id = ?", f.OrganizationID)
	}
	if f.PatientID != "" {
		add("patient_id = ?", f.PatientID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY(?)", statuses)
	}
	if !f.TriggeredBefore.IsZero() {
		add("triggered_at < ?", f.TriggeredBefore)
	}
	if !f.ClaimedBefore.IsZero() {
		add("claimed_at < ?", f.ClaimedBefore)
	}
	if !f.SnoozeEndedBy.IsZero() {
		add("snoozed_until <= ?", f.SnoozeEndedBy)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + alertColumns + ` FROM alerts`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY risk_score DESC, triggered_at ASC, id ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

// SetRanks clears the organization's ranks and writes the new ones in a
// single batch.
func (s *Store) SetRanks(ctx context.Context, orgID string, ranks map[string]int) (err error) {
	ctx, span := startSpan(ctx, "pgstore.SetRanks", "UPDATE")
	span.SetAttributes(attribute.Int("carewatch.ranked", len(ranks)))
	defer func() { endSpan(span, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	b := &pgx.Batch{}
	b.Queue(`UPDATE alerts SET priority_rank = 0 WHERE organization_id = $1 AND priority_rank <> 0`, orgID)
	for id, rank := range ranks {
		b.Queue(`UPDATE alerts SET priority_rank = $2 WHERE id = $1 AND organization_id = $3`, id, rank, orgID)
	}

	br := tx.SendBatch(ctx, b)
	for range b.Len() {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("set rank: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListAudit returns an alert's audit trail oldest first.
func (s *Store) ListAudit(ctx context.Context, alertID string) (_ []triage.AuditEntry, err error) {
	ctx, span := startSpan(ctx, "pgstore.ListAudit", "SELECT")
	defer func() { endSpan(span, err) }()

	rows, err := s.pool.Query(ctx,
		`SELECT id, alert_id, organization_id, actor, action, before_state, after_state, metadata, created_at
		 FROM alert_audit WHERE alert_id = $1 ORDER BY seq`,
		alertID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []triage.AuditEntry
	for rows.Next() {
		var (
			e                         triage.AuditEntry
			action                    string
			beforeJSON, afterJSON, md []byte
		)
		if err := rows.Scan(&e.ID, &e.AlertID, &e.OrganizationID, &e.Actor, &action, &beforeJSON, &afterJSON, &md, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Action = triage.Action(action)
		if e.Before, err = decodeSnapshot(beforeJSON); err != nil {
			return nil, err
		}
		if e.After, err = decodeSnapshot(afterJSON); err != nil {
			return nil, err
		}
		if len(md) > 0 {
			if err := json.Unmarshal(md, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return out, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, e *triage.AuditEntry) error {
	if e == nil {
		return nil
	}
	before, err := encodeSnapshot(e.Before)
	if err != nil {
		return fmt.Errorf("marshal audit before: %w", err)
	}
	after, err := encodeSnapshot(e.After)
	if err != nil {
		return fmt.Errorf("marshal audit after: %w", err)
	}
	var md []byte
	if len(e.Metadata) > 0 {
		if md, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO alert_audit (id, alert_id, organization_id, actor, action, before_state, after_state, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AlertID, e.OrganizationID, e.Actor, string(e.Action), before, after, md, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func encodeSnapshot(s *triage.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func decodeSnapshot(b []byte) (*triage.Snapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s triage.Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("unmarshal audit snapshot: %w", err)
	}
	return &s, nil
}

// alertArgs returns a's values in the order of columns.
func alertArgs(a *triage.Alert) ([]any, error) {
	facts, err := json.Marshal(a.Facts)
	if err != nil {
		return nil, fmt.Errorf("marshal facts: %w", err)
	}
	return []any{
		a.ID, a.OrganizationID, a.PatientID, a.RuleID, a.ClinicianID, string(a.Severity), string(a.Status), a.Message, facts,
		a.Score, a.VitalsDeviation, a.TrendVelocity, a.AdherencePenalty, a.SeverityMultiplier, a.PriorityRank,
		a.TriggeredAt, a.SLABreachTime, a.AcknowledgedAt, a.AcknowledgedBy, a.ResolvedAt, a.ResolvedBy,
		a.ClaimedBy, a.ClaimedAt, a.SnoozedUntil, a.SnoozedBy,
		a.IsSuppressed, string(a.SuppressReason), a.SuppressNotes, a.SuppressedBy, a.SuppressedAt,
		a.IsEscalated, a.EscalatedTo, a.EscalatedAt, a.EscalationLevel,
		a.ResolutionNotes, string(a.InterventionType), string(a.PatientOutcome), a.TimeSpentMinutes,
		a.Version, a.UpdatedAt,
	}, nil
}

// scanAlert scans one row in the order of columns. Returns (nil, nil) when
// no row is found.
func scanAlert(row pgx.Row) (*triage.Alert, error) {
	var (
		a                                triage.Alert
		severity, status, suppressReason string
		interventionType, patientOutcome string
		factsJSON                        []byte
	)
	err := row.Scan(
		&a.ID, &a.OrganizationID, &a.PatientID, &a.RuleID, &a.ClinicianID, &severity, &status, &a.Message, &factsJSON,
		&a.Score, &a.VitalsDeviation, &a.TrendVelocity, &a.AdherencePenalty, &a.SeverityMultiplier, &a.PriorityRank,
		&a.TriggeredAt, &a.SLABreachTime, &a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt, &a.ResolvedBy,
		&a.ClaimedBy, &a.ClaimedAt, &a.SnoozedUntil, &a.SnoozedBy,
		&a.IsSuppressed, &suppressReason, &a.SuppressNotes, &a.SuppressedBy, &a.SuppressedAt,
		&a.IsEscalated, &a.EscalatedTo, &a.EscalatedAt, &a.EscalationLevel,
		&a.ResolutionNotes, &interventionType, &patientOutcome, &a.TimeSpentMinutes,
		&a.Version, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	a.Severity = clinical.Severity(severity)
	a.Status = triage.Status(status)
	a.SuppressReason = triage.SuppressReason(suppressReason)
	a.InterventionType = triage.InterventionType(interventionType)
	a.PatientOutcome = triage.PatientOutcome(patientOutcome)
	if err := json.Unmarshal(factsJSON, &a.Facts); err != nil {
		return nil, fmt.Errorf("unmarshal facts: %w", err)
	}
	return &a, nil
}

func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(ps, ", ")
}

// buildUpdate returns the versioned UPDATE statement and, for each of its
// parameters, the index into alertArgs. id, priority_rank and version are
// never assigned.
func buildUpdate() (string, []int) {
	var (
		sets []string
		idx  []int
		pos  = map[string]int{}
	)
	for i, c := range columns {
		pos[c] = i
		switch c {
		case "id", "priority_rank", "version":
			continue
		}
		idx = append(idx, i)
		sets = append(sets, c+" = $"+strconv.Itoa(len(idx)))
	}
	idx = append(idx, pos["id"], pos["version"])
	n := len(idx)
	return `UPDATE alerts SET ` + strings.Join(sets, ", ") + `, version = version + 1` +
		` WHERE id = $` + strconv.Itoa(n-1) + ` AND version = $` + strconv.Itoa(n), idx
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
