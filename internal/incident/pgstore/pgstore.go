// Package pgstore provides PostgreSQL implementations of incident.Store and
// incident.Ledger. The schema is managed by internal/postgres migrations.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/breachlog/internal/incident"
)

const tracerName = "github.com/linnemanlabs/breachlog/internal/incident/pgstore"

// pgForeignKeyViolation is the SQLSTATE for a missing referenced row.
const pgForeignKeyViolation = "23503"

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(tracerName).Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Store persists incidents in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const incidentColumns = `id, title, description, severity, status, discovery_date, last_updated,
	source_ids, classifications`

// Create inserts a new incident.
func (s *Store) Create(ctx context.Context, inc *incident.Incident) error {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO incidents (`+incidentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inc.ID, inc.Title, inc.Description, string(inc.Severity), string(inc.Status),
		inc.DiscoveredAt, inc.UpdatedAt, nonNil(inc.SourceIDs), nonNil(inc.Classifications),
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert incident: %w", err))
	}
	return nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// List returns incidents matching filter in creation order. Incident IDs are
// ULIDs, so ordering by id is ordering by creation time.
func (s *Store) List(ctx context.Context, filter incident.Filter) ([]incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+incidentColumns+` FROM incidents
		WHERE ($1::text = '' OR status = $1::text) AND ($2::text = '' OR severity = $2::text)
		ORDER BY id`,
		string(filter.Status), string(filter.Severity),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	out := make([]incident.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

// UpdateStatus moves an incident from one status to another inside a single
// transaction holding the row lock.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to incident.Status, at time.Time) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateStatus", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM incidents WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, incident.ErrNotFound
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("lock incident: %w", err))
	}
	if incident.Status(current) != from {
		return nil, fmt.Errorf("incident %s is %s, expected %s: %w", id, current, from, incident.ErrStatusConflict)
	}

	inc, err := scanIncident(tx.QueryRow(ctx, `UPDATE incidents SET status = $2, last_updated = $3
		WHERE id = $1 RETURNING `+incidentColumns,
		id, string(to), at,
	))
	if err != nil {
		return nil, fail(span, err)
	}
	if inc == nil {
		return nil, incident.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return inc, nil
}

// Delete removes an incident. Timeline events go with it via ON DELETE CASCADE.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Delete", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM incidents WHERE id = $1`, id)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete incident: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc           incident.Incident
		severity, sts string
	)
	err := row.Scan(
		&inc.ID, &inc.Title, &inc.Description, &severity, &sts,
		&inc.DiscoveredAt, &inc.UpdatedAt, &inc.SourceIDs, &inc.Classifications,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.Severity = incident.Severity(severity)
	inc.Status = incident.Status(sts)
	inc.SourceIDs = nonNil(inc.SourceIDs)
	inc.Classifications = nonNil(inc.Classifications)
	return &inc, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Ledger persists timeline events in PostgreSQL.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger returns a Ledger over an existing pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Append inserts a new event. Appending to an unknown incident returns
// incident.ErrNotFound.
func (l *Ledger) Append(ctx context.Context, incidentID, kind string, details map[string]any) (*incident.TimelineEvent, error) {
	ctx, span := startSpan(ctx, "pgstore.Append", "INSERT")
	defer span.End()

	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fail(span, fmt.Errorf("marshal details: %w", err))
	}

	ev := &incident.TimelineEvent{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		Kind:       kind,
	}
	err = l.pool.QueryRow(ctx, `INSERT INTO timeline_events (id, incident_id, event, details)
		VALUES ($1, $2, $3, $4) RETURNING ts`,
		ev.ID, incidentID, kind, raw,
	).Scan(&ev.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, incident.ErrNotFound
		}
		return nil, fail(span, fmt.Errorf("insert timeline event: %w", err))
	}

	// round-trip through JSON so the caller sees what List will return
	if err := json.Unmarshal(raw, &ev.Details); err != nil {
		return nil, fail(span, fmt.Errorf("unmarshal details: %w", err))
	}
	return ev, nil
}

// List returns an incident's events in append order.
func (l *Ledger) List(ctx context.Context, incidentID string) ([]incident.TimelineEvent, error) {
	ctx, span := startSpan(ctx, "pgstore.ListEvents", "SELECT")
	defer span.End()

	rows, err := l.pool.Query(ctx, `SELECT id::text, incident_id, event, details, ts
		FROM timeline_events WHERE incident_id = $1 ORDER BY seq`, incidentID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query timeline: %w", err))
	}
	defer rows.Close()

	out := make([]incident.TimelineEvent, 0)
	for rows.Next() {
		var (
			ev  incident.TimelineEvent
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Kind, &raw, &ev.Timestamp); err != nil {
			return nil, fail(span, fmt.Errorf("scan timeline event: %w", err))
		}
		if err := json.Unmarshal(raw, &ev.Details); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal details: %w", err))
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate timeline: %w", err))
	}
	return out, nil
}

// DeleteAll removes an incident's events and reports whether any existed.
func (l *Ledger) DeleteAll(ctx context.Context, incidentID string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.DeleteEvents", "DELETE")
	defer span.End()

	tag, err := l.pool.Exec(ctx, `DELETE FROM timeline_events WHERE incident_id = $1`, incidentID)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete timeline: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}
