// Package pgstore provides a PostgreSQL incident.Sink so the ledger survives restarts.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sentinel/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, source, severity, description, created_at, auto_remediated, remediation_notes`

// Save upserts a single incident. Only the mutable columns change on conflict.
func (s *Store) Save(ctx context.Context, inc incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.Save", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.String("sentinel.incident.id", inc.ID),
	))
	defer span.End()

	query := `INSERT INTO incidents (` + incidentColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (id) DO UPDATE SET
		auto_remediated   = EXCLUDED.auto_remediated,
		remediation_notes = EXCLUDED.remediation_notes,
		updated_at        = now()`

	_, err := s.pool.Exec(ctx, query,
		inc.ID, inc.Source, inc.Severity, inc.Description, inc.Timestamp,
		inc.AutoRemediated, inc.RemediationNotes,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert incident %s: %w", inc.ID, err)
	}
	return nil
}

// LoadAll returns every persisted incident ordered by creation time.
func (s *Store) LoadAll(ctx context.Context) ([]incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.LoadAll", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+incidentColumns+` FROM incidents ORDER BY created_at, id`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query incidents: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (incident.Incident, error) {
		var inc incident.Incident
		err := row.Scan(&inc.ID, &inc.Source, &inc.Severity, &inc.Description,
			&inc.Timestamp, &inc.AutoRemediated, &inc.RemediationNotes)
		return inc, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("scan incidents: %w", err)
	}

	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}
