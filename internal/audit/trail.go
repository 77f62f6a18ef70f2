// Package audit persists one row per completed throttled operation to
// Postgres. It is a one-way external collaborator the core never calls
// into: the gateway calls Trail.Record itself after each throttle.Execute
// call returns.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one completed (or failed) operation, ready for insertion.
type Record struct {
	RequestID  uuid.UUID
	Symbol     string
	Outcome    string // "success", "failure", "circuit_open", "throttle_closed", "token_budget_exceeded"
	Attempt    int
	DurationMs int64
	OccurredAt time.Time
}

// Trail writes Records to the "throttle_audit" table.
type Trail struct {
	db *sql.DB
}

// NewTrail builds a Trail over db. The caller is responsible for running
// EnsureSchema once at startup.
func NewTrail(db *sql.DB) *Trail {
	return &Trail{db: db}
}

// EnsureSchema creates the audit table if it does not already exist.
func (t *Trail) EnsureSchema(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS throttle_audit (
			id           UUID PRIMARY KEY,
			request_id   UUID NOT NULL,
			symbol       TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			attempt      INT NOT NULL,
			duration_ms  BIGINT NOT NULL,
			occurred_at  TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Record inserts one audit row.
func (t *Trail) Record(ctx context.Context, r Record) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO throttle_audit (id, request_id, symbol, outcome, attempt, duration_ms, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), r.RequestID, r.Symbol, r.Outcome, r.Attempt, r.DurationMs, r.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert record: %w", err)
	}
	return nil
}

// RecentFailureRate returns the fraction of rows with a non-success outcome
// in the trailing window, used by an operator dashboard to corroborate what
// the throttle's own adaptive state is reporting.
func (t *Trail) RecentFailureRate(ctx context.Context, window time.Duration) (float64, error) {
	var total, failed int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE outcome != 'success')
		 FROM throttle_audit WHERE occurred_at >= $1`,
		time.Now().Add(-window),
	).Scan(&total, &failed)
	if err != nil {
		return 0, fmt.Errorf("audit: query failure rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}
