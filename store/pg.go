package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethereum-optimism/infra/op-starter/reporting"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_outcomes (
	run_id      TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	log_errors  INTEGER NOT NULL,
	message     TEXT NOT NULL,
	ci_link     TEXT NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
)`

// PGStore persists outcomes in PostgreSQL.
type PGStore struct {
	conn *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

func NewPGStore(ctx context.Context, uri string) (*PGStore, error) {
	conn, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &PGStore{conn: conn}, nil
}

// Migrate creates the schema if needed.
func (p *PGStore) Migrate(ctx context.Context) error {
	if _, err := p.conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (p *PGStore) SaveOutcome(ctx context.Context, o reporting.Outcome) error {
	sql := `
INSERT INTO run_outcomes (run_id, name, status, duration_ms, log_errors, message, ci_link, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	duration_ms = EXCLUDED.duration_ms,
	log_errors = EXCLUDED.log_errors,
	message = EXCLUDED.message,
	ci_link = EXCLUDED.ci_link,
	finished_at = EXCLUDED.finished_at
`
	if _, err := p.conn.Exec(ctx,
		sql,
		o.RunID,
		o.Name,
		o.Status,
		o.Duration.Milliseconds(),
		o.LogErrors,
		o.Message,
		o.CILink,
		o.Finished,
	); err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

func (p *PGStore) Recent(ctx context.Context, limit int) ([]reporting.Outcome, error) {
	sql := `
SELECT run_id, name, status, duration_ms, log_errors, message, ci_link, finished_at
FROM run_outcomes ORDER BY finished_at DESC LIMIT $1
`
	rows, err := p.conn.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (reporting.Outcome, error) {
		var (
			o  reporting.Outcome
			ms int64
		)
		err := row.Scan(&o.RunID, &o.Name, &o.Status, &ms, &o.LogErrors, &o.Message, &o.CILink, &o.Finished)
		o.Duration = time.Duration(ms) * time.Millisecond
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outcomes: %w", err)
	}
	return out, nil
}

func (p *PGStore) Close() error {
	p.conn.Close()
	return nil
}
