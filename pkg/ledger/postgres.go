// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-linkproof.
//
// go-linkproof is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema for the receipts table. The primary key plus DO NOTHING on
// conflict makes Append idempotent under retry: replaying an event id
// never produces a second row.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS receipt_events (
	event_id       TEXT PRIMARY KEY,
	nonce          TEXT NOT NULL,
	site_id        TEXT NOT NULL DEFAULT '',
	hostname       TEXT NOT NULL DEFAULT '',
	action         TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	note           TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	ts             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS receipt_events_site_ts ON receipt_events (site_id, ts DESC);
`

// PostgresLedger implements Ledger backed by PostgreSQL. Rows are
// insert-only; there is no UPDATE or DELETE path.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger connects a pool and ensures the schema exists.
func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: failed to ensure schema: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresLedger) Close() {
	p.pool.Close()
}

// Append records an event.
func (p *PostgresLedger) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx, `
INSERT INTO receipt_events (event_id, nonce, site_id, hostname, action, reason, note, correlation_id, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (event_id) DO NOTHING
`, event.ID, event.Nonce, event.SiteID, event.Hostname, string(event.Action),
		event.Reason, event.Note, event.CorrelationID, event.Timestamp)
	if err != nil {
		return fmt.Errorf("ledger: append failed: %w", err)
	}
	return nil
}

// List returns the site's events matching the query, newest first.
func (p *PostgresLedger) List(ctx context.Context, siteID string, query *Query) ([]*Event, error) {
	sql := strings.Builder{}
	sql.WriteString(`
SELECT event_id, nonce, site_id, hostname, action, reason, note, correlation_id, ts
FROM receipt_events WHERE site_id = $1`)
	args := []any{siteID}

	if query != nil && len(query.Actions) > 0 {
		actions := make([]string, 0, len(query.Actions))
		for _, a := range query.Actions {
			actions = append(actions, string(a))
		}
		args = append(args, actions)
		fmt.Fprintf(&sql, " AND action = ANY($%d)", len(args))
	}
	if query != nil && query.Since != nil {
		args = append(args, *query.Since)
		fmt.Fprintf(&sql, " AND ts >= $%d", len(args))
	}
	sql.WriteString(" ORDER BY ts DESC")
	if query != nil && query.Limit > 0 {
		args = append(args, query.Limit)
		fmt.Fprintf(&sql, " LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, sql.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list failed: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		var event Event
		var action string
		if err := rows.Scan(&event.ID, &event.Nonce, &event.SiteID, &event.Hostname,
			&action, &event.Reason, &event.Note, &event.CorrelationID, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("ledger: scan failed: %w", err)
		}
		event.Action = Action(action)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// Summarize returns counts by action and reason for the site.
func (p *PostgresLedger) Summarize(ctx context.Context, siteID string, since *time.Time) (*Summary, error) {
	sql := `
SELECT action, reason, COUNT(*)
FROM receipt_events WHERE site_id = $1`
	args := []any{siteID}
	if since != nil {
		args = append(args, *since)
		sql += " AND ts >= $2"
	}
	sql += " GROUP BY action, reason"

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: summarize failed: %w", err)
	}
	defer rows.Close()

	summary := &Summary{
		ByAction: make(map[Action]int64),
		ByReason: make(map[string]int64),
	}
	for rows.Next() {
		var action, reason string
		var count int64
		if err := rows.Scan(&action, &reason, &count); err != nil {
			return nil, fmt.Errorf("ledger: scan failed: %w", err)
		}
		summary.Total += count
		summary.ByAction[Action(action)] += count
		if reason != "" {
			summary.ByReason[reason] += count
		}
	}
	return summary, rows.Err()
}
