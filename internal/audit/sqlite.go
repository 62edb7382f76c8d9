package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"keylease.org/internal/lease"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id            TEXT PRIMARY KEY,
	ts            TEXT NOT NULL,
	event         TEXT NOT NULL,
	actor         TEXT NOT NULL,
	human         INTEGER NOT NULL DEFAULT 0,
	backend       TEXT NOT NULL DEFAULT '',
	justification TEXT NOT NULL DEFAULT '',
	lease_id      TEXT NOT NULL DEFAULT '',
	outcome       TEXT NOT NULL,
	details       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_lease ON audit_entries(lease_id);
`

// SQLiteSink is a durable append-only audit store on an embedded sqlite
// database. The writer connection is limited to one to avoid lock errors
// under concurrent broker transactions.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) the audit database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error { return s.db.Close() }

// Append inserts one entry. Insert only; the table is never updated.
func (s *SQLiteSink) Append(ctx context.Context, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	human := 0
	if e.Human {
		human = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, ts, event, actor, human, backend, justification, lease_id, outcome, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Event, e.Actor, human,
		string(e.Backend), e.Justification, e.LeaseID, e.Outcome, string(details),
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// ByLease returns all entries referencing a lease, oldest first. Read path
// for diagnostics and tests; writes stay append-only.
func (s *SQLiteSink) ByLease(ctx context.Context, leaseID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, event, actor, human, backend, justification, lease_id, outcome, details
		FROM audit_entries WHERE lease_id = ? ORDER BY ts, id`, leaseID)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      string
			human   int
			backend string
			details string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Event, &e.Actor, &human, &backend,
			&e.Justification, &e.LeaseID, &e.Outcome, &details); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		e.Human = human == 1
		e.Backend = lease.Kind(backend)
		if details != "" && details != "null" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
