package disclose

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const ticketSchema = `
CREATE TABLE IF NOT EXISTS tickets (
	id         TEXT PRIMARY KEY,
	sealed     BLOB,
	created_at TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	state      TEXT NOT NULL DEFAULT 'unseen'
);
`

// SQLiteStore persists tickets in an embedded sqlite database so issued
// tickets survive a broker restart. The guarded UPDATE makes the claim
// transition atomic; the single writer connection serializes it.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) the ticket database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("disclose: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ticketSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("disclose: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Put(ctx context.Context, t Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tickets (id, sealed, created_at, expires_at, state)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Sealed,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.ExpiresAt.UTC().UnixNano(),
		string(StateUnseen),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (s *SQLiteStore) Claim(ctx context.Context, id string, now time.Time) ([]byte, Outcome, error) {
	// The guarded UPDATE is the atomic check-and-transition: it succeeds for
	// exactly one claimer, and only while the ticket is unexpired.
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET state = ? WHERE id = ? AND state = ? AND expires_at > ?`,
		string(StateSeen), id, string(StateUnseen), now.UTC().UnixNano())
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStore, err)
	}

	if n == 1 {
		var sealed []byte
		if err := s.db.QueryRowContext(ctx, `SELECT sealed FROM tickets WHERE id = ?`, id).Scan(&sealed); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrStore, err)
		}
		// Destroy the sealed material; the row stays as a tombstone.
		if _, err := s.db.ExecContext(ctx, `
			UPDATE tickets SET sealed = NULL WHERE id = ?`, id); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrStore, err)
		}
		return sealed, OutcomeRevealed, nil
	}

	var (
		state     string
		expiresAt int64
	)
	err = s.db.QueryRowContext(ctx, `SELECT state, expires_at FROM tickets WHERE id = ?`, id).
		Scan(&state, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, OutcomeNotFound, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	if ViewState(state) != StateUnseen {
		return nil, OutcomeAlreadyViewed, nil
	}
	// Unseen but the guarded update refused it: expiry has elapsed.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET state = ?, sealed = NULL WHERE id = ? AND state = ?`,
		string(StateDestroyed), id, string(StateUnseen)); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil, OutcomeExpired, nil
}

func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET state = ?, sealed = NULL WHERE state = ? AND expires_at <= ?`,
		string(StateDestroyed), string(StateUnseen), now.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return int(n), nil
}
