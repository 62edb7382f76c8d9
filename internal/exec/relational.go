package exec

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"keylease.org/internal/lease"
	"keylease.org/internal/obs"
)

const (
	defaultOpTimeout    = 30 * time.Second
	defaultPreviewLimit = 50
)

// RelationalConfig locates the target relational store. The principal and
// secret always come from the per-transaction credential, never from config.
type RelationalConfig struct {
	Host     string
	Port     int
	Database string
	SSLMode  string
}

// DSN renders a pgx connection string for the given credential.
func (c RelationalConfig) DSN(cred lease.Credential) string {
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cred.Username, cred.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + ssl,
	}
	return u.String()
}

// OpenFunc opens a database session for a credential. Swappable in tests.
type OpenFunc func(ctx context.Context, cred lease.Credential) (*sql.DB, error)

// Relational executes SQL batches against a Postgres-style store over
// database/sql with the pgx driver. One session per batch, closed on every
// exit path.
type Relational struct {
	open         OpenFunc
	opTimeout    time.Duration
	previewLimit int
}

// RelationalOption configures Relational.
type RelationalOption func(*Relational)

// WithOpen replaces the session opener.
func WithOpen(open OpenFunc) RelationalOption {
	return func(r *Relational) {
		if open != nil {
			r.open = open
		}
	}
}

// WithOpTimeout bounds each statement's execution time.
func WithOpTimeout(d time.Duration) RelationalOption {
	return func(r *Relational) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// WithPreviewLimit bounds the number of rows captured per result set.
func WithPreviewLimit(n int) RelationalOption {
	return func(r *Relational) {
		if n > 0 {
			r.previewLimit = n
		}
	}
}

// NewRelational creates the relational executor for the store at cfg.
func NewRelational(cfg RelationalConfig, opts ...RelationalOption) *Relational {
	r := &Relational{
		open: func(ctx context.Context, cred lease.Credential) (*sql.DB, error) {
			db, err := sql.Open("pgx", cfg.DSN(cred))
			if err != nil {
				return nil, err
			}
			// One batch, one session.
			db.SetMaxOpenConns(1)
			return db, nil
		},
		opTimeout:    defaultOpTimeout,
		previewLimit: defaultPreviewLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Executor = (*Relational)(nil)

// Execute runs the batch strictly in order. A failing statement is recorded
// and the batch proceeds; a connection-level failure marks the remaining
// statements skipped. The session is closed on every exit path.
func (r *Relational) Execute(ctx context.Context, cred lease.Credential, ops []OperationRequest) (Report, error) {
	report := Report{
		Backend:   lease.KindRelational,
		LeaseID:   cred.ID,
		StartedAt: time.Now().UTC(),
	}

	db, err := r.open(ctx, cred)
	if err != nil {
		skipRemaining(&report, 0, len(ops))
		finalize(&report)
		report.Status = StatusFailure
		return report, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		skipRemaining(&report, 0, len(ops))
		finalize(&report)
		report.Status = StatusFailure
		return report, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}

	for i, op := range ops {
		start := time.Now()
		res := r.runStatement(ctx, db, i, op.SQL)
		report.Operations = append(report.Operations, res)
		obs.ObserveOperation(string(lease.KindRelational), string(res.Status), time.Since(start))

		if res.Status == StatusFailure && isConnectionError(res.err) {
			skipRemaining(&report, i+1, len(ops))
			finalize(&report)
			report.Status = StatusFailure
			return report, fmt.Errorf("%w: operation %d: %v", ErrConnectionFailure, i, res.err)
		}
	}

	finalize(&report)
	return report, nil
}

func (r *Relational) runStatement(ctx context.Context, db *sql.DB, index int, stmt string) OperationResult {
	res := OperationResult{Index: index, Status: StatusSuccess}
	if stmt == "" {
		res.Status = StatusFailure
		res.Error = "empty statement"
		return res
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if returnsRows(stmt) {
		rows, err := db.QueryContext(opCtx, stmt)
		if err != nil {
			return failed(res, err)
		}
		defer rows.Close()
		data, n, err := scanPreview(rows, r.previewLimit)
		if err != nil {
			return failed(res, err)
		}
		res.Data = data
		res.RowsAffected = n
		return res
	}

	tag, err := db.ExecContext(opCtx, stmt)
	if err != nil {
		return failed(res, err)
	}
	if n, err := tag.RowsAffected(); err == nil {
		res.RowsAffected = n
	}
	return res
}

// scanPreview reads up to limit rows into generic maps. The count reflects
// rows actually read, which is capped by the preview bound.
func scanPreview(rows *sql.Rows, limit int) ([]map[string]any, int64, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, 0, err
	}
	var (
		out []map[string]any
		n   int64
	)
	for rows.Next() {
		if int(n) >= limit {
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, n, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
		n++
	}
	return out, n, rows.Err()
}

func failed(res OperationResult, err error) OperationResult {
	res.Status = StatusFailure
	res.Error = err.Error()
	res.err = err
	return res
}

// isConnectionError distinguishes a dead session from a statement-level
// failure. Statement timeouts are per-operation failures, not fatal.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
