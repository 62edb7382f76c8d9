// Package disclose implements the one-time-view channel used by the
// human-access path. A ticket's payload can be read at most once; the
// check and the unseen-to-seen transition are a single atomic step.
package disclose

import (
	"context"
	"errors"
	"time"

	"keylease.org/internal/lease"
)

// ViewState of a ticket. Transitions: unseen -> seen -> destroyed on first
// successful read, or unseen -> destroyed on expiry. There is no path back.
type ViewState string

const (
	StateUnseen    ViewState = "unseen"
	StateSeen      ViewState = "seen"
	StateDestroyed ViewState = "destroyed"
)

// Outcome of a reveal attempt. All are expected terminal states, not faults.
type Outcome string

const (
	OutcomeRevealed      Outcome = "revealed"
	OutcomeExpired       Outcome = "expired"
	OutcomeAlreadyViewed Outcome = "already_viewed"
	OutcomeNotFound      Outcome = "not_found"
)

// Payload is the connection detail bundle disclosed exactly once. This is the
// only place secret material leaves the broker, and only through a claimed
// ticket.
type Payload struct {
	Backend  lease.Kind `json:"backend"`
	Host     string     `json:"host"`
	Port     int        `json:"port"`
	Database string     `json:"database"`
	Username string     `json:"username"`
	Password string     `json:"password"`
	LeaseID  string     `json:"lease_id"`
	ExpireAt time.Time  `json:"expires_at"`
}

// Ticket is the stored form: sealed payload behind an unguessable id. The
// plaintext never touches the store.
type Ticket struct {
	ID        string
	Sealed    []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	State     ViewState
}

// ErrStore wraps storage faults, as opposed to expected reveal outcomes.
var ErrStore = errors.New("disclose: store failure")

// Store persists tickets. Claim must be atomic: two concurrent claims on the
// same id resolve to exactly one OutcomeRevealed.
type Store interface {
	// Put saves a new unseen ticket.
	Put(ctx context.Context, t Ticket) error

	// Claim atomically transitions id from unseen to seen and returns the
	// sealed payload. Ties on the expiry boundary resolve to OutcomeExpired.
	// The sealed material is destroyed by a successful claim.
	Claim(ctx context.Context, id string, now time.Time) ([]byte, Outcome, error)

	// Sweep destroys tickets whose expiry has elapsed and reports how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
