package lease

import (
	"errors"
	"time"
)

// Kind is the category of target data store a credential is scoped to.
type Kind string

const (
	KindRelational Kind = "relational"
	KindDocument   Kind = "document"
)

// Valid reports whether k names a known backend kind.
func (k Kind) Valid() bool {
	return k == KindRelational || k == KindDocument
}

// Role names a leasing-authority role. The role encodes backend kind,
// permission scope and TTL policy on the authority side; the broker only
// needs the name and the backend kind it maps to.
type Role struct {
	Name    string `json:"name"`
	Backend Kind   `json:"backend"`
}

// Credential is a time-boxed database credential. It is owned exclusively by
// the broker transaction that acquired it, lives only in memory for the
// duration of that transaction and is never persisted or logged.
type Credential struct {
	ID       string    // opaque lease reference, safe to log
	Username string    // generated principal
	Password string    // generated secret, never logged
	Backend  Kind
	IssuedAt time.Time
	TTL      time.Duration
	MaxTTL   time.Duration
}

// Handle is the durable reference needed to revoke a credential later. It
// carries no secret material and must survive execution-phase failures so
// revocation is still possible.
type Handle struct {
	LeaseID string `json:"lease_id"`
}

// Status is lease introspection data, used for diagnostics and tests only.
type Status struct {
	LeaseID    string        `json:"lease_id"`
	TTL        time.Duration `json:"ttl"`
	ExpireTime time.Time     `json:"expire_time"`
	Renewable  bool          `json:"renewable"`
}

var (
	// ErrLeaseUnavailable means the authority is unreachable or the role is
	// unknown/misconfigured. Fatal to the transaction, nothing to revoke.
	ErrLeaseUnavailable = errors.New("lease: authority unavailable")

	// ErrRevocationFailed means cleanup could not revoke the lease. Escalated
	// as high severity for out-of-band remediation, never raised past the
	// cleanup phase.
	ErrRevocationFailed = errors.New("lease: revocation failed")
)
