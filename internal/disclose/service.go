package disclose

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"keylease.org/internal/ids"
	"keylease.org/internal/obs"
)

const (
	// DefaultExpiry matches the lease TTL policy for human access.
	DefaultExpiry = time.Hour

	maxExpiry = 24 * time.Hour
)

// TicketRef is what callers get back from Issue: everything needed to reach
// the ticket, nothing from inside it.
type TicketRef struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service is the one-time-view secret-sharing channel.
type Service struct {
	store  Store
	sealer *Sealer
	now    func() time.Time
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithClock replaces the time source. Tests only.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the disclosure service over store and sealer.
func NewService(store Store, sealer *Sealer, opts ...ServiceOption) *Service {
	s := &Service{store: store, sealer: sealer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue seals the payload behind a fresh unguessable ticket id with the given
// expiry. The plaintext payload is not retained.
func (s *Service) Issue(ctx context.Context, payload Payload, expiry time.Duration) (TicketRef, error) {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return TicketRef{}, fmt.Errorf("disclose: marshal payload: %w", err)
	}
	sealed, err := s.sealer.Seal(plaintext)
	if err != nil {
		return TicketRef{}, err
	}

	now := s.now().UTC()
	t := Ticket{
		ID:        ids.Token(),
		Sealed:    sealed,
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
		State:     StateUnseen,
	}
	if err := s.store.Put(ctx, t); err != nil {
		return TicketRef{}, err
	}

	obs.LogEvent("info", "disclosure ticket issued", map[string]any{
		"ticket_id":  t.ID,
		"lease_id":   payload.LeaseID,
		"expires_at": t.ExpiresAt,
	})
	return TicketRef{ID: t.ID, CreatedAt: t.CreatedAt, ExpiresAt: t.ExpiresAt}, nil
}

// Reveal returns the payload for an unseen, unexpired ticket exactly once.
// Every other case is an expected terminal outcome, not a fault.
func (s *Service) Reveal(ctx context.Context, id string) (Payload, Outcome, error) {
	sealed, outcome, err := s.store.Claim(ctx, id, s.now().UTC())
	if err != nil {
		return Payload{}, "", err
	}
	obs.ObserveReveal(string(outcome))
	if outcome != OutcomeRevealed {
		return Payload{}, outcome, nil
	}

	plaintext, err := s.sealer.Open(sealed)
	if err != nil {
		// The claim already consumed the ticket; surface the fault rather
		// than pretend the ticket never existed.
		return Payload{}, "", err
	}
	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return Payload{}, "", fmt.Errorf("disclose: unmarshal payload: %w", err)
	}
	return payload, OutcomeRevealed, nil
}

// SweepExpired destroys expired unseen tickets. Intended to run periodically.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, s.now().UTC())
}
