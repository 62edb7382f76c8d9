package disclose

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore keeps tickets in process memory. The single mutex makes the
// claim check-and-transition indivisible.
type MemStore struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{tickets: make(map[string]*Ticket)}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) Put(ctx context.Context, t Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tickets[t.ID]; exists {
		return fmt.Errorf("%w: duplicate ticket id", ErrStore)
	}
	copied := t
	m.tickets[t.ID] = &copied
	return nil
}

func (m *MemStore) Claim(ctx context.Context, id string, now time.Time) ([]byte, Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[id]
	if !ok {
		return nil, OutcomeNotFound, nil
	}
	if t.State != StateUnseen {
		return nil, OutcomeAlreadyViewed, nil
	}
	// Expiry wins the race against a simultaneous reveal.
	if !now.Before(t.ExpiresAt) {
		t.State = StateDestroyed
		t.Sealed = nil
		return nil, OutcomeExpired, nil
	}

	sealed := t.Sealed
	t.State = StateSeen
	t.Sealed = nil // permanently unreadable from here on
	return sealed, OutcomeRevealed, nil
}

func (m *MemStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, t := range m.tickets {
		if t.State == StateUnseen && !now.Before(t.ExpiresAt) {
			t.State = StateDestroyed
			t.Sealed = nil
			n++
		}
	}
	return n, nil
}

// state returns the current view state. Test helper.
func (m *MemStore) state(id string) (ViewState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return "", false
	}
	return t.State, true
}
