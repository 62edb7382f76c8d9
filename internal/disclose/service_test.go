package disclose

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"keylease.org/internal/lease"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"mem": func(t *testing.T) Store { return NewMemStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "tickets.db"))
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func testPayload() Payload {
	return Payload{
		Backend:  lease.KindRelational,
		Host:     "db.internal",
		Port:     5432,
		Database: "demo",
		Username: "v-user",
		Password: "v-pass",
		LeaseID:  "database/creds/relational-role/abc",
	}
}

func TestRevealOnce(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(factory(t), NewRandomSealer())
			ctx := context.Background()

			ref, err := svc.Issue(ctx, testPayload(), time.Hour)
			if err != nil {
				t.Fatal(err)
			}
			if ref.ID == "" || len(ref.ID) < 32 {
				t.Fatalf("ticket id must be long and unguessable, got %q", ref.ID)
			}

			payload, outcome, err := svc.Reveal(ctx, ref.ID)
			if err != nil {
				t.Fatal(err)
			}
			if outcome != OutcomeRevealed {
				t.Fatalf("first reveal: got %s", outcome)
			}
			if payload.Password != "v-pass" || payload.LeaseID != "database/creds/relational-role/abc" {
				t.Fatalf("payload mangled: %+v", payload)
			}

			_, outcome, err = svc.Reveal(ctx, ref.ID)
			if err != nil {
				t.Fatal(err)
			}
			if outcome != OutcomeAlreadyViewed {
				t.Fatalf("second reveal: got %s, want %s", outcome, OutcomeAlreadyViewed)
			}
		})
	}
}

func TestRevealUnknownTicket(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(factory(t), NewRandomSealer())
			_, outcome, err := svc.Reveal(context.Background(), "nope")
			if err != nil {
				t.Fatal(err)
			}
			if outcome != OutcomeNotFound {
				t.Fatalf("got %s, want %s", outcome, OutcomeNotFound)
			}
		})
	}
}

func TestConcurrentRevealsExactlyOneWins(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(factory(t), NewRandomSealer())
			ctx := context.Background()

			ref, err := svc.Issue(ctx, testPayload(), time.Hour)
			if err != nil {
				t.Fatal(err)
			}

			const N = 32
			outcomes := make([]Outcome, N)
			var wg sync.WaitGroup
			for i := 0; i < N; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, outcome, err := svc.Reveal(ctx, ref.ID)
					if err != nil {
						t.Errorf("reveal %d: %v", i, err)
						return
					}
					outcomes[i] = outcome
				}(i)
			}
			wg.Wait()

			var revealed, viewed int
			for _, o := range outcomes {
				switch o {
				case OutcomeRevealed:
					revealed++
				case OutcomeAlreadyViewed:
					viewed++
				}
			}
			if revealed != 1 {
				t.Fatalf("exactly one reveal must win, got %d", revealed)
			}
			if viewed != N-1 {
				t.Fatalf("expected %d already_viewed, got %d", N-1, viewed)
			}
		})
	}
}

func TestExpiryWinsOverReveal(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			current := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
			var mu sync.Mutex
			clock := func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return current
			}
			svc := NewService(factory(t), NewRandomSealer(), WithClock(clock))
			ctx := context.Background()

			ref, err := svc.Issue(ctx, testPayload(), time.Hour)
			if err != nil {
				t.Fatal(err)
			}

			// Exactly on the boundary: ties favor expiry.
			mu.Lock()
			current = current.Add(time.Hour)
			mu.Unlock()

			_, outcome, err := svc.Reveal(ctx, ref.ID)
			if err != nil {
				t.Fatal(err)
			}
			if outcome != OutcomeExpired {
				t.Fatalf("got %s, want %s", outcome, OutcomeExpired)
			}

			// And it stays dead afterwards.
			_, outcome, err = svc.Reveal(ctx, ref.ID)
			if err != nil {
				t.Fatal(err)
			}
			if outcome != OutcomeAlreadyViewed {
				t.Fatalf("expired ticket must stay unreadable, got %s", outcome)
			}
		})
	}
}

func TestSweepDestroysExpiredUnseen(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			current := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
			var mu sync.Mutex
			clock := func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return current
			}
			svc := NewService(factory(t), NewRandomSealer(), WithClock(clock))
			ctx := context.Background()

			if _, err := svc.Issue(ctx, testPayload(), time.Minute); err != nil {
				t.Fatal(err)
			}
			if _, err := svc.Issue(ctx, testPayload(), 2*time.Hour); err != nil {
				t.Fatal(err)
			}

			mu.Lock()
			current = current.Add(time.Hour)
			mu.Unlock()

			n, err := svc.SweepExpired(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("expected 1 swept ticket, got %d", n)
			}
		})
	}
}

func TestSealerRoundTripAndTamper(t *testing.T) {
	sealer := NewRandomSealer()
	sealed, err := sealer.Seal([]byte(`{"x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := sealer.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != `{"x":1}` {
		t.Fatalf("round trip mangled: %q", plain)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := sealer.Open(sealed); err == nil {
		t.Fatal("tampered payload must not open")
	}
}

func TestMemStoreStateTransitions(t *testing.T) {
	store := NewMemStore()
	svc := NewService(store, NewRandomSealer())
	ctx := context.Background()

	ref, err := svc.Issue(ctx, testPayload(), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := store.state(ref.ID); st != StateUnseen {
		t.Fatalf("fresh ticket state %s", st)
	}
	if _, _, err := svc.Reveal(ctx, ref.ID); err != nil {
		t.Fatal(err)
	}
	if st, _ := store.state(ref.ID); st != StateSeen {
		t.Fatalf("claimed ticket state %s", st)
	}
}
