package lease

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestAcquireSuccess(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/database/creds/relational-role" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Vault-Token") != "root-token" {
			t.Fatalf("missing authority token header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"lease_id": "database/creds/relational-role/abc123",
			"lease_duration": 3600,
			"renewable": true,
			"data": {"username": "v-role-xyz", "password": "s3cr3t"}
		}`))
	})

	c := NewClient(srv.URL, "root-token")
	cred, handle, err := c.Acquire(context.Background(), Role{Name: "relational-role", Backend: KindRelational})
	if err != nil {
		t.Fatal(err)
	}
	if cred.Username != "v-role-xyz" || cred.Password != "s3cr3t" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if cred.TTL != time.Hour {
		t.Fatalf("unexpected ttl: %v", cred.TTL)
	}
	if cred.Backend != KindRelational {
		t.Fatalf("unexpected backend: %v", cred.Backend)
	}
	if handle.LeaseID != "database/creds/relational-role/abc123" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
}

func TestAcquireUnknownRoleIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":["role \"nope\" does not exist"]}`))
	})

	c := NewClient(srv.URL, "root-token")
	_, _, err := c.Acquire(context.Background(), Role{Name: "nope", Backend: KindRelational})
	if !errors.Is(err, ErrLeaseUnavailable) {
		t.Fatalf("expected ErrLeaseUnavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestAcquireRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"lease_id":"l1","lease_duration":60,"data":{"username":"u","password":"p"}}`))
	})

	c := NewClient(srv.URL, "root-token", WithAttempts(3))
	cred, _, err := c.Acquire(context.Background(), Role{Name: "flaky", Backend: KindDocument})
	if err != nil {
		t.Fatal(err)
	}
	if cred.ID != "l1" {
		t.Fatalf("unexpected credential id %q", cred.ID)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestAcquireBoundedRetry(t *testing.T) {
	var calls atomic.Int32
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := NewClient(srv.URL, "root-token", WithAttempts(3))
	_, _, err := c.Acquire(context.Background(), Role{Name: "down", Backend: KindRelational})
	if !errors.Is(err, ErrLeaseUnavailable) {
		t.Fatalf("expected ErrLeaseUnavailable, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls.Load())
	}
}

func TestRevokeIdempotent(t *testing.T) {
	var calls atomic.Int32
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sys/leases/revoke" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		// First call revokes, later calls find nothing to revoke.
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	})

	c := NewClient(srv.URL, "root-token")
	handle := Handle{LeaseID: "database/creds/r/abc"}
	if err := c.Revoke(context.Background(), handle); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := c.Revoke(context.Background(), handle); err != nil {
		t.Fatalf("second revoke must succeed: %v", err)
	}
}

func TestRevokeFailure(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := NewClient(srv.URL, "root-token")
	err := c.Revoke(context.Background(), Handle{LeaseID: "l1"})
	if !errors.Is(err, ErrRevocationFailed) {
		t.Fatalf("expected ErrRevocationFailed, got %v", err)
	}
}

func TestRevokeEmptyHandleIsNoop(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "root-token")
	if err := c.Revoke(context.Background(), Handle{}); err != nil {
		t.Fatalf("empty handle revoke: %v", err)
	}
}

func TestReadLease(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sys/leases/lookup" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"l1","ttl":120,"expire_time":"2026-08-27T12:00:00Z","renewable":true}}`))
	})

	c := NewClient(srv.URL, "root-token")
	st, err := c.Read(context.Background(), Handle{LeaseID: "l1"})
	if err != nil {
		t.Fatal(err)
	}
	if st.LeaseID != "l1" || st.TTL != 2*time.Minute || !st.Renewable {
		t.Fatalf("unexpected status: %+v", st)
	}
}
