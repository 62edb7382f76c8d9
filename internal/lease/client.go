package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"keylease.org/internal/obs"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3

	tokenHeader = "X-Vault-Token"
)

// Client talks to the secret-leasing authority over its HTTP API.
// It is safe for concurrent use.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	attempts uint64
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithAttempts bounds acquire retries. Values below 1 are ignored.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n >= 1 {
			c.attempts = uint64(n)
		}
	}
}

// NewClient creates a client against the authority at baseURL authenticated
// by token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: defaultTimeout},
		attempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type credsResponse struct {
	LeaseID       string `json:"lease_id"`
	LeaseDuration int    `json:"lease_duration"`
	Renewable     bool   `json:"renewable"`
	Data          struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"data"`
}

// Acquire requests a new time-boxed credential bound to role. Transport and
// server-side errors are retried with exponential backoff up to the attempt
// bound; an unknown or misconfigured role is permanent. Every failure mode
// maps to ErrLeaseUnavailable.
func (c *Client) Acquire(ctx context.Context, role Role) (Credential, Handle, error) {
	if role.Name == "" || !role.Backend.Valid() {
		return Credential{}, Handle{}, fmt.Errorf("%w: invalid role %q", ErrLeaseUnavailable, role.Name)
	}

	var resp credsResponse
	op := func() error {
		return c.getJSON(ctx, "/v1/database/creds/"+role.Name, &resp)
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.attempts-1)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		obs.ObserveLeaseAcquire(role.Name, "error")
		return Credential{}, Handle{}, fmt.Errorf("%w: acquire %s: %v", ErrLeaseUnavailable, role.Name, err)
	}
	if resp.LeaseID == "" || resp.Data.Username == "" {
		obs.ObserveLeaseAcquire(role.Name, "error")
		return Credential{}, Handle{}, fmt.Errorf("%w: acquire %s: malformed response", ErrLeaseUnavailable, role.Name)
	}

	ttl := time.Duration(resp.LeaseDuration) * time.Second
	cred := Credential{
		ID:       resp.LeaseID,
		Username: resp.Data.Username,
		Password: resp.Data.Password,
		Backend:  role.Backend,
		IssuedAt: time.Now().UTC(),
		TTL:      ttl,
		MaxTTL:   ttl,
	}
	obs.ObserveLeaseAcquire(role.Name, "ok")
	return cred, Handle{LeaseID: resp.LeaseID}, nil
}

// Revoke revokes the lease behind handle. Idempotent: a lease that is already
// revoked or expired is treated as success.
func (c *Client) Revoke(ctx context.Context, handle Handle) error {
	if handle.LeaseID == "" {
		return nil
	}
	body, _ := json.Marshal(map[string]string{"lease_id": handle.LeaseID})
	status, _, err := c.do(ctx, http.MethodPut, "/v1/sys/leases/revoke", body)
	if err != nil {
		obs.ObserveLeaseRevoke("error")
		return fmt.Errorf("%w: %s: %v", ErrRevocationFailed, handle.LeaseID, err)
	}
	// 400/404 mean the lease is already gone, which is what we wanted.
	if status >= 200 && status < 300 || status == http.StatusBadRequest || status == http.StatusNotFound {
		obs.ObserveLeaseRevoke("ok")
		return nil
	}
	obs.ObserveLeaseRevoke("error")
	return fmt.Errorf("%w: %s: authority returned %d", ErrRevocationFailed, handle.LeaseID, status)
}

type lookupResponse struct {
	Data struct {
		ID         string    `json:"id"`
		TTL        int       `json:"ttl"`
		ExpireTime time.Time `json:"expire_time"`
		Renewable  bool      `json:"renewable"`
	} `json:"data"`
}

// Read introspects the lease behind handle. Diagnostics and tests only; the
// broker hot path never calls it.
func (c *Client) Read(ctx context.Context, handle Handle) (Status, error) {
	body, _ := json.Marshal(map[string]string{"lease_id": handle.LeaseID})
	status, data, err := c.do(ctx, http.MethodPut, "/v1/sys/leases/lookup", body)
	if err != nil {
		return Status{}, fmt.Errorf("lease: lookup %s: %w", handle.LeaseID, err)
	}
	if status != http.StatusOK {
		return Status{}, fmt.Errorf("lease: lookup %s: authority returned %d", handle.LeaseID, status)
	}
	var resp lookupResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Status{}, fmt.Errorf("lease: lookup %s: %w", handle.LeaseID, err)
	}
	return Status{
		LeaseID:    resp.Data.ID,
		TTL:        time.Duration(resp.Data.TTL) * time.Second,
		ExpireTime: resp.Data.ExpireTime,
		Renewable:  resp.Data.Renewable,
	}, nil
}

// getJSON fetches path and decodes a JSON body. 4xx responses are permanent
// for the retry loop; transport errors and 5xx are retryable.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	status, data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status >= 400 && status < 500 {
		return backoff.Permanent(fmt.Errorf("authority returned %d", status))
	}
	if status != http.StatusOK {
		return fmt.Errorf("authority returned %d", status)
	}
	return json.Unmarshal(data, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(tokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}
