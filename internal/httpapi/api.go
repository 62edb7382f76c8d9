// Package httpapi exposes the human-access surface of the broker: request
// access, reveal a ticket once, plus health and metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"keylease.org/internal/audit"
	"keylease.org/internal/auth"
	"keylease.org/internal/broker"
	"keylease.org/internal/disclose"
	"keylease.org/internal/lease"
	"keylease.org/internal/obs"
)

// ReadyProbe checks downstream readiness (audit store, ticket store).
type ReadyProbe struct {
	Check func(ctx context.Context) error
}

func (rp ReadyProbe) check(ctx context.Context) error {
	if rp.Check == nil {
		return nil
	}
	return rp.Check(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	broker     *broker.Broker
	discloser  *disclose.Service
	recorder   *audit.Recorder
	roles      map[lease.Kind]lease.Role
	readyProbe ReadyProbe
	version    string

	maxBodyBytes int64
	rateBurst    int
	ratePerSec   int
}

// Config wires the API.
type Config struct {
	Broker    *broker.Broker
	Discloser *disclose.Service
	// Recorder, when set, audits ticket reveal attempts.
	Recorder *audit.Recorder
	// Roles maps each backend kind to the leasing-authority role the
	// human-access path uses for it.
	Roles      map[lease.Kind]lease.Role
	ReadyProbe ReadyProbe
	Version    string
}

// New builds the API and its routes.
func New(cfg Config) *API {
	a := &API{
		mux:          http.NewServeMux(),
		broker:       cfg.Broker,
		discloser:    cfg.Discloser,
		recorder:     cfg.Recorder,
		roles:        cfg.Roles,
		readyProbe:   cfg.ReadyProbe,
		version:      cfg.Version,
		maxBodyBytes: 64 << 10,
		rateBurst:    10,
		ratePerSec:   5,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/access/requests", a.RequestAccess)
	a.mux.HandleFunc("GET /v1/tickets/{id}", a.RevealTicket)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "keylease-broker",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type accessRequest struct {
	Backend       string `json:"backend"`
	Justification string `json:"justification"`
	// ExpirySeconds optionally shortens the ticket lifetime below the
	// credential TTL.
	ExpirySeconds int `json:"expiry_seconds,omitempty"`
}

// RequestAccess issues an ephemeral credential and discloses it through a
// one-time ticket. The response carries the ticket reference, never the
// credential.
func (a *API) RequestAccess(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req accessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := lease.Kind(strings.TrimSpace(req.Backend))
	if !kind.Valid() {
		respondError(w, http.StatusBadRequest, "backend must be relational or document")
		return
	}
	if strings.TrimSpace(req.Justification) == "" {
		respondError(w, http.StatusBadRequest, "justification is required")
		return
	}
	role, ok := a.roles[kind]
	if !ok {
		respondError(w, http.StatusBadRequest, "backend has no access role configured")
		return
	}

	grant, err := a.broker.GrantAccess(r.Context(), role, principal,
		req.Justification, time.Duration(req.ExpirySeconds)*time.Second)
	if err != nil {
		switch {
		case errors.Is(err, lease.ErrLeaseUnavailable):
			respondError(w, http.StatusBadGateway, "credential authority unavailable")
		case errors.Is(err, broker.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "access request failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":     "granted",
		"backend":    string(grant.Backend),
		"ticket_id":  grant.Ticket.ID,
		"expires_at": grant.Ticket.ExpiresAt,
		"notified":   grant.Notified,
	})
}

// RevealTicket discloses a ticket payload exactly once. The ticket id is the
// only credential needed: the link itself is the secret.
func (a *API) RevealTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	payload, outcome, err := a.discloser.Reveal(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reveal failed")
		return
	}
	if a.recorder != nil {
		_ = a.recorder.Record(r.Context(), audit.Entry{
			Event:   audit.EventReveal,
			Actor:   "ip:" + clientIP(r),
			Backend: payload.Backend,
			LeaseID: payload.LeaseID,
			Outcome: string(outcome),
			Details: map[string]any{"ticket_id": id},
		})
	}
	switch outcome {
	case disclose.OutcomeRevealed:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  string(outcome),
			"payload": payload,
		})
	case disclose.OutcomeNotFound:
		respondError(w, http.StatusNotFound, "ticket not found")
	case disclose.OutcomeExpired:
		writeJSON(w, http.StatusGone, map[string]any{"status": string(outcome)})
	case disclose.OutcomeAlreadyViewed:
		writeJSON(w, http.StatusGone, map[string]any{"status": string(outcome)})
	default:
		respondError(w, http.StatusInternalServerError, "unknown outcome")
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
