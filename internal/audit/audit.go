// Package audit appends structured, timestamped records of every credential
// acquisition, operation outcome and revocation. Entries are append-only:
// nothing in this system mutates or deletes them.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"keylease.org/internal/ids"
	"keylease.org/internal/lease"
	"keylease.org/internal/obs"
)

// Event names used across the broker.
const (
	EventAcquire = "credential.acquire"
	EventExecute = "batch.execute"
	EventRevoke  = "credential.revoke"
	EventIssue   = "ticket.issue"
	EventReveal  = "ticket.reveal"
)

// Entry is one audit record. It references the credential by lease id only
// and never carries secret material.
type Entry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"ts"`
	Event         string         `json:"event"`
	Actor         string         `json:"actor"`
	Human         bool           `json:"human"`
	Backend       lease.Kind     `json:"backend,omitempty"`
	Justification string         `json:"justification,omitempty"`
	LeaseID       string         `json:"lease_id,omitempty"`
	Outcome       string         `json:"outcome"`
	Details       map[string]any `json:"details,omitempty"`
}

var (
	// ErrDegradedAudit means the sink write failed. The entry has been
	// preserved on the fallback log channel; the condition surfaces to the
	// caller but never blocks credential revocation.
	ErrDegradedAudit = errors.New("audit: sink write failed")

	// ErrInvalidEntry means the entry violates the write contract.
	ErrInvalidEntry = errors.New("audit: invalid entry")
)

// Sink is the append-only store behind the recorder.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Recorder validates entries and writes them to the sink with an at-least-once
// contract: a failed sink write is itself logged to the fallback channel and
// reported as ErrDegradedAudit.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a recorder over sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record appends one entry. Missing id and timestamp are filled in.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.Event) == "" {
		return fmt.Errorf("%w: event is required", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Actor) == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	}
	if e.Human && strings.TrimSpace(e.Justification) == "" {
		return fmt.Errorf("%w: justification is required for human access", ErrInvalidEntry)
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := r.sink.Append(ctx, e); err != nil {
		obs.LogEvent("error", "audit sink write failed", map[string]any{
			"type":  "audit_fallback",
			"entry": e,
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrDegradedAudit, err)
	}
	return nil
}

// LogSink writes entries as JSON lines through the shared structured logger.
type LogSink struct{}

// Append emits the entry on the log channel.
func (LogSink) Append(ctx context.Context, e Entry) error {
	obs.LogEvent("info", "audit", map[string]any{
		"type":          "audit",
		"id":            e.ID,
		"event":         e.Event,
		"actor":         e.Actor,
		"human":         e.Human,
		"backend":       string(e.Backend),
		"justification": e.Justification,
		"lease_id":      e.LeaseID,
		"outcome":       e.Outcome,
		"details":       e.Details,
	})
	return nil
}
