package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"keylease.org/internal/lease"
	"keylease.org/internal/obs"
)

type failingSink struct{ err error }

func (s failingSink) Append(ctx context.Context, e Entry) error { return s.err }

type captureSink struct{ entries []Entry }

func (s *captureSink) Append(ctx context.Context, e Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func TestRecordFillsDefaults(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink)

	err := r.Record(context.Background(), Entry{
		Event:   EventAcquire,
		Actor:   "system:runbatch",
		Backend: lease.KindRelational,
		LeaseID: "l1",
		Outcome: "ok",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(sink.entries))
	}
	e := sink.entries[0]
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("defaults not filled: %+v", e)
	}
}

func TestRecordRejectsHumanEntryWithoutJustification(t *testing.T) {
	r := NewRecorder(&captureSink{})
	err := r.Record(context.Background(), Entry{
		Event:   EventIssue,
		Actor:   "dev@example.com",
		Human:   true,
		Outcome: "ok",
	})
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestRecordDegradedAuditPreservesEntryOnFallback(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	r := NewRecorder(failingSink{err: errors.New("disk full")})
	err := r.Record(context.Background(), Entry{
		Event:   EventRevoke,
		Actor:   "system:runbatch",
		LeaseID: "l1",
		Outcome: "revoked",
	})
	if !errors.Is(err, ErrDegradedAudit) {
		t.Fatalf("expected ErrDegradedAudit, got %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("fallback line not valid JSON: %v", err)
	}
	if line["type"] != "audit_fallback" {
		t.Fatalf("unexpected fallback line: %v", line)
	}
	entry, ok := line["entry"].(map[string]any)
	if !ok || entry["lease_id"] != "l1" {
		t.Fatalf("entry not preserved on fallback channel: %v", line["entry"])
	}
}

func TestLogSinkEmitsAuditLine(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	r := NewRecorder(LogSink{})
	err := r.Record(context.Background(), Entry{
		Event:         EventIssue,
		Actor:         "dev@example.com",
		Human:         true,
		Justification: "incident 4211",
		Backend:       lease.KindDocument,
		LeaseID:       "l2",
		Outcome:       "issued",
	})
	if err != nil {
		t.Fatal(err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("audit line not valid JSON: %v", err)
	}
	if line["type"] != "audit" || line["event"] != EventIssue {
		t.Fatalf("unexpected audit line: %v", line)
	}
	if line["justification"] != "incident 4211" {
		t.Fatalf("justification missing: %v", line)
	}
}
