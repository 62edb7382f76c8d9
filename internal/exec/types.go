package exec

import (
	"context"
	"errors"
	"time"

	"keylease.org/internal/lease"
)

// Status of a single operation or a whole batch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
	StatusPartial Status = "partial"
)

// Document operation vocabulary. Closed set; anything else fails that
// operation with ErrUnsupportedOperation without aborting the batch.
const (
	OpInsertOne  = "insert_one"
	OpInsertMany = "insert_many"
	OpFind       = "find"
	OpUpdateOne  = "update_one"
	OpUpdateMany = "update_many"
	OpDeleteOne  = "delete_one"
	OpDeleteMany = "delete_many"
	OpAggregate  = "aggregate"
)

// OperationRequest is one unit of work against a backend. Relational requests
// carry a literal statement; document requests carry an operation tag plus
// the payload that tag needs. Order within a batch is execution order.
type OperationRequest struct {
	// Relational.
	SQL string `json:"sql,omitempty"`

	// Document.
	Op         string           `json:"operation,omitempty"`
	Collection string           `json:"collection,omitempty"`
	Document   map[string]any   `json:"document,omitempty"`
	Documents  []map[string]any `json:"documents,omitempty"`
	Filter     map[string]any   `json:"filter,omitempty"`
	Update     map[string]any   `json:"update,omitempty"`
	Pipeline   []map[string]any `json:"pipeline,omitempty"`
}

// OperationResult records the outcome of one operation. Data holds a bounded
// preview of returned rows or documents, never the full result set.
type OperationResult struct {
	Index        int              `json:"index"`
	Status       Status           `json:"status"`
	RowsAffected int64            `json:"rows_affected"`
	Data         []map[string]any `json:"data,omitempty"`
	Error        string           `json:"error,omitempty"`

	// err keeps the original error for connection-failure classification.
	// Not serialized.
	err error
}

// Report is the immutable outcome of one batch execution. It references the
// lease by id only and never contains secret material.
type Report struct {
	Backend    lease.Kind        `json:"backend"`
	LeaseID    string            `json:"lease_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Operations []OperationResult `json:"operations"`
	Status     Status            `json:"status"`
}

// Executor runs an ordered batch of operations against a target store using
// a supplied credential. Implementations are a closed set: relational and
// document.
type Executor interface {
	Execute(ctx context.Context, cred lease.Credential, ops []OperationRequest) (Report, error)
}

var (
	// ErrConnectionFailure means the backend rejected the credential or the
	// connection was lost. Fatal for the remaining batch; untried operations
	// are marked skipped.
	ErrConnectionFailure = errors.New("exec: connection failure")

	// ErrUnsupportedOperation means the operation tag is outside the fixed
	// vocabulary. Local to the operation.
	ErrUnsupportedOperation = errors.New("exec: unsupported operation")
)

// finalize stamps the end time and derives the overall batch status.
func finalize(r *Report) {
	r.FinishedAt = time.Now().UTC()
	var ok, failed, skipped int
	for _, op := range r.Operations {
		switch op.Status {
		case StatusSuccess:
			ok++
		case StatusFailure:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	switch {
	case failed == 0 && skipped == 0:
		r.Status = StatusSuccess
	case ok == 0:
		r.Status = StatusFailure
	default:
		r.Status = StatusPartial
	}
}

// skipRemaining marks every operation from index on as skipped.
func skipRemaining(r *Report, from, total int) {
	for i := from; i < total; i++ {
		r.Operations = append(r.Operations, OperationResult{
			Index:  i,
			Status: StatusSkipped,
		})
	}
}
