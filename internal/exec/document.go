package exec

import (
	"context"
	"fmt"
	"time"

	"keylease.org/internal/lease"
	"keylease.org/internal/obs"
)

// DocumentSession is the narrow contract a document store driver must
// satisfy. Connections authenticate with the per-transaction credential;
// the session is scoped to one batch and closed on every exit path.
type DocumentSession interface {
	InsertOne(ctx context.Context, collection string, doc map[string]any) (string, error)
	InsertMany(ctx context.Context, collection string, docs []map[string]any) ([]string, error)
	Find(ctx context.Context, collection string, filter map[string]any, limit int) ([]map[string]any, error)
	UpdateOne(ctx context.Context, collection string, filter, update map[string]any) (int64, error)
	UpdateMany(ctx context.Context, collection string, filter, update map[string]any) (int64, error)
	DeleteOne(ctx context.Context, collection string, filter map[string]any) (int64, error)
	DeleteMany(ctx context.Context, collection string, filter map[string]any) (int64, error)
	Aggregate(ctx context.Context, collection string, pipeline []map[string]any) ([]map[string]any, error)
	Close(ctx context.Context) error
}

// DocumentConnector opens a session for a credential.
type DocumentConnector func(ctx context.Context, cred lease.Credential) (DocumentSession, error)

// Document executes operation-tagged batches against a document store.
type Document struct {
	connect      DocumentConnector
	opTimeout    time.Duration
	previewLimit int
}

// DocumentOption configures Document.
type DocumentOption func(*Document)

// WithDocOpTimeout bounds each operation's execution time.
func WithDocOpTimeout(d time.Duration) DocumentOption {
	return func(e *Document) {
		if d > 0 {
			e.opTimeout = d
		}
	}
}

// WithDocPreviewLimit bounds the number of documents captured per result.
func WithDocPreviewLimit(n int) DocumentOption {
	return func(e *Document) {
		if n > 0 {
			e.previewLimit = n
		}
	}
}

// NewDocument creates the document executor over connect.
func NewDocument(connect DocumentConnector, opts ...DocumentOption) *Document {
	e := &Document{
		connect:      connect,
		opTimeout:    defaultOpTimeout,
		previewLimit: defaultPreviewLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Executor = (*Document)(nil)

// Execute runs the batch strictly in order. Unknown operation tags and
// per-operation errors are recorded without aborting the batch; a failed
// connection marks everything untried as skipped.
func (e *Document) Execute(ctx context.Context, cred lease.Credential, ops []OperationRequest) (Report, error) {
	report := Report{
		Backend:   lease.KindDocument,
		LeaseID:   cred.ID,
		StartedAt: time.Now().UTC(),
	}

	session, err := e.connect(ctx, cred)
	if err != nil {
		skipRemaining(&report, 0, len(ops))
		finalize(&report)
		report.Status = StatusFailure
		return report, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opTimeout)
		defer cancel()
		_ = session.Close(closeCtx)
	}()

	for i, op := range ops {
		start := time.Now()
		res := e.runOperation(ctx, session, i, op)
		report.Operations = append(report.Operations, res)
		obs.ObserveOperation(string(lease.KindDocument), string(res.Status), time.Since(start))

		if res.Status == StatusFailure && isConnectionError(res.err) {
			skipRemaining(&report, i+1, len(ops))
			finalize(&report)
			report.Status = StatusFailure
			return report, fmt.Errorf("%w: operation %d: %v", ErrConnectionFailure, i, res.err)
		}
	}

	finalize(&report)
	return report, nil
}

func (e *Document) runOperation(ctx context.Context, s DocumentSession, index int, op OperationRequest) OperationResult {
	res := OperationResult{Index: index, Status: StatusSuccess}
	if op.Collection == "" {
		res.Status = StatusFailure
		res.Error = "collection is required"
		return res
	}

	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	switch op.Op {
	case OpInsertOne:
		id, err := s.InsertOne(opCtx, op.Collection, op.Document)
		if err != nil {
			return failed(res, err)
		}
		res.RowsAffected = 1
		res.Data = []map[string]any{{"inserted_id": id}}
	case OpInsertMany:
		ids, err := s.InsertMany(opCtx, op.Collection, op.Documents)
		if err != nil {
			return failed(res, err)
		}
		res.RowsAffected = int64(len(ids))
		preview := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			if len(preview) >= e.previewLimit {
				break
			}
			preview = append(preview, map[string]any{"inserted_id": id})
		}
		res.Data = preview
	case OpFind:
		docs, err := s.Find(opCtx, op.Collection, op.Filter, e.previewLimit)
		if err != nil {
			return failed(res, err)
		}
		res.RowsAffected = int64(len(docs))
		res.Data = docs
	case OpUpdateOne:
		n, err := s.UpdateOne(opCtx, op.Collection, op.Filter, op.Update)
		if err != nil {
			return failed(res, err)
		}
		res.RowsAffected = n
	case OpUpdateMany:
		n, err := s.UpdateMany(opCtx, op.Collection, op.Filter, op.Update)
		if err != nil {
			return failed(res, err)
		}
		res.RowsAffected = n
	case OpDeleteOne:
		n, err := s.DeleteOne(opCtx, op.Collection, op.Filter)
		if err != nil {
			return failed(res, err)
		}
		res.RowsAffected = n
	case OpDeleteMany:
		n, err := s.DeleteMany(opCtx, op.Collection, op.Filter)
		if err != nil {
			return failed(res, err)
		}
		res.RowsAffected = n
	case OpAggregate:
		docs, err := s.Aggregate(opCtx, op.Collection, op.Pipeline)
		if err != nil {
			return failed(res, err)
		}
		if len(docs) > e.previewLimit {
			docs = docs[:e.previewLimit]
		}
		res.RowsAffected = int64(len(docs))
		res.Data = docs
	default:
		return failed(res, fmt.Errorf("%w: %q", ErrUnsupportedOperation, op.Op))
	}
	return res
}
