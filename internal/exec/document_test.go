package exec

import (
	"context"
	"errors"
	"testing"

	"keylease.org/internal/lease"
)

func docCred() lease.Credential {
	return lease.Credential{ID: "database/creds/document-role/xyz", Backend: lease.KindDocument}
}

func TestDocumentInsertThenFind(t *testing.T) {
	store := NewMemDocStore()
	e := NewDocument(store.Connector())

	ops := []OperationRequest{
		{Op: OpInsertOne, Collection: "c", Document: map[string]any{"x": 1}},
		{Op: OpFind, Collection: "c", Filter: map[string]any{"x": 1}},
	}
	report, err := e.Execute(context.Background(), docCred(), ops)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", report.Status)
	}
	ins := report.Operations[0]
	if ins.RowsAffected != 1 || len(ins.Data) != 1 || ins.Data[0]["inserted_id"] == "" {
		t.Fatalf("insert not acknowledged: %+v", ins)
	}
	find := report.Operations[1]
	if len(find.Data) != 1 {
		t.Fatalf("expected one document, got %d", len(find.Data))
	}
	if !looseEqual(find.Data[0]["x"], 1) {
		t.Fatalf("unexpected document: %+v", find.Data[0])
	}
}

func TestDocumentUnknownTagDoesNotAbort(t *testing.T) {
	store := NewMemDocStore()
	e := NewDocument(store.Connector())

	ops := []OperationRequest{
		{Op: OpInsertOne, Collection: "c", Document: map[string]any{"x": 1}},
		{Op: "map_reduce", Collection: "c"},
		{Op: OpFind, Collection: "c", Filter: map[string]any{}},
	}
	report, err := e.Execute(context.Background(), docCred(), ops)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", report.Status)
	}
	if report.Operations[1].Status != StatusFailure {
		t.Fatalf("unknown tag must fail its operation: %+v", report.Operations[1])
	}
	if !errors.Is(report.Operations[1].err, ErrUnsupportedOperation) {
		t.Fatalf("expected ErrUnsupportedOperation, got %v", report.Operations[1].err)
	}
	if report.Operations[2].Status != StatusSuccess {
		t.Fatalf("batch must continue past unknown tag: %+v", report.Operations[2])
	}
}

func TestDocumentCredentialRejectedSkipsAll(t *testing.T) {
	store := NewMemDocStore()
	store.Authenticate = func(cred lease.Credential) error {
		return errors.New("authentication failed")
	}
	e := NewDocument(store.Connector())

	ops := []OperationRequest{
		{Op: OpInsertOne, Collection: "c", Document: map[string]any{"x": 1}},
		{Op: OpFind, Collection: "c"},
	}
	report, err := e.Execute(context.Background(), docCred(), ops)
	if !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
	for i, op := range report.Operations {
		if op.Status != StatusSkipped {
			t.Fatalf("operation %d: expected skipped, got %s", i, op.Status)
		}
	}
	if store.Count("c") != 0 {
		t.Fatal("nothing may be written with a rejected credential")
	}
}

func TestDocumentUpdateDeleteCounts(t *testing.T) {
	store := NewMemDocStore()
	e := NewDocument(store.Connector())

	ops := []OperationRequest{
		{Op: OpInsertMany, Collection: "c", Documents: []map[string]any{
			{"kind": "a"}, {"kind": "a"}, {"kind": "b"},
		}},
		{Op: OpUpdateMany, Collection: "c", Filter: map[string]any{"kind": "a"},
			Update: map[string]any{"$set": map[string]any{"seen": true}}},
		{Op: OpUpdateOne, Collection: "c", Filter: map[string]any{"kind": "b"},
			Update: map[string]any{"$set": map[string]any{"seen": true}}},
		{Op: OpDeleteOne, Collection: "c", Filter: map[string]any{"kind": "a"}},
		{Op: OpDeleteMany, Collection: "c", Filter: map[string]any{"seen": true}},
	}
	report, err := e.Execute(context.Background(), docCred(), ops)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != StatusSuccess {
		t.Fatalf("expected success, got %s: %+v", report.Status, report.Operations)
	}
	counts := []int64{3, 2, 1, 1, 2}
	for i, want := range counts {
		if got := report.Operations[i].RowsAffected; got != want {
			t.Fatalf("operation %d: affected %d, want %d", i, got, want)
		}
	}
	if store.Count("c") != 0 {
		t.Fatalf("expected empty collection, got %d docs", store.Count("c"))
	}
}

func TestDocumentAggregate(t *testing.T) {
	store := NewMemDocStore()
	e := NewDocument(store.Connector())

	ops := []OperationRequest{
		{Op: OpInsertMany, Collection: "c", Documents: []map[string]any{
			{"kind": "a"}, {"kind": "a"}, {"kind": "b"},
		}},
		{Op: OpAggregate, Collection: "c", Pipeline: []map[string]any{
			{"$match": map[string]any{"kind": "a"}},
			{"$count": "total"},
		}},
	}
	report, err := e.Execute(context.Background(), docCred(), ops)
	if err != nil {
		t.Fatal(err)
	}
	agg := report.Operations[1]
	if agg.Status != StatusSuccess || len(agg.Data) != 1 {
		t.Fatalf("unexpected aggregate result: %+v", agg)
	}
	if !looseEqual(agg.Data[0]["total"], 2) {
		t.Fatalf("unexpected count: %+v", agg.Data[0])
	}
}

func TestDocumentOrderPreserved(t *testing.T) {
	store := NewMemDocStore()
	e := NewDocument(store.Connector())

	var ops []OperationRequest
	for i := 0; i < 6; i++ {
		ops = append(ops, OperationRequest{
			Op: OpInsertOne, Collection: "c", Document: map[string]any{"seq": i},
		})
	}
	report, err := e.Execute(context.Background(), docCred(), ops)
	if err != nil {
		t.Fatal(err)
	}
	for i, op := range report.Operations {
		if op.Index != i {
			t.Fatalf("result %d has index %d", i, op.Index)
		}
	}
}
