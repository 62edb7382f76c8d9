package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"keylease.org/internal/ids"
	"keylease.org/internal/lease"
)

// ErrCredentialRejected is returned by the in-memory store when the supplied
// credential fails its authentication hook.
var ErrCredentialRejected = errors.New("exec: credential rejected")

// MemDocStore is an in-process document store implementing DocumentSession.
// It backs local development and tests; production deployments plug a real
// driver into DocumentConnector instead.
type MemDocStore struct {
	mu          sync.RWMutex
	collections map[string][]map[string]any

	// Authenticate, when set, gates new sessions. Used to exercise the
	// credential-rejected path.
	Authenticate func(cred lease.Credential) error
}

// NewMemDocStore creates an empty store.
func NewMemDocStore() *MemDocStore {
	return &MemDocStore{collections: make(map[string][]map[string]any)}
}

// Connector opens sessions against this store.
func (m *MemDocStore) Connector() DocumentConnector {
	return func(ctx context.Context, cred lease.Credential) (DocumentSession, error) {
		if m.Authenticate != nil {
			if err := m.Authenticate(cred); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCredentialRejected, err)
			}
		}
		return &memSession{store: m}, nil
	}
}

// Count reports the number of documents in a collection. Test helper.
func (m *MemDocStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

type memSession struct {
	store  *MemDocStore
	closed bool
}

func (s *memSession) InsertOne(ctx context.Context, collection string, doc map[string]any) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	copied := cloneDoc(doc)
	id, ok := copied["_id"].(string)
	if !ok || id == "" {
		id = ids.New()
		copied["_id"] = id
	}
	s.store.collections[collection] = append(s.store.collections[collection], copied)
	return id, nil
}

func (s *memSession) InsertMany(ctx context.Context, collection string, docs []map[string]any) ([]string, error) {
	inserted := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, err := s.InsertOne(ctx, collection, doc)
		if err != nil {
			return inserted, err
		}
		inserted = append(inserted, id)
	}
	return inserted, nil
}

func (s *memSession) Find(ctx context.Context, collection string, filter map[string]any, limit int) ([]map[string]any, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	var out []map[string]any
	for _, doc := range s.store.collections[collection] {
		if !matches(doc, filter) {
			continue
		}
		out = append(out, cloneDoc(doc))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memSession) UpdateOne(ctx context.Context, collection string, filter, update map[string]any) (int64, error) {
	return s.update(ctx, collection, filter, update, 1)
}

func (s *memSession) UpdateMany(ctx context.Context, collection string, filter, update map[string]any) (int64, error) {
	return s.update(ctx, collection, filter, update, -1)
}

func (s *memSession) update(ctx context.Context, collection string, filter, update map[string]any, max int) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	set, ok := update["$set"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("exec: update requires a $set document")
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	var n int64
	for _, doc := range s.store.collections[collection] {
		if max >= 0 && n >= int64(max) {
			break
		}
		if !matches(doc, filter) {
			continue
		}
		for k, v := range set {
			doc[k] = v
		}
		n++
	}
	return n, nil
}

func (s *memSession) DeleteOne(ctx context.Context, collection string, filter map[string]any) (int64, error) {
	return s.delete(ctx, collection, filter, 1)
}

func (s *memSession) DeleteMany(ctx context.Context, collection string, filter map[string]any) (int64, error) {
	return s.delete(ctx, collection, filter, -1)
}

func (s *memSession) delete(ctx context.Context, collection string, filter map[string]any, max int) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	var (
		kept []map[string]any
		n    int64
	)
	for _, doc := range s.store.collections[collection] {
		if (max < 0 || n < int64(max)) && matches(doc, filter) {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	s.store.collections[collection] = kept
	return n, nil
}

// Aggregate supports the $match, $limit and $count stages, enough for
// report-style batches against the in-memory store.
func (s *memSession) Aggregate(ctx context.Context, collection string, pipeline []map[string]any) ([]map[string]any, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	docs := make([]map[string]any, 0, len(s.store.collections[collection]))
	for _, doc := range s.store.collections[collection] {
		docs = append(docs, cloneDoc(doc))
	}
	s.store.mu.RUnlock()

	for _, stage := range pipeline {
		for name, arg := range stage {
			switch name {
			case "$match":
				filter, ok := arg.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("exec: $match requires a document")
				}
				var out []map[string]any
				for _, doc := range docs {
					if matches(doc, filter) {
						out = append(out, doc)
					}
				}
				docs = out
			case "$limit":
				limit, ok := toInt(arg)
				if !ok || limit < 0 {
					return nil, fmt.Errorf("exec: $limit requires a non-negative integer")
				}
				if len(docs) > limit {
					docs = docs[:limit]
				}
			case "$count":
				field, ok := arg.(string)
				if !ok || field == "" {
					return nil, fmt.Errorf("exec: $count requires a field name")
				}
				docs = []map[string]any{{field: len(docs)}}
			default:
				return nil, fmt.Errorf("exec: unsupported pipeline stage %q", name)
			}
		}
	}
	return docs, nil
}

func (s *memSession) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

func (s *memSession) check(ctx context.Context) error {
	if s.closed {
		return errors.New("exec: session closed")
	}
	return ctx.Err()
}

func matches(doc, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares values the way JSON round-tripping produces them:
// all numbers compare as float64.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
