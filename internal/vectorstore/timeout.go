package vectorstore

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout bounds every call on next by d. A call that outlives d
// returns a timeout error even if the backend ignores cancellation; a
// non-positive d returns next unchanged.
func WithTimeout(next Store, d time.Duration) Store {
	if d <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: d}
}

type timeoutStore struct {
	next    Store
	timeout time.Duration
}

type callResult struct {
	hits []Hit
	err  error
}

func (s *timeoutStore) run(ctx context.Context, op, collection string, fn func(context.Context) ([]Hit, error)) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		hits, err := fn(ctx)
		done <- callResult{hits: hits, err: err}
	}()

	select {
	case r := <-done:
		return r.hits, r.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, storeErr(op, collection, KindTimeout, fmt.Sprintf("no response within %s", s.timeout), ctx.Err())
		}
		return nil, classifyCallError(op, collection, "cancelled", ctx.Err())
	}
}

func (s *timeoutStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	_, err := s.run(ctx, "upsert", collection, func(ctx context.Context) ([]Hit, error) {
		return nil, s.next.Upsert(ctx, collection, docs)
	})
	return err
}

func (s *timeoutStore) Query(ctx context.Context, collection, text string, k int, filter Filter) ([]Hit, error) {
	return s.run(ctx, "query", collection, func(ctx context.Context) ([]Hit, error) {
		return s.next.Query(ctx, collection, text, k, filter)
	})
}

func (s *timeoutStore) Get(ctx context.Context, collection string, filter Filter) ([]Hit, error) {
	return s.run(ctx, "get", collection, func(ctx context.Context) ([]Hit, error) {
		return s.next.Get(ctx, collection, filter)
	})
}

func (s *timeoutStore) DeleteCollection(ctx context.Context, collection string) error {
	_, err := s.run(ctx, "delete_collection", collection, func(ctx context.Context) ([]Hit, error) {
		return nil, s.next.DeleteCollection(ctx, collection)
	})
	return err
}
