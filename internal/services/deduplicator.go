package services

import (
	"context"
	"sync"

	"purchasekit/internal/models"
	"purchasekit/pkg/logging"
)

// Operation is one deferred unit of work producing a customer-info
// snapshot or failing.
type Operation func(ctx context.Context) (*models.CustomerInfoSnapshot, error)

// inFlightCall is the single execution shared by all callers of one key.
type inFlightCall struct {
	done     chan struct{}
	snapshot *models.CustomerInfoSnapshot
	err      error
}

// OperationDeduplicator guarantees at most one in-flight operation per
// cache key. Concurrent callers with the same key attach as followers and
// receive the exact outcome of the single executed operation. Once that
// operation completes, the registration is removed and a later Submit with
// the same key executes fresh.
type OperationDeduplicator struct {
	mu       sync.Mutex
	inFlight map[models.CacheKey]*inFlightCall
}

// NewOperationDeduplicator creates an empty deduplicator.
func NewOperationDeduplicator() *OperationDeduplicator {
	return &OperationDeduplicator{
		inFlight: make(map[models.CacheKey]*inFlightCall),
	}
}

// Submit runs op under key, or attaches to the in-flight operation already
// registered under key. The executed operation runs on a context detached
// from any single caller: cancelling ctx only abandons this caller's wait,
// it never aborts the shared operation other followers depend on.
func (d *OperationDeduplicator) Submit(ctx context.Context, key models.CacheKey, op Operation) (*models.CustomerInfoSnapshot, error) {
	d.mu.Lock()
	if call, ok := d.inFlight[key]; ok {
		d.mu.Unlock()
		logging.Debugf("Attaching as follower to in-flight operation - user: %s, source: %s", key.AppUserID, key.Source)
		select {
		case <-call.done:
			return call.snapshot, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &inFlightCall{done: make(chan struct{})}
	d.inFlight[key] = call
	d.mu.Unlock()

	go func() {
		snapshot, err := op(context.WithoutCancel(ctx))

		d.mu.Lock()
		call.snapshot = snapshot
		call.err = err
		delete(d.inFlight, key)
		d.mu.Unlock()

		close(call.done)
	}()

	select {
	case <-call.done:
		return call.snapshot, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlightCount returns the number of currently registered operations.
func (d *OperationDeduplicator) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
