// Package lifecycle tracks in-flight chat requests so they can be cancelled
// by ID from a separate HTTP call.
package lifecycle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Handle represents one cancellable request. Stop is idempotent and records
// that the cancellation was client-requested, which lets the streaming path
// tell a deliberate stop apart from a dropped connection.
type Handle struct {
	cancel  context.CancelFunc
	once    sync.Once
	stopped atomic.Bool
}

// Stop cancels the request's context. Repeated calls are no-ops.
func (h *Handle) Stop() {
	h.once.Do(func() {
		h.stopped.Store(true)
		h.cancel()
	})
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool { return h.stopped.Load() }

// Registry maps request IDs to their cancellation handles.
type Registry struct {
	mu       sync.Mutex
	inflight map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{inflight: make(map[string]*Handle)}
}

// Register derives a cancellable context for the request and tracks it under
// requestID. The caller must call Remove when the request finishes.
func (r *Registry) Register(ctx context.Context, requestID string) (context.Context, *Handle) {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel}

	r.mu.Lock()
	r.inflight[requestID] = h
	r.mu.Unlock()

	return ctx, h
}

// Cancel stops the request with the given ID. It returns false when no such
// request is in flight; cancelling an unknown or already-finished ID is not
// an error for callers, just a miss.
func (r *Registry) Cancel(requestID string) bool {
	r.mu.Lock()
	h, ok := r.inflight[requestID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	h.Stop()
	return true
}

// Remove drops the handle for requestID. Safe to call for IDs that were
// already removed.
func (r *Registry) Remove(requestID string) {
	r.mu.Lock()
	delete(r.inflight, requestID)
	r.mu.Unlock()
}

// CancelAll stops every in-flight request. Used during shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.inflight))
	for _, h := range r.inflight {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}

// Len returns the number of requests currently in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// DeriveRequestID picks the client-supplied request ID, body field first,
// then header, and mints one when the client sent neither.
func DeriveRequestID(bodyID, headerID string) string {
	if bodyID != "" {
		return bodyID
	}
	if headerID != "" {
		return headerID
	}
	return fmt.Sprintf("req_%d_%06d", time.Now().UnixMilli(), rand.Intn(1000000))
}
