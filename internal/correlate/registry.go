// Package correlate provides a keyed future table: pending entries are
// registered under an opaque correlation ID and resolved exactly once by a
// later, possibly out-of-order completion.
package correlate

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type entry[T any] struct {
	ch        chan T
	createdAt time.Time
}

// Registry maps correlation IDs to unresolved futures. At most one entry
// exists per ID. Entries are inserted at dispatch time and removed at
// resolution, discard, or TTL expiry. Completions for unknown IDs are
// counted and dropped, never raised.
type Registry[T any] struct {
	name string
	ttl  time.Duration

	mu      sync.Mutex
	pending map[string]entry[T]

	unmatched atomic.Int64
	expired   atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a registry. A non-zero ttl starts a sweep loop that closes
// futures whose completion never arrived; ttl 0 disables expiry and a lost
// completion leaves its entry resident until Close.
func New[T any](name string, ttl time.Duration) *Registry[T] {
	r := &Registry[T]{
		name:    name,
		ttl:     ttl,
		pending: make(map[string]entry[T]),
		done:    make(chan struct{}),
	}
	if ttl > 0 {
		go r.sweepLoop()
	}
	return r
}

// Register inserts a pending entry for id and returns its future. The
// channel receives the resolution value, or is closed without a value on
// expiry or registry shutdown. Registering an id that is already pending
// returns false and no future.
func (r *Registry[T]) Register(id string) (<-chan T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return nil, false
	}
	if _, exists := r.pending[id]; exists {
		return nil, false
	}
	// Buffered so that Resolve never blocks on a caller that has not yet
	// reached its receive.
	ch := make(chan T, 1)
	r.pending[id] = entry[T]{ch: ch, createdAt: time.Now()}
	return ch, true
}

// Resolve delivers the value for id and removes the entry. A second
// resolution for the same id, or a resolution for an id that was never
// registered, has no observable effect beyond the unmatched counter.
func (r *Registry[T]) Resolve(id string, v T) bool {
	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		r.unmatched.Add(1)
		slog.Debug("correlate: unmatched completion", "registry", r.name, "id", id)
		return false
	}
	e.ch <- v
	close(e.ch)
	return true
}

// Discard removes a pending entry without resolving it, closing the future.
func (r *Registry[T]) Discard(id string) {
	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if ok {
		close(e.ch)
	}
}

// Len reports the number of pending entries.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Unmatched reports how many completions arrived with no pending entry.
func (r *Registry[T]) Unmatched() int64 { return r.unmatched.Load() }

// Expired reports how many entries were closed by the TTL sweep.
func (r *Registry[T]) Expired() int64 { return r.expired.Load() }

// Close stops the sweep loop and closes every remaining future. Register
// fails after Close.
func (r *Registry[T]) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		for id, e := range r.pending {
			delete(r.pending, id)
			close(e.ch)
		}
		r.pending = nil
		r.mu.Unlock()
	})
}

func (r *Registry[T]) sweepLoop() {
	interval := r.ttl / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.done:
			return
		}
	}
}

func (r *Registry[T]) sweep() {
	threshold := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var stale []chan T
	for id, e := range r.pending {
		if e.createdAt.Before(threshold) {
			delete(r.pending, id)
			stale = append(stale, e.ch)
			slog.Debug("correlate: entry expired", "registry", r.name, "id", id)
		}
	}
	r.mu.Unlock()

	for _, ch := range stale {
		close(ch)
		r.expired.Add(1)
	}
}
