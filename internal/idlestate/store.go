// Package idlestate holds the single serialized record of idle-state-with-
// timestamp and the table of pending requests. No operation here ever
// performs I/O.
package idlestate

import (
	"sync"
	"time"

	"github.com/clauderelay/daemon/internal/hookproto"
)

// Store is the daemon's only shared mutable state besides each hook
// connection's single owner at a time. A plain Mutex is used rather than an
// RWMutex: the pending table is small and every operation is a handful of
// map accesses, so reader/writer fairness isn't worth reasoning about.
type Store struct {
	mu sync.Mutex

	isIdle bool
	since  time.Time

	pending map[string]*hookproto.PendingEntry
}

// New returns a Store whose idle record starts in the active state, since
// is unknown until the Idle Monitor's first emission.
func New(now time.Time) *Store {
	return &Store{
		isIdle:  false,
		since:   now,
		pending: make(map[string]*hookproto.PendingEntry),
	}
}

// SnapshotIdle returns the current idle record.
func (s *Store) SnapshotIdle() hookproto.IdleSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hookproto.IdleSnapshot{
		IsIdle:   s.isIdle,
		Since:    s.since,
		Duration: time.Since(s.since),
	}
}

// SetIdle mutates the idle record. It is a no-op, returning changed=false,
// when the value is unchanged. A real transition updates both fields and
// returns the transition descriptor so the caller can fire notifications
// outside this critical section.
func (s *Store) SetIdle(isIdle bool, now time.Time) (t hookproto.Transition, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isIdle == isIdle {
		return hookproto.Transition{}, false
	}
	s.isIdle = isIdle
	s.since = now
	return hookproto.Transition{IsIdle: isIdle, At: now}, true
}

// Insert adds a pending entry. Callers must ensure RequestID is unique;
// the coordinator is the sole writer of request IDs and generates them
// with enough entropy that collisions aren't a practical concern.
func (s *Store) Insert(e *hookproto.PendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[e.RequestID] = e
}

// Remove atomically takes an entry out of the table. ok is false when the
// request ID is absent — the losing side of a race.
func (s *Store) Remove(requestID string) (e *hookproto.PendingEntry, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	return e, ok
}

// Get reads an entry without removing it.
func (s *Store) Get(requestID string) (e *hookproto.PendingEntry, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok = s.pending[requestID]
	return e, ok
}

// Drain empties the entire table in a single critical section and returns
// everything that was in it. Used by idle→active resolution and shutdown,
// both of which must resolve a consistent snapshot of the table.
func (s *Store) Drain() []*hookproto.PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]*hookproto.PendingEntry, 0, len(s.pending))
	for id, e := range s.pending {
		out = append(out, e)
		delete(s.pending, id)
	}
	return out
}

// Len reports the number of pending entries. Used by tests and status
// logging only.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
