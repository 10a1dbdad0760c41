// Package idlemon produces a lazy, infinite sequence of idle/active
// transitions from a platform-specific Backend, with fail-open and
// warm-up guarantees the rest of the daemon depends on.
package idlemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/clauderelay/daemon/internal/hookproto"
)

// Backend is the contract every idle-detection implementation satisfies.
// Start blocks, invoking onTransition for every state change it observes,
// until Stop is called or it hits a fatal error. The Monitor is responsible
// for deduplicating consecutive same-state calls; backends may call
// onTransition eagerly.
type Backend interface {
	Start(onTransition func(isIdle bool)) error
	Stop()
}

// Monitor wraps a Backend with the warm-up window, fail-open-on-crash, and
// single-restart-then-degrade behavior.
type Monitor struct {
	backend      Backend
	logger       *slog.Logger
	warmup       time.Duration
	restartDelay time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithWarmup overrides the default warm-up window.
func WithWarmup(d time.Duration) Option {
	return func(m *Monitor) { m.warmup = d }
}

// WithRestartDelay overrides the delay before the single restart attempt.
func WithRestartDelay(d time.Duration) Option {
	return func(m *Monitor) { m.restartDelay = d }
}

// New builds a Monitor around backend.
func New(backend Backend, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		backend:      backend,
		logger:       logger,
		warmup:       5 * time.Second,
		restartDelay: time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the backend and returns a channel of transitions. The channel
// is closed once ctx is done, after Stop has been called on the backend.
func (m *Monitor) Run(ctx context.Context) <-chan hookproto.Transition {
	out := make(chan hookproto.Transition, 16)
	go m.loop(ctx, out)
	return out
}

func (m *Monitor) loop(ctx context.Context, out chan<- hookproto.Transition) {
	defer close(out)

	restarts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		again, fatal := m.runOnce(ctx, out, restarts)
		if fatal {
			// Permanently degrade to active: runOnce's crash path has
			// already emitted active, so just idle for the remaining
			// lifetime of the context.
			m.logger.Error("idle backend failing repeatedly, degrading to permanent active")
			<-ctx.Done()
			return
		}
		if !again {
			return
		}
		restarts++
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.restartDelay):
		}
	}
}

// runOnce runs the backend until it exits or ctx is cancelled. It returns
// again=true if the loop should attempt a restart, and fatal=true if the
// restart budget (one) is already spent.
func (m *Monitor) runOnce(ctx context.Context, out chan<- hookproto.Transition, priorRestarts int) (again, fatal bool) {
	transitions := make(chan bool, 16)
	errCh := make(chan error, 1)

	go func() {
		errCh <- m.backend.Start(func(isIdle bool) {
			select {
			case transitions <- isIdle:
			case <-ctx.Done():
			}
		})
	}()

	var last *bool
	gotFirst := false
	warmup := time.NewTimer(m.warmup)
	defer warmup.Stop()

	emit := func(isIdle bool, at time.Time) bool {
		if last != nil && *last == isIdle {
			return true
		}
		v := isIdle
		last = &v
		gotFirst = true
		select {
		case out <- hookproto.Transition{IsIdle: isIdle, At: at}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			m.backend.Stop()
			<-errCh
			return false, false

		case isIdle, ok := <-transitions:
			if !ok {
				return true, false
			}
			if !emit(isIdle, time.Now()) {
				m.backend.Stop()
				<-errCh
				return false, false
			}

		case <-warmup.C:
			if !gotFirst {
				m.logger.Warn("idle backend warm-up window exceeded, defaulting to active")
				if !emit(false, time.Now()) {
					m.backend.Stop()
					<-errCh
					return false, false
				}
			}

		case err := <-errCh:
			m.logger.Error("idle backend exited", "error", err)
			// Fail open: we would rather show the local prompt than
			// silently consume a request.
			if !emit(false, time.Now()) {
				return false, false
			}
			if priorRestarts >= 1 {
				return false, true
			}
			return true, false
		}
	}
}
