// Package ipc implements the local endpoint hooks connect to: a
// Unix-domain socket on POSIX hosts and a named pipe on Windows, unified
// behind net.Listener so the server loop itself is platform-agnostic.
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/clauderelay/daemon/internal/hookproto"
)

// Dispatcher is the coordinator-shaped interface the server hands accepted
// connections to, keeping this package free of a dependency on coordinator.
type Dispatcher interface {
	HandlePermissionRequest(frame hookproto.HookFrame, conn hookproto.Conn)
	HandleNotification(frame hookproto.HookFrame)
}

// Server accepts hook connections on a platform endpoint and classifies
// each one's single frame into a permission request or a notification.
type Server struct {
	logger     *slog.Logger
	dispatcher Dispatcher

	// filteredTypes holds notification_type values that are dropped before
	// reaching the dispatcher (by default "permission_prompt", which is
	// delivered through the permission request path instead).
	filteredTypes map[string]struct{}

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer constructs a Server. filteredTypes may be nil.
func NewServer(dispatcher Dispatcher, logger *slog.Logger, filteredTypes []string) *Server {
	filtered := make(map[string]struct{}, len(filteredTypes))
	for _, t := range filteredTypes {
		filtered[t] = struct{}{}
	}
	return &Server{
		logger:        logger,
		dispatcher:    dispatcher,
		filteredTypes: filtered,
	}
}

// Serve accepts connections on ln until ctx is cancelled or Stop is called.
// The listener is platform-specific (see listen_unix.go / listen_windows.go);
// this method is the platform-agnostic accept loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.stopped = false
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("ipc server listening", "addr", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ipc: accept: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener and waits (bounded) for in-flight connections to
// finish being classified and handed off.
func (s *Server) Stop(drainTimeout time.Duration) error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		return fmt.Errorf("ipc: drain timeout after %s", drainTimeout)
	}
}

// handleConn reads exactly one frame and classifies it. Permission requests
// hand the open connection to the dispatcher, which owns it from here on;
// notifications get a fire-and-forget call and the connection is closed
// immediately, retaining no state.
func (s *Server) handleConn(conn net.Conn) {
	frame, err := hookproto.ReadFrame(conn)
	if err != nil {
		s.logger.Warn("ipc: malformed or empty frame, closing", "error", err, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	hookproto.CheckProtocolVersion(s.logger, frame)

	if !frame.IsNotification() {
		s.dispatcher.HandlePermissionRequest(frame, conn)
		return
	}

	defer conn.Close()
	if _, filtered := s.filteredTypes[frame.NotificationType]; filtered {
		s.logger.Debug("ipc: dropping filtered notification", "notification_type", frame.NotificationType)
		return
	}
	s.dispatcher.HandleNotification(frame)
}
