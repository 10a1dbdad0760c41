package hookproto

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Conn is the minimal connection surface the coordinator needs from an
// accepted hook connection. net.Conn satisfies it; tests use the
// in-memory net.Pipe.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// ChatHandle is whatever the Chat Adapter needs to later edit a previously
// posted message. It is opaque to everything except the adapter itself, but
// the concrete fields (channel + a message/thread identifier) are the same
// shape most chat backends need (Slack-style channel+ts, Discord-style
// channel+message-id), so it is a plain struct rather than an interface.
type ChatHandle struct {
	Channel   string
	MessageID string
}

// Empty reports whether the handle was never populated.
func (h ChatHandle) Empty() bool {
	return h.Channel == "" && h.MessageID == ""
}

// PendingEntry is a permission request that has been posted to chat and is
// awaiting a terminal event: a button press, an idle→active transition, a
// hook disconnect, or a timeout.
type PendingEntry struct {
	RequestID string
	ToolName  string
	ToolInput json.RawMessage
	CreatedAt time.Time

	Conn       Conn
	ChatHandle ChatHandle

	// CancelWatcher tears down the peer-close watcher started when this
	// entry entered AWAITING. Idempotent. The per-request timeout is not
	// part of the entry; the coordinator stops it separately.
	CancelWatcher context.CancelFunc
}

// IdleSnapshot is a read-only view of the idle record.
type IdleSnapshot struct {
	IsIdle   bool
	Since    time.Time
	Duration time.Duration
}

// Transition describes a real change to the idle record, returned by
// SetIdle so callers can fire notifications outside the store's critical
// section.
type Transition struct {
	IsIdle bool
	At     time.Time
}
