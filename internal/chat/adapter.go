// Package chat implements the Chat Adapter: a persistent outbound
// connection to the chat service that posts interactive request cards,
// posts informational notifications, edits messages to a terminal status,
// and delivers button-press callbacks back to the coordinator.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clauderelay/daemon/internal/hookproto"
)

// Choice is a button press outcome.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceDeny    Choice = "deny"
)

// Outcome is the terminal status a resolved card is updated to.
type Outcome string

const (
	OutcomeApproved         Outcome = "approved"
	OutcomeDenied           Outcome = "denied"
	OutcomeAnsweredLocally  Outcome = "answered_locally"
	OutcomeAnsweredRemotely Outcome = "answered_remotely"
)

// Fields are the display key/value pairs shown on a card or notification.
type Fields map[string]string

// Adapter is the interface the coordinator depends on. The production
// implementation is *WSAdapter; tests use an in-memory fake.
type Adapter interface {
	PostRequest(ctx context.Context, fields Fields, requestID string) (hookproto.ChatHandle, error)
	PostNotification(ctx context.Context, fields Fields) (hookproto.ChatHandle, error)
	UpdateResolved(ctx context.Context, handle hookproto.ChatHandle, outcome Outcome) error
	OnButton(fn func(requestID string, choice Choice))
}

// envelope is the single JSON message shape exchanged over the websocket in
// both directions; Type discriminates the payload.
type envelope struct {
	Type string `json:"type"`

	// Outbound: post_request / post_notification
	CorrelationID string            `json:"correlation_id,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`

	// Outbound: update
	Channel   string `json:"channel,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`

	// Inbound: post_ack
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	// Inbound: button
	Choice string `json:"choice,omitempty"`
}

// Config configures a WSAdapter.
type Config struct {
	URL             string
	Destination     string
	Token           string
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	HandshakeHeader map[string]string
}

// WSAdapter maintains one persistent gorilla/websocket connection to the
// chat service, reconnecting with backoff on its own: callers can post or
// update at any time and get back either success or a terminal error.
type WSAdapter struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	onButton  func(requestID string, choice Choice)

	writeMu sync.Mutex // serializes outbound frames; gorilla conns aren't safe for concurrent writers

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	nextCorrID uint64

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewWSAdapter constructs an adapter and starts its connection-management
// goroutine. Call Close to release resources.
func NewWSAdapter(cfg Config, logger *slog.Logger) *WSAdapter {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	a := &WSAdapter{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan envelope),
		closeCh: make(chan struct{}),
	}
	go a.run()
	return a
}

// OnButton registers the single callback invoked for inbound button-press
// events. Must be called before the adapter's first connection, or set while
// holding no assumptions about ordering versus in-flight presses (the
// coordinator registers it once at startup, before any hook connections
// exist).
func (a *WSAdapter) OnButton(fn func(requestID string, choice Choice)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onButton = fn
}

// Close tears down the adapter and its connection permanently.
func (a *WSAdapter) Close() error {
	a.closeOnce.Do(func() { close(a.closeCh) })
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// run owns the reconnect loop for the adapter's lifetime.
func (a *WSAdapter) run() {
	backoff := a.cfg.MinBackoff
	for {
		select {
		case <-a.closeCh:
			return
		default:
		}

		conn, err := a.dial()
		if err != nil {
			a.logger.Warn("chat adapter dial failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-a.closeCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > a.cfg.MaxBackoff {
				backoff = a.cfg.MaxBackoff
			}
			continue
		}

		backoff = a.cfg.MinBackoff
		a.mu.Lock()
		a.conn = conn
		a.connected = true
		a.mu.Unlock()
		a.logger.Info("chat adapter connected", "destination", a.cfg.Destination)

		a.readPump(conn) // blocks until the connection drops

		a.mu.Lock()
		a.connected = false
		a.conn = nil
		a.mu.Unlock()
		a.failAllPending(errors.New("chat connection lost"))
	}
}

func (a *WSAdapter) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	header := make(map[string][]string, len(a.cfg.HandshakeHeader)+1)
	for k, v := range a.cfg.HandshakeHeader {
		header[k] = []string{v}
	}
	if a.cfg.Token != "" {
		header["Authorization"] = []string{"Bearer " + a.cfg.Token}
	}
	conn, _, err := dialer.Dial(a.cfg.URL, header)
	return conn, err
}

// readPump processes inbound envelopes until the connection closes.
func (a *WSAdapter) readPump(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "button":
			a.mu.Lock()
			cb := a.onButton
			a.mu.Unlock()
			if cb == nil {
				continue
			}
			choice := Choice(env.Choice)
			if choice != ChoiceApprove && choice != ChoiceDeny {
				a.logger.Warn("chat adapter received unknown button choice", "choice", env.Choice)
				continue
			}
			cb(env.RequestID, choice)

		case "post_ack", "update_ack":
			a.deliver(env.CorrelationID, env)

		default:
			a.logger.Debug("chat adapter received unrecognized envelope", "type", env.Type)
		}
	}
}

func (a *WSAdapter) deliver(corrID string, env envelope) {
	a.pendingMu.Lock()
	ch, ok := a.pending[corrID]
	if ok {
		delete(a.pending, corrID)
	}
	a.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (a *WSAdapter) failAllPending(err error) {
	a.pendingMu.Lock()
	pending := a.pending
	a.pending = make(map[string]chan envelope)
	a.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- envelope{OK: false, Error: err.Error()}
	}
}

func (a *WSAdapter) nextCorrelationID() string {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	a.nextCorrID++
	return fmt.Sprintf("c%d", a.nextCorrID)
}

// sendAndAwait writes env (after stamping a correlation id) and blocks for
// the matching ack, the adapter being closed, or ctx expiring.
func (a *WSAdapter) sendAndAwait(ctx context.Context, env envelope) (envelope, error) {
	a.mu.Lock()
	conn := a.conn
	connected := a.connected
	a.mu.Unlock()
	if !connected || conn == nil {
		return envelope{}, errors.New("chat adapter: not connected")
	}

	corrID := a.nextCorrelationID()
	env.CorrelationID = corrID
	replyCh := make(chan envelope, 1)
	a.pendingMu.Lock()
	a.pending[corrID] = replyCh
	a.pendingMu.Unlock()

	a.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	err := conn.WriteJSON(env)
	a.writeMu.Unlock()
	if err != nil {
		a.pendingMu.Lock()
		delete(a.pending, corrID)
		a.pendingMu.Unlock()
		return envelope{}, fmt.Errorf("chat adapter: write: %w", err)
	}

	select {
	case reply := <-replyCh:
		if !reply.OK && reply.Error != "" {
			return envelope{}, fmt.Errorf("chat adapter: %s", reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		a.pendingMu.Lock()
		delete(a.pending, corrID)
		a.pendingMu.Unlock()
		return envelope{}, ctx.Err()
	case <-a.closeCh:
		return envelope{}, errors.New("chat adapter: closed")
	}
}

// PostRequest posts an interactive card with approve/deny buttons whose
// payload carries requestID verbatim.
func (a *WSAdapter) PostRequest(ctx context.Context, fields Fields, requestID string) (hookproto.ChatHandle, error) {
	reply, err := a.sendAndAwait(ctx, envelope{
		Type:      "post_request",
		RequestID: requestID,
		Fields:    fields,
	})
	if err != nil {
		return hookproto.ChatHandle{}, err
	}
	return hookproto.ChatHandle{Channel: reply.Channel, MessageID: reply.MessageID}, nil
}

// PostNotification posts an informational message with no controls.
func (a *WSAdapter) PostNotification(ctx context.Context, fields Fields) (hookproto.ChatHandle, error) {
	reply, err := a.sendAndAwait(ctx, envelope{
		Type:   "post_notification",
		Fields: fields,
	})
	if err != nil {
		return hookproto.ChatHandle{}, err
	}
	return hookproto.ChatHandle{Channel: reply.Channel, MessageID: reply.MessageID}, nil
}

// UpdateResolved replaces a card with a static summary.
func (a *WSAdapter) UpdateResolved(ctx context.Context, handle hookproto.ChatHandle, outcome Outcome) error {
	if handle.Empty() {
		return nil
	}
	_, err := a.sendAndAwait(ctx, envelope{
		Type:      "update",
		Channel:   handle.Channel,
		MessageID: handle.MessageID,
		Outcome:   string(outcome),
	})
	return err
}
