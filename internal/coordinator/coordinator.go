// Package coordinator owns the per-request permission state machine: it
// wires the four concurrent event sources (new hook connections, idle
// transitions, chat button callbacks, hook disconnects) through a single
// serialized event loop so every request resolves exactly once.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clauderelay/daemon/internal/chat"
	"github.com/clauderelay/daemon/internal/hookproto"
	"github.com/clauderelay/daemon/internal/idlestate"
)

// postingState tracks a request between the decision to post and the
// arrival of the chat post's result; no table entry exists yet for it.
type postingState struct {
	conn  hookproto.Conn
	frame hookproto.HookFrame
	timer *time.Timer
}

// Coordinator implements ipc.Dispatcher and drives the per-request state
// machine. All mutable bookkeeping below this point (posting, timers) is
// touched only from the single loop goroutine, so it needs no lock of its
// own; idlestate.Store and the chat.Adapter guard their own state
// independently.
type Coordinator struct {
	store  *idlestate.Store
	adapter chat.Adapter
	logger *slog.Logger

	requestTimeout time.Duration

	events chan event
	doneCh chan struct{}

	posting map[string]*postingState
	timers  map[string]*time.Timer

	wg sync.WaitGroup
}

// New constructs a Coordinator. requestTimeout bounds how long the daemon
// will hold a hook connection from the moment it decides to post to chat.
func New(store *idlestate.Store, adapter chat.Adapter, logger *slog.Logger, requestTimeout time.Duration) *Coordinator {
	c := &Coordinator{
		store:          store,
		adapter:        adapter,
		logger:         logger,
		requestTimeout: requestTimeout,
		events:         make(chan event, 64),
		doneCh:         make(chan struct{}),
		posting:        make(map[string]*postingState),
		timers:         make(map[string]*time.Timer),
	}
	adapter.OnButton(c.onButton)
	return c
}

// HandlePermissionRequest implements ipc.Dispatcher. Called from an IPC
// accept goroutine; the connection is owned by the coordinator from here.
func (c *Coordinator) HandlePermissionRequest(frame hookproto.HookFrame, conn hookproto.Conn) {
	reqID := uuid.NewString()
	select {
	case c.events <- event{kind: evPermissionRequest, requestID: reqID, frame: frame, conn: conn}:
	case <-c.doneCh:
		_ = conn.Close()
	}
}

// HandleNotification implements ipc.Dispatcher.
func (c *Coordinator) HandleNotification(frame hookproto.HookFrame) {
	select {
	case c.events <- event{kind: evNotification, frame: frame}:
	case <-c.doneCh:
	}
}

func (c *Coordinator) onButton(requestID string, choice chat.Choice) {
	select {
	case c.events <- event{kind: evButtonPressed, requestID: requestID, choice: choice}:
	case <-c.doneCh:
	}
}

// NotifyIdleChanged is the entry point the idle-monitor forwarding
// goroutine calls with each transition. It is routed through the same
// event channel as everything else so a drain-and-resolve pass never
// races with a concurrent table insertion from handlePostResult.
func (c *Coordinator) NotifyIdleChanged(transition hookproto.Transition) {
	select {
	case c.events <- event{kind: evIdleChanged, transition: transition}:
	case <-c.doneCh:
	}
}

// Run drives the event loop until ctx is cancelled, then drains all
// pending requests as answered_locally before returning.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evPermissionRequest:
		c.handlePermissionRequest(ctx, ev)
	case evNotification:
		c.handleNotification(ctx, ev)
	case evPostResult:
		c.handlePostResult(ctx, ev)
	case evButtonPressed:
		c.handleButtonPressed(ctx, ev)
	case evHookClosed:
		c.resolveByID(ctx, ev.requestID, chat.OutcomeAnsweredRemotely, nil)
	case evRequestTimeout:
		c.handleTimeout(ctx, ev)
	case evIdleChanged:
		c.handleIdleChanged(ctx, ev.transition)
	}
}

func (c *Coordinator) handlePermissionRequest(ctx context.Context, ev event) {
	snap := c.store.SnapshotIdle()
	if !snap.IsIdle {
		c.writeAndClose(ev.conn, hookproto.Response{Action: hookproto.ActionPassthrough, Reason: "user active locally"})
		return
	}

	reqID := ev.requestID
	timer := time.AfterFunc(c.requestTimeout, func() {
		select {
		case c.events <- event{kind: evRequestTimeout, requestID: reqID}:
		case <-c.doneCh:
		}
	})
	c.posting[reqID] = &postingState{conn: ev.conn, frame: ev.frame, timer: timer}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		postCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
		handle, err := c.adapter.PostRequest(postCtx, fieldsFromFrame(ev.frame), reqID)
		select {
		case c.events <- event{kind: evPostResult, requestID: reqID, chatHandle: handle, postErr: err}:
		case <-c.doneCh:
		}
	}()
}

func (c *Coordinator) handlePostResult(ctx context.Context, ev event) {
	ps, ok := c.posting[ev.requestID]
	delete(c.posting, ev.requestID)
	if !ok {
		// The request already timed out while POSTING was in flight and a
		// passthrough response was already written. A late success still
		// deserves a terminal chat update so the card doesn't look live.
		if ev.postErr == nil {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := c.adapter.UpdateResolved(ctx, ev.chatHandle, chat.OutcomeAnsweredLocally); err != nil {
					c.logger.Warn("chat update failed for already-timed-out request", "request_id", ev.requestID, "error", err)
				}
			}()
		}
		return
	}

	if ev.postErr != nil {
		ps.timer.Stop()
		c.logger.Warn("chat post failed, falling back to passthrough", "request_id", ev.requestID, "error", ev.postErr)
		c.writeAndClose(ps.conn, hookproto.Response{Action: hookproto.ActionPassthrough, Reason: "chat unavailable"})
		return
	}

	if !c.store.SnapshotIdle().IsIdle {
		// The user returned while the post was in flight. A drain already
		// ran and won't see this entry since it didn't exist yet; resolve it
		// the same way rather than leaving it to linger until its timeout.
		ps.timer.Stop()
		c.logger.Warn("chat post succeeded for request but user is no longer idle", "request_id", ev.requestID)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.adapter.UpdateResolved(ctx, ev.chatHandle, chat.OutcomeAnsweredLocally); err != nil {
				c.logger.Warn("chat update failed for request resolved during posting", "request_id", ev.requestID, "error", err)
			}
		}()
		c.writeAndClose(ps.conn, hookproto.Response{Action: hookproto.ActionPassthrough, Reason: "user returned"})
		return
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	entry := &hookproto.PendingEntry{
		RequestID:     ev.requestID,
		ToolName:      ps.frame.ToolName,
		ToolInput:     ps.frame.ToolInput,
		CreatedAt:     time.Now(),
		Conn:          ps.conn,
		ChatHandle:    ev.chatHandle,
		CancelWatcher: cancel,
	}
	c.store.Insert(entry)
	c.timers[ev.requestID] = ps.timer

	c.wg.Add(1)
	go c.watchPeerClose(watchCtx, ev.requestID, ps.conn)
}

func (c *Coordinator) handleButtonPressed(ctx context.Context, ev event) {
	switch ev.choice {
	case chat.ChoiceApprove:
		c.resolveByID(ctx, ev.requestID, chat.OutcomeApproved, &hookproto.Response{Action: hookproto.ActionApprove, Reason: "Approved via chat"})
	case chat.ChoiceDeny:
		c.resolveByID(ctx, ev.requestID, chat.OutcomeDenied, &hookproto.Response{Action: hookproto.ActionDeny, Reason: "Denied via chat"})
	default:
		c.logger.Warn("ignoring button press with unknown choice", "request_id", ev.requestID, "choice", ev.choice)
	}
}

func (c *Coordinator) handleTimeout(ctx context.Context, ev event) {
	if ps, ok := c.posting[ev.requestID]; ok {
		// Still in POSTING: the bound elapsed before the chat service
		// acknowledged the post. Respond passthrough now; handlePostResult
		// will clean up a late post success if one still arrives.
		delete(c.posting, ev.requestID)
		c.writeAndClose(ps.conn, hookproto.Response{Action: hookproto.ActionPassthrough, Reason: "timeout"})
		return
	}
	c.resolveByID(ctx, ev.requestID, chat.OutcomeAnsweredLocally, &hookproto.Response{Action: hookproto.ActionPassthrough, Reason: "timeout"})
}

// handleIdleChanged processes an idle-monitor transition. Active
// transitions drain and resolve every currently pending entry as
// answered_locally; idle transitions need no action here (new requests
// consult the store directly). Running inside the event loop guarantees
// the drain can't race a concurrent handlePostResult table insertion.
func (c *Coordinator) handleIdleChanged(ctx context.Context, transition hookproto.Transition) {
	_, changed := c.store.SetIdle(transition.IsIdle, transition.At)
	if !changed || transition.IsIdle {
		return
	}
	for _, entry := range c.store.Drain() {
		c.finishResolution(ctx, entry, chat.OutcomeAnsweredLocally, &hookproto.Response{Action: hookproto.ActionPassthrough, Reason: "user returned"})
	}
}

// resolveByID implements the single serialized resolution path: it removes
// the entry from the table first and is a no-op if the entry is already
// gone, which is how the losing side of a race is discarded.
func (c *Coordinator) resolveByID(ctx context.Context, requestID string, outcome chat.Outcome, resp *hookproto.Response) {
	entry, ok := c.store.Remove(requestID)
	if !ok {
		c.logger.Debug("discarding event for already-resolved request", "request_id", requestID)
		return
	}
	c.finishResolution(ctx, entry, outcome, resp)
}

// finishResolution cancels the watcher and timer synchronously (within the
// loop goroutine) and performs the chat update, response write, and close
// asynchronously, since table removal — not the I/O that follows it — is
// what must be atomic with respect to other resolution attempts.
func (c *Coordinator) finishResolution(ctx context.Context, entry *hookproto.PendingEntry, outcome chat.Outcome, resp *hookproto.Response) {
	entry.CancelWatcher()
	if timer, ok := c.timers[entry.RequestID]; ok {
		timer.Stop()
		delete(c.timers, entry.RequestID)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.adapter.UpdateResolved(ctx, entry.ChatHandle, outcome); err != nil {
			c.logger.Warn("chat update failed during resolution", "request_id", entry.RequestID, "error", err)
		}
		if resp != nil {
			if err := hookproto.WriteResponse(entry.Conn, *resp); err != nil {
				c.logger.Debug("writing resolution response failed, hook likely already gone", "request_id", entry.RequestID, "error", err)
			}
		}
		_ = entry.Conn.Close()
	}()
}

func (c *Coordinator) handleNotification(ctx context.Context, ev event) {
	snap := c.store.SnapshotIdle()
	if !snap.IsIdle {
		c.logger.Info("notification received while active", "notification_type", ev.frame.NotificationType, "idle", false, "idle_duration", snap.Duration)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, err := c.adapter.PostNotification(ctx, notificationFields(ev.frame))
		if err != nil {
			c.logger.Warn("failed to post notification", "notification_type", ev.frame.NotificationType, "error", err)
			return
		}
		c.logger.Info("notification posted", "notification_type", ev.frame.NotificationType, "idle", true, "idle_duration", snap.Duration)
	}()
}

// watchPeerClose blocks on a read from conn until it errors (peer closed,
// or the coordinator itself closed the connection while resolving through
// another path) and reports the close as an event. It never interprets
// stray bytes as anything but noise: the hook sends exactly one frame and
// then waits.
func (c *Coordinator) watchPeerClose(ctx context.Context, requestID string, conn hookproto.Conn) {
	defer c.wg.Done()
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case c.events <- event{kind: evHookClosed, requestID: requestID}:
			case <-ctx.Done():
			case <-c.doneCh:
			}
			return
		}
		if n == 0 {
			continue
		}
	}
}

func (c *Coordinator) writeAndClose(conn hookproto.Conn, resp hookproto.Response) {
	if err := hookproto.WriteResponse(conn, resp); err != nil {
		c.logger.Debug("writing response failed", "error", err)
	}
	_ = conn.Close()
}

// shutdown drains every still-pending request as answered_locally on a
// best-effort basis and waits (bounded) for in-flight resolution I/O.
func (c *Coordinator) shutdown() {
	ctx := context.Background()
	for _, entry := range c.store.Drain() {
		c.finishResolution(ctx, entry, chat.OutcomeAnsweredLocally, &hookproto.Response{Action: hookproto.ActionPassthrough, Reason: "daemon shutting down"})
	}
	for reqID, ps := range c.posting {
		ps.timer.Stop()
		delete(c.posting, reqID)
		c.writeAndClose(ps.conn, hookproto.Response{Action: hookproto.ActionPassthrough, Reason: "daemon shutting down"})
	}
	close(c.doneCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("coordinator shutdown drain timed out with goroutines still in flight")
	}
}
