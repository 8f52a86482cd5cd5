package mcpconn

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
	"github.com/mcpconn/mcp-conn-go/mcp"
)

// Cancel requests early termination of an in-flight outbound request by ID.
// It sends a cancellation notification to the peer and immediately completes
// the local call with a CancelledError; cancellation is advisory, so no
// acknowledgment is awaited. Cancelling an unknown or already-completed ID
// is a no-op.
func (c *Conn) Cancel(id *jsonrpc.RequestID, reason string) {
	if id.IsNil() {
		return
	}
	key := id.String()

	c.notifyCancelled(id, reason)

	c.pendingMu.Lock()
	pend, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}
	c.releaseProgress(pend.tokenKey)
	pend.complete(nil, &CancelledError{Reason: reason})
}

// notifyCancelled emits notifications/cancelled best-effort. Failures are
// logged and swallowed: the pending entry is already gone locally and a late
// response will be dropped either way.
func (c *Conn) notifyCancelled(id *jsonrpc.RequestID, reason string) {
	note, err := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), &mcp.CancelledNotification{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	if err := c.send(context.WithoutCancel(c.runCtx), note.AsAny()); err != nil {
		c.log.Debug("conn.cancel.notify_fail", slog.String("id", id.String()), slog.String("err", err.Error()))
	}
}

// handleCancelled processes an inbound cancellation notification. If the
// referenced request is still being handled locally, its handler context is
// cancelled so cooperative handlers can abandon work and release resources.
// If the peer is instead refusing a request we sent, the waiting call is
// completed with a CancelledError. Anything else is a no-op: the request
// already completed or was never known.
func (c *Conn) handleCancelled(ctx context.Context, req *Request) (any, error) {
	var params mcp.CancelledNotification
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, err
	}
	if params.RequestID.IsNil() {
		return nil, nil
	}
	key := params.RequestID.String()

	c.inflightMu.Lock()
	cancel, ok := c.inflight[key]
	c.inflightMu.Unlock()
	if ok {
		cancel(&CancelledError{Reason: params.Reason})
		return nil, nil
	}

	c.pendingMu.Lock()
	pend, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
	if ok {
		c.releaseProgress(pend.tokenKey)
		pend.complete(nil, &CancelledError{Reason: params.Reason})
		return nil, nil
	}

	c.log.Debug("conn.cancelled.unknown_id", slog.String("id", key))
	return nil, nil
}
