package mcpconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
	"github.com/mcpconn/mcp-conn-go/mcp"
)

// pendingRequest tracks one outstanding outbound request until a response,
// cancellation, or timeout completes it. Completion is at-most-once; the
// losing side of any race is a no-op.
type pendingRequest struct {
	id        *jsonrpc.RequestID
	method    string
	createdAt time.Time
	tokenKey  string

	once sync.Once
	done chan struct{}
	resp *jsonrpc.Response
	err  error
}

func newPendingRequest(id *jsonrpc.RequestID, method, tokenKey string) *pendingRequest {
	return &pendingRequest{
		id:        id,
		method:    method,
		createdAt: time.Now(),
		tokenKey:  tokenKey,
		done:      make(chan struct{}),
	}
}

// complete resolves the pending request exactly once.
func (p *pendingRequest) complete(resp *jsonrpc.Response, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

// Call sends a request and blocks until the peer responds, the context is
// cancelled, or the timeout elapses. The result payload is returned raw for
// the caller to decode. A remote failure is returned as *jsonrpc.Error with
// the peer's code, message, and data intact.
//
// Outside the initialize handshake, Call fails synchronously with a
// *LifecycleError unless the connection is operating. No I/O happens in that
// case.
func (c *Conn) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	settings := callSettings{timeout: c.cfg.requestTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	if err := c.gateOutbound(method); err != nil {
		return nil, err
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := settings.id
	if id == nil {
		id = jsonrpc.NewRequestID(c.nextID.Add(1))
	}
	key := id.String()

	var tokenKey string
	if settings.progress != nil {
		tok := settings.progressTok
		if tok == nil {
			tok = mcp.ProgressToken(uuid.NewString())
		}
		raw, err = mcp.InjectProgressToken(raw, tok)
		if err != nil {
			return nil, err
		}
		tokenKey = mcp.ProgressTokenKey(tok)
		c.addProgressWaiter(tokenKey, settings.progress)
	}

	pend := newPendingRequest(id, method, tokenKey)

	c.pendingMu.Lock()
	if c.closed.Load() {
		c.pendingMu.Unlock()
		c.releaseProgress(tokenKey)
		return nil, ErrConnectionClosed
	}
	if _, exists := c.pending[key]; exists {
		c.pendingMu.Unlock()
		c.releaseProgress(tokenKey)
		return nil, fmt.Errorf("id %q: %w", key, ErrDuplicateRequestID)
	}
	c.pending[key] = pend
	c.pendingMu.Unlock()

	// Every exit path below releases the entry; responses arriving after
	// that are dropped by completePending.
	defer c.releasePending(key, tokenKey)

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: raw, ID: id}
	if err := c.send(ctx, req.AsAny()); err != nil {
		return nil, err
	}

	var timeoutC <-chan time.Time
	if settings.timeout > 0 {
		timer := time.NewTimer(settings.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-pend.done:
		if pend.err != nil {
			return nil, pend.err
		}
		if pend.resp.Error != nil {
			return nil, pend.resp.Error
		}
		return pend.resp.Result, nil

	case <-timeoutC:
		// The peer is only notified, not forced, to stop.
		c.notifyCancelled(id, "request timed out")
		return nil, fmt.Errorf("%s: %w after %s", method, ErrRequestTimeout, settings.timeout)

	case <-ctx.Done():
		c.notifyCancelled(id, "context cancelled")
		return nil, ctx.Err()
	}
}

// Notify sends a notification. There is no outcome to report: delivery is
// fire-and-forget and handler failures on the peer are never surfaced.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := c.gateOutbound(method); err != nil {
		return err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: raw}
	return c.send(ctx, note.AsAny())
}

// completePending routes an inbound response to its waiting call. A response
// with no matching entry is dropped: it belongs to a request that was
// cancelled, timed out, or already completed, which is expected and not an
// error.
func (c *Conn) completePending(resp *jsonrpc.Response) {
	if resp == nil || resp.ID.IsNil() {
		return
	}
	key := resp.ID.String()

	c.pendingMu.Lock()
	pend, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("conn.correlate.unknown_id", slog.String("id", key))
		return
	}

	c.releaseProgress(pend.tokenKey)
	pend.complete(resp, nil)
}

// releasePending removes the entry and its progress token mapping if still
// present. Safe to call after completePending already removed them.
func (c *Conn) releasePending(key, tokenKey string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
	c.releaseProgress(tokenKey)
}

// failPending completes every outstanding call with the given cause. Used on
// shutdown and transport failure.
func (c *Conn) failPending(cause error) {
	c.pendingMu.Lock()
	drained := make([]*pendingRequest, 0, len(c.pending))
	for key, pend := range c.pending {
		delete(c.pending, key)
		drained = append(drained, pend)
	}
	c.pendingMu.Unlock()

	for _, pend := range drained {
		pend.complete(nil, fmt.Errorf("%s: %w", pend.method, wrapClosed(cause)))
	}
}

func wrapClosed(cause error) error {
	if cause == nil || cause == ErrConnectionClosed {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %s", ErrConnectionClosed, cause.Error())
}
