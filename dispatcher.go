package mcpconn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mcpconn/mcp-conn-go/internal/logctx"
	"github.com/mcpconn/mcp-conn-go/jsonrpc"
	"github.com/mcpconn/mcp-conn-go/mcp"
)

// Method names owned by the core. User handlers cannot be registered for
// these.
var reservedMethods = map[string]struct{}{
	string(mcp.InitializeMethod):              {},
	string(mcp.InitializedNotificationMethod): {},
	string(mcp.PingMethod):                    {},
	string(mcp.CancelledNotificationMethod):   {},
	string(mcp.ProgressNotificationMethod):    {},
}

func (c *Conn) registerBuiltins() {
	c.handlers[string(mcp.InitializeMethod)] = c.handleInitialize
	c.handlers[string(mcp.InitializedNotificationMethod)] = c.handleInitialized
	c.handlers[string(mcp.PingMethod)] = c.handlePing
	c.handlers[string(mcp.CancelledNotificationMethod)] = c.handleCancelled
	c.handlers[string(mcp.ProgressNotificationMethod)] = c.handleProgress
}

// Handle registers a handler for the given method name. Registering a name
// twice is an error, as is registering one of the reserved core methods.
// Handle is safe to call concurrently with dispatch.
func (c *Conn) Handle(method string, h Handler) error {
	if _, ok := reservedMethods[method]; ok {
		return ErrReservedMethod
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if _, ok := c.handlers[method]; ok {
		return ErrDuplicateMethod
	}
	c.handlers[method] = h
	return nil
}

func (c *Conn) lookupHandler(method string) (Handler, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	h, ok := c.handlers[method]
	return h, ok
}

// dispatchRequest routes one inbound request. The handler runs on its own
// goroutine so a slow method never blocks the transport's delivery loop or
// other methods.
func (c *Conn) dispatchRequest(req *jsonrpc.Request) {
	method := mcp.Method(req.Method)

	if err := c.gateInbound(method); err != nil {
		c.reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "invalid request for current state", nil))
		return
	}

	h, ok := c.lookupHandler(req.Method)
	if !ok {
		c.log.Debug("conn.dispatch.method_not_found", slog.String("method", req.Method))
		c.reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found", nil))
		return
	}

	go c.invokeRequest(h, req)
}

func (c *Conn) invokeRequest(h Handler, req *jsonrpc.Request) {
	if c.sem != nil {
		if err := c.sem.Acquire(c.runCtx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)
	}

	key := req.ID.String()
	ctx, cancel := context.WithCancelCause(c.runCtx)
	defer cancel(nil)

	c.trackInflight(key, cancel)
	defer c.untrackInflight(key)

	if tok, ok := mcp.ExtractProgressToken(req.Params); ok {
		ctx = withProgressReporter(ctx, c.newProgressReporter(tok))
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: key, Type: string(jsonrpc.MessageTypeRequest)})
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{State: string(c.State()), ProtocolVersion: c.ProtocolVersion()})

	start := time.Now()
	result, err := h(ctx, &Request{Method: req.Method, Params: req.Params, ID: req.ID})

	// A cancelled request gets no reply: the peer stopped waiting and late
	// results are ignored on both sides.
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrCancelled) {
		c.log.DebugContext(ctx, "conn.dispatch.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			c.reply(&jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID})
			return
		}
		c.log.ErrorContext(ctx, "conn.dispatch.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		c.reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
		return
	}

	resp, rerr := jsonrpc.NewResultResponse(req.ID, result)
	if rerr != nil {
		c.log.ErrorContext(ctx, "conn.dispatch.encode_fail", slog.String("err", rerr.Error()))
		c.reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
		return
	}
	c.log.DebugContext(ctx, "conn.dispatch.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	c.reply(resp)
}

// dispatchNotification routes one inbound notification. Core notifications
// (initialized, cancelled, progress) run inline so their effects are ordered
// before any message delivered after them; user notifications fan out like
// requests. Nothing is ever sent back, whatever the outcome.
func (c *Conn) dispatchNotification(note *jsonrpc.Request) {
	method := mcp.Method(note.Method)

	if _, reserved := reservedMethods[note.Method]; !reserved {
		if err := c.gateInbound(method); err != nil {
			c.log.Debug("conn.notification.dropped", slog.String("method", note.Method), slog.String("state", string(c.State())))
			return
		}
	}

	h, ok := c.lookupHandler(note.Method)
	if !ok {
		c.log.Debug("conn.notification.unhandled", slog.String("method", note.Method))
		return
	}

	if _, reserved := reservedMethods[note.Method]; reserved {
		c.invokeNotification(h, note)
		return
	}
	go c.invokeNotification(h, note)
}

func (c *Conn) invokeNotification(h Handler, note *jsonrpc.Request) {
	ctx := logctx.WithRPCMessage(c.runCtx, &logctx.RPCMessage{Method: note.Method, Type: string(jsonrpc.MessageTypeNotification)})
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{State: string(c.State()), ProtocolVersion: c.ProtocolVersion()})
	if _, err := h(ctx, &Request{Method: note.Method, Params: note.Params}); err != nil {
		// No reply channel exists for notifications; failures are local.
		c.log.WarnContext(ctx, "conn.notification.fail", slog.String("method", note.Method), slog.String("err", err.Error()))
	}
}

// handlePing answers the built-in liveness probe.
func (c *Conn) handlePing(ctx context.Context, req *Request) (any, error) {
	return &mcp.EmptyResult{}, nil
}

func (c *Conn) reply(resp *jsonrpc.Response) {
	if err := c.send(c.runCtx, resp.AsAny()); err != nil {
		c.log.Warn("conn.reply.fail", slog.String("err", err.Error()))
	}
}

func (c *Conn) trackInflight(key string, cancel context.CancelCauseFunc) {
	c.inflightMu.Lock()
	c.inflight[key] = cancel
	c.inflightMu.Unlock()
}

func (c *Conn) untrackInflight(key string) {
	c.inflightMu.Lock()
	delete(c.inflight, key)
	c.inflightMu.Unlock()
}

func (c *Conn) cancelAllInflight(cause error) {
	c.inflightMu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(c.inflight))
	for key, cancel := range c.inflight {
		delete(c.inflight, key)
		cancels = append(cancels, cancel)
	}
	c.inflightMu.Unlock()

	for _, cancel := range cancels {
		cancel(cause)
	}
}
