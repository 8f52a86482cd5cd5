// Package mcpconn implements the Model Context Protocol connection core: a
// JSON-RPC 2.0 message exchange engine that correlates requests with
// responses, negotiates versions and capabilities during initialization,
// propagates cooperative cancellation, and relays progress for long-running
// operations. It is transport-agnostic; anything satisfying Transport can
// carry a connection.
package mcpconn

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mcpconn/mcp-conn-go/internal/logctx"
	"github.com/mcpconn/mcp-conn-go/jsonrpc"
	"github.com/mcpconn/mcp-conn-go/mcp"
)

// Request is the inbound view handed to handlers. ID is nil when the message
// was a notification.
type Request struct {
	Method string
	Params json.RawMessage
	ID     *jsonrpc.RequestID
}

// Handler processes one inbound request or notification. Returning a
// *jsonrpc.Error passes its code, message, and data to the peer verbatim;
// any other error is reported as an internal error. Handlers may block on
// I/O; the connection dispatches them concurrently. The context is cancelled
// when the peer cancels the request or the connection shuts down.
type Handler func(ctx context.Context, req *Request) (any, error)

// Conn is one end of an MCP connection. It owns the transport and every
// piece of per-connection state: the pending-request map, the handler
// registry, the lifecycle state machine, and the cancellation and progress
// bookkeeping. Independent connections share nothing.
type Conn struct {
	id  string
	t   Transport
	cfg config
	log *slog.Logger

	// serializes writes to the transport
	writeMu sync.Mutex

	stateMu         sync.Mutex
	state           State
	protocolVersion string
	peerInfo        mcp.Implementation
	peerCaps        mcp.Capabilities
	handshakeTimer  *time.Timer

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
	nextID    atomic.Int64

	progressMu      sync.Mutex
	progressWaiters map[string]*progressWaiter

	// inbound requests currently being handled, keyed by ID string
	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc

	// bounds concurrent inbound handler execution; nil means unbounded
	sem *semaphore.Weighted

	runCtx    context.Context
	runCancel context.CancelFunc

	opened atomic.Bool
	closed atomic.Bool
}

// NewConn builds a connection over the given transport. The connection is
// inert until Open is called; handlers may be registered at any time.
func NewConn(t Transport, opts ...Option) *Conn {
	cfg := config{
		log:              slog.Default(),
		capabilities:     mcp.NewCapabilities(),
		requestTimeout:   defaultRequestTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		progressInterval: defaultProgressInterval,
		capabilityPolicy: CapabilityPolicyPeerDeclared,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	c := &Conn{
		id:              uuid.NewString(),
		t:               t,
		cfg:             cfg,
		state:           StateDisconnected,
		handlers:        make(map[string]Handler),
		pending:         make(map[string]*pendingRequest),
		progressWaiters: make(map[string]*progressWaiter),
		inflight:        make(map[string]context.CancelCauseFunc),
		runCtx:          runCtx,
		runCancel:       runCancel,
	}
	c.log = slog.New(logctx.Handler{Handler: cfg.log.Handler()}).With(slog.String("conn_id", c.id))

	if cfg.maxConcurrency > 0 {
		c.sem = semaphore.NewWeighted(cfg.maxConcurrency)
	}

	c.registerBuiltins()

	return c
}

// ID returns the process-unique connection ID used in logs.
func (c *Conn) ID() string { return c.id }

// Open starts the transport and begins processing inbound messages. It must
// be called exactly once; the connection remains Disconnected until the
// initialize handshake begins.
func (c *Conn) Open(ctx context.Context) error {
	if !c.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	if err := c.t.Start(ctx, c.handleMessage, c.handleTransportClose); err != nil {
		return err
	}
	c.log.DebugContext(ctx, "conn.open")
	return nil
}

// Close shuts the connection down: every pending call fails with
// ErrConnectionClosed, running inbound handlers are cancelled, and the
// transport is closed. Close is idempotent.
func (c *Conn) Close() error {
	return c.teardown(ErrConnectionClosed, true)
}

// handleMessage is the transport's delivery callback. The transport invokes
// it serially, one decoded message at a time; handler execution fans out
// from here.
func (c *Conn) handleMessage(msg *jsonrpc.AnyMessage) {
	if msg == nil {
		return
	}
	switch msg.Type() {
	case jsonrpc.MessageTypeResponse:
		c.completePending(msg.AsResponse())
	case jsonrpc.MessageTypeRequest:
		c.dispatchRequest(msg.AsRequest())
	case jsonrpc.MessageTypeNotification:
		c.dispatchNotification(msg.AsRequest())
	}
}

func (c *Conn) handleTransportClose(err error) {
	if err != nil {
		c.log.Warn("conn.transport.closed", slog.String("err", err.Error()))
	} else {
		c.log.Debug("conn.transport.closed")
	}
	_ = c.teardown(err, false)
}

func (c *Conn) teardown(cause error, closeTransport bool) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if cause == nil {
		cause = ErrConnectionClosed
	}

	c.setState(StateShuttingDown)
	c.failPending(cause)
	c.cancelAllInflight(cause)
	c.releaseAllProgress()
	c.runCancel()

	var err error
	if closeTransport {
		err = c.t.Close()
	}
	c.setState(StateDisconnected)
	c.log.Debug("conn.closed")
	return err
}

// send serializes all writes to the transport.
func (c *Conn) send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.t.Send(ctx, msg)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(params)
	}
}
