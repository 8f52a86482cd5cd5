package mcpconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
	"github.com/mcpconn/mcp-conn-go/mcp"
)

// State is the coarse-grained connection phase gating which messages are
// valid. It is mutated only by the lifecycle logic in this file and by
// teardown.
type State string

const (
	StateDisconnected State = "disconnected"
	StateInitializing State = "initializing"
	StateOperating    State = "operating"
	StateShuttingDown State = "shutting_down"
)

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Conn) setState(next State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = next
	c.stateMu.Unlock()
	if prev != next {
		c.log.Debug("conn.state", slog.String("from", string(prev)), slog.String("to", string(next)))
	}
}

// PeerInfo returns the implementation info the peer announced. Zero until
// initialization completes.
func (c *Conn) PeerInfo() mcp.Implementation {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.peerInfo
}

// PeerCapabilities returns the effective capability set negotiated during
// initialization, derived per the configured CapabilityPolicy. Immutable
// once the connection is operating.
func (c *Conn) PeerCapabilities() mcp.Capabilities {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.peerCaps.Clone()
}

// ProtocolVersion returns the negotiated protocol version. Empty until
// initialization completes.
func (c *Conn) ProtocolVersion() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.protocolVersion
}

// gateOutbound rejects, locally and before any I/O, traffic that is invalid
// in the current state. Only the handshake methods and cancellation bypass
// the operating requirement.
func (c *Conn) gateOutbound(method string) error {
	st := c.State()
	m := mcp.Method(method)
	if m.IsHandshake() {
		if st != StateInitializing {
			return &LifecycleError{State: st, Method: method}
		}
		return nil
	}
	if m == mcp.CancelledNotificationMethod {
		return nil
	}
	if st != StateOperating {
		return &LifecycleError{State: st, Method: method}
	}
	return nil
}

// gateInbound mirrors gateOutbound for traffic arriving from the peer.
func (c *Conn) gateInbound(method mcp.Method) error {
	st := c.State()
	if method == mcp.InitializeMethod {
		if st != StateDisconnected {
			return &LifecycleError{State: st, Method: string(method)}
		}
		return nil
	}
	if st != StateOperating {
		return &LifecycleError{State: st, Method: string(method)}
	}
	return nil
}

// Initialize drives the initiator side of the handshake: it proposes the
// latest supported protocol version and the local capability declaration,
// validates the peer's answer, sends notifications/initialized, and moves
// the connection to Operating. A version the local side cannot support is a
// terminal failure; the connection is torn down.
func (c *Conn) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.stateMu.Lock()
	if c.state != StateDisconnected {
		st := c.state
		c.stateMu.Unlock()
		return nil, &LifecycleError{State: st, Method: string(mcp.InitializeMethod)}
	}
	c.state = StateInitializing
	c.stateMu.Unlock()
	c.log.Debug("conn.state", slog.String("from", string(StateDisconnected)), slog.String("to", string(StateInitializing)))

	req := &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities:    c.cfg.capabilities,
		ClientInfo:      c.cfg.info,
	}

	raw, err := c.Call(ctx, string(mcp.InitializeMethod), req)
	if err != nil {
		_ = c.teardown(err, true)
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		_ = c.teardown(err, true)
		return nil, fmt.Errorf("initialize: invalid result: %w", err)
	}

	if !mcp.IsSupportedProtocolVersion(res.ProtocolVersion) {
		err := fmt.Errorf("initialize: peer answered unsupported protocol version %q", res.ProtocolVersion)
		_ = c.teardown(err, true)
		return nil, err
	}

	c.stateMu.Lock()
	c.protocolVersion = res.ProtocolVersion
	c.peerInfo = res.ServerInfo
	c.peerCaps = c.effectiveCapabilities(res.Capabilities)
	c.stateMu.Unlock()

	if err := c.Notify(ctx, string(mcp.InitializedNotificationMethod), &mcp.InitializedNotification{}); err != nil {
		_ = c.teardown(err, true)
		return nil, fmt.Errorf("initialize: send initialized: %w", err)
	}

	c.setState(StateOperating)
	c.log.Info("conn.initialized",
		slog.String("protocol_version", res.ProtocolVersion),
		slog.String("peer", res.ServerInfo.Name))
	return &res, nil
}

// handleInitialize is the responder side of the handshake.
func (c *Conn) handleInitialize(ctx context.Context, req *Request) (any, error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params")
	}

	c.stateMu.Lock()
	if c.state != StateDisconnected {
		st := c.state
		c.stateMu.Unlock()
		c.log.Warn("conn.initialize.invalid_state", slog.String("state", string(st)))
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "invalid request for current state")
	}
	c.state = StateInitializing

	negotiated := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	c.protocolVersion = negotiated
	c.peerInfo = params.ClientInfo
	c.peerCaps = c.effectiveCapabilities(params.Capabilities)

	// The peer has until the handshake deadline to follow up with
	// notifications/initialized; a stalled handshake tears the connection
	// down rather than parking it in Initializing forever.
	c.handshakeTimer = time.AfterFunc(c.cfg.handshakeTimeout, func() {
		if c.State() == StateInitializing {
			c.log.Warn("conn.initialize.handshake_timeout")
			_ = c.teardown(fmt.Errorf("initialized notification not received within %s", c.cfg.handshakeTimeout), true)
		}
	})
	c.stateMu.Unlock()

	c.log.Debug("conn.state", slog.String("from", string(StateDisconnected)), slog.String("to", string(StateInitializing)))
	c.log.Info("conn.initialize",
		slog.String("proposed_version", params.ProtocolVersion),
		slog.String("negotiated_version", negotiated),
		slog.String("peer", params.ClientInfo.Name))

	return &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    c.cfg.capabilities,
		ServerInfo:      c.cfg.info,
		Instructions:    c.cfg.instructions,
	}, nil
}

// handleInitialized completes the responder side of the handshake.
func (c *Conn) handleInitialized(ctx context.Context, req *Request) (any, error) {
	c.stateMu.Lock()
	if c.state != StateInitializing {
		st := c.state
		c.stateMu.Unlock()
		c.log.Warn("conn.initialized.unexpected", slog.String("state", string(st)))
		return nil, nil
	}
	c.state = StateOperating
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	c.stateMu.Unlock()

	c.log.Info("conn.operating", slog.String("protocol_version", c.ProtocolVersion()))
	return nil, nil
}

// effectiveCapabilities applies the configured negotiation policy to the
// peer's declaration.
func (c *Conn) effectiveCapabilities(declared mcp.Capabilities) mcp.Capabilities {
	if declared == nil {
		declared = mcp.NewCapabilities()
	}
	switch c.cfg.capabilityPolicy {
	case CapabilityPolicyIntersect:
		return declared.Intersect(c.cfg.capabilities)
	default:
		return declared.Clone()
	}
}
