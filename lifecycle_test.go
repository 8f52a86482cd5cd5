package mcpconn

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
	"github.com/mcpconn/mcp-conn-go/mcp"
)

func TestResponderHandshakeScenario(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t,
		WithInfo(mcp.Implementation{Name: "responder", Version: "1.0.0"}),
		WithCapabilities(mcp.NewCapabilities().Declare("tools", nil)),
	)
	if err := conn.Handle(string(mcp.ToolsListMethod), func(ctx context.Context, req *Request) (any, error) {
		return map[string]any{"tools": []string{}}, nil
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Client proposes 2024-11-05; the responder supports it and must echo it.
	peer.sendRequest(t, 1, string(mcp.InitializeMethod), &mcp.InitializeRequest{
		ProtocolVersion: mcp.ProtocolVersion20241105,
		Capabilities:    mcp.NewCapabilities().Declare("sampling", nil),
		ClientInfo:      mcp.Implementation{Name: "old-client", Version: "0.9.0"},
	})

	resp := peer.next(t)
	if resp == nil || resp.Type() != jsonrpc.MessageTypeResponse {
		t.Fatalf("expected initialize response, got %+v", resp)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.ProtocolVersion != mcp.ProtocolVersion20241105 {
		t.Errorf("negotiated version: %q", res.ProtocolVersion)
	}
	if res.ServerInfo.Name != "responder" {
		t.Errorf("server info: %+v", res.ServerInfo)
	}

	// Not operating yet: ordinary traffic is rejected with a state error.
	if conn.State() == StateOperating {
		t.Fatal("must not be operating before the initialized notification")
	}
	peer.sendRequest(t, 2, string(mcp.ToolsListMethod), nil)
	early := peer.next(t)
	if early == nil || early.Error == nil {
		t.Fatalf("expected an error response before initialized, got %+v", early)
	}
	if early.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Errorf("pre-operating rejection code: %d", early.Error.Code)
	}

	// Operating only after the initialized notification lands.
	peer.sendNotification(t, string(mcp.InitializedNotificationMethod), &mcp.InitializedNotification{})
	waitForState(t, conn, StateOperating)

	if !conn.PeerCapabilities().Has("sampling") {
		t.Error("responder should see the client's declared capabilities")
	}
	if conn.PeerInfo().Name != "old-client" {
		t.Errorf("peer info: %+v", conn.PeerInfo())
	}

	peer.sendRequest(t, 3, string(mcp.ToolsListMethod), nil)
	late := peer.next(t)
	if late == nil || late.Error != nil {
		t.Fatalf("tools/list should succeed once operating, got %+v", late)
	}
}

func TestInitiatorRejectsUnsupportedVersion(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t)

	go func() {
		req := peer.next(t)
		if req == nil {
			return
		}
		peer.sendResult(t, req.ID, &mcp.InitializeResult{
			ProtocolVersion: "1999-01-01",
			Capabilities:    mcp.NewCapabilities(),
			ServerInfo:      mcp.Implementation{Name: "ancient", Version: "0.0.1"},
		})
	}()

	_, err := conn.Initialize(testContext(t))
	if err == nil {
		t.Fatal("initialize should fail on an unsupported version")
	}

	// Negotiation failure is terminal: the connection is torn down.
	waitForState(t, conn, StateDisconnected)
	if _, err := conn.Call(testContext(t), string(mcp.PingMethod), nil); err == nil {
		t.Error("calls must fail after teardown")
	}
}

func TestInitializeTwiceRejected(t *testing.T) {
	t.Parallel()

	client, server := newConnPair(t, nil, nil)
	initPair(t, client, server)

	_, err := client.Initialize(testContext(t))
	var lcErr *LifecycleError
	if !errors.As(err, &lcErr) {
		t.Fatalf("expected *LifecycleError, got %v", err)
	}
	if lcErr.State != StateOperating {
		t.Errorf("state in error: %q", lcErr.State)
	}
}

func TestInboundInitializeWhileOperatingRejected(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t, WithCapabilities(mcp.NewCapabilities()))

	peer.sendRequest(t, 1, string(mcp.InitializeMethod), &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.Implementation{Name: "c", Version: "1"},
	})
	if resp := peer.next(t); resp == nil || resp.Error != nil {
		t.Fatalf("first initialize should succeed, got %+v", resp)
	}
	peer.sendNotification(t, string(mcp.InitializedNotificationMethod), &mcp.InitializedNotification{})
	waitForState(t, conn, StateOperating)

	peer.sendRequest(t, 2, string(mcp.InitializeMethod), &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.Implementation{Name: "c", Version: "1"},
	})
	resp := peer.next(t)
	if resp == nil || resp.Error == nil {
		t.Fatalf("second initialize should be rejected, got %+v", resp)
	}
	if resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Errorf("rejection code: %d", resp.Error.Code)
	}
}

func TestCapabilityPolicyPeerDeclared(t *testing.T) {
	t.Parallel()

	client, server := newConnPair(t,
		[]Option{WithCapabilities(mcp.NewCapabilities().Declare("sampling", nil))},
		[]Option{WithCapabilities(mcp.NewCapabilities().Declare("tools", nil).Declare("prompts", nil))},
	)
	initPair(t, client, server)

	// Default policy: each side sees exactly what the peer declared.
	if caps := client.PeerCapabilities(); !caps.Has("tools") || !caps.Has("prompts") || caps.Has("sampling") {
		t.Errorf("client effective caps: %v", caps.Names())
	}
	if caps := server.PeerCapabilities(); !caps.Has("sampling") || caps.Has("tools") {
		t.Errorf("server effective caps: %v", caps.Names())
	}
}

func TestCapabilityPolicyIntersect(t *testing.T) {
	t.Parallel()

	client, server := newConnPair(t,
		[]Option{
			WithCapabilityPolicy(CapabilityPolicyIntersect),
			WithCapabilities(mcp.NewCapabilities().Declare("tools", nil)),
		},
		[]Option{WithCapabilities(mcp.NewCapabilities().Declare("tools", nil).Declare("prompts", nil))},
	)
	initPair(t, client, server)

	caps := client.PeerCapabilities()
	if !caps.Has("tools") {
		t.Error("shared capability missing under intersect policy")
	}
	if caps.Has("prompts") {
		t.Error("one-sided capability exposed under intersect policy")
	}
}

func TestHandshakeTimeoutTearsDown(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t, WithHandshakeTimeout(50*time.Millisecond))

	peer.sendRequest(t, 1, string(mcp.InitializeMethod), &mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.Implementation{Name: "c", Version: "1"},
	})
	if resp := peer.next(t); resp == nil || resp.Error != nil {
		t.Fatalf("initialize should succeed, got %+v", resp)
	}

	// Never send initialized; the stalled handshake must not park the
	// connection in Initializing forever.
	waitForState(t, conn, StateDisconnected)
}
