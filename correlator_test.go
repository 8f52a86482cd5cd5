package mcpconn

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
	"github.com/mcpconn/mcp-conn-go/mcp"
)

// initiates the handshake against the raw peer so the conn is operating.
func operateAgainstRawPeer(t *testing.T, conn *Conn, peer *rawPeer) {
	t.Helper()
	go peer.serveInitialize(t, nil)
	if _, err := conn.Initialize(testContext(t)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func TestCallTimeoutThenLateResponseDropped(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t)
	operateAgainstRawPeer(t, conn, peer)

	start := time.Now()
	_, err := conn.Call(testContext(t), "tools/never", nil, WithTimeout(50*time.Millisecond))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if elapsed < 40*time.Millisecond || elapsed > time.Second {
		t.Errorf("timeout fired at %v, wanted ~50ms", elapsed)
	}

	// The request went out, followed by a best-effort cancellation.
	req := peer.next(t)
	if req == nil || req.Method != "tools/never" {
		t.Fatalf("expected the request on the wire, got %+v", req)
	}
	if note := peer.next(t); note == nil || note.Method != string(mcp.CancelledNotificationMethod) {
		t.Errorf("expected cancelled notification after timeout, got %+v", note)
	}

	// A late response for the timed-out ID is silently dropped and the
	// connection keeps working.
	peer.sendResult(t, req.ID, map[string]bool{"late": true})

	done := make(chan struct{})
	go func() {
		defer close(done)
		raw, err := conn.Call(testContext(t), "tools/next", nil)
		if err != nil {
			t.Errorf("follow-up call: %v", err)
			return
		}
		var res struct {
			OK bool `json:"ok"`
		}
		if err := json.Unmarshal(raw, &res); err != nil || !res.OK {
			t.Errorf("follow-up result: %s", raw)
		}
	}()

	next := peer.next(t)
	if next == nil || next.Method != "tools/next" {
		t.Fatalf("expected follow-up request, got %+v", next)
	}
	peer.sendResult(t, next.ID, map[string]bool{"ok": true})
	<-done
}

func TestDuplicateResponseCompletesOnce(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t)
	operateAgainstRawPeer(t, conn, peer)

	results := make(chan json.RawMessage, 2)
	go func() {
		raw, err := conn.Call(testContext(t), "tools/dup", nil)
		if err != nil {
			t.Errorf("call: %v", err)
			return
		}
		results <- raw
	}()

	req := peer.next(t)
	if req == nil {
		t.FailNow()
	}
	peer.sendResult(t, req.ID, map[string]int{"n": 1})
	peer.sendResult(t, req.ID, map[string]int{"n": 2})

	select {
	case raw := <-results:
		var res struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(raw, &res); err != nil || res.N != 1 {
			t.Errorf("first response should win: %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call never resolved")
	}

	// No second resolution ever arrives.
	select {
	case <-results:
		t.Fatal("call resolved more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownResponseDropped(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t)
	operateAgainstRawPeer(t, conn, peer)

	// Unsolicited response: no pending entry, no side effects.
	peer.sendResult(t, jsonrpc.NewRequestID(999), map[string]bool{"ghost": true})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := conn.Call(testContext(t), "tools/after", nil); err != nil {
			t.Errorf("call after unsolicited response: %v", err)
		}
	}()
	req := peer.next(t)
	if req == nil {
		t.FailNow()
	}
	peer.sendResult(t, req.ID, map[string]bool{"ok": true})
	<-done
}

func TestCancelRemovesPendingImmediately(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t)
	operateAgainstRawPeer(t, conn, peer)

	id := jsonrpc.NewRequestID("cancel-me")
	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(testContext(t), "tools/slow", nil, WithRequestID(id), WithTimeout(0))
		done <- err
	}()

	req := peer.next(t)
	if req == nil || req.ID.String() != "cancel-me" {
		t.Fatalf("expected request with chosen id, got %+v", req)
	}

	conn.Cancel(id, "changed my mind")

	err := <-done
	var cancelErr *CancelledError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("expected *CancelledError, got %v", err)
	}
	if cancelErr.Reason != "changed my mind" {
		t.Errorf("reason: %q", cancelErr.Reason)
	}
	if !errors.Is(err, ErrCancelled) {
		t.Error("cancelled failure should match ErrCancelled")
	}

	// The peer was notified, advisory only.
	note := peer.next(t)
	if note == nil || note.Method != string(mcp.CancelledNotificationMethod) {
		t.Fatalf("expected cancelled notification, got %+v", note)
	}
	var params mcp.CancelledNotification
	if err := json.Unmarshal(note.Params, &params); err != nil || params.RequestID.String() != "cancel-me" {
		t.Errorf("cancelled params: %s", note.Params)
	}

	// A response arriving after the cancel is a no-op.
	peer.sendResult(t, id, map[string]bool{"late": true})
	time.Sleep(20 * time.Millisecond)

	conn.pendingMu.Lock()
	n := len(conn.pending)
	conn.pendingMu.Unlock()
	if n != 0 {
		t.Errorf("pending map should be empty, has %d entries", n)
	}
}

func TestResponsesOutOfOrder(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t)
	operateAgainstRawPeer(t, conn, peer)

	type result struct {
		raw json.RawMessage
		err error
	}
	res1 := make(chan result, 1)
	res2 := make(chan result, 1)
	go func() {
		raw, err := conn.Call(testContext(t), "tools/first", nil)
		res1 <- result{raw, err}
	}()
	go func() {
		raw, err := conn.Call(testContext(t), "tools/second", nil)
		res2 <- result{raw, err}
	}()

	reqs := map[string]*jsonrpc.AnyMessage{}
	for i := 0; i < 2; i++ {
		m := peer.next(t)
		if m == nil {
			t.FailNow()
		}
		reqs[m.Method] = m
	}

	// Answer in reverse order of sending.
	peer.sendResult(t, reqs["tools/second"].ID, map[string]int{"n": 2})
	peer.sendResult(t, reqs["tools/first"].ID, map[string]int{"n": 1})

	for name, ch := range map[string]chan result{"first": res1, "second": res2} {
		select {
		case r := <-ch:
			if r.err != nil {
				t.Errorf("%s: %v", name, r.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never resolved", name)
		}
	}
}

func TestDuplicateRequestIDFailsFast(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t)
	operateAgainstRawPeer(t, conn, peer)

	id := jsonrpc.NewRequestID(77)
	go func() {
		_, _ = conn.Call(testContext(t), "tools/slow", nil, WithRequestID(id), WithTimeout(0))
	}()

	if req := peer.next(t); req == nil {
		t.FailNow()
	}

	_, err := conn.Call(testContext(t), "tools/other", nil, WithRequestID(jsonrpc.NewRequestID(77)))
	if !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("expected ErrDuplicateRequestID, got %v", err)
	}

	conn.Cancel(id, "test over")
}

func TestRemoteErrorSurfacedVerbatim(t *testing.T) {
	t.Parallel()

	conn, peer := newRawPeerConn(t)
	operateAgainstRawPeer(t, conn, peer)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(testContext(t), "tools/denied", nil)
		done <- err
	}()

	req := peer.next(t)
	if req == nil {
		t.FailNow()
	}
	peer.send(t, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCode(-32099), "no thanks", map[string]string{"hint": "later"}).AsAny())

	err := <-done
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *jsonrpc.Error, got %v", err)
	}
	if rpcErr.Code != jsonrpc.ErrorCode(-32099) || rpcErr.Message != "no thanks" {
		t.Errorf("remote error mangled: %+v", rpcErr)
	}
}
