// Package mempipe provides an in-memory connected transport pair. Each side
// satisfies the connection core's Transport contract; messages are encoded
// and re-decoded on the way through so the pair behaves like a real wire,
// including FIFO delivery per direction and codec validation.
//
// The pair exists so every connection is independently testable without any
// process-external transport.
package mempipe

import (
	"context"
	"errors"
	"sync"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
)

// ErrClosed is returned by Send after either side closed the pipe.
var ErrClosed = errors.New("mempipe: closed")

const defaultBuffer = 16

// Transport is one end of an in-memory pipe.
type Transport struct {
	peer *Transport

	in   chan *jsonrpc.AnyMessage
	done chan struct{}

	closeOnce sync.Once
	started   sync.Once
}

// New returns two connected transports. A message sent on one is delivered,
// in order, to the other's message callback.
func New() (*Transport, *Transport) {
	a := &Transport{in: make(chan *jsonrpc.AnyMessage, defaultBuffer), done: make(chan struct{})}
	b := &Transport{in: make(chan *jsonrpc.AnyMessage, defaultBuffer), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Start begins delivering inbound messages on a dedicated goroutine, one at
// a time in arrival order.
func (t *Transport) Start(ctx context.Context, onMessage func(*jsonrpc.AnyMessage), onClose func(error)) error {
	var startErr error
	started := false
	t.started.Do(func() {
		started = true
		go func() {
			for {
				select {
				case msg := <-t.in:
					onMessage(msg)
				case <-t.done:
					onClose(nil)
					return
				}
			}
		}()
	})
	if !started {
		return errors.New("mempipe: already started")
	}
	return startErr
}

// Send delivers a message to the peer. It blocks while the peer's buffer is
// full, providing natural backpressure.
func (t *Transport) Send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	// Round-trip through the codec so the receiver gets an isolated,
	// validated copy, exactly as a byte-oriented transport would produce.
	b, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := jsonrpc.Decode(b)
	if err != nil {
		return err
	}

	select {
	case <-t.done:
		return ErrClosed
	case <-t.peer.done:
		return ErrClosed
	case t.peer.in <- decoded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down both ends of the pipe. Messages still buffered are
// discarded. Safe to call from either side, more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	t.peer.closeOnce.Do(func() { close(t.peer.done) })
	return nil
}
