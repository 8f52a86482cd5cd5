// Package stdio implements the newline-delimited JSON transport used for
// stdio-launched peers: one JSON-RPC message per line on the way out, one
// per line on the way in. By default it speaks over os.Stdin and os.Stdout.
//
// The transport owns framing and decoding only; all protocol semantics live
// in the connection core.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
)

// ErrClosed is returned by Send after the transport was closed.
var ErrClosed = errors.New("stdio: transport closed")

// Transport frames JSON-RPC messages as newline-delimited JSON over an
// io.Reader / io.Writer pair.
type Transport struct {
	r io.Reader
	w *writeMux

	done      chan struct{}
	closeOnce sync.Once
	started   sync.Once
}

// Option configures a Transport.
type Option func(*Transport)

// WithReader overrides the inbound stream (default os.Stdin).
func WithReader(r io.Reader) Option {
	return func(t *Transport) {
		if r != nil {
			t.r = r
		}
	}
}

// WithWriter overrides the outbound stream (default os.Stdout).
func WithWriter(w io.Writer) Option {
	return func(t *Transport) {
		if w != nil {
			t.w = newWriteMux(w)
		}
	}
}

// New builds a stdio transport with defaults and applies options.
func New(opts ...Option) *Transport {
	t := &Transport{
		r:    os.Stdin,
		w:    newWriteMux(os.Stdout),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Start spawns the read loop. Inbound frames are decoded and delivered one
// at a time; a frame that is not valid JSON-RPC is answered with a parse
// error response and skipped, never fatal to the stream.
func (t *Transport) Start(ctx context.Context, onMessage func(*jsonrpc.AnyMessage), onClose func(error)) error {
	alreadyStarted := true
	t.started.Do(func() {
		alreadyStarted = false
		go t.readLoop(onMessage, onClose)
	})
	if alreadyStarted {
		return errors.New("stdio: already started")
	}
	return nil
}

func (t *Transport) readLoop(onMessage func(*jsonrpc.AnyMessage), onClose func(error)) {
	br := bufio.NewReader(t.r)
	for {
		line, err := br.ReadBytes('\n')

		if frame := bytes.TrimSpace(line); len(frame) > 0 {
			msg, derr := jsonrpc.Decode(frame)
			if derr != nil {
				t.answerInvalid(frame, derr)
			} else {
				select {
				case <-t.done:
					return
				default:
				}
				onMessage(msg)
			}
		}

		if err != nil {
			select {
			case <-t.done:
				// Close already reported; the reader failing afterwards is
				// expected.
			default:
				if errors.Is(err, io.EOF) {
					onClose(nil)
				} else {
					onClose(err)
				}
			}
			return
		}
	}
}

// answerInvalid decides whether an undecodable frame gets an error reply.
// Only a request-shaped frame is answered: valid JSON carrying a method
// member and an id to echo. Line noise, notification-shaped frames, and
// response-shaped frames are dropped, since a reply to a reply can bounce
// between two peers without end.
func (t *Transport) answerInvalid(frame []byte, derr error) {
	var head struct {
		Method *string            `json:"method"`
		ID     *jsonrpc.RequestID `json:"id"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.Method == nil {
		return
	}
	if head.ID.IsNil() {
		return
	}
	_ = t.w.writeJSONRPC(jsonrpc.NewErrorResponse(head.ID, jsonrpc.ErrorCodeInvalidRequest, derr.Error(), nil))
}

// Send writes one message as a single line.
func (t *Transport) Send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	return t.w.writeJSONRPC(msg)
}

// Close stops the transport and closes the underlying streams when they
// support it.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if c, ok := t.r.(io.Closer); ok {
			err = errors.Join(err, c.Close())
		}
		err = errors.Join(err, t.w.close())
	})
	return err
}

// writeMux serializes frame writes so concurrent senders never interleave
// bytes within a line.
type writeMux struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

func newWriteMux(w io.Writer) *writeMux {
	mux := &writeMux{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		mux.c = c
	}
	return mux
}

func (m *writeMux) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.w.Write(b); err != nil {
		return err
	}
	if err := m.w.WriteByte('\n'); err != nil {
		return err
	}
	return m.w.Flush()
}

func (m *writeMux) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.w.Flush()
	if m.c != nil {
		err = errors.Join(err, m.c.Close())
	}
	return err
}
