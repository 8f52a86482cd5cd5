package mcpconn

import (
	"context"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
)

// Transport is the abstract bidirectional message channel a Conn runs over.
// Implementations own byte framing and decoding; the core only ever sees
// fully-decoded messages.
//
// Delivery contract: onMessage is invoked with one message at a time, in the
// order messages arrived (FIFO per direction). onClose is invoked exactly
// once when the underlying channel fails or reaches EOF; a nil error means a
// clean close. Neither callback may be invoked after Close returns.
type Transport interface {
	// Start begins delivering inbound messages. It must be called at most
	// once and returns after the transport is ready to send.
	Start(ctx context.Context, onMessage func(*jsonrpc.AnyMessage), onClose func(error)) error

	// Send transmits a single message. It may block (e.g. on buffer space)
	// and is never invoked concurrently by the core.
	Send(ctx context.Context, msg *jsonrpc.AnyMessage) error

	// Close tears down the channel. Safe to call more than once.
	Close() error
}
