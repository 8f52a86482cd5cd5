package mcpconn

import (
	"log/slog"
	"time"

	"github.com/mcpconn/mcp-conn-go/jsonrpc"
	"github.com/mcpconn/mcp-conn-go/mcp"
)

// CapabilityPolicy decides which declared features the local side may rely on
// once negotiation completes.
type CapabilityPolicy string

const (
	// CapabilityPolicyPeerDeclared exposes exactly what the peer declared.
	// Features are opt-in per side; each side only invokes methods the peer
	// declared support for.
	CapabilityPolicyPeerDeclared CapabilityPolicy = "peer_declared"

	// CapabilityPolicyIntersect exposes only features both sides declared.
	CapabilityPolicyIntersect CapabilityPolicy = "intersect"
)

const (
	defaultRequestTimeout   = 60 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	defaultProgressInterval = 100 * time.Millisecond
)

type config struct {
	log              *slog.Logger
	info             mcp.Implementation
	capabilities     mcp.Capabilities
	instructions     string
	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	progressInterval time.Duration
	maxConcurrency   int64
	capabilityPolicy CapabilityPolicy
}

// Option configures a Conn.
type Option func(*config)

// WithLogger sets a custom logger for the connection.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithInfo sets the implementation info announced during initialization.
func WithInfo(info mcp.Implementation) Option {
	return func(c *config) { c.info = info }
}

// WithCapabilities sets the capability flags declared during initialization.
func WithCapabilities(caps mcp.Capabilities) Option {
	return func(c *config) { c.capabilities = caps }
}

// WithInstructions sets the instructions string returned to initiators.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithRequestTimeout sets the default per-call timeout. Zero disables the
// default; individual calls may still set one via WithTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.requestTimeout = d }
}

// WithHandshakeTimeout bounds how long a responder waits between answering
// initialize and receiving notifications/initialized before tearing down.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithProgressInterval sets the minimum interval between outbound progress
// notifications for a single token. Updates arriving faster are coalesced.
func WithProgressInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.progressInterval = d
		}
	}
}

// WithMaxConcurrentRequests bounds how many inbound requests may be handled
// concurrently. Zero means unbounded.
func WithMaxConcurrentRequests(n int64) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxConcurrency = n
		}
	}
}

// WithCapabilityPolicy selects how the effective capability set is derived
// from the two declarations. Default is CapabilityPolicyPeerDeclared.
func WithCapabilityPolicy(p CapabilityPolicy) Option {
	return func(c *config) {
		if p == CapabilityPolicyPeerDeclared || p == CapabilityPolicyIntersect {
			c.capabilityPolicy = p
		}
	}
}

type callSettings struct {
	timeout     time.Duration
	id          *jsonrpc.RequestID
	progress    func(progress, total float64)
	progressTok mcp.ProgressToken
}

// CallOption configures a single Call.
type CallOption func(*callSettings)

// WithTimeout overrides the connection's default timeout for one call.
// Zero disables the timeout entirely.
func WithTimeout(d time.Duration) CallOption {
	return func(s *callSettings) { s.timeout = d }
}

// WithRequestID uses a caller-chosen request ID instead of an allocated one.
// The ID must be unique among the caller's in-flight requests; it can be used
// to cancel the call from another goroutine via Conn.Cancel.
func WithRequestID(id *jsonrpc.RequestID) CallOption {
	return func(s *callSettings) { s.id = id }
}

// WithProgress attaches a progress token to the call and invokes fn for every
// accepted progress notification the peer sends for it.
func WithProgress(fn func(progress, total float64)) CallOption {
	return func(s *callSettings) { s.progress = fn }
}

// WithProgressToken supplies an explicit progress token. Only meaningful
// together with WithProgress; by default a fresh token is generated.
func WithProgressToken(tok mcp.ProgressToken) CallOption {
	return func(s *callSettings) { s.progressTok = tok }
}
