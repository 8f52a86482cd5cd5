// Package mcp contains the protocol vocabulary shared by both peers of a
// connection: JSON-RPC method name constants, the initialize handshake
// payloads, capability declarations, protocol version negotiation, and the
// cancellation/progress notification shapes.
//
// The package is intentionally free of transport and dispatch logic. The
// connection core and any transport import these types; application code uses
// them when registering handlers or driving the handshake.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsCallMethod). Using the constants avoids typographical mistakes
// and keeps a single point of truth as the protocol gains methods.
package mcp
