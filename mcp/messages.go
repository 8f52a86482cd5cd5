package mcp

import "github.com/mcpconn/mcp-conn-go/jsonrpc"

// BaseMetadata carries optional metadata for results.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// Implementation identifies a peer by name and version.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// InitializeRequest starts the initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult answers an InitializeRequest with the negotiated protocol
// version and the responder's declared capabilities.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitzero"`
	BaseMetadata
}

// InitializedNotification signals that initialization completed.
type InitializedNotification struct{}

// PingRequest is a no-op request used to test connectivity.
type PingRequest struct{}

// EmptyResult is returned for operations that do not return data.
type EmptyResult struct {
	BaseMetadata
}

// CancelledNotification informs the peer that a request was cancelled. The
// ID may arrive as a string or a number, matching however the request was
// originally identified.
type CancelledNotification struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitzero"`
}

// ProgressNotificationParams conveys progress of a long-running operation.
// Total is optional; when present, progress/total approximates a fraction
// complete but neither value is required to have any particular unit.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitzero"`
}
