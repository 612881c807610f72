package mcp

import "context"

// Transport moves JSON-RPC messages between the client and one MCP
// server. Implementations own framing, delivery, and response
// correlation; the client never touches the wire.
type Transport interface {
	// Send delivers req and blocks until the server's answer for that
	// ID arrives or ctx ends.
	Send(ctx context.Context, req *request) (*response, error)

	// Notify delivers a fire-and-forget message.
	Notify(ctx context.Context, n *notification) error

	// Close releases the transport and whatever it runs on.
	Close() error
}

var (
	_ Transport = (*StdioTransport)(nil)
	_ Transport = (*HTTPTransport)(nil)
)
