// Package mcp implements MCP (Model Context Protocol) client support.
// The bridge worker uses it to connect to external MCP servers and
// republish their tools on the fleet bus, where the LLM worker offers
// them to the model.
//
// MCP is JSON-RPC 2.0 over two transports: stdio (subprocess with
// newline-delimited messages) and streamable HTTP. The client performs
// the initialize handshake, discovers tools via tools/list, and invokes
// them via tools/call. Fleet-facing tool names follow the
// mcp__<server>__<tool> shape produced by [ToolName].
//
// This is the client/host side only. Nothing in the fleet acts as an
// MCP server.
package mcp
