package mcp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 message plumbing. MCP fixes the field names and the
// version string; the types stay private to the package because the
// bridge only ever sees [Client] and [Transport].

const jsonrpcVersion = "2.0"

// codeMethodNotFound is the JSON-RPC error code for a method the server
// does not implement.
const codeMethodNotFound = -32601

// request is an outbound call expecting a response bearing the same ID.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newRequest(id int64, method string, params any) *request {
	return &request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// notification is an outbound message without an ID; servers never
// answer it.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newNotification(method string, params any) *notification {
	return &notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// response carries either a result or an error, never both.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is the protocol error object. It satisfies error so the
// client can hand it straight up the call chain.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc %d: %s", e.Code, e.Message)
}
