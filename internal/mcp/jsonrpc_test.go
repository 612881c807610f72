package mcp

import (
	"encoding/json"
	"testing"
)

func TestRequestWireShape(t *testing.T) {
	req := newRequest(12, "tools/call", map[string]any{"name": "wave"})

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", m["jsonrpc"])
	}
	if m["id"] != float64(12) {
		t.Errorf("id = %v, want 12", m["id"])
	}
	if m["method"] != "tools/call" {
		t.Errorf("method = %v, want tools/call", m["method"])
	}
	params, ok := m["params"].(map[string]any)
	if !ok || params["name"] != "wave" {
		t.Errorf("params = %v", m["params"])
	}
}

func TestRequestWithoutParamsDropsKey(t *testing.T) {
	data, err := json.Marshal(newRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := m["params"]; present {
		t.Error("nil params should not appear on the wire")
	}
}

func TestNotificationCarriesNoID(t *testing.T) {
	data, err := json.Marshal(newNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := m["id"]; present {
		t.Error("notification must not carry an id")
	}
	if m["method"] != "notifications/initialized" {
		t.Errorf("method = %v", m["method"])
	}
}

func TestResponseResultDecodes(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":3,"result":{"tools":[{"name":"wave"}]}}`

	var resp response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ID != 3 {
		t.Errorf("ID = %d, want 3", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("Error = %v, want nil", resp.Error)
	}
	if len(resp.Result) == 0 {
		t.Error("Result empty")
	}
}

func TestResponseErrorDecodes(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"Method not found"}}`

	var resp response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("Error nil, want set")
	}
	if resp.Error.Code != codeMethodNotFound {
		t.Errorf("Code = %d, want %d", resp.Error.Code, codeMethodNotFound)
	}
	if resp.Error.Message != "Method not found" {
		t.Errorf("Message = %q", resp.Error.Message)
	}
}

func TestRPCErrorMessage(t *testing.T) {
	err := &rpcError{Code: -32700, Message: "Parse error"}
	if got, want := err.Error(), "rpc -32700: Parse error"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
