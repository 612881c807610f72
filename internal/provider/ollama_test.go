package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ZinkoSoft/tars-go/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func floatPtr(v float64) *float64 { return &v }

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{
			name:      "empty content",
			content:   "",
			wantCount: 0,
		},
		{
			name:      "whitespace only",
			content:   "   \n\t  ",
			wantCount: 0,
		},
		{
			name:      "plain text no JSON",
			content:   "The weather is clear tonight.",
			wantCount: 0,
		},
		{
			name:      "single tool call object",
			content:   `{"name": "get_time", "arguments": {"timezone": "UTC"}}`,
			wantCount: 1,
			wantName:  "get_time",
		},
		{
			name:      "single tool call with whitespace",
			content:   `  {"name": "get_time", "arguments": {"timezone": "UTC"}}  `,
			wantCount: 1,
			wantName:  "get_time",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "get_time", "arguments": {}}, {"name": "fetch", "arguments": {"url": "http://x"}}]`,
			wantCount: 2,
			wantName:  "get_time",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "fetch", "arguments": {"url": "http://x"}}</tool_call>`,
			wantCount: 1,
			wantName:  "fetch",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "get_time", "arguments": {}}`,
			wantCount: 1,
			wantName:  "get_time",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me check that for you. <tool_call>{"name": "get_time", "arguments": {}}</tool_call>`,
			wantCount: 1,
			wantName:  "get_time",
		},
		{
			name:      "empty arguments",
			content:   `{"name": "get_time", "arguments": {}}`,
			wantCount: 1,
			wantName:  "get_time",
		},
		{
			name:      "malformed JSON",
			content:   `{"name": "get_time", "arguments": {`,
			wantCount: 0,
		},
		{
			name:      "JSON without name field",
			content:   `{"foo": "bar", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:      "JSON with empty name",
			content:   `{"name": "", "arguments": {}}`,
			wantCount: 0,
		},
		{
			name:       "valid tool with validation",
			content:    `{"name": "get_time", "arguments": {}}`,
			validTools: []string{"get_time", "fetch"},
			wantCount:  1,
			wantName:   "get_time",
		},
		{
			name:       "invalid tool rejected by validation",
			content:    `{"name": "hack_the_planet", "arguments": {}}`,
			validTools: []string{"get_time", "fetch"},
			wantCount:  0,
		},
		{
			name:       "mixed valid and invalid in array",
			content:    `[{"name": "get_time", "arguments": {}}, {"name": "unknown", "arguments": {}}]`,
			validTools: []string{"get_time", "fetch"},
			wantCount:  1,
			wantName:   "get_time",
		},
		{
			name:       "no validation accepts any name",
			content:    `{"name": "any_tool_name", "arguments": {}}`,
			validTools: nil,
			wantCount:  1,
			wantName:   "any_tool_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)
			if len(got) != tt.wantCount {
				t.Fatalf("parseTextToolCalls() returned %d calls, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Name != tt.wantName {
				t.Errorf("first call name = %q, want %q", got[0].Name, tt.wantName)
			}
		})
	}
}

func TestParseTextToolCallsArguments(t *testing.T) {
	content := `{"name": "fetch", "arguments": {"url": "http://example.com", "max_bytes": 1024}}`

	calls := parseTextToolCalls(content, nil)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}

	var args map[string]any
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil {
		t.Fatalf("unmarshal arguments: %v", err)
	}
	if args["url"] != "http://example.com" {
		t.Errorf("url = %v, want http://example.com", args["url"])
	}
	if args["max_bytes"] != float64(1024) {
		t.Errorf("max_bytes = %v, want 1024", args["max_bytes"])
	}
}

func TestParseTextToolCallsConcatenatedJSON(t *testing.T) {
	// Some models emit several objects back to back instead of an array.
	content := `{"name": "get_time", "arguments": {"timezone": "UTC"}}{"name": "fetch", "arguments": {"url": "http://x"}}{"name": "get_time", "arguments": {}}`
	validTools := []string{"get_time", "fetch"}

	calls := parseTextToolCalls(content, validTools)
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	if calls[0].Name != "get_time" || calls[1].Name != "fetch" || calls[2].Name != "get_time" {
		t.Errorf("unexpected call order: %s, %s, %s", calls[0].Name, calls[1].Name, calls[2].Name)
	}
}

func TestParseTextToolCallsConcatenatedWithTrailingText(t *testing.T) {
	content := `{"name": "get_time", "arguments": {}}{"name": "fetch", "arguments": {"url": "http://x"}}And that concludes the lookup.`
	validTools := []string{"get_time", "fetch"}

	calls := parseTextToolCalls(content, validTools)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d (trailing text should be ignored)", len(calls))
	}
}

func TestParseTextToolCallsNameSpaceJSON(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantTool   string
		wantURL    string
	}{
		{
			name:       "bare name then object",
			content:    `fetch {"url": "http://example.com"}`,
			validTools: []string{"fetch", "get_time"},
			wantTool:   "fetch",
			wantURL:    "http://example.com",
		},
		{
			name:       "with trailing text",
			content:    `fetch {"url": "http://example.com"} I will summarize it.`,
			validTools: []string{"fetch"},
			wantTool:   "fetch",
			wantURL:    "http://example.com",
		},
		{
			name:       "unknown tool rejected",
			content:    `unknown_tool {"foo": "bar"}`,
			validTools: []string{"fetch"},
			wantTool:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseTextToolCalls(tt.content, tt.validTools)
			if tt.wantTool == "" {
				if len(calls) != 0 {
					t.Errorf("expected no calls, got %d", len(calls))
				}
				return
			}
			if len(calls) != 1 {
				t.Fatalf("expected 1 call, got %d", len(calls))
			}
			if calls[0].Name != tt.wantTool {
				t.Errorf("tool name = %q, want %q", calls[0].Name, tt.wantTool)
			}
			var args map[string]any
			if err := json.Unmarshal(calls[0].Arguments, &args); err != nil {
				t.Fatalf("unmarshal arguments: %v", err)
			}
			if args["url"] != tt.wantURL {
				t.Errorf("url = %v, want %q", args["url"], tt.wantURL)
			}
		})
	}
}

func TestOllamaChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		var got ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if got.Model != "llama3.2" {
			t.Errorf("model = %s, want llama3.2", got.Model)
		}
		if got.Stream {
			t.Error("stream should be false for Chat")
		}
		if len(got.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got.Messages))
		}
		if got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
			t.Errorf("unexpected roles: %s, %s", got.Messages[0].Role, got.Messages[1].Role)
		}
		if got.Options == nil {
			t.Fatal("expected options to be set")
		}
		if got.Options.Temperature == nil || *got.Options.Temperature != 0.7 {
			t.Errorf("temperature = %v, want 0.7", got.Options.Temperature)
		}
		if got.Options.NumPredict != 256 {
			t.Errorf("num_predict = %d, want 256", got.Options.NumPredict)
		}

		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           "llama3.2",
			Message:         ollamaMessage{Role: "assistant", Content: "Hello there."},
			Done:            true,
			PromptEvalCount: 42,
			EvalCount:       7,
		})
	}))
	defer server.Close()

	c := NewOllama(server.URL, testLogger())
	resp, err := c.Chat(context.Background(), Request{
		Model: "llama3.2",
		Messages: []Message{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Hi"},
		},
		MaxTokens:   256,
		Temperature: floatPtr(0.7),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "Hello there." {
		t.Errorf("text = %q, want %q", resp.Text, "Hello there.")
	}
	if resp.Model != "llama3.2" {
		t.Errorf("model = %q, want llama3.2", resp.Model)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 42/7", resp.InputTokens, resp.OutputTokens)
	}
	if len(resp.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(resp.ToolCalls))
	}
}

func TestOllamaChatOmitsOptionsWhenUnset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if _, ok := got["options"]; ok {
			t.Error("options should be omitted when no sampling values are set")
		}
		if _, ok := got["tools"]; ok {
			t.Error("tools should be omitted when none are offered")
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: "ok"},
			Done:    true,
		})
	}))
	defer server.Close()

	c := NewOllama(server.URL, testLogger())
	if _, err := c.Chat(context.Background(), Request{
		Model:    "llama3.2",
		Messages: []Message{{Role: "user", Content: "Hi"}},
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestOllamaChatStream(t *testing.T) {
	chunks := []string{
		`{"model":"llama3.2","message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":"lo."},"done":false}`,
		`{"model":"llama3.2","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"eval_count":3}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !got.Stream {
			t.Error("stream should be true for ChatStream")
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range chunks {
			io.WriteString(w, line+"\n")
		}
	}))
	defer server.Close()

	c := NewOllama(server.URL, testLogger())
	var deltas []string
	resp, err := c.ChatStream(context.Background(), Request{
		Model:    "llama3.2",
		Messages: []Message{{Role: "user", Content: "Hi"}},
	}, func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo." {
		t.Errorf("deltas = %v, want [Hel lo.]", deltas)
	}
	if resp.Text != "Hello." {
		t.Errorf("text = %q, want %q", resp.Text, "Hello.")
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d, want 10/3", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaNativeToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(got.Tools) != 1 {
			t.Fatalf("expected 1 tool in request, got %d", len(got.Tools))
		}
		if got.Tools[0].Type != "function" || got.Tools[0].Function.Name != "get_time" {
			t.Errorf("unexpected tool wire: %+v", got.Tools[0])
		}
		io.WriteString(w, `{"model":"llama3.2","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"get_time","arguments":{"timezone":"UTC"}}}]},"done":true}`)
	}))
	defer server.Close()

	c := NewOllama(server.URL, testLogger())
	resp, err := c.Chat(context.Background(), Request{
		Model:    "llama3.2",
		Messages: []Message{{Role: "user", Content: "What time is it?"}},
		Tools: []events.ToolSpec{
			{Name: "get_time", Description: "Current time", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "get_time" {
		t.Errorf("tool name = %q, want get_time", tc.Name)
	}
	if tc.ID != "" {
		t.Errorf("ollama assigns no call IDs, got %q", tc.ID)
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		t.Fatalf("unmarshal arguments: %v", err)
	}
	if args["timezone"] != "UTC" {
		t.Errorf("timezone = %v, want UTC", args["timezone"])
	}
}

func TestOllamaTextToolCallFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"model":"llama3.2","message":{"role":"assistant","content":"{\"name\": \"get_time\", \"arguments\": {\"timezone\": \"UTC\"}}"},"done":true}`)
	}))
	defer server.Close()

	c := NewOllama(server.URL, testLogger())
	resp, err := c.Chat(context.Background(), Request{
		Model:    "llama3.2",
		Messages: []Message{{Role: "user", Content: "What time is it?"}},
		Tools:    []events.ToolSpec{{Name: "get_time"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "get_time" {
		t.Fatalf("expected recovered get_time call, got %+v", resp.ToolCalls)
	}
	if resp.Text != "" {
		t.Errorf("text should be consumed by the recovered call, got %q", resp.Text)
	}
}

func TestOllamaNoToolsKeepsJSONText(t *testing.T) {
	// Without offered tools a JSON-looking reply stays a reply.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"model":"llama3.2","message":{"role":"assistant","content":"{\"name\": \"get_time\", \"arguments\": {}}"},"done":true}`)
	}))
	defer server.Close()

	c := NewOllama(server.URL, testLogger())
	resp, err := c.Chat(context.Background(), Request{
		Model:    "llama3.2",
		Messages: []Message{{Role: "user", Content: "Show me an example tool call."}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %d", len(resp.ToolCalls))
	}
	if !strings.Contains(resp.Text, "get_time") {
		t.Errorf("text should be preserved, got %q", resp.Text)
	}
}

func TestOllamaToolMessagesOnWire(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(got.Messages) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(got.Messages))
		}
		asst := got.Messages[1]
		if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Function.Name != "get_time" {
			t.Errorf("assistant tool calls not carried: %+v", asst.ToolCalls)
		}
		tool := got.Messages[2]
		if tool.Role != "tool" || tool.Content != "14:32 UTC" {
			t.Errorf("tool result message = %+v", tool)
		}
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: "It is 14:32 UTC."},
			Done:    true,
		})
	}))
	defer server.Close()

	c := NewOllama(server.URL, testLogger())
	resp, err := c.Chat(context.Background(), Request{
		Model: "llama3.2",
		Messages: []Message{
			{Role: "user", Content: "What time is it?"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "call-1", Name: "get_time", Arguments: json.RawMessage(`{"timezone":"UTC"}`)},
			}},
			{Role: "tool", Content: "14:32 UTC", ToolCallID: "call-1"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "It is 14:32 UTC." {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestOllamaAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	c := NewOllama(server.URL, testLogger())
	_, err := c.Chat(context.Background(), Request{
		Model:    "missing",
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry the status code, got %v", err)
	}
}

func TestOllamaName(t *testing.T) {
	c := NewOllama("", testLogger())
	if c.Name() != "ollama" {
		t.Errorf("Name() = %q, want ollama", c.Name())
	}
}
