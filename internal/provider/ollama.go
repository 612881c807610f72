package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/httpkit"
)

// DefaultOllamaURL is used when OLLAMA_URL is unset.
const DefaultOllamaURL = "http://127.0.0.1:11434"

// Ollama talks to a local Ollama server over its native chat API.
type Ollama struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewOllama creates an Ollama adapter for the given base URL.
func NewOllama(baseURL string, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	// A cold model can take well over a minute to load before the first
	// byte arrives, so the response header timeout must be generous.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: httpkit.NewClient(
			// No global timeout. Streamed completions are long-lived;
			// caller contexts control cancellation.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(1, 2*time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("provider", "ollama"),
	}
}

func (c *Ollama) Name() string { return "ollama" }

// Chat runs one completion and returns the full response.
func (c *Ollama) Chat(ctx context.Context, req Request) (*Response, error) {
	return c.chat(ctx, req, nil)
}

// ChatStream runs one completion, delivering content deltas to fn.
func (c *Ollama) ChatStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	return c.chat(ctx, req, fn)
}

// Ollama /api/chat wire types.

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (c *Ollama) chat(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	wire := ollamaChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   fn != nil,
		Tools:    toOllamaTools(req.Tools),
		Options:  toOllamaOptions(req),
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}

	var out *Response
	if fn == nil {
		out, err = c.decodeSingle(resp.Body)
	} else {
		out, err = c.decodeStream(resp.Body, fn)
	}
	if err != nil {
		return nil, err
	}
	if len(req.Tools) > 0 {
		c.recoverTextToolCalls(out, toolNames(req.Tools))
	}
	return out, nil
}

func (c *Ollama) decodeSingle(body io.Reader) (*Response, error) {
	var chunk ollamaChatResponse
	if err := json.NewDecoder(body).Decode(&chunk); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &Response{
		Text:         chunk.Message.Content,
		ToolCalls:    fromOllamaCalls(chunk.Message.ToolCalls),
		Model:        chunk.Model,
		InputTokens:  chunk.PromptEvalCount,
		OutputTokens: chunk.EvalCount,
	}, nil
}

// decodeStream reads the NDJSON chunk stream. Content deltas go to fn as
// they arrive; tool calls and usage counts ride on the later chunks.
func (c *Ollama) decodeStream(body io.Reader, fn StreamFunc) (*Response, error) {
	var (
		text    strings.Builder
		out     = &Response{}
		decoder = json.NewDecoder(body)
	)
	for {
		var chunk ollamaChatResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream: %w", err)
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			fn(chunk.Message.Content)
		}
		if len(chunk.Message.ToolCalls) > 0 {
			out.ToolCalls = append(out.ToolCalls, fromOllamaCalls(chunk.Message.ToolCalls)...)
		}
		if chunk.Done {
			out.Model = chunk.Model
			out.InputTokens = chunk.PromptEvalCount
			out.OutputTokens = chunk.EvalCount
		}
	}
	out.Text = text.String()
	return out, nil
}

// recoverTextToolCalls handles models that emit tool calls as text instead
// of using the native field. When the reply parses as calls against the
// offered tool names, the text is consumed by them.
func (c *Ollama) recoverTextToolCalls(out *Response, validTools []string) {
	if len(out.ToolCalls) > 0 || out.Text == "" {
		return
	}
	parsed := parseTextToolCalls(out.Text, validTools)
	if len(parsed) == 0 {
		return
	}
	c.logger.Debug("parsed tool calls from text", "count", len(parsed))
	out.ToolCalls = parsed
	out.Text = ""
}

func toOllamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			call := ollamaToolCall{Function: ollamaFunctionCall{Name: tc.Name}}
			if len(tc.Arguments) > 0 {
				call.Function.Arguments = tc.Arguments
			}
			wm.ToolCalls = append(wm.ToolCalls, call)
		}
		out = append(out, wm)
	}
	return out
}

func toOllamaTools(specs []events.ToolSpec) []ollamaTool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]ollamaTool, 0, len(specs))
	for _, s := range specs {
		out = append(out, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

func toOllamaOptions(req Request) *ollamaOptions {
	if req.Temperature == nil && req.TopP == nil && req.MaxTokens <= 0 {
		return nil
	}
	opts := &ollamaOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens > 0 {
		opts.NumPredict = req.MaxTokens
	}
	return opts
}

func fromOllamaCalls(calls []ollamaToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{
			Name:      c.Function.Name,
			Arguments: c.Function.Arguments,
		})
	}
	return out
}

type textToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseTextToolCalls extracts tool calls a model wrote as plain text.
// Accepted shapes: a <tool_call>...</tool_call> block (closing tag
// optional), a JSON array of {"name","arguments"} objects, one or more
// such objects back to back with trailing prose ignored, or the
// "tool_name {json}" form. Names outside validTools are dropped; a nil
// or empty list accepts any name. Returns nil when the text is not a
// tool call.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if i := strings.Index(content, "<tool_call>"); i != -1 {
		rest := content[i+len("<tool_call>"):]
		if j := strings.Index(rest, "</tool_call>"); j != -1 {
			rest = rest[:j]
		}
		content = strings.TrimSpace(rest)
	}

	accept := func(name string) bool {
		if name == "" {
			return false
		}
		if len(validTools) == 0 {
			return true
		}
		for _, v := range validTools {
			if v == name {
				return true
			}
		}
		return false
	}
	build := func(calls []textToolCall) []ToolCall {
		out := make([]ToolCall, 0, len(calls))
		for _, c := range calls {
			if !accept(c.Name) {
				continue
			}
			out = append(out, ToolCall{Name: c.Name, Arguments: c.Arguments})
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}

	// JSON array of calls.
	var many []textToolCall
	if err := json.Unmarshal([]byte(content), &many); err == nil {
		return build(many)
	}

	// Single object, or several concatenated back to back as some models
	// emit. The decoder stops at the first non-JSON byte, which also
	// discards trailing prose.
	var stream []textToolCall
	dec := json.NewDecoder(strings.NewReader(content))
	for {
		var c textToolCall
		if err := dec.Decode(&c); err != nil {
			break
		}
		stream = append(stream, c)
	}
	if out := build(stream); out != nil {
		return out
	}

	// "tool_name {json}" with optional trailing text.
	if name, args, ok := splitNameJSON(content); ok && accept(name) {
		return []ToolCall{{Name: name, Arguments: args}}
	}
	return nil
}

// splitNameJSON matches a bare tool identifier followed by a JSON object.
func splitNameJSON(content string) (string, json.RawMessage, bool) {
	sp := strings.IndexAny(content, " \t\n")
	if sp <= 0 {
		return "", nil, false
	}
	name := content[:sp]
	if !isToolIdent(name) {
		return "", nil, false
	}
	rest := strings.TrimSpace(content[sp:])
	if !strings.HasPrefix(rest, "{") {
		return "", nil, false
	}
	var args json.RawMessage
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&args); err != nil {
		return "", nil, false
	}
	return name, args, true
}

func isToolIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func toolNames(specs []events.ToolSpec) []string {
	if len(specs) == 0 {
		return nil
	}
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return names
}
