// Package provider adapts chat-completion backends behind one interface.
// Two adapters exist: Ollama over its native HTTP API for local models,
// and OpenAI through the official client. Both normalize tool-call
// arguments to raw JSON so the worker never sees wire differences.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/events"
)

// Message is one chat turn in provider-neutral form. ToolCalls is set on
// assistant turns that requested tools; ToolCallID links a tool turn back
// to the call it answers.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model. Arguments holds
// the JSON object exactly as the model produced it. Ollama does not
// assign call IDs, so ID may be empty; the caller mints one before
// dispatch.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Request is one completion invocation. Temperature and TopP are pointers
// because zero is a valid sampling value; nil leaves the backend default.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []events.ToolSpec
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Response is the final output of one invocation. Token counts are zero
// when the backend did not report usage.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	Model        string
	InputTokens  int
	OutputTokens int
}

// StreamFunc receives each text delta in arrival order.
type StreamFunc func(delta string)

// ChatCompletionProvider is implemented by each backend adapter.
type ChatCompletionProvider interface {
	// Name identifies the backend in logs and error messages.
	Name() string

	// Chat runs one completion and returns the full response.
	Chat(ctx context.Context, req Request) (*Response, error)

	// ChatStream runs one completion, delivering text deltas to fn as
	// they arrive. The returned Response carries the accumulated text
	// and any tool calls from the final chunk.
	ChatStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error)
}

// New builds the adapter selected by cfg.Provider.
func New(cfg config.LLM, logger *slog.Logger) (ChatCompletionProvider, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllama(cfg.OllamaURL, logger), nil
	case "openai":
		return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIBaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
