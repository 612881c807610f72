package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/ZinkoSoft/tars-go/internal/httpkit"
)

// OpenAI talks to the OpenAI chat completions API, or any compatible
// endpoint selected by OPENAI_BASE_URL.
type OpenAI struct {
	client oai.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI adapter. The API key is required.
func NewOpenAI(apiKey, baseURL string, logger *slog.Logger) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// No global timeout. Streamed completions are long-lived;
		// caller contexts control cancellation.
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{
		client: oai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}, nil
}

func (c *OpenAI) Name() string { return "openai" }

// Chat runs one completion and returns the full response.
func (c *OpenAI) Chat(ctx context.Context, req Request) (*Response, error) {
	params, err := buildOpenAIParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response carried no choices")
	}
	msg := resp.Choices[0].Message
	out := &Response{
		Text:         msg.Content,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream runs one completion over SSE. Tool-call fragments arrive
// keyed by index and are reassembled before the response is returned.
func (c *OpenAI) ChatStream(ctx context.Context, req Request, fn StreamFunc) (*Response, error) {
	params, err := buildOpenAIParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	var (
		text  strings.Builder
		calls = map[int]*partialCall{}
		model = req.Model
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if fn != nil {
				fn(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			p, ok := calls[int(tc.Index)]
			if !ok {
				p = &partialCall{}
				calls[int(tc.Index)] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: stream: %w", err)
	}

	out := &Response{Text: text.String(), Model: model}
	idxs := make([]int, 0, len(calls))
	for i := range calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		p := calls[i]
		tc := ToolCall{ID: p.id, Name: p.name}
		if p.args.Len() > 0 {
			tc.Arguments = json.RawMessage(p.args.String())
		}
		out.ToolCalls = append(out.ToolCalls, tc)
	}
	return out, nil
}

func buildOpenAIParams(req Request) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := toOpenAIMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = param.NewOpt(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	for _, spec := range req.Tools {
		var parameters map[string]any
		if len(spec.Parameters) > 0 {
			if err := json.Unmarshal(spec.Parameters, &parameters); err != nil {
				return oai.ChatCompletionNewParams{}, fmt.Errorf("tool %s parameters: %w", spec.Name, err)
			}
		}
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: param.NewOpt(spec.Description),
				Parameters:  shared.FunctionParameters(parameters),
			},
		})
	}
	return params, nil
}

func toOpenAIMessage(m Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown message role %q", m.Role)
	}
}
