// Package llm implements the language-model fleet service. It consumes
// llm/request, assembles a persona-plus-memory prompt, calls the
// configured chat-completion provider, and publishes the reply as
// llm/response, optionally streaming deltas on llm/stream and sentence
// chunks to tts/say along the way. Tool calls round-trip through the
// MCP bridge over llm/tool.call.request before the final answer.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/correlate"
	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/mqtt"
	"github.com/ZinkoSoft/tars-go/internal/provider"
	"github.com/ZinkoSoft/tars-go/internal/textutil"
	"github.com/ZinkoSoft/tars-go/internal/usage"
)

const (
	// ragWaitTimeout bounds the wait for memory/results before the
	// prompt is assembled without retrieved context.
	ragWaitTimeout = 5 * time.Second

	// toolWaitTimeout bounds one tool round-trip through the bridge.
	toolWaitTimeout = 30 * time.Second
)

// Publisher is the slice of the MQTT client the worker publishes
// through.
type Publisher interface {
	PublishEvent(ctx context.Context, topic, eventType string, data any, opts ...mqtt.PublishOption) (string, error)
	PublishEnvelope(ctx context.Context, topic string, env *envelope.Envelope, opts ...mqtt.PublishOption) error
}

// Worker is the LLM fleet service. Each request runs on its own
// goroutine; the character card and tool registry are the only shared
// state, swapped whole under a mutex, so requests never block each
// other.
type Worker struct {
	cfg      config.LLM
	client   *mqtt.Client
	pub      Publisher
	source   string
	provider provider.ChatCompletionProvider
	provErr  error
	usage    *usage.Store
	logger   *slog.Logger

	mu    sync.RWMutex
	card  *events.CharacterCard
	tools []events.ToolSpec

	memory    *correlate.Registry[events.MemoryResults]
	toolCalls *correlate.Registry[events.ToolCallResult]

	runCtx context.Context
}

// NewWorker wires the LLM service. A provider construction failure is
// held rather than returned so the worker still starts and answers
// requests with an error response, matching how the fleet degrades
// when credentials are missing.
func NewWorker(cfg config.LLM, client *mqtt.Client, logger *slog.Logger) *Worker {
	w := &Worker{
		cfg:       cfg,
		client:    client,
		pub:       client,
		source:    client.Source(),
		logger:    logger,
		memory:    correlate.NewRegistry[events.MemoryResults](),
		toolCalls: correlate.NewRegistry[events.ToolCallResult](),
	}
	w.provider, w.provErr = provider.New(cfg, logger)
	return w
}

// Run subscribes the worker's topics and serves until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx

	if w.provErr != nil {
		w.logger.Warn("provider unavailable, requests will be answered with errors", "error", w.provErr)
	}
	if w.cfg.UsageDB != "" {
		store, err := usage.NewStore(w.cfg.UsageDB)
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		w.usage = store
		defer store.Close()
	}

	subs := []struct {
		topic   string
		qos     byte
		handler mqtt.MessageHandler
	}{
		{events.TopicLLMRequest, 1, w.onRequest},
		{events.TopicMemoryResults, 1, w.onMemoryResults},
		{events.TopicToolCallResult, 1, w.onToolResult},
		{events.TopicToolsRegistry, 1, w.onToolsRegistry},
		{events.TopicCharacterCurrent, 1, w.onCharacter},
	}
	for _, s := range subs {
		if err := w.client.Subscribe(ctx, s.topic, s.qos, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// onRequest validates an incoming request and hands it to its own
// goroutine. The subscription dispatch loop must stay free so the
// resolver handlers keep running while completions are in flight.
func (w *Worker) onRequest(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeLLMRequest, "unknown")
	if env == nil {
		w.logger.Warn("unparseable llm request dropped", "topic", topic)
		return
	}
	var req events.LLMRequest
	if err := env.DecodeData(&req); err != nil {
		w.logger.Warn("malformed llm request dropped", "error", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		return
	}
	go w.handle(w.runCtx, env, req)
}

// handle serves one request end to end.
func (w *Worker) handle(ctx context.Context, env *envelope.Envelope, req events.LLMRequest) {
	reqID := req.ID
	if reqID == "" {
		reqID = env.ID
	}
	if reqID == "" {
		reqID = envelope.NewID()
	}
	correlateID := env.ID

	if w.provErr != nil {
		w.respondError(ctx, reqID, correlateID, w.provErr.Error(), "")
		return
	}

	p := w.resolveParams(req)

	w.mu.RLock()
	card := w.card
	tools := w.tools
	w.mu.RUnlock()

	system := systemPrompt(card, req.System)

	var messages []provider.Message
	if w.cfg.DynamicPrompts {
		messages = w.dynamicMessages(ctx, system, req, p, reqID)
	} else {
		ragContext := ""
		if p.useRAG {
			ragContext = w.retrieveContext(ctx, req.Text, p.ragK, 0)
		}
		messages = buildMessages(system, ragContext, req.ConversationHistory, req.Text)
	}

	preq := provider.Request{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		TopP:        p.topP,
	}

	if req.Stream {
		w.streamCompletion(ctx, reqID, correlateID, preq, card)
		return
	}
	if w.cfg.ToolsEnabled && len(tools) > 0 {
		preq.Tools = tools
	}
	w.completeRequest(ctx, reqID, correlateID, preq)
}

// requestParams are the per-request generation settings after merging
// the request's overrides over the worker defaults.
type requestParams struct {
	model       string
	maxTokens   int
	temperature *float64
	topP        *float64
	useRAG      bool
	ragK        int
}

func (w *Worker) resolveParams(req events.LLMRequest) requestParams {
	p := requestParams{
		model:     w.cfg.Model,
		maxTokens: w.cfg.MaxTokens,
		useRAG:    w.cfg.UseRAG,
		ragK:      w.cfg.RAGTopK,
	}
	if req.Params != nil {
		if req.Params.Model != "" {
			p.model = req.Params.Model
		}
		if req.Params.MaxTokens > 0 {
			p.maxTokens = req.Params.MaxTokens
		}
		if req.Params.Temperature != nil {
			p.temperature = req.Params.Temperature
		}
		if req.Params.TopP != nil {
			p.topP = req.Params.TopP
		}
	}
	if p.temperature == nil {
		t := w.cfg.Temperature
		p.temperature = &t
	}
	if p.topP == nil {
		t := w.cfg.TopP
		p.topP = &t
	}
	if req.UseRAG != nil {
		p.useRAG = *req.UseRAG
	}
	if req.RAGK > 0 {
		p.ragK = req.RAGK
	}
	return p
}

// streamCompletion serves a streaming request: every provider delta is
// published on llm/stream with a per-request sequence number, sentence
// chunks go to tts/say as they complete, and the concatenated text
// lands on llm/response after the done marker.
func (w *Worker) streamCompletion(ctx context.Context, reqID, correlateID string, preq provider.Request, card *events.CharacterCard) {
	voice := ""
	if card != nil {
		voice = card.Voice
	}

	var chunks *chunker
	if w.cfg.StreamTTS {
		chunks = newChunker(w.cfg.SentenceBoundaries, w.cfg.StreamMaxChars)
	}

	seq := 0
	saySeq := 0
	say := func(text string) {
		if w.cfg.FilterMarkdown {
			text = textutil.Speakable(text)
		}
		if strings.TrimSpace(text) == "" {
			return
		}
		saySeq++
		w.publishSay(ctx, events.TTSSay{Text: text, UttID: reqID, Seq: saySeq, Voice: voice}, correlateID)
	}

	resp, err := w.provider.ChatStream(ctx, preq, func(delta string) {
		seq++
		w.publishStream(ctx, reqID, correlateID, seq, delta, false)
		if chunks != nil {
			for _, chunk := range chunks.Write(delta) {
				say(chunk)
			}
		}
	})
	if err != nil {
		// Close the stream for consumers that already saw deltas.
		if seq > 0 {
			w.publishStream(ctx, reqID, correlateID, seq+1, "", true)
		}
		w.respondError(ctx, reqID, correlateID, fmt.Sprintf("provider %s: %v", w.provider.Name(), err), preq.Model)
		return
	}

	w.publishStream(ctx, reqID, correlateID, seq+1, "", true)
	if chunks != nil {
		if tail := chunks.Flush(); tail != "" {
			say(tail)
		}
	}
	w.respond(ctx, events.LLMResponse{ID: reqID, Reply: resp.Text, Model: resp.Model}, correlateID)
	w.record(ctx, reqID, resp)
}

// completeRequest serves a non-streaming request, running one tool
// round through the bridge when the provider asks for it.
func (w *Worker) completeRequest(ctx context.Context, reqID, correlateID string, preq provider.Request) {
	resp, err := w.provider.Chat(ctx, preq)
	if err != nil {
		w.respondError(ctx, reqID, correlateID, fmt.Sprintf("provider %s: %v", w.provider.Name(), err), preq.Model)
		return
	}
	w.record(ctx, reqID, resp)

	if len(resp.ToolCalls) > 0 && len(preq.Tools) > 0 {
		calls := resp.ToolCalls
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = envelope.NewID()
			}
		}
		preq.Messages = append(preq.Messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: calls,
		})
		for _, call := range calls {
			content := w.dispatchTool(ctx, reqID, call)
			preq.Messages = append(preq.Messages, provider.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
			})
		}

		resp, err = w.provider.Chat(ctx, preq)
		if err != nil {
			w.respondError(ctx, reqID, correlateID, fmt.Sprintf("provider %s: %v", w.provider.Name(), err), preq.Model)
			return
		}
		w.record(ctx, reqID, resp)
	}

	w.respond(ctx, events.LLMResponse{ID: reqID, Reply: resp.Text, Model: resp.Model}, correlateID)
}

// dispatchTool publishes one tool call and waits for its correlated
// result. Every failure mode comes back as tool content so the
// follow-up turn sees what went wrong instead of silence.
func (w *Worker) dispatchTool(ctx context.Context, reqID string, call provider.ToolCall) string {
	req := events.ToolCallRequest{
		CallID:    call.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
		RequestID: reqID,
	}
	ch := w.toolCalls.Register(call.ID, time.Now().Add(toolWaitTimeout))
	if _, err := w.pub.PublishEvent(ctx, events.TopicToolCallRequest, events.TypeToolCallRequest, req); err != nil {
		w.toolCalls.Cancel(call.ID)
		w.logger.Warn("publish tool call failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("tool/error: publish failed: %v", err)
	}

	timer := time.NewTimer(toolWaitTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return "tool/error: call cancelled"
		}
		if res.Error != "" {
			return "tool/error: " + res.Error
		}
		return res.Content
	case <-timer.C:
		w.toolCalls.Cancel(call.ID)
		w.logger.Warn("tool call timed out", "tool", call.Name, "call_id", call.ID)
		return fmt.Sprintf("tool/error: %s timed out after %s", call.Name, toolWaitTimeout)
	case <-ctx.Done():
		w.toolCalls.Cancel(call.ID)
		return "tool/error: cancelled"
	}
}

func (w *Worker) onMemoryResults(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeMemoryResults, "unknown")
	if env == nil || env.Correlate == "" {
		return
	}
	var res events.MemoryResults
	if err := env.DecodeData(&res); err != nil {
		w.logger.Warn("malformed memory results dropped", "error", err)
		return
	}
	w.memory.Resolve(env.Correlate, res)
}

func (w *Worker) onToolResult(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeToolCallResult, "unknown")
	if env == nil {
		return
	}
	var res events.ToolCallResult
	if err := env.DecodeData(&res); err != nil {
		w.logger.Warn("malformed tool result dropped", "error", err)
		return
	}
	if res.CallID == "" {
		w.logger.Warn("tool result without call_id dropped")
		return
	}
	if !w.toolCalls.Resolve(res.CallID, res) {
		w.logger.Debug("tool result for unknown call dropped", "call_id", res.CallID)
	}
}

func (w *Worker) onToolsRegistry(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeToolsRegistry, "unknown")
	if env == nil {
		return
	}
	var reg events.ToolsRegistry
	if err := env.DecodeData(&reg); err != nil {
		w.logger.Warn("malformed tools registry dropped", "error", err)
		return
	}
	w.mu.Lock()
	w.tools = reg.Tools
	w.mu.Unlock()
	w.logger.Info("tool registry updated", "tools", len(reg.Tools), "source", reg.Source)
}

func (w *Worker) onCharacter(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeCharacterCurrent, "unknown")
	if env == nil {
		return
	}
	var card events.CharacterCard
	if err := env.DecodeData(&card); err != nil {
		w.logger.Warn("malformed character snapshot dropped", "error", err)
		return
	}
	w.mu.Lock()
	w.card = &card
	w.mu.Unlock()
	w.logger.Info("character updated", "name", card.Name)
}

func (w *Worker) respond(ctx context.Context, res events.LLMResponse, correlateID string) {
	opts := []mqtt.PublishOption{}
	if correlateID != "" {
		opts = append(opts, mqtt.WithCorrelate(correlateID))
	}
	if _, err := w.pub.PublishEvent(ctx, events.TopicLLMResponse, events.TypeLLMResponse, res, opts...); err != nil {
		w.logger.Warn("publish llm response failed", "request", res.ID, "error", err)
	}
}

func (w *Worker) respondError(ctx context.Context, reqID, correlateID, msg, model string) {
	w.logger.Error("request failed", "request", reqID, "error", msg)
	w.respond(ctx, events.LLMResponse{ID: reqID, Error: msg, Model: model}, correlateID)
}

func (w *Worker) publishStream(ctx context.Context, reqID, correlateID string, seq int, delta string, done bool) {
	ev := events.LLMStreamDelta{ID: reqID, Seq: seq, Delta: delta, Done: done}
	opts := []mqtt.PublishOption{mqtt.WithQoS(0)}
	if correlateID != "" {
		opts = append(opts, mqtt.WithCorrelate(correlateID))
	}
	if _, err := w.pub.PublishEvent(ctx, events.TopicLLMStream, events.TypeLLMStream, ev, opts...); err != nil {
		w.logger.Warn("publish stream delta failed", "request", reqID, "seq", seq, "error", err)
	}
}

func (w *Worker) publishSay(ctx context.Context, say events.TTSSay, correlateID string) {
	opts := []mqtt.PublishOption{}
	if correlateID != "" {
		opts = append(opts, mqtt.WithCorrelate(correlateID))
	}
	if _, err := w.pub.PublishEvent(ctx, events.TopicTTSSay, events.TypeTTSSay, say, opts...); err != nil {
		w.logger.Warn("publish tts chunk failed", "utt", say.UttID, "seq", say.Seq, "error", err)
	}
}

// record persists token usage when accounting is enabled.
func (w *Worker) record(ctx context.Context, reqID string, resp *provider.Response) {
	if w.usage == nil || resp == nil {
		return
	}
	rec := usage.Record{
		RequestID:    reqID,
		Model:        resp.Model,
		Provider:     w.provider.Name(),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if err := w.usage.Record(ctx, rec); err != nil {
		w.logger.Warn("record usage failed", "request", reqID, "error", err)
	}
}
