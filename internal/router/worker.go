// Package router turns final transcripts into model requests. It keeps
// a short ring of past exchanges so each llm/request carries the
// conversation so far, optionally gates transcripts on an open wake
// window, and can forward final responses to the synthesizer for
// deployments where the LLM worker's own TTS forwarding is off.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/mqtt"
	"github.com/ZinkoSoft/tars-go/internal/textutil"
)

// pendingTTL bounds how long a routed request waits for its response
// before the exchange is forgotten.
const pendingTTL = 5 * time.Minute

// Publisher is the slice of the MQTT client the worker publishes
// through.
type Publisher interface {
	PublishEvent(ctx context.Context, topic, eventType string, data any, opts ...mqtt.PublishOption) (string, error)
}

// pendingRequest remembers the user text of a routed request until its
// response arrives, so the exchange can enter the history ring.
type pendingRequest struct {
	text string
	at   time.Time
}

// Worker is the conversation router. All state lives behind one mutex;
// the handlers are short, so contention is not a concern.
type Worker struct {
	cfg    config.Router
	client *mqtt.Client
	pub    Publisher
	source string
	logger *slog.Logger

	mu        sync.Mutex
	history   []events.ChatTurn
	pending   map[string]pendingRequest
	wakeUntil time.Time

	runCtx context.Context
}

// NewWorker wires the router service.
func NewWorker(cfg config.Router, client *mqtt.Client, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		client:  client,
		pub:     client,
		source:  client.Source(),
		logger:  logger,
		pending: make(map[string]pendingRequest),
	}
}

// Run subscribes the worker's topics and serves until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx

	subs := []struct {
		topic   string
		qos     byte
		handler mqtt.MessageHandler
	}{
		{events.TopicSTTFinal, 1, w.onTranscript},
		{events.TopicLLMResponse, 1, w.onResponse},
		{events.TopicWakeEvent, 1, w.onWakeEvent},
	}
	for _, s := range subs {
		if err := w.client.Subscribe(ctx, s.topic, s.qos, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// onTranscript routes one final transcript to the LLM worker.
func (w *Worker) onTranscript(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeSTTFinal, "unknown")
	if env == nil {
		w.logger.Warn("unparseable transcript dropped", "topic", topic)
		return
	}
	var t events.STTFinal
	if err := env.DecodeData(&t); err != nil {
		w.logger.Warn("malformed transcript dropped", "error", err)
		return
	}
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return
	}
	if w.cfg.RequireWake && !w.wakeOpen() {
		w.logger.Debug("transcript outside wake window dropped", "text", text)
		return
	}

	req := events.LLMRequest{
		ID:                  envelope.NewID(),
		Text:                text,
		Stream:              w.cfg.Stream,
		ConversationHistory: w.historySnapshot(),
	}
	w.trackPending(req.ID, text)

	opts := []mqtt.PublishOption{mqtt.WithQoS(1)}
	if env.ID != "" {
		opts = append(opts, mqtt.WithCorrelate(env.ID))
	}
	if _, err := w.pub.PublishEvent(w.runCtx, events.TopicLLMRequest, events.TypeLLMRequest, req, opts...); err != nil {
		w.logger.Warn("publish llm request failed", "error", err)
		return
	}
	w.logger.Info("transcript routed",
		"request_id", req.ID,
		"chars", len(text),
		"history_turns", len(req.ConversationHistory),
	)
}

// onResponse closes the exchange a response belongs to and optionally
// forwards the reply to the synthesizer.
func (w *Worker) onResponse(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeLLMResponse, "unknown")
	if env == nil {
		w.logger.Warn("unparseable llm response dropped", "topic", topic)
		return
	}
	var resp events.LLMResponse
	if err := env.DecodeData(&resp); err != nil {
		w.logger.Warn("malformed llm response dropped", "error", err)
		return
	}

	if userText, ok := w.takePending(resp.ID); ok {
		if resp.Error == "" && resp.Reply != "" {
			w.record(userText, resp.Reply)
		} else {
			w.logger.Debug("exchange not recorded", "request_id", resp.ID, "error", resp.Error)
		}
	}

	if !w.cfg.SpeakResponses || resp.Error != "" || resp.Reply == "" {
		return
	}
	say := events.TTSSay{
		Text:  textutil.Speakable(resp.Reply),
		UttID: resp.ID,
	}
	opts := []mqtt.PublishOption{mqtt.WithQoS(1)}
	if env.ID != "" {
		opts = append(opts, mqtt.WithCorrelate(env.ID))
	}
	if _, err := w.pub.PublishEvent(w.runCtx, events.TopicTTSSay, events.TypeTTSSay, say, opts...); err != nil {
		w.logger.Warn("publish tts say failed", "error", err)
	}
}

// onWakeEvent tracks the wake window. Wake and interrupt open it,
// cancel and timeout close it; other transitions leave it alone.
func (w *Worker) onWakeEvent(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeWakeEvent, "unknown")
	if env == nil {
		return
	}
	var evt events.WakeEvent
	if err := env.DecodeData(&evt); err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch evt.Type {
	case events.WakeDetected, events.WakeInterrupt:
		w.wakeUntil = time.Now().Add(w.cfg.WakeWindow)
		w.logger.Debug("wake window opened", "cause", evt.Type, "until", w.wakeUntil)
	case events.WakeCancelled, events.WakeTimeout:
		w.wakeUntil = time.Time{}
		w.logger.Debug("wake window closed", "cause", evt.Type)
	}
}

func (w *Worker) wakeOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Now().Before(w.wakeUntil)
}

// trackPending remembers a routed request and sweeps entries whose
// response never came.
func (w *Worker) trackPending(id, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-pendingTTL)
	for k, p := range w.pending {
		if p.at.Before(cutoff) {
			delete(w.pending, k)
		}
	}
	w.pending[id] = pendingRequest{text: text, at: time.Now()}
}

func (w *Worker) takePending(id string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	return p.text, ok
}

// record appends one completed exchange and trims the ring to the
// configured turn count.
func (w *Worker) record(userText, reply string) {
	max := w.cfg.HistoryTurns * 2
	if max <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history,
		events.ChatTurn{Role: "user", Content: userText},
		events.ChatTurn{Role: "assistant", Content: reply},
	)
	for len(w.history) > max {
		w.history = w.history[2:]
	}
}

func (w *Worker) historySnapshot() []events.ChatTurn {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.history) == 0 {
		return nil
	}
	out := make([]events.ChatTurn, len(w.history))
	copy(out, w.history)
	return out
}
