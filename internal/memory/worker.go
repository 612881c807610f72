package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/mqtt"
)

const (
	// queryTimeout bounds one memory query end to end, embedding call
	// included.
	queryTimeout = 10 * time.Second

	// reembedBatchSize bounds one embedding batch during a corpus
	// re-embed after a model change.
	reembedBatchSize = 32

	dimensionProbeText = "dimension probe"
)

// Publisher is the slice of the MQTT client the worker publishes
// through.
type Publisher interface {
	PublishEvent(ctx context.Context, topic, eventType string, data any, opts ...mqtt.PublishOption) (string, error)
}

type ingestDoc struct {
	role string
	text string
	ts   time.Time
}

// Worker is the memory fleet service: it answers memory/query over MQTT,
// ingests transcripts and replies into the corpus, and owns the retained
// character snapshot.
//
// Queries run on the memory/query subscription goroutine; ingestion runs
// on its own goroutine behind a bounded queue, so a slow embedder delays
// persistence but never query service.
type Worker struct {
	cfg    config.Memory
	client *mqtt.Client
	pub    Publisher
	store  Store
	embed  Embedder
	ret    *retriever
	logger *slog.Logger

	card   *events.CharacterCard
	ingest chan ingestDoc
	runCtx context.Context
}

// NewWorker wires the memory service. store and embed are built by the
// caller so the subcommand controls backend selection.
func NewWorker(cfg config.Memory, client *mqtt.Client, store Store, embed Embedder, logger *slog.Logger) *Worker {
	queue := cfg.IngestQueue
	if queue <= 0 {
		queue = 1
	}
	return &Worker{
		cfg:    cfg,
		client: client,
		pub:    client,
		store:  store,
		embed:  embed,
		ret:    &retriever{store: store, embed: embed, alpha: cfg.HybridAlpha, logger: logger},
		logger: logger,
		ingest: make(chan ingestDoc, queue),
	}
}

// Run publishes the character snapshot, subscribes the worker's topics,
// and serves until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx

	card, err := LoadCard(w.cfg.CharacterDir, w.cfg.CharacterName, w.logger)
	if err != nil {
		return fmt.Errorf("load character card: %w", err)
	}
	w.card = card
	w.publishSnapshot(ctx)

	subs := []struct {
		topic   string
		qos     byte
		handler mqtt.MessageHandler
	}{
		{events.TopicMemoryQuery, 1, w.onQuery},
		{events.TopicSTTFinal, 1, w.onSTTFinal},
		{events.TopicTTSSay, 1, w.onTTSSay},
		{events.TopicCharacterGet, 0, w.onCharacterGet},
	}
	for _, s := range subs {
		if err := w.client.Subscribe(ctx, s.topic, s.qos, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.ingestLoop(ctx) })
	return g.Wait()
}

// publishSnapshot retains the character card on system/character/current
// so late subscribers receive it on subscribe.
func (w *Worker) publishSnapshot(ctx context.Context) {
	if _, err := w.pub.PublishEvent(ctx, events.TopicCharacterCurrent, events.TypeCharacterCurrent,
		w.card, mqtt.WithQoS(1), mqtt.WithRetain()); err != nil {
		w.logger.Warn("publish character snapshot failed", "error", err)
		return
	}
	w.logger.Info("character snapshot published", "name", w.card.Name)
}

// ingestLoop persists queued documents one at a time. The startup
// dimension check runs here first so a corpus re-embed finishes before
// new documents land; the queue buffers ingests meanwhile. A failed
// check (embedder down at boot) leaves the stored vectors as they are.
func (w *Worker) ingestLoop(ctx context.Context) error {
	if err := w.checkDimension(ctx); err != nil {
		w.logger.Warn("embedding dimension check failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case doc := <-w.ingest:
			w.persist(ctx, doc)
		}
	}
}

func (w *Worker) persist(ctx context.Context, in ingestDoc) {
	vec, err := w.embed.Generate(ctx, in.text)
	if err != nil {
		// Keyword search still finds an unembedded document.
		w.logger.Warn("embed document failed, storing without vector", "error", err)
		vec = nil
	}
	doc := &Document{
		ID:        envelope.NewID(),
		Role:      in.role,
		Text:      in.text,
		Embedding: vec,
		TS:        in.ts,
	}
	if err := w.store.Insert(ctx, doc); err != nil {
		w.logger.Error("persist document failed", "role", in.role, "error", err)
		return
	}
	w.logger.Debug("document ingested", "role", in.role, "position", doc.Position)
}

// checkDimension compares the persisted vector width against a probe
// embedding and re-embeds the whole corpus on mismatch, which happens
// when the embedding model changed between runs.
func (w *Worker) checkDimension(ctx context.Context) error {
	stored, err := w.store.Dimension(ctx)
	if err != nil {
		return err
	}
	if stored == 0 {
		return nil
	}
	probe, err := w.embed.Generate(ctx, dimensionProbeText)
	if err != nil {
		return fmt.Errorf("probe embedding: %w", err)
	}
	if len(probe) == stored {
		return nil
	}
	w.logger.Warn("embedding dimension changed, re-embedding corpus",
		"stored", stored, "current", len(probe), "model", w.embed.Model())
	return w.reembed(ctx)
}

func (w *Worker) reembed(ctx context.Context) error {
	docs, err := w.store.AllDocuments(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(docs); start += reembedBatchSize {
		end := start + reembedBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.Text
		}
		vecs, err := w.embed.GenerateBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("re-embed batch at %d: %w", start, err)
		}
		for i, vec := range vecs {
			if err := w.store.UpdateEmbedding(ctx, batch[i].ID, vec); err != nil {
				return fmt.Errorf("store re-embedded vector: %w", err)
			}
		}
	}
	w.logger.Info("corpus re-embedded", "documents", len(docs))
	return nil
}

func (w *Worker) onQuery(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeMemoryQuery, "unknown")
	if env == nil {
		w.logger.Warn("unparseable memory query dropped", "topic", topic)
		return
	}
	var q events.MemoryQuery
	if err := env.DecodeData(&q); err != nil {
		w.logger.Warn("malformed memory query dropped", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(w.runCtx, queryTimeout)
	defer cancel()
	res := w.ret.Query(ctx, q)
	if res.Error != "" {
		w.logger.Warn("memory query failed", "strategy", res.Strategy, "error", res.Error)
	} else {
		w.logger.Debug("memory query served",
			"strategy", res.Strategy, "results", len(res.Results),
			"tokens", res.TokensUsed, "truncated", res.Truncated)
	}

	opts := []mqtt.PublishOption{mqtt.WithQoS(1)}
	if env.ID != "" {
		opts = append(opts, mqtt.WithCorrelate(env.ID))
	}
	if _, err := w.pub.PublishEvent(ctx, events.TopicMemoryResults, events.TypeMemoryResults, res, opts...); err != nil {
		w.logger.Warn("publish memory results failed", "error", err)
	}
}

func (w *Worker) onSTTFinal(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeSTTFinal, "unknown")
	if env == nil {
		return
	}
	var f events.STTFinal
	if err := env.DecodeData(&f); err != nil {
		w.logger.Warn("malformed transcript dropped", "error", err)
		return
	}
	w.enqueue("user", f.Text, env.TS)
}

func (w *Worker) onTTSSay(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeTTSSay, "unknown")
	if env == nil {
		return
	}
	var say events.TTSSay
	if err := env.DecodeData(&say); err != nil {
		w.logger.Warn("malformed tts text dropped", "error", err)
		return
	}
	w.enqueue("assistant", say.Text, env.TS)
}

func (w *Worker) enqueue(role, text string, ts time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	select {
	case w.ingest <- ingestDoc{role: role, text: text, ts: ts}:
	default:
		w.logger.Warn("ingest queue full, document dropped", "role", role)
	}
}

func (w *Worker) onCharacterGet(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeCharacterGet, "unknown")
	if env == nil {
		return
	}
	var g events.CharacterGet
	if err := env.DecodeData(&g); err != nil {
		w.logger.Warn("malformed character request dropped", "error", err)
		return
	}

	res := w.characterResult(g)
	opts := []mqtt.PublishOption{mqtt.WithQoS(0)}
	if env.ID != "" {
		opts = append(opts, mqtt.WithCorrelate(env.ID))
	}
	if _, err := w.pub.PublishEvent(w.runCtx, events.TopicCharacterResult, events.TypeCharacterResult, res, opts...); err != nil {
		w.logger.Warn("publish character result failed", "error", err)
	}
}

func (w *Worker) characterResult(g events.CharacterGet) events.CharacterResult {
	card := w.card
	if g.Name != "" && !strings.EqualFold(g.Name, card.Name) {
		return events.CharacterResult{Error: fmt.Sprintf("unknown character %q", g.Name)}
	}
	if g.Section == "" {
		return events.CharacterResult{Card: card}
	}
	v, err := cardSection(card, g.Section)
	if err != nil {
		return events.CharacterResult{Section: g.Section, Error: err.Error()}
	}
	return events.CharacterResult{Section: g.Section, Value: v}
}
