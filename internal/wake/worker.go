package wake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/fanout"
	"github.com/ZinkoSoft/tars-go/internal/mqtt"
)

// fanoutRetryDelay paces reconnect attempts to the audio socket, which may
// come up after this worker does.
const fanoutRetryDelay = time.Second

// Worker wires the state machine to the broker and the audio fan-out.
type Worker struct {
	cfg      config.Wake
	client   *mqtt.Client
	machine  *Machine
	detector Detector
	logger   *slog.Logger
}

// NewWorker builds a wake worker. A nil detector selects the built-in
// energy detector configured from cfg.
func NewWorker(cfg config.Wake, client *mqtt.Client, detector Detector, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		client:   client,
		machine:  NewMachine(cfg, client, logger),
		detector: detector,
		logger:   logger,
	}
}

// Run subscribes to playback and transcript events, waits for the speech
// recognizer to report healthy, then attaches to the audio fan-out and
// drives the machine until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sttReady := make(chan struct{})
	var readyOnce sync.Once

	if w.cfg.STTHealthTimeout > 0 {
		err := w.client.Subscribe(ctx, w.cfg.STTHealthTopic, 1, func(topic string, payload []byte) {
			env, _ := envelope.DecodeLenient(payload, events.TypeHealthStatus, "")
			if env == nil {
				return
			}
			var hs events.HealthStatus
			if err := env.DecodeData(&hs); err != nil {
				return
			}
			if hs.OK {
				readyOnce.Do(func() { close(sttReady) })
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe stt health: %w", err)
		}
	}
	if err := w.client.Subscribe(ctx, events.TopicTTSStatus, 1, w.onTTSStatus); err != nil {
		return fmt.Errorf("subscribe tts status: %w", err)
	}
	if err := w.client.Subscribe(ctx, events.TopicSTTFinal, 1, w.onSTTFinal); err != nil {
		return fmt.Errorf("subscribe stt final: %w", err)
	}

	detector := w.detector
	if detector == nil {
		d, err := NewEnergyDetector(w.cfg.VADThreshold, w.cfg.Retrigger)
		if err != nil {
			w.publishDetectorFailure(ctx)
			return fmt.Errorf("wake detector: %w", err)
		}
		detector = d
	}

	// Startup barrier: give the recognizer a chance to come up before audio
	// flows, so the first wake is not spoken into a deaf pipeline. The
	// barrier is best effort; on timeout we proceed anyway.
	if w.cfg.STTHealthTimeout > 0 {
		select {
		case <-sttReady:
			w.logger.Info("stt healthy, starting audio")
		case <-time.After(w.cfg.STTHealthTimeout):
			w.logger.Warn("stt health barrier timed out, starting audio anyway",
				"topic", w.cfg.STTHealthTopic, "timeout", w.cfg.STTHealthTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.machine.Run(ctx) })
	g.Go(func() error { return w.consumeAudio(ctx, detector) })
	return g.Wait()
}

// consumeAudio attaches to the fan-out socket and feeds frames through the
// detector, reconnecting whenever the stream drops.
func (w *Worker) consumeAudio(ctx context.Context, det Detector) error {
	for {
		client, err := fanout.Dial(w.cfg.FanoutSocket)
		if err != nil {
			w.logger.Warn("fanout dial failed, retrying",
				"socket", w.cfg.FanoutSocket, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fanoutRetryDelay):
			}
			continue
		}
		w.logger.Info("attached to audio fanout", "socket", w.cfg.FanoutSocket)
		for f := range client.Stream(ctx) {
			if d, ok := det.Detect(f); ok {
				w.machine.OnDetection(d)
			}
		}
		client.Close()
		if err := ctx.Err(); err != nil {
			return err
		}
		w.logger.Warn("audio fanout stream ended, reconnecting")
	}
}

func (w *Worker) onTTSStatus(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeTTSStatus, "")
	if env == nil {
		w.logger.Warn("unparseable tts status dropped")
		return
	}
	var st events.TTSStatus
	if err := env.DecodeData(&st); err != nil || st.Event == "" {
		w.logger.Warn("tts status missing event, dropped", "error", err)
		return
	}
	w.machine.OnTTSStatus(st)
}

func (w *Worker) onSTTFinal(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeSTTFinal, "")
	if env == nil {
		w.logger.Warn("unparseable transcript dropped")
		return
	}
	var f events.STTFinal
	if err := env.DecodeData(&f); err != nil {
		w.logger.Warn("unparseable transcript dropped", "error", err)
		return
	}
	w.machine.OnSTTFinal(f)
}

func (w *Worker) publishDetectorFailure(ctx context.Context) {
	ev := events.WakeEvent{Type: events.WakeError, Cause: "detector_failure"}
	if _, err := w.client.PublishEvent(ctx, events.TopicWakeEvent, events.TypeWakeEvent, ev); err != nil {
		w.logger.Warn("publish detector failure failed", "error", err)
	}
}
