// Package movement turns named routine commands into paced servo frame
// sequences for the ESP32 movement controller. Each frame is published
// bare on movement/frame and confirmed by a frame_ack on movement/state;
// when the ack never arrives the worker paces the sequence locally so a
// deaf controller cannot stall a routine forever.
package movement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/correlate"
	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/mqtt"
)

// deviceClientID is the MQTT client id the servo controller announces
// itself with; its retained health lives under system/health/.
const deviceClientID = "movement-esp32"

// Publisher is the outbound surface the sequencer needs. *mqtt.Client
// satisfies it.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, payload []byte, opts ...mqtt.PublishOption) error
}

// Worker sequences servo routines one at a time. Commands arriving while
// a routine is playing, or while the controller is known-unhealthy, are
// dropped with a warning rather than queued.
type Worker struct {
	cfg    config.Movement
	client *mqtt.Client
	pub    Publisher
	logger *slog.Logger

	acks *correlate.Registry[events.MovementState]

	mu         sync.Mutex
	busy       bool
	deviceOK   bool
	deviceSeen bool

	runCtx context.Context
}

// NewWorker wires a movement sequencer. The client is used for
// subscriptions; frames go out through its raw publish path.
func NewWorker(cfg config.Movement, client *mqtt.Client, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		client: client,
		pub:    client,
		logger: logger,
		acks:   correlate.NewRegistry[events.MovementState](),
	}
}

// Run subscribes to the command, state, and device health topics, then
// blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx

	subs := []struct {
		topic   string
		qos     byte
		handler mqtt.MessageHandler
	}{
		{events.TopicMovementCommand, 1, w.onCommand},
		{events.TopicMovementState, 1, w.onState},
		{events.HealthTopic(deviceClientID), 1, w.onDeviceHealth},
	}
	for _, s := range subs {
		if err := w.client.Subscribe(ctx, s.topic, s.qos, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

func (w *Worker) onCommand(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeMovementCommand, "unknown")
	if env == nil {
		w.logger.Warn("movement command dropped", "topic", topic, "reason", "undecodable payload")
		return
	}
	var cmd events.MovementCommand
	if err := env.DecodeData(&cmd); err != nil {
		w.logger.Warn("movement command dropped", "err", err)
		return
	}

	r, ok := routines[cmd.Routine]
	if !ok {
		w.logger.Warn("unknown movement routine", "routine", cmd.Routine)
		return
	}

	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		w.logger.Warn("movement busy, command dropped", "routine", r.name)
		return
	}
	if w.deviceSeen && !w.deviceOK {
		w.mu.Unlock()
		w.logger.Warn("movement device unhealthy, command dropped", "routine", r.name)
		return
	}
	w.busy = true
	w.mu.Unlock()

	go w.runRoutine(w.runCtx, r, cmd.Speed)
}

func (w *Worker) runRoutine(ctx context.Context, r routine, speed float64) {
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	id := envelope.NewID()
	frames := expandRoutine(r, speed, id)
	w.logger.Info("movement routine started", "routine", r.name, "id", id, "frames", len(frames))

	for i := range frames {
		if err := w.playFrame(ctx, &frames[i]); err != nil {
			w.logger.Warn("movement routine aborted",
				"routine", r.name, "id", id, "seq", frames[i].Seq, "err", err)
			return
		}
	}
	w.logger.Info("movement routine completed", "routine", r.name, "id", id)
}

// playFrame publishes one frame and waits for the controller's ack. A
// missing ack falls back to local pacing; an error state aborts the
// routine. After the ack (or timeout) the frame's motion time elapses
// before the next frame goes out.
func (w *Worker) playFrame(ctx context.Context, f *events.MovementFrame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	key := ackKey(f.ID, f.Seq)
	ch := w.acks.Register(key, time.Now().Add(w.cfg.AckTimeout))
	if err := w.pub.PublishRaw(ctx, events.TopicMovementFrame, payload, mqtt.WithQoS(1)); err != nil {
		w.acks.Cancel(key)
		return fmt.Errorf("publish frame: %w", err)
	}

	select {
	case st, ok := <-ch:
		if ok && st.Event == events.MovementError {
			if st.Error != "" {
				return fmt.Errorf("device error: %s", st.Error)
			}
			return errors.New("device reported frame error")
		}
	case <-time.After(w.cfg.AckTimeout):
		w.acks.Cancel(key)
		w.logger.Debug("frame ack timed out, pacing locally", "seq", f.Seq, "total", f.Total)
	case <-ctx.Done():
		w.acks.Cancel(key)
		return ctx.Err()
	}

	if pace := time.Duration(f.DurationMs+f.HoldMs) * time.Millisecond; pace > 0 {
		select {
		case <-time.After(pace):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *Worker) onState(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeMovementState, deviceClientID)
	if env == nil {
		w.logger.Warn("movement state dropped", "topic", topic, "reason", "undecodable payload")
		return
	}
	var st events.MovementState
	if err := env.DecodeData(&st); err != nil {
		w.logger.Warn("movement state dropped", "err", err)
		return
	}

	switch st.Event {
	case events.MovementFrameAck, events.MovementError:
		if !w.acks.Resolve(ackKey(st.ID, st.Seq), st) && st.Event == events.MovementError {
			w.logger.Warn("movement device error", "id", st.ID, "seq", st.Seq, "err", st.Error)
		}
	case events.MovementCompleted:
		w.logger.Debug("device finished sequence", "id", st.ID)
	case events.MovementReady:
		w.logger.Info("movement device ready")
	default:
		w.logger.Debug("unhandled movement state", "event", st.Event)
	}
}

func (w *Worker) onDeviceHealth(topic string, payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(payload) == 0 {
		// Retained health cleared; the device state is unknown again.
		w.deviceSeen = false
		w.deviceOK = false
		return
	}

	env, _ := envelope.DecodeLenient(payload, events.TypeHealthStatus, deviceClientID)
	if env == nil {
		return
	}
	var hs events.HealthStatus
	if err := env.DecodeData(&hs); err != nil {
		w.logger.Warn("movement health dropped", "err", err)
		return
	}

	if !w.deviceSeen || w.deviceOK != hs.OK {
		w.logger.Info("movement device health changed", "ok", hs.OK, "event", hs.Event)
	}
	w.deviceSeen = true
	w.deviceOK = hs.OK
}

// expandRoutine stamps a routine's keyframes into wire frames carrying
// the sequence id, 1-based seq numbers, and the done marker on the final
// frame. Durations are scaled by speed, clamped to [0.25, 4].
func expandRoutine(r routine, speed float64, id string) []events.MovementFrame {
	if speed <= 0 {
		speed = 1
	}
	if speed < 0.25 {
		speed = 0.25
	}
	if speed > 4 {
		speed = 4
	}

	frames := make([]events.MovementFrame, len(r.frames))
	for i, kf := range r.frames {
		channels := make(map[string]int, len(kf.channels))
		for ch, pulse := range kf.channels {
			channels[ch] = pulse
		}
		frames[i] = events.MovementFrame{
			ID:           id,
			Seq:          i + 1,
			Total:        len(r.frames),
			Channels:     channels,
			DurationMs:   scaleMs(kf.durationMs, speed),
			HoldMs:       scaleMs(kf.holdMs, speed),
			DisableAfter: kf.disableAfter,
			Done:         i == len(r.frames)-1,
		}
	}
	return frames
}

func scaleMs(ms int, speed float64) int {
	if ms <= 0 {
		return 0
	}
	return int(float64(ms)/speed + 0.5)
}

func ackKey(id string, seq int) string {
	return id + "/" + strconv.Itoa(seq)
}
