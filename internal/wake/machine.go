// Package wake arbitrates the half-duplex contract between microphone
// capture and TTS playback. A single state machine owns the decision of
// when the mic opens, when playback pauses for a barge-in, and when a
// cancel phrase kills an utterance outright. The machine never touches
// audio hardware; it consumes detector results and broker events and emits
// wake/event, wake/mic, and tts/control envelopes.
package wake

import (
	"context"
	"log/slog"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/mqtt"
	"github.com/ZinkoSoft/tars-go/internal/textutil"
)

// TTS playback states tracked by the machine.
const (
	stateIdle     = "idle"
	stateSpeaking = "speaking"
	statePaused   = "paused"
)

// cancelPhrases is the closed set of utterances that stop paused playback.
// Matching happens on the normalized transcript.
var cancelPhrases = map[string]struct{}{
	"cancel":          {},
	"cancel it":       {},
	"cancel that":     {},
	"cancel please":   {},
	"stop":            {},
	"stop it":         {},
	"stop that":       {},
	"never mind":      {},
	"never mind that": {},
	"nevermind":       {},
}

// IsCancelPhrase reports whether a transcript, after normalization, is one
// of the closed cancel phrases. Anything outside the set is treated as a
// regular utterance even if it contains "stop" or "cancel".
func IsCancelPhrase(text string) bool {
	_, ok := cancelPhrases[textutil.NormalizeTranscript(text)]
	return ok
}

// Publisher is the outbound surface the machine needs. *mqtt.Client
// satisfies it.
type Publisher interface {
	PublishEvent(ctx context.Context, topic, eventType string, data any, opts ...mqtt.PublishOption) (string, error)
}

// interruptRecord tracks a barge-in awaiting either a cancel phrase or the
// window expiry.
type interruptRecord struct {
	ttsID    string
	deadline time.Time
}

// input carries exactly one of the three event kinds into the run loop.
type input struct {
	detection *Detection
	status    *events.TTSStatus
	final     *events.STTFinal
}

// Machine is the wake-activation state machine. All state belongs to the
// goroutine running [Machine.Run]; the On* methods hand events to it.
type Machine struct {
	cfg    config.Wake
	pub    Publisher
	logger *slog.Logger

	inputs chan input
	done   chan struct{}

	ttsState     string
	ttsUttID     string
	interrupt    *interruptRecord
	idleDeadline time.Time
	session      int64
}

// NewMachine builds a machine in the idle state.
func NewMachine(cfg config.Wake, pub Publisher, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:      cfg,
		pub:      pub,
		logger:   logger,
		inputs:   make(chan input, 64),
		done:     make(chan struct{}),
		ttsState: stateIdle,
	}
}

// OnDetection feeds a positive detector result to the machine.
func (m *Machine) OnDetection(d Detection) { m.send(input{detection: &d}) }

// OnTTSStatus feeds a playback state change to the machine.
func (m *Machine) OnTTSStatus(s events.TTSStatus) { m.send(input{status: &s}) }

// OnSTTFinal feeds a final transcript to the machine.
func (m *Machine) OnSTTFinal(f events.STTFinal) { m.send(input{final: &f}) }

func (m *Machine) send(in input) {
	select {
	case m.inputs <- in:
	case <-m.done:
	}
}

// Run executes transitions until ctx is cancelled. Timers are cooperative:
// each loop pass waits on the earliest pending deadline, so replacing a
// deadline implicitly cancels the old timer.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		var timerC <-chan time.Time
		if next, ok := m.nextDeadline(); ok {
			timerC = time.After(time.Until(next))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-m.inputs:
			m.dispatch(ctx, in)
		case <-timerC:
			m.onDeadline(ctx, time.Now())
		}
	}
}

func (m *Machine) nextDeadline() (time.Time, bool) {
	var next time.Time
	if m.interrupt != nil {
		next = m.interrupt.deadline
	}
	if !m.idleDeadline.IsZero() && (next.IsZero() || m.idleDeadline.Before(next)) {
		next = m.idleDeadline
	}
	return next, !next.IsZero()
}

func (m *Machine) dispatch(ctx context.Context, in input) {
	switch {
	case in.detection != nil:
		m.handleDetection(ctx, *in.detection)
	case in.status != nil:
		m.handleStatus(*in.status)
	case in.final != nil:
		m.handleFinal(ctx, *in.final)
	}
}

// handleDetection opens a session. A wake during playback becomes an
// interrupt that pauses the utterance; a wake while already interrupted is
// ignored since the mic is open.
func (m *Machine) handleDetection(ctx context.Context, d Detection) {
	now := time.Now()
	switch m.ttsState {
	case stateSpeaking:
		m.session++
		m.publishEvent(ctx, events.WakeEvent{
			Type:       events.WakeInterrupt,
			Confidence: d.Score,
			Energy:     d.Energy,
			Cause:      "double_wake",
			TTSID:      m.ttsUttID,
			SessionID:  m.session,
		})
		m.openMic(ctx)
		m.publishControl(ctx, events.TTSControl{Action: events.ControlPause, ID: m.ttsUttID})
		m.interrupt = &interruptRecord{ttsID: m.ttsUttID, deadline: now.Add(m.cfg.InterruptWindow)}
		m.idleDeadline = now.Add(m.cfg.IdleTimeout)
		m.ttsState = statePaused
		m.logger.Info("wake interrupt", "session", m.session, "tts_id", m.interrupt.ttsID)
	case statePaused:
		m.logger.Debug("wake ignored, playback already paused", "session", m.session)
	default:
		m.session++
		m.publishEvent(ctx, events.WakeEvent{
			Type:       events.WakeDetected,
			Confidence: d.Score,
			Energy:     d.Energy,
			Cause:      "wake_phrase",
			SessionID:  m.session,
		})
		m.openMic(ctx)
		m.idleDeadline = now.Add(m.cfg.IdleTimeout)
		m.logger.Info("wake", "session", m.session, "score", d.Score)
	}
}

// handleFinal closes the listening window. During an interrupt a cancel
// phrase stops the parked utterance; any other transcript leaves playback
// paused for whatever answer is coming.
func (m *Machine) handleFinal(ctx context.Context, f events.STTFinal) {
	m.idleDeadline = time.Time{}
	if m.interrupt == nil {
		return
	}
	ttsID := m.interrupt.ttsID
	if IsCancelPhrase(f.Text) {
		m.publishControl(ctx, events.TTSControl{Action: events.ControlStop, ID: ttsID})
		m.publishEvent(ctx, events.WakeEvent{
			Type:      events.WakeCancelled,
			Cause:     "cancel",
			TTSID:     ttsID,
			SessionID: m.session,
		})
		m.interrupt = nil
		m.ttsState = stateIdle
		m.ttsUttID = ""
		m.logger.Info("playback cancelled", "session", m.session, "tts_id", ttsID)
		return
	}
	m.interrupt = nil
	m.logger.Info("interrupt consumed by transcript", "session", m.session, "tts_id", ttsID)
}

// handleStatus mirrors the synthesizer's reported state. The synthesizer is
// authoritative: a resume or stop it reports on its own cancels any pending
// interrupt window.
func (m *Machine) handleStatus(s events.TTSStatus) {
	switch s.Event {
	case events.TTSSpeakingStart, events.TTSResumed:
		m.ttsState = stateSpeaking
		if s.UttID != "" {
			m.ttsUttID = s.UttID
		}
		m.interrupt = nil
	case events.TTSPaused:
		m.ttsState = statePaused
	case events.TTSSpeakingEnd, events.TTSStopped:
		m.ttsState = stateIdle
		m.ttsUttID = ""
		m.interrupt = nil
	default:
		m.logger.Debug("unknown tts status ignored", "event", s.Event)
	}
}

func (m *Machine) onDeadline(ctx context.Context, now time.Time) {
	if m.interrupt != nil && !now.Before(m.interrupt.deadline) {
		m.interruptExpired(ctx)
	}
	if !m.idleDeadline.IsZero() && !now.Before(m.idleDeadline) {
		m.idleExpired(ctx)
	}
}

// interruptExpired resumes playback after a barge-in produced no cancel
// phrase in time.
func (m *Machine) interruptExpired(ctx context.Context) {
	ttsID := m.interrupt.ttsID
	m.publishEvent(ctx, events.WakeEvent{
		Type:      events.WakeResume,
		Cause:     "timeout",
		TTSID:     ttsID,
		SessionID: m.session,
	})
	m.publishControl(ctx, events.TTSControl{Action: events.ControlResume, ID: ttsID})
	m.interrupt = nil
	m.ttsState = stateSpeaking
	m.logger.Info("interrupt window expired, resuming", "session", m.session, "tts_id", ttsID)
}

// idleExpired closes a session that produced no transcript. If an
// interrupt is still parked, playback resumes with it.
func (m *Machine) idleExpired(ctx context.Context) {
	m.idleDeadline = time.Time{}
	m.publishEvent(ctx, events.WakeEvent{
		Type:      events.WakeTimeout,
		Cause:     "silence",
		SessionID: m.session,
	})
	if m.interrupt != nil {
		ttsID := m.interrupt.ttsID
		m.publishControl(ctx, events.TTSControl{Action: events.ControlResume, ID: ttsID})
		m.interrupt = nil
		m.ttsState = stateSpeaking
	}
	m.logger.Info("listening window expired", "session", m.session)
}

func (m *Machine) openMic(ctx context.Context) {
	m.publishMic(ctx, events.WakeMic{
		Action:    events.MicUnmute,
		Reason:    "wake",
		TTLMs:     m.cfg.IdleTimeout.Milliseconds(),
		SessionID: m.session,
	})
}

func (m *Machine) publishEvent(ctx context.Context, ev events.WakeEvent) {
	if _, err := m.pub.PublishEvent(ctx, events.TopicWakeEvent, events.TypeWakeEvent, ev); err != nil {
		m.logger.Warn("publish wake/event failed", "type", ev.Type, "error", err)
	}
}

func (m *Machine) publishMic(ctx context.Context, mic events.WakeMic) {
	if _, err := m.pub.PublishEvent(ctx, events.TopicWakeMic, events.TypeWakeMic, mic); err != nil {
		m.logger.Warn("publish wake/mic failed", "action", mic.Action, "error", err)
	}
}

func (m *Machine) publishControl(ctx context.Context, ctl events.TTSControl) {
	if _, err := m.pub.PublishEvent(ctx, events.TopicTTSControl, events.TypeTTSControl, ctl); err != nil {
		m.logger.Warn("publish tts/control failed", "action", ctl.Action, "error", err)
	}
}
