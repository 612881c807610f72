package events

import (
	"encoding/json"
	"time"
)

// TTS status events published on tts/status.
const (
	TTSSpeakingStart = "speaking_start"
	TTSSpeakingEnd   = "speaking_end"
	TTSPaused        = "paused"
	TTSResumed       = "resumed"
	TTSStopped       = "stopped"
)

// TTS control actions published on tts/control.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlStop   = "stop"
)

// Wake event types published on wake/event.
const (
	WakeDetected  = "wake"
	WakeInterrupt = "interrupt"
	WakeResume    = "resume"
	WakeCancelled = "cancelled"
	WakeTimeout   = "timeout"
	WakeError     = "error"
)

// Microphone actions published on wake/mic.
const (
	MicMute   = "mute"
	MicUnmute = "unmute"
)

// Retrieval strategies accepted in memory/query.
const (
	StrategyHybrid     = "hybrid"
	StrategyRecent     = "recent"
	StrategySimilarity = "similarity"
)

// Movement device events published on movement/state.
const (
	MovementReady     = "ready"
	MovementFrameAck  = "frame_ack"
	MovementCompleted = "completed"
	MovementError     = "error"
)

// HealthStatus is the retained per-client health payload on
// system/health/<client>.
type HealthStatus struct {
	OK    bool   `json:"ok"`
	Event string `json:"event,omitempty"`
	Error string `json:"error,omitempty"`
	TS    string `json:"ts,omitempty"`
}

// Heartbeat is the application-level keepalive payload on
// system/keepalive/<client>.
type Heartbeat struct {
	OK        bool      `json:"ok"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// STTFinal is a final transcript from the speech recognizer.
type STTFinal struct {
	Text       string  `json:"text"`
	Lang       string  `json:"lang,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	UttID      string  `json:"utt_id,omitempty"`
}

// STTPartial is an in-progress transcript, UI display only.
type STTPartial struct {
	Text string `json:"text"`
}

// TTSSay asks the synthesizer to speak text. UttID groups the chunks of one
// logical utterance; chunks of a streamed reply share the utterance id and
// carry increasing Seq values.
type TTSSay struct {
	Text  string `json:"text"`
	UttID string `json:"utt_id,omitempty"`
	Seq   int    `json:"seq,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// TTSStatus reports synthesizer playback state changes.
type TTSStatus struct {
	Event string `json:"event"`
	UttID string `json:"utt_id,omitempty"`
}

// TTSControl pauses, resumes, or stops playback of an utterance.
type TTSControl struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WakeEvent reports a wake state transition.
type WakeEvent struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence,omitempty"`
	Energy     float64 `json:"energy,omitempty"`
	Cause      string  `json:"cause,omitempty"`
	TTSID      string  `json:"tts_id,omitempty"`
	SessionID  int64   `json:"session_id,omitempty"`
}

// WakeMic commands the microphone open or closed. TTLMs bounds how long an
// unmute lasts without a final transcript.
type WakeMic struct {
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	TTLMs     int64  `json:"ttl_ms,omitempty"`
	SessionID int64  `json:"session_id,omitempty"`
}

// ChatTurn is one conversation history entry.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMParams carries per-request sampling overrides. Zero values fall back to
// worker defaults; Temperature and TopP are pointers because zero is a valid
// override.
type LLMParams struct {
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// LLMRequest asks the language-model worker for a completion. UseRAG is
// tri-state: nil inherits the worker default.
type LLMRequest struct {
	ID                  string     `json:"id,omitempty"`
	Text                string     `json:"text"`
	System              string     `json:"system,omitempty"`
	Stream              bool       `json:"stream,omitempty"`
	UseRAG              *bool      `json:"use_rag,omitempty"`
	RAGK                int        `json:"rag_k,omitempty"`
	ConversationHistory []ChatTurn `json:"conversation_history,omitempty"`
	Params              *LLMParams `json:"params,omitempty"`
}

// LLMResponse is the final reply for a request, or its error.
type LLMResponse struct {
	ID    string `json:"id"`
	Reply string `json:"reply"`
	Error string `json:"error,omitempty"`
	Model string `json:"model,omitempty"`
}

// LLMStreamDelta is one streamed fragment. Seq is strictly increasing per
// request id; the delta with Done set is always last and carries no text.
type LLMStreamDelta struct {
	ID    string `json:"id"`
	Seq   int    `json:"seq"`
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done"`
}

// MemoryQuery asks the memory worker for relevant documents.
type MemoryQuery struct {
	Query          string `json:"query"`
	TopK           int    `json:"top_k,omitempty"`
	Strategy       string `json:"strategy,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
	IncludeContext bool   `json:"include_context,omitempty"`
	ContextWindow  int    `json:"context_window,omitempty"`
}

// MemoryResult is one scored document in a query response. Relation is set
// on context-expansion entries ("previous" or "next"); target documents
// leave it empty.
type MemoryResult struct {
	Text     string    `json:"text"`
	Score    float64   `json:"score"`
	Role     string    `json:"role,omitempty"`
	TS       time.Time `json:"ts,omitempty"`
	Relation string    `json:"relation,omitempty"`
}

// MemoryResults answers a memory/query, correlated by envelope id.
type MemoryResults struct {
	Results    []MemoryResult `json:"results"`
	Strategy   string         `json:"strategy,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
	TokensUsed int            `json:"tokens_used,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// CharacterCard is the persona snapshot retained on system/character/current.
type CharacterCard struct {
	Name         string         `json:"name"`
	SystemPrompt string         `json:"systemprompt,omitempty"`
	Traits       map[string]any `json:"traits,omitempty"`
	Description  string         `json:"description,omitempty"`
	Voice        string         `json:"voice,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// CharacterGet requests the current card, or one section of it.
type CharacterGet struct {
	Name    string `json:"name,omitempty"`
	Section string `json:"section,omitempty"`
}

// CharacterResult answers a character/get.
type CharacterResult struct {
	Card    *CharacterCard `json:"card,omitempty"`
	Section string         `json:"section,omitempty"`
	Value   any            `json:"value,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ToolCallRequest dispatches one provider tool call to the MCP bridge.
type ToolCallRequest struct {
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// ToolCallResult carries the bridge's answer for one call. Exactly one of
// Content and Error is meaningful.
type ToolCallResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolSpec describes one callable tool. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolsRegistry is the retained tool catalog on llm/tools/registry.
type ToolsRegistry struct {
	Tools  []ToolSpec `json:"tools"`
	Source string     `json:"source,omitempty"`
}

// MovementCommand asks the sequencer to run a named routine.
type MovementCommand struct {
	Routine string  `json:"routine"`
	Speed   float64 `json:"speed,omitempty"`
}

// MovementFrame is one servo keyframe in the ESP32 wire contract. Channels
// maps channel number to pulse width; Done marks the last frame of a
// sequence.
type MovementFrame struct {
	ID           string         `json:"id"`
	Seq          int            `json:"seq"`
	Total        int            `json:"total"`
	Channels     map[string]int `json:"channels"`
	HoldMs       int            `json:"hold_ms,omitempty"`
	DurationMs   int            `json:"duration_ms,omitempty"`
	DisableAfter bool           `json:"disable_after,omitempty"`
	Done         bool           `json:"done,omitempty"`
}

// MovementState is the device's reply on movement/state.
type MovementState struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Seq   int    `json:"seq,omitempty"`
	Total int    `json:"total,omitempty"`
	Error string `json:"error,omitempty"`
}
