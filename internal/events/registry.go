// Package events is the process-wide registry of MQTT topics, event types,
// and payload shapes shared by every worker. The registry maps dot-separated
// event types to their default topics and back. The mapping is advisory:
// the broker does not enforce it, and a mismatched type on a topic is logged
// at debug and processed anyway.
//
// The package also provides a small broadcast bus ([Bus]) that the ops
// console uses to fan broker traffic out to live tail viewers.
package events

import "strings"

// Topic constants. system/health and system/keepalive are per-client
// prefixes; use [HealthTopic] and [KeepaliveTopic] to build the full name.
const (
	TopicSTTFinal   = "stt/final"
	TopicSTTPartial = "stt/partial"

	TopicTTSSay     = "tts/say"
	TopicTTSStatus  = "tts/status"
	TopicTTSControl = "tts/control"

	TopicLLMRequest      = "llm/request"
	TopicLLMResponse     = "llm/response"
	TopicLLMStream       = "llm/stream"
	TopicToolCallRequest = "llm/tool.call.request"
	TopicToolCallResult  = "llm/tool.call.result"
	TopicToolsRegistry   = "llm/tools/registry"

	TopicMemoryQuery   = "memory/query"
	TopicMemoryResults = "memory/results"

	TopicCharacterGet     = "character/get"
	TopicCharacterResult  = "character/result"
	TopicCharacterCurrent = "system/character/current"

	TopicWakeEvent = "wake/event"
	TopicWakeMic   = "wake/mic"

	TopicMovementCommand = "movement/command"
	TopicMovementFrame   = "movement/frame"
	TopicMovementState   = "movement/state"

	TopicHealthPrefix    = "system/health/"
	TopicKeepalivePrefix = "system/keepalive/"
)

// Event type constants carried in the envelope type field.
const (
	TypeSTTFinal   = "stt.final"
	TypeSTTPartial = "stt.partial"

	TypeTTSSay     = "tts.say"
	TypeTTSStatus  = "tts.status"
	TypeTTSControl = "tts.control"

	TypeLLMRequest      = "llm.request"
	TypeLLMResponse     = "llm.response"
	TypeLLMStream       = "llm.stream"
	TypeToolCallRequest = "tool.call.request"
	TypeToolCallResult  = "tool.call.result"
	TypeToolsRegistry   = "tools.registry"

	TypeMemoryQuery   = "memory.query"
	TypeMemoryResults = "memory.results"

	TypeCharacterGet     = "character.get"
	TypeCharacterResult  = "character.result"
	TypeCharacterCurrent = "character.current"

	TypeWakeEvent = "wake.event"
	TypeWakeMic   = "wake.mic"

	TypeHealthStatus = "health.status"
	TypeHeartbeat    = "system.heartbeat"

	TypeMovementCommand = "movement.command"
	TypeMovementFrame   = "movement.frame"
	TypeMovementState   = "movement.state"
)

var typeToTopic = map[string]string{
	TypeSTTFinal:         TopicSTTFinal,
	TypeSTTPartial:       TopicSTTPartial,
	TypeTTSSay:           TopicTTSSay,
	TypeTTSStatus:        TopicTTSStatus,
	TypeTTSControl:       TopicTTSControl,
	TypeLLMRequest:       TopicLLMRequest,
	TypeLLMResponse:      TopicLLMResponse,
	TypeLLMStream:        TopicLLMStream,
	TypeToolCallRequest:  TopicToolCallRequest,
	TypeToolCallResult:   TopicToolCallResult,
	TypeToolsRegistry:    TopicToolsRegistry,
	TypeMemoryQuery:      TopicMemoryQuery,
	TypeMemoryResults:    TopicMemoryResults,
	TypeCharacterGet:     TopicCharacterGet,
	TypeCharacterResult:  TopicCharacterResult,
	TypeCharacterCurrent: TopicCharacterCurrent,
	TypeWakeEvent:        TopicWakeEvent,
	TypeWakeMic:          TopicWakeMic,
	TypeMovementCommand:  TopicMovementCommand,
	TypeMovementFrame:    TopicMovementFrame,
	TypeMovementState:    TopicMovementState,
}

var topicToType = func() map[string]string {
	m := make(map[string]string, len(typeToTopic))
	for typ, topic := range typeToTopic {
		m[topic] = typ
	}
	return m
}()

// DefaultTopic returns the topic an event type is published on by default.
// Per-client topics (health, keepalive) have no single default and return
// false.
func DefaultTopic(eventType string) (string, bool) {
	t, ok := typeToTopic[eventType]
	return t, ok
}

// EventTypeFor returns the registered event type for a concrete topic.
// Health topics match by prefix.
func EventTypeFor(topic string) (string, bool) {
	if t, ok := topicToType[topic]; ok {
		return t, true
	}
	if strings.HasPrefix(topic, TopicHealthPrefix) {
		return TypeHealthStatus, true
	}
	if strings.HasPrefix(topic, TopicKeepalivePrefix) {
		return TypeHeartbeat, true
	}
	return "", false
}

// HealthTopic returns the retained health topic for a client id.
func HealthTopic(clientID string) string {
	return TopicHealthPrefix + clientID
}

// KeepaliveTopic returns the heartbeat topic for a client id.
func KeepaliveTopic(clientID string) string {
	return TopicKeepalivePrefix + clientID
}
