// Package envelope implements the canonical message wrapper used on every
// fleet topic.
//
// An envelope carries a globally unique id, a dot-separated event type, a UTC
// timestamp, the producing component's name, an optional correlation id
// pointing at the envelope it answers, and the typed payload as raw JSON.
// Envelopes are constructed at publish time, serialized once, and never
// mutated afterwards.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotEnvelope reports a payload that lacks envelope shape (no id or type).
// Callers that tolerate bare payloads should fall back to [DecodeLenient].
var ErrNotEnvelope = errors.New("payload is not an envelope")

// Envelope is the canonical wire message.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TS        time.Time       `json:"ts"`
	Source    string          `json:"source"`
	Correlate string          `json:"correlate,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// New builds an envelope around data with a fresh id and the current UTC
// time. correlate may be empty. data is marshaled once, here.
func New(eventType, source string, data any, correlate string) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", eventType, err)
	}
	return &Envelope{
		ID:        NewID(),
		Type:      eventType,
		TS:        time.Now().UTC(),
		Source:    source,
		Correlate: correlate,
		Data:      raw,
	}, nil
}

// NewID returns a fresh envelope id. UUIDv7 keeps ids roughly time-ordered,
// which makes broker dumps and dedup caches easier to read; if v7 generation
// fails (entropy exhaustion) a random v4 is used instead.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Marshal serializes the envelope for publishing.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeData unmarshals the payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Decode parses payload as an envelope. Unknown fields are ignored. A payload
// that parses as JSON but lacks both an id and a type returns
// [ErrNotEnvelope] so callers can distinguish "bare payload" from garbage.
func Decode(payload []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if e.ID == "" && e.Type == "" {
		return nil, ErrNotEnvelope
	}
	return &e, nil
}

// DecodeLenient parses payload as an envelope, falling back to wrapping the
// entire payload as the data of a synthetic envelope when it does not have
// envelope shape. The synthetic envelope carries fallbackType and
// fallbackSource, the current time, and an empty id (so deduplication skips
// it and correlation falls through to payload-level ids).
//
// The boolean reports whether a real envelope was found.
func DecodeLenient(payload []byte, fallbackType, fallbackSource string) (*Envelope, bool) {
	if e, err := Decode(payload); err == nil {
		return e, true
	}
	if !json.Valid(payload) {
		return nil, false
	}
	return &Envelope{
		Type:   fallbackType,
		TS:     time.Now().UTC(),
		Source: fallbackSource,
		Data:   json.RawMessage(payload),
	}, false
}

// PeekID extracts just the envelope id from payload without a full decode.
// Returns "" when the payload is not an envelope or carries no id. The
// dedup cache uses this on the hot receive path.
func PeekID(payload []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.ID
}
