package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewRoundTrip(t *testing.T) {
	type payload struct {
		Text string `json:"text"`
		N    int    `json:"n"`
	}

	env, err := New("stt.final", "tars-stt", payload{Text: "hello there", N: 3}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.ID == "" {
		t.Error("envelope id is empty")
	}
	if env.Type != "stt.final" {
		t.Errorf("Type = %q, want %q", env.Type, "stt.final")
	}
	if env.Source != "tars-stt" {
		t.Errorf("Source = %q, want %q", env.Source, "tars-stt")
	}
	if env.TS.Location() != time.UTC {
		t.Errorf("TS location = %v, want UTC", env.TS.Location())
	}

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != env.ID {
		t.Errorf("ID = %q, want %q", got.ID, env.ID)
	}
	var p payload
	if err := got.DecodeData(&p); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if p.Text != "hello there" || p.N != 3 {
		t.Errorf("payload = %+v, want {hello there 3}", p)
	}
}

func TestNewCarriesCorrelate(t *testing.T) {
	env, err := New("llm.response", "tars-llm", map[string]string{"reply": "ok"}, "req-123")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, _ := env.Marshal()
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Correlate != "req-123" {
		t.Errorf("Correlate = %q, want %q", got.Correlate, "req-123")
	}
}

func TestCorrelateOmittedWhenEmpty(t *testing.T) {
	env, err := New("system.health.ok", "tars-router", map[string]bool{"ok": true}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, _ := env.Marshal()
	if strings.Contains(string(raw), "correlate") {
		t.Errorf("empty correlate field serialized: %s", raw)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"id":"abc","type":"tts.say","ts":"2025-03-01T10:00:00Z","source":"router","data":{"text":"hi"},"schema":2,"extra":[1,2]}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.ID != "abc" || env.Type != "tts.say" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestDecodeRejectsBarePayload(t *testing.T) {
	_, err := Decode([]byte(`{"text":"hello"}`))
	if !errors.Is(err, ErrNotEnvelope) {
		t.Errorf("err = %v, want ErrNotEnvelope", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("Decode accepted non-JSON payload")
	}
}

func TestDecodeLenientWrapsBarePayload(t *testing.T) {
	env, ok := DecodeLenient([]byte(`{"text":"what time is it","lang":"en"}`), "stt.final", "tars-stt")
	if ok {
		t.Error("bare payload reported as real envelope")
	}
	if env == nil {
		t.Fatal("DecodeLenient returned nil for valid JSON")
	}
	if env.ID != "" {
		t.Errorf("synthetic envelope id = %q, want empty", env.ID)
	}
	if env.Type != "stt.final" || env.Source != "tars-stt" {
		t.Errorf("synthetic envelope = %+v", env)
	}
	var p struct {
		Text string `json:"text"`
	}
	if err := env.DecodeData(&p); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if p.Text != "what time is it" {
		t.Errorf("Text = %q, want %q", p.Text, "what time is it")
	}
}

func TestDecodeLenientPassesThroughEnvelope(t *testing.T) {
	raw := []byte(`{"id":"e1","type":"wake.event","ts":"2025-03-01T10:00:00Z","source":"tars-wake","data":{"type":"wake"}}`)
	env, ok := DecodeLenient(raw, "fallback", "fb")
	if !ok {
		t.Fatal("real envelope not recognized")
	}
	if env.Type != "wake.event" {
		t.Errorf("Type = %q, want %q", env.Type, "wake.event")
	}
}

func TestDecodeLenientRejectsGarbage(t *testing.T) {
	env, ok := DecodeLenient([]byte{0xff, 0x00}, "t", "s")
	if ok || env != nil {
		t.Errorf("DecodeLenient = (%v, %v), want (nil, false)", env, ok)
	}
}

func TestPeekID(t *testing.T) {
	if got := PeekID([]byte(`{"id":"xyz","type":"t"}`)); got != "xyz" {
		t.Errorf("PeekID = %q, want %q", got, "xyz")
	}
	if got := PeekID([]byte(`{"text":"no id"}`)); got != "" {
		t.Errorf("PeekID = %q, want empty", got)
	}
	if got := PeekID([]byte("garbage")); got != "" {
		t.Errorf("PeekID on garbage = %q, want empty", got)
	}
}

func TestNewIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestMarshalDataIsRawJSON(t *testing.T) {
	env, err := New("memory.query", "router", map[string]any{"query": "k8s", "top_k": 5}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !json.Valid(env.Data) {
		t.Errorf("Data is not valid JSON: %s", env.Data)
	}
}
