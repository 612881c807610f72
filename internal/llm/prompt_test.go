package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
)

func TestSystemPrompt(t *testing.T) {
	tests := []struct {
		name     string
		card     *events.CharacterCard
		override string
		want     string
	}{
		{
			name: "no card no override",
		},
		{
			name:     "no card uses override",
			override: "Answer briefly.",
			want:     "Answer briefly.",
		},
		{
			name: "card prompt alone",
			card: &events.CharacterCard{Name: "TARS", SystemPrompt: "Be blunt."},
			want: "Be blunt.",
		},
		{
			name: "card prompt with traits",
			card: &events.CharacterCard{
				Name:         "TARS",
				SystemPrompt: "Be blunt.",
				Traits:       map[string]any{"humor": 75, "honesty": 90},
			},
			want: "Be blunt.\nYou are TARS. Traits: honesty=90, humor=75.",
		},
		{
			name: "traits without prompt",
			card: &events.CharacterCard{Name: "CASE", Traits: map[string]any{"humor": 20}},
			want: "You are CASE. Traits: humor=20.",
		},
		{
			name: "name only falls back",
			card: &events.CharacterCard{Name: "Kipp"},
			want: "You are Kipp.",
		},
		{
			name:     "override concatenated after persona",
			card:     &events.CharacterCard{Name: "TARS", SystemPrompt: "Be blunt."},
			override: "  Focus on navigation.  ",
			want:     "Be blunt.\n\nFocus on navigation.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := systemPrompt(tt.card, tt.override); got != tt.want {
				t.Fatalf("systemPrompt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTraitValuesFromWire(t *testing.T) {
	// JSON decoding turns numbers into float64; the rendered line must
	// not grow a decimal point for whole values.
	card := &events.CharacterCard{Name: "TARS", Traits: map[string]any{"humor": float64(75)}}
	if got := personaPrompt(card); got != "You are TARS. Traits: humor=75." {
		t.Fatalf("personaPrompt = %q", got)
	}
}

func TestFormatRAGContext(t *testing.T) {
	results := []events.MemoryResult{
		{Text: "likes jazz"},
		{Text: "lives in Oslo"},
	}

	got := formatRAGContext("Relevant context from memory:\n{context}", results)
	want := "Relevant context from memory:\n- likes jazz\n- lives in Oslo"
	if got != want {
		t.Fatalf("formatted = %q, want %q", got, want)
	}

	if got := formatRAGContext("Context follows.", results); got != "Context follows.\n- likes jazz\n- lives in Oslo" {
		t.Fatalf("no-placeholder template = %q", got)
	}

	if got := formatRAGContext("", results); got != "- likes jazz\n- lives in Oslo" {
		t.Fatalf("empty template = %q", got)
	}

	if got := formatRAGContext("T: {context}", nil); got != "" {
		t.Fatalf("empty results = %q, want empty", got)
	}
}

func TestBuildMessages(t *testing.T) {
	history := []events.ChatTurn{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
	}

	msgs := buildMessages("persona", "context block", history, "now")
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "persona\n\ncontext block" {
		t.Fatalf("system = %+v", msgs[0])
	}
	if msgs[1].Content != "one" || msgs[2].Content != "two" {
		t.Fatalf("history = %+v", msgs[1:3])
	}
	if msgs[3].Role != "user" || msgs[3].Content != "now" {
		t.Fatalf("user turn = %+v", msgs[3])
	}

	msgs = buildMessages("", "", history, "now")
	if len(msgs) != 3 || msgs[0].Content != "one" {
		t.Fatalf("no-system layout = %+v", msgs)
	}

	msgs = buildMessages("", "only context", nil, "now")
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[0].Content != "only context" {
		t.Fatalf("context-only system = %+v", msgs)
	}
}

func TestTrimHistoryKeepsNewest(t *testing.T) {
	turn := func(role, content string) events.ChatTurn {
		return events.ChatTurn{Role: role, Content: content}
	}
	long := strings.Repeat("x", 100) // 101 chars per turn, messageCost 30
	history := []events.ChatTurn{
		turn("user", long+"1"),
		turn("assistant", long+"2"),
		turn("user", long+"3"),
		turn("assistant", long+"4"),
	}

	kept, used := trimHistory(history, 60)
	if len(kept) != 2 {
		t.Fatalf("kept %d turns, want 2", len(kept))
	}
	if !strings.HasSuffix(kept[0].Content, "3") || !strings.HasSuffix(kept[1].Content, "4") {
		t.Fatalf("kept wrong turns: %+v", kept)
	}
	if used != 60 {
		t.Fatalf("used = %d tokens, want 60", used)
	}

	kept, _ = trimHistory(history, 0)
	if len(kept) != 0 {
		t.Fatalf("zero budget kept %d turns", len(kept))
	}

	kept, _ = trimHistory(history, 1_000_000)
	if len(kept) != 4 || !strings.HasSuffix(kept[0].Content, "1") {
		t.Fatalf("large budget should keep all in order, got %+v", kept)
	}
}

func TestDynamicMessagesBudget(t *testing.T) {
	cfg := testConfig()
	cfg.DynamicPrompts = true
	cfg.ContextTokens = 400
	cfg.RAGMaxTokens = 40
	prov := &fakeProvider{}
	w, _ := newTestWorker(t, cfg, prov)

	long := strings.Repeat("x", 100) // 101 chars per turn, messageCost 30
	req := events.LLMRequest{
		Text: strings.Repeat("u", 20), // messageCost 9
		ConversationHistory: []events.ChatTurn{
			{Role: "user", Content: long + "1"},
			{Role: "assistant", Content: long + "2"},
			{Role: "user", Content: long + "3"},
			{Role: "assistant", Content: long + "4"},
		},
	}
	p := requestParams{ragK: 5}

	// Budget 400 minus the 300 reserve minus the system cost (5) leaves
	// 95; no RAG, the user turn costs 9, so history gets 86: two turns.
	msgs := w.dynamicMessages(context.Background(), "S", req, p, "t1")
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want system, two turns, user", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "S" {
		t.Fatalf("system = %+v", msgs[0])
	}
	if !strings.HasSuffix(msgs[1].Content, "3") || !strings.HasSuffix(msgs[2].Content, "4") {
		t.Fatalf("kept turns = %+v", msgs[1:3])
	}
	if msgs[3].Role != "user" {
		t.Fatalf("last turn = %+v", msgs[3])
	}
}

func TestDynamicMessagesWithRAG(t *testing.T) {
	cfg := testConfig()
	cfg.DynamicPrompts = true
	cfg.ContextTokens = 400
	cfg.RAGMaxTokens = 40
	prov := &fakeProvider{}
	w, pub := newTestWorker(t, cfg, prov)
	pub.onPublish = func(msg published) {
		if msg.topic == events.TopicMemoryQuery {
			w.memory.Resolve(msg.envID, events.MemoryResults{
				Results: []events.MemoryResult{{Text: "jazz fan"}},
			})
		}
	}

	req := events.LLMRequest{Text: "hi"}
	p := requestParams{useRAG: true, ragK: 3}

	msgs := w.dynamicMessages(context.Background(), "S", req, p, "t2")
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "- jazz fan") {
		t.Fatalf("system = %+v", msgs[0])
	}

	// The half-remainder budget is capped by RAG_MAX_TOKENS and handed
	// to the memory worker as its truncation limit.
	queries := pub.byTopic(events.TopicMemoryQuery)
	if len(queries) != 1 {
		t.Fatalf("memory queries = %d, want 1", len(queries))
	}
	var q events.MemoryQuery
	if err := queries[0].data.(*envelope.Envelope).DecodeData(&q); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if q.MaxTokens != 40 || q.TopK != 3 {
		t.Fatalf("query = %+v", q)
	}
}
