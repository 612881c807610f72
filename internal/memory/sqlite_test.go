package memory

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLiteStore(db, testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func insertDoc(t *testing.T, s Store, id, role, text string, embedding []float32) *Document {
	t.Helper()
	doc := &Document{
		ID:        id,
		Role:      role,
		Text:      text,
		Embedding: embedding,
		TS:        time.Now().UTC(),
	}
	if err := s.Insert(context.Background(), doc); err != nil {
		t.Fatalf("Insert %s: %v", id, err)
	}
	return doc
}

func TestInsertAssignsPositions(t *testing.T) {
	s := newTestStore(t)
	a := insertDoc(t, s, "a", "user", "first turn", nil)
	b := insertDoc(t, s, "b", "assistant", "second turn", nil)
	if a.Position <= 0 {
		t.Fatalf("first position = %d, want positive", a.Position)
	}
	if b.Position <= a.Position {
		t.Fatalf("positions not increasing: %d then %d", a.Position, b.Position)
	}
	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	s := newTestStore(t)
	insertDoc(t, s, "a", "user", "oldest", nil)
	insertDoc(t, s, "b", "assistant", "middle", nil)
	insertDoc(t, s, "c", "user", "newest", nil)

	got, err := s.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d docs, want 2", len(got))
	}
	if got[0].Text != "newest" || got[1].Text != "middle" {
		t.Fatalf("Recent order = %q, %q", got[0].Text, got[1].Text)
	}
}

func TestLexicalFTSRanksMatches(t *testing.T) {
	s := newTestStore(t)
	if !s.ftsEnabled {
		t.Skip("fts5 not available in test build")
	}
	insertDoc(t, s, "a", "user", "the weather today is sunny and warm", nil)
	insertDoc(t, s, "b", "assistant", "I scheduled your dentist appointment", nil)
	insertDoc(t, s, "c", "user", "what was the weather forecast again", nil)

	got, err := s.Lexical(context.Background(), "weather forecast", 5)
	if err != nil {
		t.Fatalf("Lexical: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Lexical returned %d docs, want 2", len(got))
	}
	for _, d := range got {
		if d.ID == "b" {
			t.Fatalf("dentist document matched weather query")
		}
		if d.Score <= 0 || d.Score > 1 {
			t.Fatalf("score %v outside (0,1]", d.Score)
		}
	}
	// Both query terms appear in c, only one in a.
	if got[0].ID != "c" {
		t.Fatalf("best match = %s, want c", got[0].ID)
	}
}

func TestLexicalLikeFallback(t *testing.T) {
	s := newTestStore(t)
	s.ftsEnabled = false
	insertDoc(t, s, "a", "user", "turn on the kitchen light", nil)
	insertDoc(t, s, "b", "user", "turn on the kitchen fan", nil)
	insertDoc(t, s, "c", "user", "play some jazz", nil)

	got, err := s.Lexical(context.Background(), "kitchen", 5)
	if err != nil {
		t.Fatalf("Lexical: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Lexical returned %d docs, want 2", len(got))
	}
	if got[0].ID != "b" {
		t.Fatalf("fallback should order newest first, got %s", got[0].ID)
	}
	for _, d := range got {
		if d.Score != 1 {
			t.Fatalf("fallback score = %v, want flat 1", d.Score)
		}
	}
}

func TestSimilarRanksByCosine(t *testing.T) {
	s := newTestStore(t)
	insertDoc(t, s, "x", "user", "aligned", []float32{1, 0, 0})
	insertDoc(t, s, "y", "user", "diagonal", []float32{1, 1, 0})
	insertDoc(t, s, "z", "user", "orthogonal", []float32{0, 0, 1})
	insertDoc(t, s, "w", "user", "no vector", nil)

	got, err := s.Similar(context.Background(), []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Similar returned %d docs, want 2", len(got))
	}
	if got[0].ID != "x" || got[1].ID != "y" {
		t.Fatalf("order = %s, %s, want x, y", got[0].ID, got[1].ID)
	}
	if got[0].Score < 0.99 {
		t.Fatalf("aligned score = %v, want ~1", got[0].Score)
	}
}

func TestNeighborsWindows(t *testing.T) {
	s := newTestStore(t)
	var docs []*Document
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		docs = append(docs, insertDoc(t, s, text, "user", text, nil))
	}

	before, after, err := s.Neighbors(context.Background(), docs[2].Position, 1)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(before) != 1 || before[0].Text != "two" {
		t.Fatalf("before = %+v, want [two]", before)
	}
	if len(after) != 1 || after[0].Text != "four" {
		t.Fatalf("after = %+v, want [four]", after)
	}

	// Wide window at the corpus edge truncates, chronological order kept.
	before, after, err = s.Neighbors(context.Background(), docs[1].Position, 3)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(before) != 1 || before[0].Text != "one" {
		t.Fatalf("edge before = %+v, want [one]", before)
	}
	if len(after) != 3 || after[0].Text != "three" || after[2].Text != "five" {
		t.Fatalf("edge after = %+v, want [three four five]", after)
	}
}

func TestDimensionTracksNewestVector(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dim, err := s.Dimension(ctx)
	if err != nil {
		t.Fatalf("Dimension: %v", err)
	}
	if dim != 0 {
		t.Fatalf("empty corpus dimension = %d, want 0", dim)
	}

	insertDoc(t, s, "a", "user", "three wide", []float32{1, 2, 3})
	if dim, _ = s.Dimension(ctx); dim != 3 {
		t.Fatalf("dimension = %d, want 3", dim)
	}

	insertDoc(t, s, "b", "user", "four wide", []float32{1, 2, 3, 4})
	if dim, _ = s.Dimension(ctx); dim != 4 {
		t.Fatalf("dimension after newer insert = %d, want 4", dim)
	}
}

func TestUpdateEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertDoc(t, s, "a", "user", "hello", []float32{1, 0})

	if err := s.UpdateEmbedding(ctx, "a", []float32{0, 1, 0}); err != nil {
		t.Fatalf("UpdateEmbedding: %v", err)
	}
	docs, err := s.AllDocuments(ctx)
	if err != nil {
		t.Fatalf("AllDocuments: %v", err)
	}
	if len(docs) != 1 || len(docs[0].Embedding) != 3 {
		t.Fatalf("embedding not replaced: %+v", docs)
	}
	if docs[0].Embedding[1] != 1 {
		t.Fatalf("embedding = %v, want [0 1 0]", docs[0].Embedding)
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	cases := [][]float32{
		nil,
		{0},
		{1.5, -2.25, 3.125},
		{0.1, 0.2, 0.3, 0.4},
	}
	for _, in := range cases {
		out := decodeVector(encodeVector(in))
		if len(in) == 0 {
			if out != nil {
				t.Fatalf("decode(encode(%v)) = %v, want nil", in, out)
			}
			continue
		}
		if len(out) != len(in) {
			t.Fatalf("round trip length %d, want %d", len(out), len(in))
		}
		for i := range in {
			if out[i] != in[i] {
				t.Fatalf("round trip[%d] = %v, want %v", i, out[i], in[i])
			}
		}
	}
}

func TestSanitizeFTS5Query(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"weather", `"weather"`},
		{"weather forecast", `"weather" OR "forecast"`},
		{`say "hello"`, `"say" OR """hello"""`},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := sanitizeFTS5Query(tc.in); got != tc.want {
			t.Errorf("sanitizeFTS5Query(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
