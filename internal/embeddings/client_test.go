package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func approx(a, b float32) bool { return math.Abs(float64(a-b)) < 1e-4 }

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"same direction", []float32{0, 2, 0}, []float32{0, 5, 0}, 1},
		{"orthogonal", []float32{3, 0}, []float32{0, 4}, 0},
		{"opposed", []float32{1, 2}, []float32{-1, -2}, -1},
		{"45 degrees", []float32{1, 0}, []float32{1, 1}, 0.7071},
		{"length mismatch scores zero", []float32{1, 2, 3}, []float32{1, 2}, 0},
		{"zero vector scores zero", []float32{0, 0}, []float32{4, 4}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CosineSimilarity(tc.a, tc.b); !approx(got, tc.want) {
				t.Errorf("got %f, want %f", got, tc.want)
			}
		})
	}
}

func TestTopKRanksBestFirst(t *testing.T) {
	query := []float32{0, 1}
	corpus := [][]float32{
		{1, 0},  // unrelated
		{1, 1},  // halfway
		{0, 3},  // aligned; magnitude must not matter
		{0, -1}, // opposed
	}

	got := TopK(query, corpus, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantOrder := []int{2, 1, 0}
	for i, m := range got {
		if m.Index != wantOrder[i] {
			t.Fatalf("rank %d = index %d, want %d (%+v)", i, m.Index, wantOrder[i], got)
		}
	}
	if !approx(got[0].Score, 1) {
		t.Errorf("best score = %f, want 1", got[0].Score)
	}
}

func TestTopKClampsToCorpus(t *testing.T) {
	got := TopK([]float32{1}, [][]float32{{1}, {2}}, 10)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestTopKZero(t *testing.T) {
	if got := TopK([]float32{1}, [][]float32{{1}}, 0); len(got) != 0 {
		t.Fatalf("len = %d, want 0", len(got))
	}
}

// fakeOllama stands in for the embeddings endpoint.
func fakeOllama(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Model: "mxbai-embed-large"})
}

func TestGenerate(t *testing.T) {
	c := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Model != "mxbai-embed-large" || req.Prompt != "the hallway lights are on" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.25, -0.5, 0.75}})
	})

	vec, err := c.Generate(context.Background(), "the hallway lights are on")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(vec) != 3 || vec[1] != -0.5 {
		t.Errorf("vec = %v", vec)
	}
}

func TestGenerateBatch(t *testing.T) {
	var prompts []string
	c := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		prompts = append(prompts, req.Prompt)
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{float32(len(req.Prompt))}})
	})

	vecs, err := c.GenerateBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if len(vecs) != 3 || vecs[2][0] != 3 {
		t.Errorf("vecs = %v", vecs)
	}
	if len(prompts) != 3 || prompts[1] != "bb" {
		t.Errorf("prompts = %v", prompts)
	}
}

func TestGenerateServerError(t *testing.T) {
	c := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not loaded"}`, http.StatusInternalServerError)
	})

	_, err := c.Generate(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("err = %v, want the server's message", err)
	}
}

func TestGenerateRejectsEmptyEmbedding(t *testing.T) {
	c := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	})

	if _, err := c.Generate(context.Background(), "x"); err == nil {
		t.Fatal("want error for empty embedding")
	}
}

func TestDefaultModel(t *testing.T) {
	if got := New(Config{}).Model(); got != "nomic-embed-text" {
		t.Errorf("Model = %q", got)
	}
}
