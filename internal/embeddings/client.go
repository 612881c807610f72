// Package embeddings generates text embeddings through Ollama's embedding
// API and provides the vector math the memory store ranks with.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/httpkit"
)

// Client calls Ollama's embedding endpoint.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// Config for the embedding client.
type Config struct {
	BaseURL string // Ollama base URL, e.g. "http://127.0.0.1:11434"
	Model   string // embedding model, e.g. "nomic-embed-text"
}

// New creates an embedding client. Ollama restarts during model pulls, so
// the client retries refused connections once.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(1, 2*time.Second),
		),
	}
}

// Model returns the configured embedding model name.
func (c *Client) Model() string {
	return c.model
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// post sends one JSON request to the embeddings endpoint and decodes the
// reply into out.
func (c *Client) post(ctx context.Context, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d: %s",
			resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Generate embeds one text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	var reply embedResponse
	if err := c.post(ctx, embedRequest{Model: c.model, Prompt: text}, &reply); err != nil {
		return nil, err
	}
	if len(reply.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding for model %q", c.model)
	}
	return reply.Embedding, nil
}

// GenerateBatch embeds texts one at a time; Ollama's endpoint takes a
// single prompt per call.
func (c *Client) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Generate(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths score zero; that happens when the embedding model
// changed under a stored corpus and those rows rank last until re-embedded.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(na))) * float32(math.Sqrt(float64(nb))))
}

// Match is one ranked vector from TopK.
type Match struct {
	Index int
	Score float32
}

// TopK returns the k vectors most similar to query, best first.
func TopK(query []float32, vectors [][]float32, k int) []Match {
	if k > len(vectors) {
		k = len(vectors)
	}
	if k <= 0 {
		return nil
	}

	ranked := make([]Match, len(vectors))
	for i, v := range vectors {
		ranked[i] = Match{Index: i, Score: CosineSimilarity(query, v)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked[:k]
}
