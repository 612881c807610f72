package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/textutil"
)

// Retrieval strategies, aliased from the event registry so query handling
// and payload docs stay on the same names.
const (
	StrategyHybrid     = events.StrategyHybrid
	StrategyRecent     = events.StrategyRecent
	StrategySimilarity = events.StrategySimilarity
)

const (
	defaultTopK = 5

	// hybridFetchFactor over-fetches each hybrid leg so documents strong
	// in only one leg still survive the blend.
	hybridFetchFactor = 4
)

// retriever answers one memory query against the store. Target documents
// are selected by strategy and trimmed to the token budget first; context
// expansion then spends whatever budget remains, so tight budgets drop
// context before they drop targets.
type retriever struct {
	store  Store
	embed  Embedder
	alpha  float64
	logger *slog.Logger
}

func (r *retriever) Query(ctx context.Context, q events.MemoryQuery) events.MemoryResults {
	strategy := q.Strategy
	if strategy == "" {
		strategy = StrategyHybrid
	}
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	window := q.ContextWindow
	if q.IncludeContext && window <= 0 {
		window = 1
	}

	candidates, err := r.search(ctx, strategy, q.Query, topK)
	if err != nil {
		return events.MemoryResults{Strategy: strategy, Error: err.Error()}
	}

	budget := q.MaxTokens
	used := 0
	truncated := false
	targets := make([]ScoredDocument, 0, len(candidates))
	for _, c := range candidates {
		cost := textutil.EstimateTokens(c.Text)
		if budget > 0 && used+cost > budget {
			truncated = true
			break
		}
		targets = append(targets, c)
		used += cost
	}

	results := make([]events.MemoryResult, 0, len(targets))
	if !q.IncludeContext {
		for _, t := range targets {
			results = append(results, toResult(t.Document, t.Score, ""))
		}
		return events.MemoryResults{
			Results: results, Strategy: strategy,
			Truncated: truncated, TokensUsed: used,
		}
	}

	included := make(map[int64]bool, len(targets))
	for _, t := range targets {
		included[t.Position] = true
	}
	for _, t := range targets {
		before, after, err := r.store.Neighbors(ctx, t.Position, window)
		if err != nil {
			r.logger.Warn("context expansion failed", "position", t.Position, "error", err)
			results = append(results, toResult(t.Document, t.Score, ""))
			continue
		}
		for _, d := range before {
			if ok, cost := r.admit(d, included, budget, used); ok {
				results = append(results, toResult(d, 0, "previous"))
				used += cost
			} else if cost > 0 {
				truncated = true
			}
		}
		results = append(results, toResult(t.Document, t.Score, ""))
		for _, d := range after {
			if ok, cost := r.admit(d, included, budget, used); ok {
				results = append(results, toResult(d, 0, "next"))
				used += cost
			} else if cost > 0 {
				truncated = true
			}
		}
	}
	return events.MemoryResults{
		Results: results, Strategy: strategy,
		Truncated: truncated, TokensUsed: used,
	}
}

// admit decides whether a context document fits. A zero cost return means
// the document was a duplicate rather than over budget.
func (r *retriever) admit(d Document, included map[int64]bool, budget, used int) (bool, int) {
	if included[d.Position] {
		return false, 0
	}
	cost := textutil.EstimateTokens(d.Text)
	if budget > 0 && used+cost > budget {
		return false, cost
	}
	included[d.Position] = true
	return true, cost
}

func (r *retriever) search(ctx context.Context, strategy, query string, topK int) ([]ScoredDocument, error) {
	switch strategy {
	case StrategyRecent:
		return r.store.Recent(ctx, topK)
	case StrategySimilarity:
		vec, err := r.queryEmbedding(ctx, query)
		if err != nil {
			return nil, err
		}
		return r.store.Similar(ctx, vec, topK)
	case StrategyHybrid:
		vec, err := r.queryEmbedding(ctx, query)
		if err != nil {
			return nil, err
		}
		vecLeg, err := r.store.Similar(ctx, vec, topK*hybridFetchFactor)
		if err != nil {
			return nil, err
		}
		lexLeg, err := r.store.Lexical(ctx, query, topK*hybridFetchFactor)
		if err != nil {
			return nil, err
		}
		return mergeHybrid(vecLeg, lexLeg, r.alpha, topK), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

func (r *retriever) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query text required")
	}
	vec, err := r.embed.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return vec, nil
}

// mergeHybrid blends the two legs: alpha weights vector similarity,
// 1-alpha weights lexical relevance. Documents present in only one leg
// contribute nothing from the other.
func mergeHybrid(vec, lex []ScoredDocument, alpha float64, k int) []ScoredDocument {
	combined := make(map[int64]*ScoredDocument, len(vec)+len(lex))
	for _, d := range vec {
		combined[d.Position] = &ScoredDocument{Document: d.Document, Score: alpha * d.Score}
	}
	for _, d := range lex {
		if c, ok := combined[d.Position]; ok {
			c.Score += (1 - alpha) * d.Score
		} else {
			combined[d.Position] = &ScoredDocument{Document: d.Document, Score: (1 - alpha) * d.Score}
		}
	}
	out := make([]ScoredDocument, 0, len(combined))
	for _, c := range combined {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Position > out[j].Position
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func toResult(d Document, score float64, relation string) events.MemoryResult {
	return events.MemoryResult{
		Text:     d.Text,
		Score:    score,
		Role:     d.Role,
		TS:       d.TS,
		Relation: relation,
	}
}
