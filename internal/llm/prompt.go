package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/provider"
	"github.com/ZinkoSoft/tars-go/internal/textutil"
)

// responseReserveTokens is what dynamic assembly holds back for the
// model's reply before budgeting prompt content.
const responseReserveTokens = 300

// systemPrompt merges the retained character card with the request's
// optional override. The card renders first; the override follows
// after a blank line.
func systemPrompt(card *events.CharacterCard, override string) string {
	persona := personaPrompt(card)
	override = strings.TrimSpace(override)
	switch {
	case persona == "":
		return override
	case override == "":
		return persona
	}
	return persona + "\n\n" + override
}

// personaPrompt renders a character card as a system prompt. The
// card's own systemprompt comes first when present, then a trait
// line; a card with neither still introduces itself by name.
func personaPrompt(card *events.CharacterCard) string {
	if card == nil {
		return ""
	}
	var parts []string
	if s := strings.TrimSpace(card.SystemPrompt); s != "" {
		parts = append(parts, s)
	}
	if line := traitLine(card); line != "" {
		parts = append(parts, line)
	}
	if len(parts) == 0 {
		if card.Name == "" {
			return ""
		}
		return "You are " + card.Name + "."
	}
	return strings.Join(parts, "\n")
}

func traitLine(card *events.CharacterCard) string {
	if len(card.Traits) == 0 || card.Name == "" {
		return ""
	}
	keys := make([]string, 0, len(card.Traits))
	for k := range card.Traits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%v", k, card.Traits[k])
	}
	return fmt.Sprintf("You are %s. Traits: %s.", card.Name, strings.Join(pairs, ", "))
}

// retrieveContext publishes a correlated memory/query and waits for
// its results. Registration happens before the publish so a fast
// memory worker cannot answer into the void. Every failure mode
// degrades to an empty context.
func (w *Worker) retrieveContext(ctx context.Context, query string, k, maxTokens int) string {
	q := events.MemoryQuery{
		Query:     query,
		TopK:      k,
		Strategy:  events.StrategyHybrid,
		MaxTokens: maxTokens,
	}
	env, err := envelope.New(events.TypeMemoryQuery, w.source, q, "")
	if err != nil {
		w.logger.Warn("build memory query failed", "error", err)
		return ""
	}
	ch := w.memory.Register(env.ID, time.Now().Add(ragWaitTimeout))
	if err := w.pub.PublishEnvelope(ctx, events.TopicMemoryQuery, env); err != nil {
		w.memory.Cancel(env.ID)
		w.logger.Warn("publish memory query failed", "error", err)
		return ""
	}

	timer := time.NewTimer(ragWaitTimeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return ""
		}
		if res.Error != "" {
			w.logger.Warn("memory query errored", "error", res.Error)
			return ""
		}
		return formatRAGContext(w.cfg.RAGTemplate, res.Results)
	case <-timer.C:
		w.memory.Cancel(env.ID)
		w.logger.Warn("memory query timed out", "query_id", env.ID)
		return ""
	case <-ctx.Done():
		w.memory.Cancel(env.ID)
		return ""
	}
}

// formatRAGContext renders retrieved snippets through the configured
// template, replacing {context} with the joined snippet lines.
func formatRAGContext(template string, results []events.MemoryResult) string {
	if len(results) == 0 {
		return ""
	}
	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = "- " + r.Text
	}
	joined := strings.Join(lines, "\n")
	if template == "" {
		return joined
	}
	if strings.Contains(template, "{context}") {
		return strings.ReplaceAll(template, "{context}", joined)
	}
	return template + "\n" + joined
}

// dynamicMessages assembles the prompt under the configured context
// budget: the reply reserve and system prompt come off the top, half
// the remainder (capped by RAG_MAX_TOKENS) goes to retrieved context,
// and history fills what is left newest-first. The user turn is
// always included.
func (w *Worker) dynamicMessages(ctx context.Context, system string, req events.LLMRequest, p requestParams, reqID string) []provider.Message {
	budget := w.cfg.ContextTokens
	remaining := budget - responseReserveTokens - messageCost(system)
	if remaining < 0 {
		remaining = 0
	}

	ragBudget := remaining / 2
	if w.cfg.RAGMaxTokens > 0 && ragBudget > w.cfg.RAGMaxTokens {
		ragBudget = w.cfg.RAGMaxTokens
	}
	ragContext := ""
	if p.useRAG && ragBudget > 0 {
		ragContext = w.retrieveContext(ctx, req.Text, p.ragK, ragBudget)
	}
	ragTokens := 0
	if ragContext != "" {
		ragTokens = messageCost(ragContext)
	}

	historyBudget := remaining - ragTokens - messageCost(req.Text)
	kept, histTokens := trimHistory(req.ConversationHistory, historyBudget)

	w.logger.Debug("dynamic prompt assembled",
		"request", reqID, "budget", budget,
		"system_tokens", messageCost(system), "rag_tokens", ragTokens,
		"history_tokens", histTokens, "history_turns", len(kept))

	return buildMessages(system, ragContext, kept, req.Text)
}

func messageCost(s string) int {
	if s == "" {
		return 0
	}
	return textutil.EstimateTokens(s) + textutil.MessageOverheadTokens
}

// trimHistory keeps the newest turns that fit the budget, returned in
// chronological order.
func trimHistory(history []events.ChatTurn, budget int) ([]events.ChatTurn, int) {
	var kept []events.ChatTurn
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := messageCost(history[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, history[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, used
}

// buildMessages lays out the final prompt: one system turn carrying
// persona and retrieved context, the history, and the user turn last.
func buildMessages(system, ragContext string, history []events.ChatTurn, text string) []provider.Message {
	sys := system
	if ragContext != "" {
		if sys != "" {
			sys += "\n\n" + ragContext
		} else {
			sys = ragContext
		}
	}
	msgs := make([]provider.Message, 0, len(history)+2)
	if sys != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: sys})
	}
	for _, t := range history {
		msgs = append(msgs, provider.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: text})
	return msgs
}
