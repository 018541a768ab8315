package stage

import "github.com/MrWong99/voicepipe/pkg/provider/llm"

// charsPerToken approximates English text across common tokenizers.
const charsPerToken = 4

// windowRatio is the share of the model's context window the history may
// fill when no explicit budget is configured.
const windowRatio = 0.75

// EstimateTokens returns a rough token count for s: one token per four
// characters, and at least one for non-empty text.
func EstimateTokens(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

func estimateMessage(m llm.Message) int {
	return EstimateTokens(m.Role) + EstimateTokens(m.Content)
}

// historyBudget returns the token budget for conversation history, or 0 for
// no limit. An explicit budget wins; otherwise windowRatio of the model's
// context window is used, minus room for the completion. The system prompt
// always counts against the budget.
func historyBudget(explicit int, caps llm.ModelCapabilities, cfg LLMConfig) int {
	budget := explicit
	if budget == 0 && caps.ContextWindow > 0 {
		budget = int(float64(caps.ContextWindow)*windowRatio) - cfg.MaxTokens
	}
	if budget == 0 {
		return 0
	}
	return max(budget-EstimateTokens(cfg.SystemPrompt), 1)
}

// trimHistory drops the oldest messages until msgs fits budget. The newest
// message is always kept, and the window never opens with an assistant
// message. A budget of 0 keeps everything.
func trimHistory(msgs []llm.Message, budget int) []llm.Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		total += estimateMessage(msgs[i])
		if total > budget && i < len(msgs)-1 {
			break
		}
		start = i
	}
	for start < len(msgs)-1 && msgs[start].Role == llm.RoleAssistant {
		start++
	}
	return msgs[start:]
}
