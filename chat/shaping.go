package chat

import (
	"strings"

	"github.com/jfletcher/palaver/llm"
)

// GenerationOptions are the caller-tunable sampling settings for a turn.
type GenerationOptions struct {
	Temperature     *float32
	TopP            *float32
	MaxOutputTokens int
	ReasoningEffort string // low/medium/high; empty disables reasoning shaping
	ThinkingBudget  int    // token budget for families that take one
}

// shapeRequest applies per-model quirks to an assembled request:
//
//   - o-series models reject sampling parameters and system messages, so
//     temperature/top_p are dropped and system text is folded into a
//     bracketed user message.
//   - temperature is clamped to the range the family accepts (0..1 for
//     Anthropic and Gemini, 0..2 elsewhere).
//   - reasoning controls map to the family's native field: a thinking budget
//     for Anthropic and Gemini, a boolean switch for Qwen-style models, and
//     reasoning_effort for everything else.
func shapeRequest(family llm.Family, wireName string, req llm.Request, opts GenerationOptions) llm.Request {
	req.MaxOutputTokens = opts.MaxOutputTokens
	req.Temperature = clampTemperature(opts.Temperature, family)
	req.TopP = opts.TopP

	if isOSeriesModel(wireName) {
		req.Temperature = nil
		req.TopP = nil
		req.Messages = foldSystemIntoUser(req.Messages)
		if opts.ReasoningEffort != "" {
			req.ReasoningEffort = opts.ReasoningEffort
		}
		return req
	}

	if opts.ReasoningEffort == "" && opts.ThinkingBudget == 0 {
		return req
	}

	switch family {
	case llm.FamilyAnthropic, llm.FamilyGemini:
		budget := opts.ThinkingBudget
		if budget == 0 {
			budget = budgetForEffort(opts.ReasoningEffort)
		}
		req.ThinkingBudget = budget
	default:
		if isQwenModel(wireName) {
			enabled := true
			req.EnableThinking = &enabled
		} else if opts.ReasoningEffort != "" {
			req.ReasoningEffort = opts.ReasoningEffort
		}
	}
	return req
}

func clampTemperature(t *float32, family llm.Family) *float32 {
	if t == nil {
		return nil
	}
	max := float32(2)
	if family == llm.FamilyAnthropic || family == llm.FamilyGemini {
		max = 1
	}
	v := *t
	if v < 0 {
		v = 0
	}
	if v > max {
		v = max
	}
	return &v
}

// foldSystemIntoUser rewrites system messages as labeled user messages.
func foldSystemIntoUser(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != llm.RoleSystem {
			out = append(out, msg)
			continue
		}
		if text := msg.TextContent(); text != "" {
			out = append(out, llm.UserText("[System instructions]\n"+text))
		}
	}
	return out
}

func isOSeriesModel(name string) bool {
	n := strings.ToLower(name)
	for _, prefix := range []string{"o1", "o3", "o4"} {
		if n == prefix || strings.HasPrefix(n, prefix+"-") {
			return true
		}
	}
	return false
}

func isQwenModel(name string) bool {
	return strings.Contains(strings.ToLower(name), "qwen")
}

func budgetForEffort(effort string) int {
	switch effort {
	case "low":
		return 2048
	case "medium":
		return 8192
	case "high":
		return 16384
	default:
		return 0
	}
}
