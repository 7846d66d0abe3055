package chat

import (
	"github.com/jfletcher/palaver/llm"
)

// BuildInput configures prompt assembly for one generation turn.
type BuildInput struct {
	History      []Message // chronological
	SystemPrompt string    // persona prompt, prepended when non-empty
	SelfModelID  string    // the participant generating this turn
	Group        bool      // group conversation: re-label other models' replies
	ModelLabel   func(modelID string) string
	IncludeImage bool // attach stored images as parts (vision-capable models)
}

// BuildMessages converts stored history into the normalized request form.
//
// Stored system messages are skipped; the persona prompt is the only system
// text. In group conversations an assistant message from a different model is
// presented as a user message prefixed with the sender's label, so the
// generating model never sees another participant's words as its own.
func BuildMessages(in BuildInput) []llm.Message {
	var out []llm.Message

	if in.SystemPrompt != "" {
		out = append(out, llm.SystemText(in.SystemPrompt))
	}

	for _, msg := range in.History {
		switch msg.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleAssistant:
			if in.Group && msg.ModelID != "" && msg.ModelID != in.SelfModelID {
				label := msg.ModelID
				if in.ModelLabel != nil {
					if l := in.ModelLabel(msg.ModelID); l != "" {
						label = l
					}
				}
				if msg.Content == "" {
					continue
				}
				out = append(out, llm.UserText("["+label+"]: "+msg.Content))
				continue
			}
			if m, ok := buildAssistantMessage(msg); ok {
				out = append(out, m)
			}
			// Replay this model's own tool results so follow-up context
			// survives reloads.
			for _, result := range msg.ToolResults {
				out = append(out, llm.ToolResultMessage(result.ID, result.Name, result.Content))
			}
		case llm.RoleUser:
			out = append(out, buildUserMessage(msg, in.IncludeImage))
		}
	}

	return out
}

func buildAssistantMessage(msg Message) (llm.Message, bool) {
	var parts []llm.Part
	if msg.Content != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: msg.Content})
	}
	for i := range msg.ToolCalls {
		parts = append(parts, llm.Part{Type: llm.PartToolCall, ToolCall: &msg.ToolCalls[i]})
	}
	if len(parts) == 0 {
		return llm.Message{}, false
	}
	return llm.Message{Role: llm.RoleAssistant, Parts: parts}, true
}

func buildUserMessage(msg Message, includeImages bool) llm.Message {
	var parts []llm.Part
	if msg.Content != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: msg.Content})
	}
	if includeImages {
		for _, img := range msg.Images {
			parts = append(parts, llm.Part{Type: llm.PartImage, ImageURL: img})
		}
	}
	if len(parts) == 0 {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: ""})
	}
	return llm.Message{Role: llm.RoleUser, Parts: parts}
}
