package llm

import (
	"context"
	"encoding/json"
)

// Family identifies a provider wire protocol. The set is closed: every
// provider an application can configure speaks one of these four dialects,
// and the concrete client is chosen once at construction time.
type Family string

const (
	FamilyOpenAI    Family = "openai" // OpenAI and OpenAI-compatible endpoints
	FamilyAzure     Family = "azure"
	FamilyAnthropic Family = "anthropic"
	FamilyGemini    Family = "gemini"
)

// Client is a configured connection to one provider endpoint.
type Client interface {
	Family() Family
	// Stream starts a streaming completion and yields normalized events.
	Stream(ctx context.Context, req Request) (Stream, error)
	// Chat performs a non-streaming completion (title generation, probes).
	Chat(ctx context.Context, req Request) (*Response, error)
	// ListModels returns the models the endpoint advertises.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single model turn.
type Request struct {
	Model           string
	Messages        []Message
	Tools           []ToolSpec
	ToolChoice      ToolChoice
	MaxOutputTokens int
	Temperature     *float32
	TopP            *float32

	// Reasoning shaping. Each client maps these onto its native encoding;
	// unset fields are omitted from the wire request.
	ReasoningEffort string // low/medium/high, OpenAI-style endpoints
	ThinkingBudget  int    // token budget for Anthropic/Gemini thinking
	EnableThinking  *bool  // boolean switch used by Qwen-style endpoints
}

// Response is a complete non-streamed completion.
type Response struct {
	Text      string
	Reasoning string
	ToolCalls []ToolCall
	Usage     *Usage
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part.
type Part struct {
	Type       PartType
	Text       string
	ImageURL   string // data URI or https URL for PartImage
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolChoiceMode controls tool selection behavior.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
)

// ToolChoice configures which tool the model should call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the output from executing a tool call.
type ToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
}

// EventType describes streaming events.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCallDelta  EventType = "tool_call_delta" // incremental fragment, assembled by the consumer
	EventUsage          EventType = "usage"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Event represents a streamed output update.
type Event struct {
	Type EventType
	Text string // delta text for text/reasoning events

	// Tool call fragment fields. A call arrives as a sequence of fragments
	// sharing an Index; ID and Name are present on the first fragment,
	// ArgsDelta accumulates across the rest.
	Index     int
	CallID    string
	CallName  string
	ArgsDelta string

	Use *Usage
	Err error
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
}

// ModelInfo represents a model available from a provider.
type ModelInfo struct {
	ID          string
	DisplayName string
	Created     int64
	OwnedBy     string
}

func SystemText(text string) Message {
	return Message{
		Role:  RoleSystem,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func UserText(text string) Message {
	return Message{
		Role:  RoleUser,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func AssistantText(text string) Message {
	return Message{
		Role:  RoleAssistant,
		Parts: []Part{{Type: PartText, Text: text}},
	}
}

func ToolResultMessage(id, name, content string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type: PartToolResult,
			ToolResult: &ToolResult{
				ID:      id,
				Name:    name,
				Content: content,
			},
		}},
	}
}

// ToolErrorMessage creates a tool result message that indicates an error.
// The error is passed back to the model so it can respond gracefully
// instead of failing the stream.
func ToolErrorMessage(id, name, errorText string) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type: PartToolResult,
			ToolResult: &ToolResult{
				ID:      id,
				Name:    name,
				Content: errorText,
				IsError: true,
			},
		}},
	}
}

// TextContent concatenates the text parts of a message.
func (m Message) TextContent() string {
	var text string
	for _, p := range m.Parts {
		if p.Type == PartText && p.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += p.Text
		}
	}
	return text
}
