package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient speaks the chat-completions dialect. It covers the OpenAI API
// itself, OpenAI-compatible servers (Ollama, LM Studio, OpenRouter, Qwen) and,
// with an api-version query and api-key header, Azure OpenAI deployments.
// Streaming is a hand-rolled SSE read because compatible servers diverge from
// the official SDK in small ways (reasoning fields, partial tool calls).
type OpenAIClient struct {
	family  Family
	baseURL string
	headers map[string]string // sent on every request, includes auth
	query   map[string]string // appended to every request URL
	sdk     *openai.Client    // model listing for the official dialect
}

// NewOpenAIClient creates a client for OpenAI or an OpenAI-compatible server.
// baseURL defaults to the official endpoint.
func NewOpenAIClient(baseURL, apiKey string, extra map[string]string) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	headers := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		headers[k] = v
	}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}

	sdk := openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL))
	return &OpenAIClient{
		family:  FamilyOpenAI,
		baseURL: baseURL,
		headers: headers,
		sdk:     &sdk,
	}
}

// NewAzureClient creates a client for an Azure OpenAI deployment. baseURL is
// the deployment URL (https://<resource>.openai.azure.com/openai/deployments/<name>).
func NewAzureClient(baseURL, apiKey, apiVersion string, extra map[string]string) (*OpenAIClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("azure: base URL is required")
	}
	if apiVersion == "" {
		return nil, fmt.Errorf("azure: api version is required")
	}
	headers := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		headers[k] = v
	}
	if apiKey != "" {
		headers["api-key"] = apiKey
	}
	return &OpenAIClient{
		family:  FamilyAzure,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: headers,
		query:   map[string]string{"api-version": apiVersion},
	}, nil
}

func (c *OpenAIClient) Family() Family { return c.family }

// Chat-completions request/response structures. Tool choice can be a string
// ("none"/"auto") or an object; message content can be a string or a part
// array when images are attached.
type oaiChatRequest struct {
	Model           string       `json:"model"`
	Messages        []oaiMessage `json:"messages"`
	Tools           []oaiTool    `json:"tools,omitempty"`
	ToolChoice      interface{}  `json:"tool_choice,omitempty"`
	Temperature     *float64     `json:"temperature,omitempty"`
	TopP            *float64     `json:"top_p,omitempty"`
	MaxTokens       *int         `json:"max_tokens,omitempty"`
	ReasoningEffort string       `json:"reasoning_effort,omitempty"`
	EnableThinking  *bool        `json:"enable_thinking,omitempty"`
	Stream          bool         `json:"stream,omitempty"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    interface{}   `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type oaiChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []oaiChoice  `json:"choices"`
	Usage   *oaiUsage    `json:"usage,omitempty"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiChoice struct {
	Index        int       `json:"index"`
	Message      *oaiDelta `json:"message,omitempty"`
	Delta        *oaiDelta `json:"delta,omitempty"`
	FinishReason string    `json:"finish_reason"`
}

// oaiDelta doubles as the full message in non-streamed responses. Reasoning
// arrives under different keys depending on the server; reasoningDelta picks
// whichever is populated.
type oaiDelta struct {
	Role             string        `json:"role,omitempty"`
	Content          string        `json:"content,omitempty"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	Reasoning        string        `json:"reasoning,omitempty"`
	ReasoningText    string        `json:"reasoning_text,omitempty"`
	ToolCalls        []oaiToolCall `json:"tool_calls,omitempty"`
}

func (d *oaiDelta) reasoningDelta() string {
	if d.ReasoningContent != "" {
		return d.ReasoningContent
	}
	if d.Reasoning != "" {
		return d.Reasoning
	}
	return d.ReasoningText
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type oaiModelsResponse struct {
	Data []oaiModel `json:"data"`
}

type oaiModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (c *OpenAIClient) makeRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	reqURL := c.baseURL + endpoint
	if len(c.query) > 0 {
		q := url.Values{}
		for k, v := range c.query {
			q.Set(k, v)
		}
		reqURL += "?" + q.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}

	return defaultHTTPClient.Do(httpReq)
}

func (c *OpenAIClient) makeChatRequest(ctx context.Context, req oaiChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return c.makeRequest(ctx, "POST", "/chat/completions", body)
}

func (c *OpenAIClient) buildChatRequest(req Request, stream bool) (oaiChatRequest, error) {
	messages := buildOAIMessages(req.Messages)
	if len(messages) == 0 {
		return oaiChatRequest{}, fmt.Errorf("no messages provided")
	}
	tools, err := buildOAITools(req.Tools)
	if err != nil {
		return oaiChatRequest{}, err
	}

	chatReq := oaiChatRequest{
		Model:           req.Model,
		Messages:        messages,
		Tools:           tools,
		ReasoningEffort: req.ReasoningEffort,
		EnableThinking:  req.EnableThinking,
		Stream:          stream,
	}
	if req.ToolChoice.Mode != "" {
		chatReq.ToolChoice = buildOAIToolChoice(req.ToolChoice)
	}
	if req.Temperature != nil {
		v := float64(*req.Temperature)
		chatReq.Temperature = &v
	}
	if req.TopP != nil {
		v := float64(*req.TopP)
		chatReq.TopP = &v
	}
	if req.MaxOutputTokens > 0 {
		v := req.MaxOutputTokens
		chatReq.MaxTokens = &v
	}
	return chatReq, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		chatReq, err := c.buildChatRequest(req, true)
		if err != nil {
			return err
		}

		resp, err := c.makeChatRequest(ctx, chatReq)
		if err != nil {
			return fmt.Errorf("chat request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
		}

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		var lastUsage *Usage
		var lastEventType string

		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				lastEventType = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chatResp oaiChatResponse
			if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
				// Malformed keep-alive or vendor extension line.
				continue
			}

			if lastEventType == "error" || chatResp.Error != nil {
				errMsg := "unknown error"
				if chatResp.Error != nil {
					errMsg = chatResp.Error.Message
				}
				return fmt.Errorf("API error: %s", errMsg)
			}

			if chatResp.Usage != nil {
				lastUsage = &Usage{
					InputTokens:  chatResp.Usage.PromptTokens,
					OutputTokens: chatResp.Usage.CompletionTokens,
				}
			}

			for _, choice := range chatResp.Choices {
				if choice.Delta == nil {
					continue
				}
				if r := choice.Delta.reasoningDelta(); r != "" {
					if err := emit(ctx, events, Event{Type: EventReasoningDelta, Text: r}); err != nil {
						return err
					}
				}
				if choice.Delta.Content != "" {
					if err := emit(ctx, events, Event{Type: EventTextDelta, Text: choice.Delta.Content}); err != nil {
						return err
					}
				}
				for _, call := range choice.Delta.ToolCalls {
					ev := Event{
						Type:      EventToolCallDelta,
						Index:     call.Index,
						CallID:    call.ID,
						CallName:  call.Function.Name,
						ArgsDelta: call.Function.Arguments,
					}
					if err := emit(ctx, events, ev); err != nil {
						return err
					}
				}
			}

			lastEventType = ""
		}

		if err := scanner.Err(); err != nil {
			return fmt.Errorf("streaming error: %w", err)
		}

		if lastUsage != nil {
			if err := emit(ctx, events, Event{Type: EventUsage, Use: lastUsage}); err != nil {
				return err
			}
		}
		return emit(ctx, events, Event{Type: EventDone})
	}), nil
}

func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	chatReq, err := c.buildChatRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.makeChatRequest(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp oaiChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return nil, fmt.Errorf("response contained no choices")
	}

	msg := chatResp.Choices[0].Message
	out := &Response{
		Text:      msg.Content,
		Reasoning: msg.reasoningDelta(),
	}
	for _, call := range msg.ToolCalls {
		args := call.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	if chatResp.Usage != nil {
		out.Usage = &Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ListModels returns the models the endpoint advertises. The official dialect
// goes through the SDK; Azure and compatible servers expose the same shape on
// GET /models.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if c.sdk != nil {
		page, err := c.sdk.Models.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list models: %w", err)
		}
		var models []ModelInfo
		for _, m := range page.Data {
			models = append(models, ModelInfo{
				ID:      m.ID,
				Created: m.Created,
				OwnedBy: m.OwnedBy,
			})
		}
		return models, nil
	}

	resp, err := c.makeRequest(ctx, "GET", "/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var modelsResp oaiModelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	models := make([]ModelInfo, len(modelsResp.Data))
	for i, m := range modelsResp.Data {
		models[i] = ModelInfo{
			ID:      m.ID,
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		}
	}
	return models, nil
}

func buildOAIMessages(messages []Message) []oaiMessage {
	var result []oaiMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
			text, images, toolCalls := splitOAIParts(msg.Parts)
			if msg.Role == RoleAssistant && len(toolCalls) > 0 {
				result = append(result, oaiMessage{
					Role:      "assistant",
					Content:   text,
					ToolCalls: toolCalls,
				})
				continue
			}
			if len(images) > 0 {
				parts := make([]oaiContentPart, 0, len(images)+1)
				if text != "" {
					parts = append(parts, oaiContentPart{Type: "text", Text: text})
				}
				for _, img := range images {
					parts = append(parts, oaiContentPart{
						Type:     "image_url",
						ImageURL: &oaiImageURL{URL: img},
					})
				}
				result = append(result, oaiMessage{Role: string(msg.Role), Content: parts})
				continue
			}
			if text == "" {
				continue
			}
			result = append(result, oaiMessage{Role: string(msg.Role), Content: text})
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				result = append(result, oaiMessage{
					Role:       "tool",
					Content:    part.ToolResult.Content,
					ToolCallID: part.ToolResult.ID,
				})
			}
		}
	}
	return result
}

func splitOAIParts(parts []Part) (string, []string, []oaiToolCall) {
	var textParts []string
	var images []string
	var toolCalls []oaiToolCall
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
		case PartImage:
			if part.ImageURL != "" {
				images = append(images, part.ImageURL)
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			toolCalls = append(toolCalls, oaiToolCall{
				ID:   part.ToolCall.ID,
				Type: "function",
				Function: struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				}{
					Name:      part.ToolCall.Name,
					Arguments: string(part.ToolCall.Arguments),
				},
			})
		}
	}
	return strings.Join(textParts, ""), images, toolCalls
}

func buildOAITools(specs []ToolSpec) ([]oaiTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]oaiTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}

func buildOAIToolChoice(choice ToolChoice) interface{} {
	switch choice.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceRequired:
		return "required"
	default:
		if choice.Name != "" {
			return map[string]interface{}{
				"type":     "function",
				"function": map[string]string{"name": choice.Name},
			}
		}
		return nil
	}
}
