package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			io.WriteString(w, line+"\n\n")
		}
	}
}

func collectEvents(t *testing.T, s Stream) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		events = append(events, ev)
	}
}

func TestOpenAIStream_TextAndReasoning(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`data: {"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{"reasoning_content":"step one"}}]}`,
		`: keep-alive comment`,
		`data: {not valid json`,
		`data: {"choices":[{"delta":{}}],"usage":{"prompt_tokens":5,"completion_tokens":7}}`,
		`data: [DONE]`,
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL, "test-key", nil)
	stream, err := c.Stream(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{UserText("hi")},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	var text, reasoning string
	var usage *Usage
	for _, ev := range collectEvents(t, stream) {
		switch ev.Type {
		case EventTextDelta:
			text += ev.Text
		case EventReasoningDelta:
			reasoning += ev.Text
		case EventUsage:
			usage = ev.Use
		}
	}

	if text != "Hello" {
		t.Errorf("got text %q, want %q", text, "Hello")
	}
	if reasoning != "step one" {
		t.Errorf("got reasoning %q, want %q", reasoning, "step one")
	}
	if usage == nil || usage.InputTokens != 5 || usage.OutputTokens != 7 {
		t.Errorf("got usage %+v, want 5/7", usage)
	}
}

func TestOpenAIStream_ToolCallFragments(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_time","arguments":"{\"tz\""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"UTC\"}"}}]}}]}`,
		`data: [DONE]`,
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL, "test-key", nil)
	stream, err := c.Stream(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{UserText("what time is it")},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	a := NewToolCallAssembler()
	for _, ev := range collectEvents(t, stream) {
		a.Add(ev)
	}

	calls := a.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Name != "get_time" {
		t.Errorf("got ID=%q Name=%q", calls[0].ID, calls[0].Name)
	}
	if string(calls[0].Arguments) != `{"tz":"UTC"}` {
		t.Errorf("got arguments %s", calls[0].Arguments)
	}
}

func TestOpenAIStream_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`event: error`,
		`data: {"error":{"type":"server_error","message":"model overloaded"}}`,
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL, "test-key", nil)
	stream, err := c.Stream(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{UserText("hi")},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	var gotErr error
	for {
		_, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			gotErr = err
			break
		}
	}
	if gotErr == nil || !strings.Contains(gotErr.Error(), "model overloaded") {
		t.Errorf("got error %v, want model overloaded", gotErr)
	}
}

func TestAzureClient_HeaderAndQuery(t *testing.T) {
	var gotKey, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("api-key")
		gotVersion = r.URL.Query().Get("api-version")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer server.Close()

	c, err := NewAzureClient(server.URL, "secret", "2024-06-01", nil)
	if err != nil {
		t.Fatalf("NewAzureClient() error = %v", err)
	}
	if c.Family() != FamilyAzure {
		t.Errorf("Family() = %q, want azure", c.Family())
	}

	resp, err := c.Chat(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{UserText("hi")},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("got text %q, want ok", resp.Text)
	}
	if gotKey != "secret" {
		t.Errorf("api-key header = %q, want secret", gotKey)
	}
	if gotVersion != "2024-06-01" {
		t.Errorf("api-version query = %q, want 2024-06-01", gotVersion)
	}
}

func TestAzureClient_RequiresVersionAndURL(t *testing.T) {
	if _, err := NewAzureClient("", "key", "2024-06-01", nil); err == nil {
		t.Error("expected error for missing base URL")
	}
	if _, err := NewAzureClient("https://example.openai.azure.com", "key", "", nil); err == nil {
		t.Error("expected error for missing api version")
	}
}

func TestAzureClient_ListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" || !strings.HasSuffix(r.URL.Path, "/models") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"data":[{"id":"gpt-4o","created":1700000000,"owned_by":"azure"}]}`)
	}))
	defer server.Close()

	c, err := NewAzureClient(server.URL, "secret", "2024-06-01", nil)
	if err != nil {
		t.Fatalf("NewAzureClient() error = %v", err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 1 || models[0].ID != "gpt-4o" {
		t.Errorf("got models %+v", models)
	}
}

func TestBuildOAIMessages_ToolResults(t *testing.T) {
	messages := []Message{
		UserText("run it"),
		{
			Role: RoleAssistant,
			Parts: []Part{
				{Type: PartText, Text: "running"},
				{Type: PartToolCall, ToolCall: &ToolCall{ID: "call_1", Name: "run", Arguments: []byte(`{}`)}},
			},
		},
		ToolResultMessage("call_1", "run", "done"),
	}

	out := buildOAIMessages(messages)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	if out[1].Role != "assistant" || len(out[1].ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", out[1])
	}
	if out[2].Role != "tool" || out[2].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", out[2])
	}
	if out[2].Content != "done" {
		t.Errorf("tool content = %v, want done", out[2].Content)
	}
}

func TestBuildOAIMessages_Images(t *testing.T) {
	messages := []Message{
		{
			Role: RoleUser,
			Parts: []Part{
				{Type: PartText, Text: "what is this"},
				{Type: PartImage, ImageURL: "data:image/png;base64,AAAA"},
			},
		},
	}

	out := buildOAIMessages(messages)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	parts, ok := out[0].Content.([]oaiContentPart)
	if !ok {
		t.Fatalf("expected content parts, got %T", out[0].Content)
	}
	if len(parts) != 2 || parts[0].Type != "text" || parts[1].Type != "image_url" {
		t.Errorf("got parts %+v", parts)
	}
	if parts[1].ImageURL == nil || parts[1].ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Errorf("image url = %+v", parts[1].ImageURL)
	}
}

func TestBuildOAIToolChoice(t *testing.T) {
	if got := buildOAIToolChoice(ToolChoice{Mode: ToolChoiceNone}); got != "none" {
		t.Errorf("none mode = %v", got)
	}
	if got := buildOAIToolChoice(ToolChoice{Mode: ToolChoiceAuto}); got != "auto" {
		t.Errorf("auto mode = %v", got)
	}
	if got := buildOAIToolChoice(ToolChoice{Mode: ToolChoiceRequired}); got != "required" {
		t.Errorf("required mode = %v", got)
	}
	got := buildOAIToolChoice(ToolChoice{Name: "get_time"})
	m, ok := got.(map[string]interface{})
	if !ok || m["type"] != "function" {
		t.Errorf("named choice = %v", got)
	}
}

func TestReasoningDelta_FieldPriority(t *testing.T) {
	d := &oaiDelta{ReasoningContent: "a", Reasoning: "b", ReasoningText: "c"}
	if got := d.reasoningDelta(); got != "a" {
		t.Errorf("got %q, want reasoning_content first", got)
	}
	d = &oaiDelta{Reasoning: "b", ReasoningText: "c"}
	if got := d.reasoningDelta(); got != "b" {
		t.Errorf("got %q, want reasoning next", got)
	}
	d = &oaiDelta{ReasoningText: "c"}
	if got := d.reasoningDelta(); got != "c" {
		t.Errorf("got %q, want reasoning_text last", got)
	}
}
