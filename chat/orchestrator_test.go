package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jfletcher/palaver/config"
	"github.com/jfletcher/palaver/llm"
	"github.com/jfletcher/palaver/tools"
)

// sliceStream replays scripted events, then err or io.EOF.
type sliceStream struct {
	events []llm.Event
	err    error
}

func (s *sliceStream) Recv() (llm.Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return llm.Event{}, s.err
		}
		return llm.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

type fakeClient struct {
	streams  []*sliceStream
	requests []llm.Request

	chatResp *llm.Response
	chatErr  error
	chatReqs []llm.Request
}

func (c *fakeClient) Family() llm.Family { return llm.FamilyOpenAI }

func (c *fakeClient) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	c.requests = append(c.requests, req)
	if len(c.streams) == 0 {
		return nil, errors.New("no scripted stream")
	}
	s := c.streams[0]
	c.streams = c.streams[1:]
	return s, nil
}

func (c *fakeClient) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.chatReqs = append(c.chatReqs, req)
	if c.chatErr != nil {
		return nil, c.chatErr
	}
	if c.chatResp != nil {
		return c.chatResp, nil
	}
	return &llm.Response{}, nil
}

func (c *fakeClient) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return nil, nil
}

func text(s string) llm.Event { return llm.Event{Type: llm.EventTextDelta, Text: s} }

func testOrchestrator(t *testing.T, store Store, executor *tools.Executor, client llm.Client) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(store, executor, slog.New(slog.NewTextHandler(io.Discard, nil)))
	o.newClient = func(ep llm.Endpoint) (llm.Client, error) {
		return client, nil
	}
	return o
}

func testGenerateRequest(conv *Conversation) GenerateRequest {
	return GenerateRequest{
		Conversation: conv,
		Provider:     config.Provider{ID: "p1", Family: "openai"},
		Model: config.Model{
			ID:   "m1",
			Name: "gpt-4o",
			Capabilities: config.Capabilities{
				ToolCalls: true,
				Streaming: true,
			},
		},
	}
}

func seedConversation(t *testing.T, store Store, title string) *Conversation {
	t.Helper()
	conv := &Conversation{
		ID: "c1", Kind: KindSingle, Title: title,
		Participants: []Participant{{ModelID: "m1"}},
	}
	if err := store.InsertConversation(context.Background(), conv); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertMessage(context.Background(), &Message{
		ID: "u1", ConversationID: "c1", Role: llm.RoleUser, Content: "hello there",
	}); err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestGenerate_SuccessWithThinking(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")
	client := &fakeClient{streams: []*sliceStream{{
		events: []llm.Event{
			text("<think>let me "),
			text("reason</think>the "),
			text("answer"),
			{Type: llm.EventUsage, Use: &llm.Usage{InputTokens: 3, OutputTokens: 5}},
			{Type: llm.EventDone},
		},
	}}}

	o := testOrchestrator(t, store, nil, client)
	msg, err := o.Generate(context.Background(), testGenerateRequest(conv))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if msg.Status != StatusSuccess {
		t.Errorf("status = %q", msg.Status)
	}
	if msg.Content != "the answer" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Reasoning != "let me reason" {
		t.Errorf("reasoning = %q", msg.Reasoning)
	}
	if msg.Streaming {
		t.Error("streaming flag not cleared")
	}

	stored, err := store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if stored.Content != "the answer" || stored.Status != StatusSuccess {
		t.Errorf("stored = %+v", stored)
	}

	gotConv, _ := store.GetConversation(context.Background(), "c1")
	if gotConv.Preview != "the answer" {
		t.Errorf("preview = %q", gotConv.Preview)
	}
	if o.Progress().Current() != nil {
		t.Error("progress not cleared")
	}
}

func TestGenerate_BlocksStreamAndFinalize(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")
	client := &fakeClient{streams: []*sliceStream{{
		events: []llm.Event{
			text("<think>let me "),
			text("reason</think>the "),
			text("answer"),
			{Type: llm.EventDone},
		},
	}}}

	o := testOrchestrator(t, store, nil, client)
	msg, err := o.Generate(context.Background(), testGenerateRequest(conv))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	blocks, err := store.BlocksFor(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("BlocksFor() error = %v", err)
	}
	var main, thinking *Block
	for i := range blocks {
		switch blocks[i].Kind {
		case BlockMain:
			main = &blocks[i]
		case BlockThinking:
			thinking = &blocks[i]
		}
	}
	if main == nil || thinking == nil {
		t.Fatalf("blocks = %+v, want one main and one thinking", blocks)
	}
	if main.Content != "the answer" || main.Status != StatusSuccess {
		t.Errorf("main block = %+v", main)
	}
	if thinking.Content != "let me reason" || thinking.Status != StatusSuccess {
		t.Errorf("thinking block = %+v", thinking)
	}
	if thinking.SortOrder >= main.SortOrder {
		t.Errorf("thinking must sort before main: %d vs %d", thinking.SortOrder, main.SortOrder)
	}
}

func TestGenerate_NoThinkingBlockWithoutReasoning(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")
	client := &fakeClient{streams: []*sliceStream{{
		events: []llm.Event{text("plain reply"), {Type: llm.EventDone}},
	}}}

	o := testOrchestrator(t, store, nil, client)
	msg, err := o.Generate(context.Background(), testGenerateRequest(conv))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	blocks, _ := store.BlocksFor(context.Background(), msg.ID)
	if len(blocks) != 1 || blocks[0].Kind != BlockMain {
		t.Fatalf("blocks = %+v, want a single main block", blocks)
	}
	if blocks[0].Content != "plain reply" || blocks[0].Status != StatusSuccess {
		t.Errorf("main block = %+v", blocks[0])
	}
}

func TestGenerate_PlaceholderInsertedBeforeStreaming(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")

	var sawPlaceholder bool
	client := &fakeClient{}
	o := testOrchestrator(t, store, nil, client)
	o.newClient = func(ep llm.Endpoint) (llm.Client, error) {
		// By the time the client is built, the row must already exist.
		msgs, _ := store.RecentMessages(context.Background(), "c1", "", 0)
		for _, m := range msgs {
			if m.Role == llm.RoleAssistant && m.Status == StatusStreaming && m.Streaming {
				sawPlaceholder = true
			}
		}
		return nil, errors.New("stop here")
	}

	if _, err := o.Generate(context.Background(), testGenerateRequest(conv)); err == nil {
		t.Fatal("expected error")
	}
	if !sawPlaceholder {
		t.Error("placeholder row missing before network work")
	}
}

func TestGenerate_PausedOnCancel(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")
	client := &fakeClient{streams: []*sliceStream{{
		events: []llm.Event{text("partial answ")},
		err:    context.Canceled,
	}}}

	o := testOrchestrator(t, store, nil, client)
	msg, err := o.Generate(context.Background(), testGenerateRequest(conv))
	if err != nil {
		t.Fatalf("cancellation should not be an error, got %v", err)
	}
	if msg.Status != StatusPaused {
		t.Errorf("status = %q, want paused", msg.Status)
	}
	if msg.Content != "partial answ" {
		t.Errorf("partial content lost: %q", msg.Content)
	}
	if msg.ErrorText != "" {
		t.Errorf("error text = %q, want empty", msg.ErrorText)
	}

	stored, _ := store.GetMessage(context.Background(), msg.ID)
	if stored.Status != StatusPaused || stored.Streaming {
		t.Errorf("stored = %+v", stored)
	}
}

func TestGenerate_ErrorFinalization(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")
	client := &fakeClient{streams: []*sliceStream{{
		err: errors.New("upstream exploded"),
	}}}

	req := testGenerateRequest(conv)
	req.Model.DisplayName = "GPT-4o"
	o := testOrchestrator(t, store, nil, client)
	msg, err := o.Generate(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "upstream exploded") {
		t.Fatalf("Generate() error = %v", err)
	}
	if msg == nil {
		t.Fatal("message should still be returned on failure")
	}
	if msg.Status != StatusError {
		t.Errorf("status = %q", msg.Status)
	}
	if msg.ErrorText != "upstream exploded" {
		t.Errorf("error text = %q", msg.ErrorText)
	}
	if msg.Content != "[GPT-4o] Error: upstream exploded" {
		t.Errorf("fallback content = %q", msg.Content)
	}
	if o.Progress().Current() != nil {
		t.Error("progress not cleared")
	}
}

func TestGenerate_ErrorKeepsPartialContent(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")
	client := &fakeClient{streams: []*sliceStream{{
		events: []llm.Event{text("partial answer so far")},
		err:    errors.New("connection reset"),
	}}}

	req := testGenerateRequest(conv)
	req.Model.DisplayName = "GPT-4o"
	o := testOrchestrator(t, store, nil, client)
	msg, err := o.Generate(context.Background(), req)
	if err == nil {
		t.Fatal("expected error")
	}
	if msg.Status != StatusError || msg.ErrorText != "connection reset" {
		t.Errorf("status = %q, error text = %q", msg.Status, msg.ErrorText)
	}
	// The partial text survives and the error lands after it, so the
	// transcript explains itself.
	want := "partial answer so far\n\n[GPT-4o] Error: connection reset"
	if msg.Content != want {
		t.Errorf("content = %q, want %q", msg.Content, want)
	}

	stored, _ := store.GetMessage(context.Background(), msg.ID)
	if stored.Content != want {
		t.Errorf("stored content = %q", stored.Content)
	}
}

func TestGenerate_SingleFollowUpRound(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")

	var executed []string
	timeTool := &tools.FuncTool{
		SpecValue: llm.ToolSpec{Name: "get_time", Description: "current time"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			executed = append(executed, string(args))
			return "14:00", nil
		},
	}
	executor := tools.NewExecutor(tools.NewRegistry(timeTool), nil, nil)

	client := &fakeClient{streams: []*sliceStream{
		{
			events: []llm.Event{
				{Type: llm.EventToolCallDelta, Index: 0, CallID: "call_1", CallName: "get_time"},
				{Type: llm.EventToolCallDelta, Index: 0, ArgsDelta: `{"tz":"UTC"}`},
				{Type: llm.EventDone},
			},
		},
		{
			events: []llm.Event{
				text("It is 14:00 UTC."),
				// Tool fragments in the follow-up must be ignored.
				{Type: llm.EventToolCallDelta, Index: 0, CallID: "call_2", CallName: "get_time"},
				{Type: llm.EventDone},
			},
		},
	}}

	req := testGenerateRequest(conv)
	req.Persona = &config.Persona{ID: "helper", ToolsEnabled: true}
	o := testOrchestrator(t, store, executor, client)

	msg, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if len(client.requests) != 2 {
		t.Fatalf("made %d requests, want exactly 2", len(client.requests))
	}
	if len(client.requests[0].Tools) == 0 {
		t.Error("first request should carry tools")
	}
	if len(client.requests[1].Tools) != 0 {
		t.Error("follow-up request must not carry tools")
	}
	// Follow-up sees the tool result.
	var sawResult bool
	for _, m := range client.requests[1].Messages {
		if m.Role == llm.RoleTool {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("tool result missing from follow-up request")
	}

	if len(executed) != 1 || executed[0] != `{"tz":"UTC"}` {
		t.Errorf("tool executions = %v", executed)
	}
	if msg.Content != "It is 14:00 UTC." {
		t.Errorf("content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || len(msg.ToolResults) != 1 {
		t.Errorf("calls=%d results=%d", len(msg.ToolCalls), len(msg.ToolResults))
	}
	if msg.ToolResults[0].Content != "14:00" {
		t.Errorf("result = %+v", msg.ToolResults[0])
	}
}

func TestGenerate_EmptyFollowUpKeepsFirstText(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")

	echo := &tools.FuncTool{
		SpecValue: llm.ToolSpec{Name: "ping"},
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "pong", nil
		},
	}
	executor := tools.NewExecutor(tools.NewRegistry(echo), nil, nil)

	client := &fakeClient{streams: []*sliceStream{
		{
			events: []llm.Event{
				text("checking the server"),
				{Type: llm.EventToolCallDelta, Index: 0, CallID: "call_1", CallName: "ping"},
				{Type: llm.EventDone},
			},
		},
		{events: []llm.Event{{Type: llm.EventDone}}},
	}}

	req := testGenerateRequest(conv)
	req.Persona = &config.Persona{ID: "helper", ToolsEnabled: true}
	o := testOrchestrator(t, store, executor, client)

	msg, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if msg.Content != "checking the server" {
		t.Errorf("content = %q, want first round text kept", msg.Content)
	}
}

func TestGenerate_ToolsGatedByPersona(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")

	client := &fakeClient{streams: []*sliceStream{{
		events: []llm.Event{
			// Fragments arrive anyway; without tools enabled they are ignored
			// and no follow-up runs.
			{Type: llm.EventToolCallDelta, Index: 0, CallID: "call_1", CallName: "ping"},
			text("done"),
			{Type: llm.EventDone},
		},
	}}}

	executor := tools.NewExecutor(nil, nil, nil)
	req := testGenerateRequest(conv) // no persona
	o := testOrchestrator(t, store, executor, client)

	msg, err := o.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(client.requests) != 1 {
		t.Errorf("made %d requests, want 1", len(client.requests))
	}
	if len(client.requests[0].Tools) != 0 {
		t.Error("request should not carry tools without a tools-enabled persona")
	}
	if len(msg.ToolCalls) != 0 {
		t.Errorf("tool calls = %+v, want none", msg.ToolCalls)
	}
}

func TestGenerate_ImageExtraction(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "Settled Title")
	client := &fakeClient{streams: []*sliceStream{{
		events: []llm.Event{
			text("Here:\n\n![chart](data:image/png;base64,AAAA)\n\nEnjoy."),
			{Type: llm.EventDone},
		},
	}}}

	o := testOrchestrator(t, store, nil, client)
	msg, err := o.Generate(context.Background(), testGenerateRequest(conv))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(msg.Images) != 1 || msg.Images[0] != "data:image/png;base64,AAAA" {
		t.Errorf("images = %v", msg.Images)
	}
	if strings.Contains(msg.Content, "![chart]") {
		t.Errorf("embed not stripped: %q", msg.Content)
	}
}

func TestGenerate_TitleGeneratedOnce(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, DefaultTitle)
	client := &fakeClient{
		streams:  []*sliceStream{{events: []llm.Event{text("hi!"), {Type: llm.EventDone}}}},
		chatResp: &llm.Response{Text: "\"Friendly Greeting\"\n"},
	}

	o := testOrchestrator(t, store, nil, client)
	if _, err := o.Generate(context.Background(), testGenerateRequest(conv)); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if len(client.chatReqs) != 1 {
		t.Fatalf("title requests = %d, want 1", len(client.chatReqs))
	}
	gotConv, _ := store.GetConversation(context.Background(), "c1")
	if gotConv.Title != "Friendly Greeting" {
		t.Errorf("title = %q", gotConv.Title)
	}
}

func TestGenerate_TitleSkippedAfterFirstReply(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, DefaultTitle)
	// An earlier assistant reply exists, so even a placeholder title no
	// longer triggers generation.
	if err := store.InsertMessage(context.Background(), &Message{
		ID: "a1", ConversationID: "c1", Role: llm.RoleAssistant,
		Content: "earlier reply", Status: StatusSuccess,
	}); err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{
		streams: []*sliceStream{{events: []llm.Event{text("hi!"), {Type: llm.EventDone}}}},
	}

	o := testOrchestrator(t, store, nil, client)
	if _, err := o.Generate(context.Background(), testGenerateRequest(conv)); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(client.chatReqs) != 0 {
		t.Errorf("title requests = %d, want 0", len(client.chatReqs))
	}
}

func TestGenerate_TitleSkippedWhenAlreadySet(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, "My Chat")
	client := &fakeClient{
		streams: []*sliceStream{{events: []llm.Event{text("hi!"), {Type: llm.EventDone}}}},
	}

	o := testOrchestrator(t, store, nil, client)
	if _, err := o.Generate(context.Background(), testGenerateRequest(conv)); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(client.chatReqs) != 0 {
		t.Errorf("title requests = %d, want 0", len(client.chatReqs))
	}
}

func TestGenerate_TitleFailureIgnored(t *testing.T) {
	store := newMemStore()
	conv := seedConversation(t, store, DefaultTitle)
	client := &fakeClient{
		streams: []*sliceStream{{events: []llm.Event{text("hi!"), {Type: llm.EventDone}}}},
		chatErr: errors.New("rate limited"),
	}

	o := testOrchestrator(t, store, nil, client)
	msg, err := o.Generate(context.Background(), testGenerateRequest(conv))
	if err != nil {
		t.Fatalf("title failure must not fail the turn: %v", err)
	}
	if msg.Status != StatusSuccess {
		t.Errorf("status = %q", msg.Status)
	}
	gotConv, _ := store.GetConversation(context.Background(), "c1")
	if gotConv.Title != DefaultTitle {
		t.Errorf("title = %q, want unchanged", gotConv.Title)
	}
}
