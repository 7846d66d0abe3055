package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jfletcher/palaver/config"
	"github.com/jfletcher/palaver/llm"
	"github.com/jfletcher/palaver/mcp"
	"github.com/jfletcher/palaver/tools"
)

// defaultFlushInterval throttles in-progress persistence during streaming.
const defaultFlushInterval = 250 * time.Millisecond

// defaultHistoryLimit bounds how much history is replayed into a request.
const defaultHistoryLimit = 50

// Orchestrator drives one generation turn: placeholder insert, tool
// discovery, request shaping, stream consumption, tool execution with a
// single follow-up round, and finalization. Every exit path funnels through
// the same finalize helper so a message can never be left dangling in the
// streaming state.
type Orchestrator struct {
	store    Store
	batch    *BatchWriter
	progress *Progress
	executor *tools.Executor
	logger   *slog.Logger

	// newClient is swapped in tests.
	newClient func(ep llm.Endpoint) (llm.Client, error)

	flushInterval time.Duration
	historyLimit  int
}

func NewOrchestrator(store Store, executor *tools.Executor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:         store,
		batch:         NewBatchWriter(store),
		progress:      NewProgress(),
		executor:      executor,
		logger:        logger,
		newClient:     llm.NewClient,
		flushInterval: defaultFlushInterval,
		historyLimit:  defaultHistoryLimit,
	}
}

// Progress exposes the observable in-progress slot.
func (o *Orchestrator) Progress() *Progress {
	return o.progress
}

// GenerateRequest describes one turn.
type GenerateRequest struct {
	Conversation *Conversation
	Provider     config.Provider
	Model        config.Model
	Persona      *config.Persona
	Servers      []mcp.ServerConfig
	BranchID     string
	Options      GenerationOptions
	// ModelLabel resolves display names for group attribution. Nil falls
	// back to model IDs.
	ModelLabel func(modelID string) string
}

// turnState accumulates everything a turn produces.
type turnState struct {
	msg       *Message
	conv      *Conversation
	client    llm.Client
	wireModel string
	label     string

	scanner   thinkScanner
	assembler *llm.ToolCallAssembler
	content   strings.Builder
	reasoning strings.Builder

	mainBlockID     string
	thinkingBlockID string

	toolCalls   []llm.ToolCall
	toolResults []llm.ToolResult
	usage       *llm.Usage
	lastUser    string
	firstReply  bool
}

// flushIDs lists every batch key a flush for this turn must drain: the
// message plus any blocks created so far.
func (st *turnState) flushIDs() []string {
	ids := []string{st.msg.ID, st.mainBlockID}
	if st.thinkingBlockID != "" {
		ids = append(ids, st.thinkingBlockID)
	}
	return ids
}

// Generate runs one full generation turn and returns the finalized message.
// Cancellation pauses the message and is not an error; transport and protocol
// failures finalize the message in the error state and are returned.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (*Message, error) {
	conv := req.Conversation

	history, err := o.store.RecentMessages(ctx, conv.ID, req.BranchID, o.historyLimit)
	if err != nil {
		return nil, err
	}

	// The placeholder exists before any network work so the UI always has a
	// row to render and a crash cannot lose the turn.
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		BranchID:       req.BranchID,
		Role:           llm.RoleAssistant,
		ModelID:        req.Model.ID,
		Status:         StatusStreaming,
		Streaming:      true,
		CreatedAt:      time.Now(),
	}
	if req.Persona != nil {
		msg.PersonaID = req.Persona.ID
	}
	if err := o.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	st := &turnState{
		msg:         msg,
		conv:        conv,
		wireModel:   req.Model.Name,
		label:       modelLabel(req),
		assembler:   llm.NewToolCallAssembler(),
		lastUser:    lastUserText(history),
		firstReply:  !hasAssistantReply(history),
		mainBlockID: uuid.NewString(),
	}

	o.progress.Set(InProgress{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		Status:         StatusStreaming,
	})

	// The answer text streams into its own block; a thinking block joins it
	// lazily once reasoning appears, so the two finalize independently.
	if err := o.store.InsertBlock(ctx, &Block{
		ID:        st.mainBlockID,
		MessageID: msg.ID,
		Kind:      BlockMain,
		Status:    StatusStreaming,
		SortOrder: 1,
	}); err != nil {
		return o.finalize(ctx, st, err)
	}

	client, err := o.newClient(req.Provider.Endpoint())
	if err != nil {
		return o.finalize(ctx, st, err)
	}
	st.client = client

	// Tool discovery failures must not kill the turn; BuildTools logs and
	// skips unreachable servers.
	toolsEnabled := req.Model.Capabilities.ToolCalls &&
		req.Persona != nil && req.Persona.ToolsEnabled && o.executor != nil
	var specs []llm.ToolSpec
	if toolsEnabled {
		specs = o.executor.BuildTools(ctx, req.Servers)
	}

	systemPrompt := ""
	if req.Persona != nil {
		systemPrompt = req.Persona.SystemPrompt
	}
	messages := BuildMessages(BuildInput{
		History:      history,
		SystemPrompt: systemPrompt,
		SelfModelID:  req.Model.ID,
		Group:        conv.Kind == KindGroup,
		ModelLabel:   req.ModelLabel,
		IncludeImage: req.Model.Capabilities.Vision,
	})

	wire := llm.Request{
		Model:    req.Model.Name,
		Messages: messages,
		Tools:    specs,
	}
	if len(specs) > 0 {
		wire.ToolChoice = llm.ToolChoice{Mode: llm.ToolChoiceAuto}
	}
	wire = shapeRequest(llm.Family(req.Provider.Family), req.Model.Name, wire, req.Options)

	if err := o.streamRound(ctx, st, wire, toolsEnabled); err != nil {
		return o.finalize(ctx, st, err)
	}

	if calls := st.assembler.Calls(); len(calls) > 0 && toolsEnabled {
		if err := o.runToolRound(ctx, st, wire, calls); err != nil {
			return o.finalize(ctx, st, err)
		}
	}

	return o.finalize(ctx, st, nil)
}

// streamRound consumes one stream into the turn state, flushing in-progress
// content at most once per flush interval and once unconditionally at the
// end.
func (o *Orchestrator) streamRound(ctx context.Context, st *turnState, wire llm.Request, allowTools bool) error {
	stream, err := st.client.Stream(ctx, wire)
	if err != nil {
		return err
	}
	defer stream.Close()

	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch ev.Type {
		case llm.EventTextDelta:
			text, thinking := st.scanner.Feed(ev.Text)
			st.content.WriteString(text)
			st.reasoning.WriteString(thinking)
		case llm.EventReasoningDelta:
			st.reasoning.WriteString(ev.Text)
		case llm.EventToolCallDelta:
			if allowTools {
				st.assembler.Add(ev)
			}
		case llm.EventUsage:
			st.usage = ev.Use
		case llm.EventError:
			if ev.Err != nil {
				return ev.Err
			}
		}

		select {
		case <-ticker.C:
			o.flushProgress(ctx, st)
		default:
		}
	}

	text, thinking := st.scanner.Finish()
	st.content.WriteString(text)
	st.reasoning.WriteString(thinking)

	o.flushProgress(ctx, st)
	return nil
}

// runToolRound executes assembled tool calls and streams exactly one
// follow-up completion over the results. Further tool calls from the
// follow-up are not honored. Non-empty follow-up text replaces the first
// round's text.
func (o *Orchestrator) runToolRound(ctx context.Context, st *turnState, wire llm.Request, calls []llm.ToolCall) error {
	ensureCallIDs(calls)
	st.toolCalls = calls

	// Persist the calls before executing so a crash mid-execution leaves an
	// inspectable record.
	o.batch.UpdateMessage(st.msg.ID, MessageUpdate{ToolCalls: calls})
	if err := o.batch.Flush(ctx, st.msg.ID); err != nil {
		o.logger.Warn("persist tool calls failed", "message", st.msg.ID, "error", err)
	}

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		result := o.executor.Execute(ctx, call)
		st.toolResults = append(st.toolResults, result)
	}

	firstText := st.content.String()
	followUp := wire
	followUp.Messages = append(append([]llm.Message(nil), wire.Messages...), assistantTurnMessage(firstText, calls))
	for _, result := range st.toolResults {
		if result.IsError {
			followUp.Messages = append(followUp.Messages, llm.ToolErrorMessage(result.ID, result.Name, result.Content))
		} else {
			followUp.Messages = append(followUp.Messages, llm.ToolResultMessage(result.ID, result.Name, result.Content))
		}
	}
	followUp.Tools = nil
	followUp.ToolChoice = llm.ToolChoice{}

	st.content.Reset()
	st.scanner = thinkScanner{}
	st.assembler.Reset()

	if err := o.streamRound(ctx, st, followUp, false); err != nil {
		return err
	}
	if strings.TrimSpace(st.content.String()) == "" {
		st.content.Reset()
		st.content.WriteString(firstText)
	}
	return nil
}

// finalize is the single exit path for a turn. It settles the message status
// (success, paused on cancellation, error otherwise), performs the last
// unconditional flush, clears the progress slot, and on success updates the
// conversation preview and best-effort title.
func (o *Orchestrator) finalize(ctx context.Context, st *turnState, failure error) (*Message, error) {
	// Persistence must survive the caller's cancelled context.
	fctx := context.WithoutCancel(ctx)

	content := st.content.String()
	reasoning := st.reasoning.String()
	status := StatusSuccess
	errorText := ""
	var images []string

	switch {
	case failure == nil:
		content, images = ExtractImages(content)
	case errors.Is(failure, context.Canceled):
		status = StatusPaused
		failure = nil
	default:
		status = StatusError
		errorText = failure.Error()
		// The transcript stays self-explanatory: the error lands in the
		// content itself, after whatever partial text survived.
		marker := "[" + st.label + "] Error: " + errorText
		if strings.TrimSpace(content) == "" {
			content = marker
		} else {
			content += "\n\n" + marker
		}
	}

	streaming := false
	update := MessageUpdate{
		Content:   &content,
		Reasoning: &reasoning,
		Status:    &status,
		ErrorText: &errorText,
		Streaming: &streaming,
	}
	if st.toolCalls != nil {
		update.ToolCalls = st.toolCalls
	}
	if st.toolResults != nil {
		update.ToolResults = st.toolResults
	}
	if images != nil {
		update.Images = images
	}
	o.batch.UpdateMessage(st.msg.ID, update)
	o.batch.UpdateBlock(st.mainBlockID, BlockUpdate{Content: &content, Status: &status})
	if reasoning != "" {
		o.ensureThinkingBlock(fctx, st)
	}
	if st.thinkingBlockID != "" {
		o.batch.UpdateBlock(st.thinkingBlockID, BlockUpdate{Content: &reasoning, Status: &status})
	}
	if err := o.batch.Flush(fctx, st.flushIDs()...); err != nil {
		o.logger.Error("finalize flush failed", "message", st.msg.ID, "error", err)
		if failure == nil {
			failure = err
		}
	}
	o.progress.Clear()

	st.msg.Content = content
	st.msg.Reasoning = reasoning
	st.msg.Status = status
	st.msg.ErrorText = errorText
	st.msg.Streaming = false
	st.msg.ToolCalls = st.toolCalls
	st.msg.ToolResults = st.toolResults
	st.msg.Images = images

	if status == StatusSuccess {
		preview := TruncatePreview(content)
		if err := o.store.UpdateConversation(fctx, st.conv.ID, ConversationUpdate{Preview: &preview}); err != nil {
			o.logger.Warn("preview update failed", "conversation", st.conv.ID, "error", err)
		} else {
			st.conv.Preview = preview
		}
		o.maybeGenerateTitle(fctx, st)
	}

	return st.msg, failure
}

// flushProgress persists the current buffers and overwrites the observable
// snapshot.
func (o *Orchestrator) flushProgress(ctx context.Context, st *turnState) {
	content := st.content.String()
	reasoning := st.reasoning.String()
	o.batch.UpdateMessage(st.msg.ID, MessageUpdate{Content: &content, Reasoning: &reasoning})
	o.batch.UpdateBlock(st.mainBlockID, BlockUpdate{Content: &content})
	if reasoning != "" {
		o.ensureThinkingBlock(ctx, st)
	}
	if st.thinkingBlockID != "" {
		o.batch.UpdateBlock(st.thinkingBlockID, BlockUpdate{Content: &reasoning})
	}
	if err := o.batch.Flush(ctx, st.flushIDs()...); err != nil {
		o.logger.Warn("progress flush failed", "message", st.msg.ID, "error", err)
	}
	o.progress.Set(InProgress{
		MessageID:      st.msg.ID,
		ConversationID: st.msg.ConversationID,
		Content:        content,
		Reasoning:      reasoning,
		Status:         StatusStreaming,
	})
}

// ensureThinkingBlock creates the reasoning block the first time reasoning
// text shows up. It sorts ahead of the main block.
func (o *Orchestrator) ensureThinkingBlock(ctx context.Context, st *turnState) {
	if st.thinkingBlockID != "" {
		return
	}
	id := uuid.NewString()
	if err := o.store.InsertBlock(ctx, &Block{
		ID:        id,
		MessageID: st.msg.ID,
		Kind:      BlockThinking,
		Status:    StatusStreaming,
		SortOrder: 0,
	}); err != nil {
		o.logger.Warn("thinking block insert failed", "message", st.msg.ID, "error", err)
		return
	}
	st.thinkingBlockID = id
}

func assistantTurnMessage(text string, calls []llm.ToolCall) llm.Message {
	var parts []llm.Part
	if text != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	}
	for i := range calls {
		parts = append(parts, llm.Part{Type: llm.PartToolCall, ToolCall: &calls[i]})
	}
	return llm.Message{Role: llm.RoleAssistant, Parts: parts}
}

// ensureCallIDs fills in IDs for providers that omit them.
func ensureCallIDs(calls []llm.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()[:8]
		}
	}
}

func modelLabel(req GenerateRequest) string {
	if req.Model.DisplayName != "" {
		return req.Model.DisplayName
	}
	if req.Model.Name != "" {
		return req.Model.Name
	}
	return req.Model.ID
}

func hasAssistantReply(history []Message) bool {
	for _, m := range history {
		if m.Role == llm.RoleAssistant {
			return true
		}
	}
	return false
}

func lastUserText(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}
