package chat

import (
	"context"
	"strings"

	"github.com/jfletcher/palaver/llm"
)

const titlePrompt = "Write a short title (at most six words) summarizing the " +
	"conversation below. Reply with the title only, no quotes or punctuation " +
	"around it."

const titleMaxTokens = 32

// maybeGenerateTitle asks the model for a conversation title once: only on
// the conversation's first assistant reply, and only while the title is still
// the placeholder. Failures are logged and ignored; a title is a nicety, not
// part of the turn.
func (o *Orchestrator) maybeGenerateTitle(ctx context.Context, st *turnState) {
	if !st.firstReply {
		return
	}
	if st.conv.Title != "" && st.conv.Title != DefaultTitle {
		return
	}
	if st.client == nil || st.lastUser == "" {
		return
	}

	var b strings.Builder
	b.WriteString(titlePrompt)
	b.WriteString("\n\nUser: ")
	b.WriteString(clipForTitle(st.lastUser))
	if reply := st.msg.Content; reply != "" {
		b.WriteString("\nAssistant: ")
		b.WriteString(clipForTitle(reply))
	}

	resp, err := st.client.Chat(ctx, llm.Request{
		Model:           st.wireModel,
		Messages:        []llm.Message{llm.UserText(b.String())},
		MaxOutputTokens: titleMaxTokens,
	})
	if err != nil {
		o.logger.Debug("title generation failed", "conversation", st.conv.ID, "error", err)
		return
	}

	title := sanitizeTitle(resp.Text)
	if title == "" {
		return
	}
	if err := o.store.UpdateConversation(ctx, st.conv.ID, ConversationUpdate{Title: &title}); err != nil {
		o.logger.Warn("title update failed", "conversation", st.conv.ID, "error", err)
		return
	}
	st.conv.Title = title
}

// clipForTitle bounds how much conversation text rides along in the prompt.
func clipForTitle(s string) string {
	const limit = 500
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

func sanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.Trim(s, `"'`)
	const limit = 80
	if len(s) > limit {
		s = strings.TrimSpace(s[:limit])
	}
	return s
}
