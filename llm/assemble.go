package llm

import (
	"encoding/json"
	"sort"
	"strings"
)

// ToolCallAssembler accumulates tool call fragments keyed by stream index.
// Providers deliver a call as a first fragment carrying the ID and name
// followed by argument-JSON pieces; fragments for different calls may
// interleave. Argument text is appended to a builder so accumulation stays
// amortized O(1) per fragment.
type ToolCallAssembler struct {
	calls map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{calls: make(map[int]*partialCall)}
}

// Add folds a tool call fragment into the accumulated state. Non-fragment
// events are ignored.
func (a *ToolCallAssembler) Add(ev Event) {
	if ev.Type != EventToolCallDelta {
		return
	}
	pc, ok := a.calls[ev.Index]
	if !ok {
		pc = &partialCall{}
		a.calls[ev.Index] = pc
	}
	if ev.CallID != "" {
		pc.id = ev.CallID
	}
	if ev.CallName != "" {
		pc.name = ev.CallName
	}
	if ev.ArgsDelta != "" {
		pc.args.WriteString(ev.ArgsDelta)
	}
}

// Len reports how many distinct calls have been seen.
func (a *ToolCallAssembler) Len() int {
	return len(a.calls)
}

// Calls returns the assembled calls in index order. Calls with no argument
// text get an empty JSON object so downstream executors always see valid
// arguments.
func (a *ToolCallAssembler) Calls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		pc := a.calls[i]
		args := pc.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out = append(out, ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}

// Reset clears accumulated state so the assembler can be reused for a
// follow-up round.
func (a *ToolCallAssembler) Reset() {
	a.calls = make(map[int]*partialCall)
}
