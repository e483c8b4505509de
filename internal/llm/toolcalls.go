package llm

import (
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cascadechat/cascade/internal/conversation"
)

// ToolCallAccumulator reassembles tool calls from streaming deltas. Deltas
// are keyed by the call index, which is stable across chunks; the id and the
// function name can arrive in any later delta, and argument fragments are
// concatenated in arrival order.
type ToolCallAccumulator struct {
	calls map[int]*bufferedToolCall
}

type bufferedToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*bufferedToolCall)}
}

// Add folds one delta in. Deltas without an index are ignored; nothing can
// be correlated without one.
func (a *ToolCallAccumulator) Add(delta openai.ToolCall) {
	if delta.Index == nil {
		return
	}
	call, ok := a.calls[*delta.Index]
	if !ok {
		call = &bufferedToolCall{}
		a.calls[*delta.Index] = call
	}
	if delta.ID != "" {
		call.id = delta.ID
	}
	if delta.Function.Name != "" {
		call.name = delta.Function.Name
	}
	call.arguments.WriteString(delta.Function.Arguments)
}

// HasCalls reports whether any deltas were accumulated.
func (a *ToolCallAccumulator) HasCalls() bool {
	return len(a.calls) > 0
}

// Finalize returns the reconstructed tool calls in index order. Calls whose
// name never arrived are dropped; calls whose id never arrived get a
// synthesized "call_index_{i}" id. Empty argument strings become "{}".
func (a *ToolCallAccumulator) Finalize() []conversation.ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]conversation.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := a.calls[i]
		if call.name == "" {
			continue
		}
		id := call.id
		if id == "" {
			id = fmt.Sprintf("call_index_%d", i)
		}
		args := call.arguments.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, conversation.ToolCall{
			ID:   id,
			Type: "function",
			Function: conversation.ToolCallFunction{
				Name:      call.name,
				Arguments: args,
			},
		})
	}
	return out
}

// Reset clears the accumulator for the next streaming round.
func (a *ToolCallAccumulator) Reset() {
	a.calls = make(map[int]*bufferedToolCall)
}
