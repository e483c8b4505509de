package llmworker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/memoryclient"
	"github.com/cascadechat/cascade/internal/telemetry"
)

const searchToolName = "search_conversation_history"

const (
	searchLimitDefault = 5
	searchLimitMin     = 1
	searchLimitMax     = 10
)

var searchToolParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"search_query": {
			"type": "string",
			"description": "What to look for in the user's past conversations."
		},
		"limit": {
			"type": "integer",
			"description": "Maximum number of conversations to return (1-10).",
			"minimum": 1,
			"maximum": 10
		}
	},
	"required": ["search_query"]
}`)

// chatTools is the tool list offered on every streaming completion.
var chatTools = []openai.Tool{{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        searchToolName,
		Description: "Search the user's previous conversations by meaning and return the most relevant summaries.",
		Parameters:  searchToolParameters,
	},
}}

type searchArgs struct {
	SearchQuery string `json:"search_query"`
	Limit       int    `json:"limit"`
}

type searchToolResult struct {
	Conversations []memoryclient.SearchHit `json:"conversations"`
	TotalFound    *int                     `json:"total_found,omitempty"`
	SearchQuery   string                   `json:"search_query,omitempty"`
	Message       string                   `json:"message,omitempty"`
}

// executeToolCall runs one tool call and returns the JSON content of the
// resulting tool message. Tool failures never fail the turn; they are
// reported back to the model as content.
func (p *Processor) executeToolCall(ctx context.Context, userID string, call conversation.ToolCall) string {
	if call.Function.Name != searchToolName {
		telemetry.ToolCalls.WithLabelValues(call.Function.Name, "unknown").Inc()
		return toolJSON(map[string]string{"error": "unknown tool: " + call.Function.Name})
	}

	var args searchArgs
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		telemetry.ToolCalls.WithLabelValues(searchToolName, "bad_arguments").Inc()
		return toolJSON(map[string]string{"error": "invalid tool arguments: " + err.Error()})
	}

	query := strings.TrimSpace(args.SearchQuery)
	if query == "" {
		telemetry.ToolCalls.WithLabelValues(searchToolName, "empty_query").Inc()
		return toolJSON(searchToolResult{
			Conversations: []memoryclient.SearchHit{},
			Message:       "Empty search query provided",
		})
	}

	limit := args.Limit
	if limit == 0 {
		limit = searchLimitDefault
	}
	if limit < searchLimitMin {
		limit = searchLimitMin
	}
	if limit > searchLimitMax {
		limit = searchLimitMax
	}

	resp, err := p.memory.SearchConversations(ctx, userID, query, limit)
	if errors.Is(err, memoryclient.ErrNotFound) {
		telemetry.ToolCalls.WithLabelValues(searchToolName, "not_found").Inc()
		return toolJSON(searchToolResult{
			Conversations: []memoryclient.SearchHit{},
			Message:       "No previous conversations found",
		})
	}
	if err != nil {
		telemetry.ToolCalls.WithLabelValues(searchToolName, "error").Inc()
		p.log.LogError(ctx, err, "conversation search tool failed")
		return toolJSON(searchToolResult{
			Conversations: []memoryclient.SearchHit{},
			Message:       "Search failed: " + err.Error(),
		})
	}

	telemetry.ToolCalls.WithLabelValues(searchToolName, "ok").Inc()
	total := resp.TotalFound
	return toolJSON(searchToolResult{
		Conversations: resp.Conversations,
		TotalFound:    &total,
		SearchQuery:   query,
	})
}

func toolJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return `{"error":"internal: failed to encode tool result"}`
	}
	return string(raw)
}
