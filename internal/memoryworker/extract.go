package memoryworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cascadechat/cascade/internal/conversation"
)

// summaryResult mirrors the conversation_summary schema.
type summaryResult struct {
	Summary       string   `json:"summary"`
	Themes        []string `json:"themes"`
	Persons       []string `json:"persons"`
	Places        []string `json:"places"`
	UserSentiment string   `json:"user_sentiment"`
}

var summarySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string"},
		"themes": {"type": "array", "items": {"type": "string"}, "maxItems": 5},
		"persons": {"type": "array", "items": {"type": "string"}},
		"places": {"type": "array", "items": {"type": "string"}},
		"user_sentiment": {"type": "string", "enum": ["positive", "neutral", "negative"]}
	},
	"required": ["summary", "themes", "persons", "places", "user_sentiment"],
	"additionalProperties": false
}`)

var updatesSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"output_preferences": {"type": "array", "items": {"type": "string"}},
		"personal_preferences": {"type": "array", "items": {"type": "string"}},
		"assistant_preferences": {"type": "array", "items": {"type": "string"}},
		"knowledge": {"type": "array", "items": {"type": "string"}},
		"interests": {"type": "array", "items": {"type": "string"}},
		"dislikes": {"type": "array", "items": {"type": "string"}},
		"family_and_friends": {"type": "array", "items": {"type": "string"}},
		"work_profile": {"type": "array", "items": {"type": "string"}},
		"goals": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["output_preferences", "personal_preferences", "assistant_preferences",
		"knowledge", "interests", "dislikes", "family_and_friends", "work_profile", "goals"],
	"additionalProperties": false
}`)

const summarySystemPrompt = "You analyze a chat conversation and produce a compact structured summary: " +
	"a one-paragraph summary, up to five themes, the persons and places mentioned, " +
	"and the user's overall sentiment."

const updatesSystemPrompt = "You maintain a user's long-term profile from their conversations. " +
	"You are given the current profile and the latest conversation. For each category where the " +
	"conversation adds something, return the FULL updated list, merging what is already stored with " +
	"what is new and dropping duplicates. Return an empty list for every category with nothing new; " +
	"an empty list means no change."

// summarize produces the structured summary of a conversation. Any failure
// falls back to a neutral default so one bad completion cannot stall the
// pipeline.
func (p *Processor) summarize(ctx context.Context, conv *conversation.Conversation) *summaryResult {
	var result summaryResult
	err := p.llm.CompleteJSON(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: renderTranscript(conv)},
	}, "conversation_summary", summarySchema, &result)
	if err != nil {
		p.log.WithContext(ctx).Warn("summary extraction failed, using neutral default", "error", err)
		return &summaryResult{
			Summary:       "Conversation summary unavailable",
			Themes:        []string{},
			Persons:       []string{},
			Places:        []string{},
			UserSentiment: conversation.SentimentNeutral,
		}
	}
	if len(result.Themes) > 5 {
		result.Themes = result.Themes[:5]
	}
	switch result.UserSentiment {
	case conversation.SentimentPositive, conversation.SentimentNeutral, conversation.SentimentNegative:
	default:
		result.UserSentiment = conversation.SentimentNeutral
	}
	return &result
}

// extractUpdates asks the model for merged profile updates. Unlike the
// summary there is no useful fallback: a failure here abandons the message
// so the profile update is retried.
func (p *Processor) extractUpdates(ctx context.Context, existing *conversation.UserMemory, conv *conversation.Conversation) (*conversation.UserMemoryUpdates, error) {
	profile, err := json.Marshal(existing)
	if err != nil {
		return nil, fmt.Errorf("encoding existing profile: %w", err)
	}
	var updates conversation.UserMemoryUpdates
	err = p.llm.CompleteJSON(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: updatesSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
			"Current profile:\n%s\n\nLatest conversation:\n%s", profile, renderTranscript(conv))},
	}, "user_memory_updates", updatesSchema, &updates)
	if err != nil {
		return nil, fmt.Errorf("extracting profile updates: %w", err)
	}
	return &updates, nil
}

// renderTranscript flattens the user/assistant exchange for the extraction
// prompts. System and tool plumbing is noise for these calls.
func renderTranscript(conv *conversation.Conversation) string {
	var sb strings.Builder
	for _, m := range conv.Messages {
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}
