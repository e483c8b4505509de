package historyworker

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cascadechat/cascade/internal/conversation"
)

// DefaultTitle is used when title generation fails or returns nothing.
const DefaultTitle = "New Conversation"

const (
	titleMaxLen         = 50
	titlePromptMessages = 6
	titleContentLimit   = 150
	titleMaxTokens      = 25
	titleTemperature    = 0.3
)

const titleSystemPrompt = "You generate short titles for chat conversations. " +
	"Reply with a single title of 3 to 6 words. No quotes, no punctuation, no explanations."

// generateTitle synthesizes a title from the conversation opening. Failures
// fall back to DefaultTitle; they must never fail persistence.
func (p *Processor) generateTitle(ctx context.Context, conv *conversation.Conversation) string {
	raw, err := p.llm.Complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: titleSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: buildTitlePrompt(conv)},
	}, titleMaxTokens, titleTemperature)
	if err != nil {
		p.log.WithContext(ctx).Warn("title generation failed, using fallback", "error", err)
		return DefaultTitle
	}
	title := sanitizeTitle(raw)
	if title == "" {
		return DefaultTitle
	}
	return title
}

// buildTitlePrompt renders the first few messages, with each content
// truncated so a long opening cannot blow up the prompt.
func buildTitlePrompt(conv *conversation.Conversation) string {
	var sb strings.Builder
	sb.WriteString("Conversation so far:\n")
	count := 0
	for _, m := range conv.Messages {
		if m.Role == conversation.RoleSystem || m.Role == conversation.RoleTool {
			continue
		}
		if count == titlePromptMessages {
			break
		}
		content := m.Content
		if len(content) > titleContentLimit {
			content = content[:titleContentLimit]
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, content)
		count++
	}
	sb.WriteString("\nTitle:")
	return sb.String()
}

var titleSanitizer = strings.NewReplacer(`"`, "", `'`, "", `:`, "")

// sanitizeTitle strips quotes and colons and caps the length at 50.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(titleSanitizer.Replace(raw))
	if runes := []rune(title); len(runes) > titleMaxLen {
		title = strings.TrimSpace(string(runes[:titleMaxLen]))
	}
	return title
}
