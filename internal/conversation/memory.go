package conversation

import (
	"fmt"
	"time"
)

// Sentiment values allowed in a conversation memory.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// ConversationMemory is the per-conversation summary document. The id is
// "{sessionId}_{userId}" and the partition key is the user id, so one user's
// memories live together and upserts are idempotent.
type ConversationMemory struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	SessionID     string    `json:"sessionId"`
	Summary       string    `json:"summary"`
	Themes        []string  `json:"themes"`
	Persons       []string  `json:"persons"`
	Places        []string  `json:"places"`
	UserSentiment string    `json:"user_sentiment"`
	Timestamp     time.Time `json:"timestamp"`
	Embedding     []float32 `json:"vector_embedding"`
}

// ConversationMemoryID returns the document id for a session's memory.
func ConversationMemoryID(sessionID, userID string) string {
	return fmt.Sprintf("%s_%s", sessionID, userID)
}

// EmbeddingText renders the summary fields as the single text that gets
// embedded for vector search.
func (m *ConversationMemory) EmbeddingText() string {
	return fmt.Sprintf("Summary: %s\nThemes: %s\nPersons: %s\nPlaces: %s\nUser sentiment: %s",
		m.Summary,
		joinComma(m.Themes),
		joinComma(m.Persons),
		joinComma(m.Places),
		m.UserSentiment,
	)
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// UserMemoryUpdates is what the extraction model returns: fully merged
// arrays for each category it chose to update. Empty fields mean "no change".
type UserMemoryUpdates struct {
	OutputPreferences    []string `json:"output_preferences"`
	PersonalPreferences  []string `json:"personal_preferences"`
	AssistantPreferences []string `json:"assistant_preferences"`
	Knowledge            []string `json:"knowledge"`
	Interests            []string `json:"interests"`
	Dislikes             []string `json:"dislikes"`
	FamilyAndFriends     []string `json:"family_and_friends"`
	WorkProfile          []string `json:"work_profile"`
	Goals                []string `json:"goals"`
}

// UserMemory is the per-user consolidated profile document. The id and the
// partition key are both the user id. Each field is the current consolidated
// view, not an append log.
type UserMemory struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"userId"`
	OutputPreferences    []string  `json:"output_preferences"`
	PersonalPreferences  []string  `json:"personal_preferences"`
	AssistantPreferences []string  `json:"assistant_preferences"`
	Knowledge            []string  `json:"knowledge"`
	Interests            []string  `json:"interests"`
	Dislikes             []string  `json:"dislikes"`
	FamilyAndFriends     []string  `json:"family_and_friends"`
	WorkProfile          []string  `json:"work_profile"`
	Goals                []string  `json:"goals"`
	Timestamp            time.Time `json:"timestamp"`
}

// NewUserMemory returns a zero-initialized profile for a user with no stored
// memory yet.
func NewUserMemory(userID string) *UserMemory {
	return &UserMemory{
		ID:                   userID,
		UserID:               userID,
		OutputPreferences:    []string{},
		PersonalPreferences:  []string{},
		AssistantPreferences: []string{},
		Knowledge:            []string{},
		Interests:            []string{},
		Dislikes:             []string{},
		FamilyAndFriends:     []string{},
		WorkProfile:          []string{},
		Goals:                []string{},
		Timestamp:            time.Time{},
	}
}

// ApplyUpdates replaces every field the extractor returned non-empty and
// leaves the rest untouched. The model returns merged lists, so replacement
// is the whole update, not a union.
func (m *UserMemory) ApplyUpdates(u *UserMemoryUpdates, now time.Time) bool {
	changed := false
	apply := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
			changed = true
		}
	}
	apply(&m.OutputPreferences, u.OutputPreferences)
	apply(&m.PersonalPreferences, u.PersonalPreferences)
	apply(&m.AssistantPreferences, u.AssistantPreferences)
	apply(&m.Knowledge, u.Knowledge)
	apply(&m.Interests, u.Interests)
	apply(&m.Dislikes, u.Dislikes)
	apply(&m.FamilyAndFriends, u.FamilyAndFriends)
	apply(&m.WorkProfile, u.WorkProfile)
	apply(&m.Goals, u.Goals)
	if changed {
		m.Timestamp = now
	}
	return changed
}

// IsEmpty reports whether the profile has no content in any category.
func (m *UserMemory) IsEmpty() bool {
	return len(m.OutputPreferences) == 0 &&
		len(m.PersonalPreferences) == 0 &&
		len(m.AssistantPreferences) == 0 &&
		len(m.Knowledge) == 0 &&
		len(m.Interests) == 0 &&
		len(m.Dislikes) == 0 &&
		len(m.FamilyAndFriends) == 0 &&
		len(m.WorkProfile) == 0 &&
		len(m.Goals) == 0
}
