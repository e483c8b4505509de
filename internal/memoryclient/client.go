// Package memoryclient is the HTTP client for the memory read API, used by
// the LLM worker when building system prompts and serving the conversation
// search tool.
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned when the API reports no data for the user.
var ErrNotFound = errors.New("memoryclient: not found")

// UserMemory is the profile returned by the memory API. Field names mirror
// the stored document.
type UserMemory struct {
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

// IsEmpty reports whether the profile has no content.
func (m *UserMemory) IsEmpty() bool {
	if m == nil {
		return true
	}
	return len(m.OutputPreferences) == 0 && len(m.PersonalPreferences) == 0 &&
		len(m.AssistantPreferences) == 0 && len(m.Knowledge) == 0 &&
		len(m.Interests) == 0 && len(m.Dislikes) == 0 &&
		len(m.FamilyAndFriends) == 0 && len(m.WorkProfile) == 0 && len(m.Goals) == 0
}

// SearchHit is one matched conversation.
type SearchHit struct {
	Summary          string    `json:"summary"`
	Themes           []string  `json:"themes"`
	Timestamp        time.Time `json:"timestamp"`
	RelevanceScore   float64   `json:"relevance_score"`
	UserSentiment    string    `json:"user_sentiment"`
	PersonsMentioned []string  `json:"persons_mentioned"`
	PlacesMentioned  []string  `json:"places_mentioned"`
}

// SearchResponse is the memory API's search result.
type SearchResponse struct {
	Conversations []SearchHit `json:"conversations"`
	TotalFound    int         `json:"total_found"`
	SearchQuery   string      `json:"search_query"`
}

// Client calls the memory API with a bounded per-request timeout.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client. The timeout bounds every request; the system prompt
// path depends on this staying short.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchUserMemory returns the user's profile. A 404 yields an empty profile,
// not an error.
func (c *Client) FetchUserMemory(ctx context.Context, userID string) (*UserMemory, error) {
	url := fmt.Sprintf("%s/api/memory/users/%s/memories", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building memory request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching user memory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &UserMemory{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memory api returned %d", resp.StatusCode)
	}
	var mem UserMemory
	if err := json.NewDecoder(resp.Body).Decode(&mem); err != nil {
		return nil, fmt.Errorf("decoding user memory: %w", err)
	}
	return &mem, nil
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// SearchConversations runs a semantic search over the user's past
// conversations. A 404 maps to ErrNotFound so the tool layer can phrase it.
func (c *Client) SearchConversations(ctx context.Context, userID, query string, limit int) (*SearchResponse, error) {
	body, err := json.Marshal(searchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}
	url := fmt.Sprintf("%s/api/memory/users/%s/conversations/search", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching conversations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("memory api search returned %d: %s", resp.StatusCode, msg)
	}
	var out SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return &out, nil
}
