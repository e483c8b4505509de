package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/logger"
)

// MemoryStore persists conversation memories and user memory profiles. Both
// containers are partitioned by user id.
type MemoryStore struct {
	conversations container
	userMemories  container
	log           *logger.Logger
	backoff       time.Duration
}

// NewMemoryStore wraps the two memory containers.
func NewMemoryStore(conversations, userMemories container, log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		conversations: conversations,
		userMemories:  userMemories,
		log:           log,
		backoff:       throttleBackoff,
	}
}

// UpsertConversationMemory writes one conversation's summary document.
func (s *MemoryStore) UpsertConversationMemory(ctx context.Context, mem *conversation.ConversationMemory) error {
	raw, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("encoding conversation memory %s: %w", mem.ID, err)
	}
	pk := azcosmos.NewPartitionKeyString(mem.UserID)
	if err := upsertWithRetry(ctx, s.conversations, s.log, s.backoff, pk, raw); err != nil {
		return fmt.Errorf("upserting conversation memory %s: %w", mem.ID, err)
	}
	return nil
}

// GetUserMemory reads the user's profile, or ErrNotFound.
func (s *MemoryStore) GetUserMemory(ctx context.Context, userID string) (*conversation.UserMemory, error) {
	pk := azcosmos.NewPartitionKeyString(userID)
	resp, err := s.userMemories.ReadItem(ctx, pk, userID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading user memory %s: %w", userID, err)
	}
	var mem conversation.UserMemory
	if err := json.Unmarshal(resp.Value, &mem); err != nil {
		return nil, fmt.Errorf("decoding user memory %s: %w", userID, err)
	}
	return &mem, nil
}

// UpsertUserMemory writes the user's profile.
func (s *MemoryStore) UpsertUserMemory(ctx context.Context, mem *conversation.UserMemory) error {
	raw, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("encoding user memory %s: %w", mem.UserID, err)
	}
	pk := azcosmos.NewPartitionKeyString(mem.UserID)
	if err := upsertWithRetry(ctx, s.userMemories, s.log, s.backoff, pk, raw); err != nil {
		return fmt.Errorf("upserting user memory %s: %w", mem.UserID, err)
	}
	return nil
}

// DeleteUserMemory removes the user's profile. Missing is ErrNotFound.
func (s *MemoryStore) DeleteUserMemory(ctx context.Context, userID string) error {
	pk := azcosmos.NewPartitionKeyString(userID)
	if _, err := s.userMemories.DeleteItem(ctx, pk, userID, nil); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting user memory %s: %w", userID, err)
	}
	return nil
}

// SearchResult is one conversation memory matched by a search, with a
// relevance score in [0,1].
type SearchResult struct {
	Summary       string    `json:"summary"`
	Themes        []string  `json:"themes"`
	Timestamp     time.Time `json:"timestamp"`
	Relevance     float64   `json:"relevance_score"`
	UserSentiment string    `json:"user_sentiment"`
	Persons       []string  `json:"persons_mentioned"`
	Places        []string  `json:"places_mentioned"`
}

// SearchConversations finds a user's past conversations. With a query
// embedding it ranks by vector distance; without one (embedding failed) it
// falls back to substring matching over summaries and themes.
func (s *MemoryStore) SearchConversations(ctx context.Context, userID string, embedding []float32, query string, limit int) ([]SearchResult, error) {
	if len(embedding) > 0 {
		return s.vectorSearch(ctx, userID, embedding, limit)
	}
	return s.textSearch(ctx, userID, query, limit)
}

type vectorRow struct {
	Summary       string    `json:"summary"`
	Themes        []string  `json:"themes"`
	Persons       []string  `json:"persons"`
	Places        []string  `json:"places"`
	UserSentiment string    `json:"user_sentiment"`
	Timestamp     time.Time `json:"timestamp"`
	Distance      float64   `json:"distance"`
}

func (s *MemoryStore) vectorSearch(ctx context.Context, userID string, embedding []float32, limit int) ([]SearchResult, error) {
	// Documents stored with an empty vector (embedding failed at write time)
	// are excluded from vector ranking.
	query := `SELECT TOP @limit c.summary, c.themes, c.persons, c.places, c.user_sentiment, c.timestamp,
		VectorDistance(c.vector_embedding, @embedding) AS distance
		FROM c WHERE ARRAY_LENGTH(c.vector_embedding) > 0
		ORDER BY VectorDistance(c.vector_embedding, @embedding)`
	pager := s.conversations.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(userID), &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{
			{Name: "@limit", Value: limit},
			{Name: "@embedding", Value: embedding},
		},
	})

	var out []SearchResult
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("vector search for %s: %w", userID, err)
		}
		for _, item := range page.Items {
			var row vectorRow
			if err := json.Unmarshal(item, &row); err != nil {
				return nil, fmt.Errorf("decoding search row: %w", err)
			}
			out = append(out, SearchResult{
				Summary:       row.Summary,
				Themes:        row.Themes,
				Timestamp:     row.Timestamp,
				Relevance:     1 - row.Distance,
				UserSentiment: row.UserSentiment,
				Persons:       row.Persons,
				Places:        row.Places,
			})
		}
	}
	return out, nil
}

func (s *MemoryStore) textSearch(ctx context.Context, userID, query string, limit int) ([]SearchResult, error) {
	q := `SELECT TOP @limit c.summary, c.themes, c.persons, c.places, c.user_sentiment, c.timestamp
		FROM c WHERE CONTAINS(LOWER(c.summary), @query)
		OR EXISTS(SELECT VALUE t FROM t IN c.themes WHERE CONTAINS(LOWER(t), @query))
		ORDER BY c.timestamp DESC`
	pager := s.conversations.NewQueryItemsPager(q, azcosmos.NewPartitionKeyString(userID), &azcosmos.QueryOptions{
		QueryParameters: []azcosmos.QueryParameter{
			{Name: "@limit", Value: limit},
			{Name: "@query", Value: strings.ToLower(query)},
		},
	})

	needle := strings.ToLower(query)
	var out []SearchResult
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("text search for %s: %w", userID, err)
		}
		for _, item := range page.Items {
			var row vectorRow
			if err := json.Unmarshal(item, &row); err != nil {
				return nil, fmt.Errorf("decoding search row: %w", err)
			}
			// Summary matches score higher than theme-only matches.
			score := 0.5
			if strings.Contains(strings.ToLower(row.Summary), needle) {
				score = 0.8
			}
			out = append(out, SearchResult{
				Summary:       row.Summary,
				Themes:        row.Themes,
				Timestamp:     row.Timestamp,
				Relevance:     score,
				UserSentiment: row.UserSentiment,
				Persons:       row.Persons,
				Places:        row.Places,
			})
		}
	}
	return out, nil
}
