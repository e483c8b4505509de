package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/logger"
)

// fakeContainer scripts responses for the container interface.
type fakeContainer struct {
	upsertErrs []error
	upserts    [][]byte
	items      map[string][]byte
	readErr    error
	deleteErr  error
	queryItems [][]byte
	queryErr   error
	lastQuery  string
}

func (f *fakeContainer) UpsertItem(ctx context.Context, pk azcosmos.PartitionKey, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error) {
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		if err != nil {
			return azcosmos.ItemResponse{}, err
		}
	}
	f.upserts = append(f.upserts, item)
	return azcosmos.ItemResponse{}, nil
}

func (f *fakeContainer) ReadItem(ctx context.Context, pk azcosmos.PartitionKey, id string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error) {
	if f.readErr != nil {
		return azcosmos.ItemResponse{}, f.readErr
	}
	raw, ok := f.items[id]
	if !ok {
		return azcosmos.ItemResponse{}, &azcore.ResponseError{StatusCode: 404}
	}
	return azcosmos.ItemResponse{Value: raw}, nil
}

func (f *fakeContainer) DeleteItem(ctx context.Context, pk azcosmos.PartitionKey, id string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error) {
	if f.deleteErr != nil {
		return azcosmos.ItemResponse{}, f.deleteErr
	}
	if _, ok := f.items[id]; !ok {
		return azcosmos.ItemResponse{}, &azcore.ResponseError{StatusCode: 404}
	}
	delete(f.items, id)
	return azcosmos.ItemResponse{}, nil
}

func (f *fakeContainer) NewQueryItemsPager(query string, pk azcosmos.PartitionKey, o *azcosmos.QueryOptions) *runtime.Pager[azcosmos.QueryItemsResponse] {
	f.lastQuery = query
	served := false
	return runtime.NewPager(runtime.PagingHandler[azcosmos.QueryItemsResponse]{
		More: func(resp azcosmos.QueryItemsResponse) bool {
			return !served
		},
		Fetcher: func(ctx context.Context, _ *azcosmos.QueryItemsResponse) (azcosmos.QueryItemsResponse, error) {
			if f.queryErr != nil {
				return azcosmos.QueryItemsResponse{}, f.queryErr
			}
			served = true
			return azcosmos.QueryItemsResponse{Items: f.queryItems}, nil
		},
	})
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Format: "text"})
}

func throttled() error {
	return &azcore.ResponseError{StatusCode: 429}
}

func TestHistoryUpsertRetriesThrottling(t *testing.T) {
	fc := &fakeContainer{upsertErrs: []error{throttled(), throttled(), nil}}
	s := NewHistoryStore(fc, testLogger())
	s.backoff = time.Millisecond

	doc := &conversation.HistoryDocument{ID: "s1", SessionID: "s1", UserID: "u1"}
	require.NoError(t, s.Upsert(context.Background(), doc))
	// Exactly one document written after two throttled attempts.
	assert.Len(t, fc.upserts, 1)
}

func TestHistoryUpsertGivesUpAfterThreeThrottles(t *testing.T) {
	fc := &fakeContainer{upsertErrs: []error{throttled(), throttled(), throttled()}}
	s := NewHistoryStore(fc, testLogger())
	s.backoff = time.Millisecond

	err := s.Upsert(context.Background(), &conversation.HistoryDocument{ID: "s1", SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still throttled")
	assert.Empty(t, fc.upserts)
}

func TestHistoryUpsertNonThrottleErrorIsImmediate(t *testing.T) {
	fc := &fakeContainer{upsertErrs: []error{&azcore.ResponseError{StatusCode: 500}}}
	s := NewHistoryStore(fc, testLogger())
	s.backoff = time.Millisecond

	err := s.Upsert(context.Background(), &conversation.HistoryDocument{ID: "s1", SessionID: "s1"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "still throttled")
}

func TestGetUserMemoryNotFound(t *testing.T) {
	fc := &fakeContainer{items: map[string][]byte{}}
	s := NewMemoryStore(&fakeContainer{}, fc, testLogger())

	_, err := s.GetUserMemory(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserMemoryRoundTrip(t *testing.T) {
	fc := &fakeContainer{items: map[string][]byte{}}
	s := NewMemoryStore(&fakeContainer{}, fc, testLogger())
	s.backoff = time.Millisecond

	mem := conversation.NewUserMemory("u1")
	mem.Interests = []string{"astronomy"}
	require.NoError(t, s.UpsertUserMemory(context.Background(), mem))
	require.Len(t, fc.upserts, 1)

	fc.items["u1"] = fc.upserts[0]
	got, err := s.GetUserMemory(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"astronomy"}, got.Interests)
	assert.Equal(t, "u1", got.UserID)
}

func TestDeleteUserMemoryMissing(t *testing.T) {
	fc := &fakeContainer{items: map[string][]byte{}}
	s := NewMemoryStore(&fakeContainer{}, fc, testLogger())

	err := s.DeleteUserMemory(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVectorSearchScoresFromDistance(t *testing.T) {
	row := map[string]any{
		"summary":        "Planned a trip to Kyoto",
		"themes":         []string{"travel"},
		"persons":        []string{"Aiko"},
		"places":         []string{"Kyoto"},
		"user_sentiment": "positive",
		"timestamp":      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		"distance":       0.25,
	}
	raw, err := json.Marshal(row)
	require.NoError(t, err)

	fc := &fakeContainer{queryItems: [][]byte{raw}}
	s := NewMemoryStore(fc, &fakeContainer{}, testLogger())

	results, err := s.SearchConversations(context.Background(), "u1", []float32{0.1, 0.2}, "trip", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.75, results[0].Relevance, 1e-9)
	assert.Equal(t, []string{"Aiko"}, results[0].Persons)
	assert.Contains(t, fc.lastQuery, "VectorDistance")
}

func TestTextSearchFallbackScores(t *testing.T) {
	summaryHit, _ := json.Marshal(map[string]any{
		"summary": "Discussed vacation budget",
		"themes":  []string{"money"},
	})
	themeHit, _ := json.Marshal(map[string]any{
		"summary": "Talked about the weekend",
		"themes":  []string{"vacation"},
	})
	fc := &fakeContainer{queryItems: [][]byte{summaryHit, themeHit}}
	s := NewMemoryStore(fc, &fakeContainer{}, testLogger())

	results, err := s.SearchConversations(context.Background(), "u1", nil, "vacation", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 0.8, results[0].Relevance, 1e-9)
	assert.InDelta(t, 0.5, results[1].Relevance, 1e-9)
	assert.NotContains(t, fc.lastQuery, "VectorDistance")
}
