package memoryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/httpapi"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/store"
)

type fakeReader struct {
	mem        *conversation.UserMemory
	deleteErr  error
	results    []store.SearchResult
	searchErr  error
	lastSearch struct {
		userID    string
		embedding []float32
		query     string
		limit     int
	}
}

func (f *fakeReader) GetUserMemory(ctx context.Context, userID string) (*conversation.UserMemory, error) {
	if f.mem == nil {
		return nil, store.ErrNotFound
	}
	return f.mem, nil
}

func (f *fakeReader) DeleteUserMemory(ctx context.Context, userID string) error {
	return f.deleteErr
}

func (f *fakeReader) SearchConversations(ctx context.Context, userID string, embedding []float32, query string, limit int) ([]store.SearchResult, error) {
	f.lastSearch.userID = userID
	f.lastSearch.embedding = embedding
	f.lastSearch.query = query
	f.lastSearch.limit = limit
	return f.results, f.searchErr
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func newTestServer(t *testing.T, reader *fakeReader, embedder *fakeEmbedder) *httptest.Server {
	t.Helper()
	log := logger.New(logger.Config{Format: "text"})
	engine := httpapi.NewEngine("test", log, "*")
	New(reader, embedder, log).Routes(engine)
	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)
	return ts
}

func TestGetMemoriesReturnsProfile(t *testing.T) {
	mem := conversation.NewUserMemory("u1")
	mem.Interests = []string{"violin"}
	ts := newTestServer(t, &fakeReader{mem: mem}, &fakeEmbedder{})

	resp, err := http.Get(ts.URL + "/api/memory/users/u1/memories")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got conversation.UserMemory
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []string{"violin"}, got.Interests)
}

func TestGetMemoriesAbsentIsZeroProfile(t *testing.T) {
	ts := newTestServer(t, &fakeReader{}, &fakeEmbedder{})

	resp, err := http.Get(ts.URL + "/api/memory/users/u1/memories")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got conversation.UserMemory
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.IsEmpty())
}

func TestDeleteMemoriesNotFound(t *testing.T) {
	ts := newTestServer(t, &fakeReader{deleteErr: store.ErrNotFound}, &fakeEmbedder{})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/memory/users/u1/memories", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteMemories(t *testing.T) {
	ts := newTestServer(t, &fakeReader{}, &fakeEmbedder{})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/memory/users/u1/memories", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func searchBody(query string, limit int) *bytes.Reader {
	b, _ := json.Marshal(map[string]any{"query": query, "limit": limit})
	return bytes.NewReader(b)
}

func TestSearchUsesEmbedding(t *testing.T) {
	reader := &fakeReader{results: []store.SearchResult{{Summary: "Kyoto trip", Relevance: 0.9}}}
	ts := newTestServer(t, reader, &fakeEmbedder{vec: []float32{0.1, 0.2}})

	resp, err := http.Post(ts.URL+"/api/memory/users/u1/conversations/search", "application/json", searchBody("vacation", 3))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out searchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.TotalFound)
	assert.Equal(t, "vacation", out.SearchQuery)

	assert.Equal(t, []float32{0.1, 0.2}, reader.lastSearch.embedding)
	assert.Equal(t, 3, reader.lastSearch.limit)
	assert.Equal(t, "u1", reader.lastSearch.userID)
}

func TestSearchFallsBackWhenEmbeddingFails(t *testing.T) {
	reader := &fakeReader{results: []store.SearchResult{{Summary: "hit", Relevance: 0.8}}}
	ts := newTestServer(t, reader, &fakeEmbedder{err: errors.New("embeddings down")})

	resp, err := http.Post(ts.URL+"/api/memory/users/u1/conversations/search", "application/json", searchBody("vacation", 5))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, reader.lastSearch.embedding)
}

func TestSearchNoResultsIs404(t *testing.T) {
	ts := newTestServer(t, &fakeReader{}, &fakeEmbedder{vec: []float32{0.1}})

	resp, err := http.Post(ts.URL+"/api/memory/users/u1/conversations/search", "application/json", searchBody("nothing", 5))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "No previous conversations found", out["message"])
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	ts := newTestServer(t, &fakeReader{}, &fakeEmbedder{})

	resp, err := http.Post(ts.URL+"/api/memory/users/u1/conversations/search", "application/json", searchBody("   ", 5))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchLimitClamped(t *testing.T) {
	reader := &fakeReader{results: []store.SearchResult{{Summary: "hit"}}}
	ts := newTestServer(t, reader, &fakeEmbedder{vec: []float32{0.1}})

	resp, err := http.Post(ts.URL+"/api/memory/users/u1/conversations/search", "application/json", searchBody("q", 50))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 10, reader.lastSearch.limit)
}
