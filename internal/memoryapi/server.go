// Package memoryapi is the read API over the memory containers: user
// profiles and semantic conversation search.
package memoryapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/store"
)

const (
	searchLimitDefault = 5
	searchLimitMin     = 1
	searchLimitMax     = 10
)

// MemoryReader is the store surface the API needs.
type MemoryReader interface {
	GetUserMemory(ctx context.Context, userID string) (*conversation.UserMemory, error)
	DeleteUserMemory(ctx context.Context, userID string) error
	SearchConversations(ctx context.Context, userID string, embedding []float32, query string, limit int) ([]store.SearchResult, error)
}

// Embedder turns the search query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Server handles the memory API endpoints.
type Server struct {
	store    MemoryReader
	embedder Embedder
	log      *logger.Logger
}

// New builds the memory API server.
func New(st MemoryReader, embedder Embedder, log *logger.Logger) *Server {
	return &Server{store: st, embedder: embedder, log: log.WithComponent("memory-api")}
}

// Routes registers the memory endpoints.
func (s *Server) Routes(r *gin.Engine) {
	users := r.Group("/api/memory/users/:userId")
	users.GET("/memories", s.getMemories)
	users.DELETE("/memories", s.deleteMemories)
	users.POST("/conversations/search", s.searchConversations)
}

// getMemories returns the user's profile. A user with no profile yet gets a
// zero-initialized one, not a 404; callers render prompts from it either way.
func (s *Server) getMemories(c *gin.Context) {
	userID := c.Param("userId")
	mem, err := s.store.GetUserMemory(c.Request.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, conversation.NewUserMemory(userID))
		return
	}
	if err != nil {
		s.log.Error("reading user memory failed", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read user memory"})
		return
	}
	c.JSON(http.StatusOK, mem)
}

func (s *Server) deleteMemories(c *gin.Context) {
	userID := c.Param("userId")
	err := s.store.DeleteUserMemory(c.Request.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no memory stored for user"})
		return
	}
	if err != nil {
		s.log.Error("deleting user memory failed", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete user memory"})
		return
	}
	c.Status(http.StatusNoContent)
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Conversations []store.SearchResult `json:"conversations"`
	TotalFound    int                  `json:"total_found"`
	SearchQuery   string               `json:"search_query"`
}

// searchConversations ranks the user's past conversations against the query.
// When embedding the query fails, it degrades to text matching instead of
// failing the request.
func (s *Server) searchConversations(c *gin.Context) {
	userID := c.Param("userId")

	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = searchLimitDefault
	}
	if limit < searchLimitMin {
		limit = searchLimitMin
	}
	if limit > searchLimitMax {
		limit = searchLimitMax
	}

	embedding, err := s.embedder.Embed(c.Request.Context(), query)
	if err != nil {
		s.log.Warn("query embedding failed, falling back to text search",
			"error", err, "user_id", userID)
		embedding = nil
	}

	results, err := s.store.SearchConversations(c.Request.Context(), userID, embedding, query, limit)
	if err != nil {
		s.log.Error("conversation search failed", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	if len(results) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": "No previous conversations found"})
		return
	}

	c.JSON(http.StatusOK, searchResponse{
		Conversations: results,
		TotalFound:    len(results),
		SearchQuery:   query,
	})
}
