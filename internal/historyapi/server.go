// Package historyapi is the read API over the history container.
package historyapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/logger"
	"github.com/cascadechat/cascade/internal/store"
)

const (
	defaultListLimit = 50
	maxTitleLength   = 100
)

// HistoryReader is the store surface the API needs.
type HistoryReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]store.ConversationSummary, error)
	Get(ctx context.Context, sessionID string) (*conversation.HistoryDocument, error)
	UpdateTitle(ctx context.Context, userID, sessionID, title string) error
}

// Server handles the history API endpoints.
type Server struct {
	store HistoryReader
	log   *logger.Logger
}

// New builds the history API server.
func New(st HistoryReader, log *logger.Logger) *Server {
	return &Server{store: st, log: log.WithComponent("history-api")}
}

// Routes registers the history endpoints.
func (s *Server) Routes(r *gin.Engine) {
	conversations := r.Group("/conversations/:userId")
	conversations.GET("", s.listConversations)
	conversations.GET("/:sessionId/messages", s.getMessages)
	conversations.PUT("/:sessionId/title", s.updateTitle)
}

func (s *Server) listConversations(c *gin.Context) {
	userID := c.Param("userId")
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	rows, err := s.store.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		s.log.Error("listing conversations failed", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	if rows == nil {
		rows = []store.ConversationSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": rows})
}

// getMessages returns the messages of one conversation. A missing document
// and a user mismatch are both 404: one user must not be able to probe for
// another's sessions.
func (s *Server) getMessages(c *gin.Context) {
	userID := c.Param("userId")
	sessionID := c.Param("sessionId")

	doc, err := s.store.Get(c.Request.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		s.log.Error("reading conversation failed", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read conversation"})
		return
	}
	if doc.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": doc.SessionID,
		"title":     doc.Title,
		"messages":  doc.Messages,
	})
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

func (s *Server) updateTitle(c *gin.Context) {
	userID := c.Param("userId")
	sessionID := c.Param("sessionId")

	var req updateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if len([]rune(title)) > maxTitleLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title must be at most 100 characters"})
		return
	}

	err := s.store.UpdateTitle(c.Request.Context(), userID, sessionID, title)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		s.log.Error("updating title failed", "error", err, "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update title"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "title": title})
}
