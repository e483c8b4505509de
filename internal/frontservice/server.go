// Package frontservice is the chat ingress: it starts sessions and deposits
// chat requests on the user-messages topic through a pooled set of senders.
package frontservice

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cascadechat/cascade/internal/bus"
	"github.com/cascadechat/cascade/internal/conversation"
	"github.com/cascadechat/cascade/internal/logger"
)

// Server handles the ingress endpoints. The sender pool is attached once
// its AMQP links are up; until then chat requests get a 503 so the client
// retries instead of hanging.
type Server struct {
	pool atomic.Pointer[bus.SenderPool]
	log  *logger.Logger
}

// New builds the ingress server.
func New(log *logger.Logger) *Server {
	return &Server{log: log.WithComponent("front-service")}
}

// AttachPool makes the sender pool available to request handlers.
func (s *Server) AttachPool(pool *bus.SenderPool) {
	s.pool.Store(pool)
}

// Routes registers the ingress endpoints.
func (s *Server) Routes(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/session/start", s.startSession)
	api.POST("/chat", s.chat)
}

func (s *Server) startSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session_id": uuid.New().String()})
}

type chatRequest struct {
	Text      string `json:"text" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
}

func (s *Server) chat(c *gin.Context) {
	pool := s.pool.Load()
	if pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message bus not ready"})
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text, session_id and user_id are required"})
		return
	}

	chatMessageID := uuid.New().String()
	body, err := json.Marshal(conversation.ChatRequest{
		Text:          req.Text,
		SessionID:     req.SessionID,
		ChatMessageID: chatMessageID,
		UserID:        req.UserID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode request"})
		return
	}

	msg := &bus.Message{
		Body:      body,
		SessionID: req.SessionID,
		MessageID: chatMessageID,
	}
	if err := pool.Send(c.Request.Context(), msg); err != nil {
		s.log.Error("publishing chat request failed", "error", err, "session_id", req.SessionID)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to enqueue message"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"chat_message_id": chatMessageID,
		"session_id":      req.SessionID,
	})
}
