package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/moodlink-signaling/internal/chat"
	"github.com/mossy-p/moodlink-signaling/internal/models"
	"github.com/mossy-p/moodlink-signaling/internal/store"
	"github.com/mossy-p/moodlink-signaling/internal/transport"
)

// Chat serves the room chat websocket and its REST endpoints.
type Chat struct {
	hub    *chat.Hub
	base   context.Context
	logger zerolog.Logger
}

func NewChat(base context.Context, hub *chat.Hub, logger zerolog.Logger) *Chat {
	return &Chat{hub: hub, base: base, logger: logger}
}

func (h *Chat) HandleWebSocket(c *gin.Context) {
	conn, err := transport.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}
	transport.NewSession(conn, h.logger).Serve(h.base, h)
}

func (h *Chat) HandleMessage(ctx context.Context, s *transport.Session, data []byte) {
	if err := h.hub.Handle(ctx, s, data); err != nil {
		h.logger.Debug().Err(err).Str("session", s.ID()).Msg("chat frame rejected")
	}
}

func (h *Chat) HandleClose(s *transport.Session) {
	h.hub.LeaveAll(s)
}

// SendMessage stores a message and broadcasts it to the room.
func (h *Chat) SendMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": store.ErrMissingFields.Error()})
		return
	}

	stored, err := h.hub.Send(c.Request.Context(), models.ChatMessage{
		RoomID:     req.RoomID,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Message:    req.Message,
	})
	if errors.Is(err, store.ErrMissingFields) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("room", req.RoomID).Msg("failed to send message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		return
	}

	c.JSON(http.StatusCreated, stored)
}

// GetHistory lists a room's messages, oldest first. limit keeps only the
// most recent ones.
func (h *Chat) GetHistory(c *gin.Context) {
	roomID := c.Query("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	// Without a limit the whole room is returned.
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	messages, err := h.hub.History(c.Request.Context(), roomID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("room", roomID).Msg("failed to load history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":   roomID,
		"messages": messages,
	})
}
