package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/moodlink-signaling/internal/signaling"
	"github.com/mossy-p/moodlink-signaling/internal/transport"
)

const disconnectTimeout = 5 * time.Second

// OwnerLookup finds the node holding an identity in cluster mode.
type OwnerLookup interface {
	Owner(ctx context.Context, identity string) (string, error)
}

// Signaling serves the signaling websocket and the presence lookup.
type Signaling struct {
	sb     *signaling.Switchboard
	owners OwnerLookup
	base   context.Context
	logger zerolog.Logger
}

// NewSignaling wires the switchboard to HTTP. base bounds every session's
// lifetime; owners is nil for a single node.
func NewSignaling(base context.Context, sb *signaling.Switchboard, owners OwnerLookup, logger zerolog.Logger) *Signaling {
	return &Signaling{sb: sb, owners: owners, base: base, logger: logger}
}

// HandleWebSocket upgrades the request and runs the session until it closes.
func (h *Signaling) HandleWebSocket(c *gin.Context) {
	conn, err := transport.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	s := transport.NewSession(conn, h.logger)
	h.logger.Debug().Str("session", s.ID()).Str("remote", c.ClientIP()).Msg("signaling session opened")
	s.Serve(h.base, h)
}

// HandleMessage implements transport.Handler.
func (h *Signaling) HandleMessage(ctx context.Context, s *transport.Session, data []byte) {
	err := h.sb.Handle(ctx, s, data)
	switch {
	case err == nil:
	case errors.Is(err, signaling.ErrRecipientNotPresent):
		h.logger.Debug().Err(err).Str("session", s.ID()).Msg("frame dropped")
	default:
		h.logger.Warn().Err(err).Str("session", s.ID()).Str("identity", s.Identity()).Msg("failed to handle frame")
	}
}

// HandleClose implements transport.Handler.
func (h *Signaling) HandleClose(s *transport.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	h.sb.Disconnect(ctx, s)
	h.logger.Debug().Str("session", s.ID()).Msg("signaling session closed")
}

// GetPresence reports whether an identity currently has a live session.
func (h *Signaling) GetPresence(c *gin.Context) {
	identity := c.Param("identity")

	online := false
	if _, ok := h.sb.Directory().Resolve(identity); ok {
		online = true
	} else if h.owners != nil {
		node, err := h.owners.Owner(c.Request.Context(), identity)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence unavailable"})
			return
		}
		online = node != ""
	}

	c.JSON(http.StatusOK, gin.H{
		"identity": identity,
		"online":   online,
	})
}
