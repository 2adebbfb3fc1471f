// Package handlers exposes the signaling and chat servers over gin.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/moodlink-signaling/internal/middleware"
)

func newEngine(allowedOrigins []string, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))

	// Runs before routing so preflights never reach a handler.
	router.Use(middleware.OriginFilter(allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// NewSignalingRouter builds the engine for the signaling listener.
func NewSignalingRouter(h *Signaling, allowedOrigins []string, logger zerolog.Logger) *gin.Engine {
	router := newEngine(allowedOrigins, logger)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/presence/:identity", h.GetPresence)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", h.HandleWebSocket)
	}
	return router
}

// NewChatRouter builds the engine for the chat listener.
func NewChatRouter(h *Chat, allowedOrigins []string, logger zerolog.Logger) *gin.Engine {
	router := newEngine(allowedOrigins, logger)

	apiGroup := router.Group("/api/chat")
	{
		apiGroup.POST("/messages", h.SendMessage)
		apiGroup.GET("/messages", h.GetHistory)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/chat", h.HandleWebSocket)
	}
	return router
}
