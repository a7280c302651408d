// Package handlers provides the optional local status HTTP API.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-serial-bridge/bridge/internal/bridge"
	"github.com/remote-serial-bridge/bridge/internal/model"
)

// historyLimit caps the session list response.
const historyLimit = 50

// SessionLister reads back recorded session history.
type SessionLister interface {
	ListRecent(ctx context.Context, limit int) ([]*model.BridgeSession, error)
}

// StatusHandler serves bridge state and session history over HTTP.
type StatusHandler struct {
	bridge  *bridge.Bridge
	history SessionLister
}

// NewStatusHandler creates a new StatusHandler. history may be nil when no
// history database is configured.
func NewStatusHandler(b *bridge.Bridge, history SessionLister) *StatusHandler {
	return &StatusHandler{bridge: b, history: history}
}

// RegisterRoutes attaches the status endpoints to the router.
func (h *StatusHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	api := router.Group("/api")
	{
		api.GET("/status", h.Status)
		api.GET("/sessions", h.Sessions)
	}
}

// Health handles GET /health.
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /api/status.
func (h *StatusHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.bridge.Status())
}

// Sessions handles GET /api/sessions.
func (h *StatusHandler) Sessions(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []*model.BridgeSession{}})
		return
	}

	sessions, err := h.history.ListRecent(c.Request.Context(), historyLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	if sessions == nil {
		sessions = []*model.BridgeSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}
