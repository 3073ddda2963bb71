// Package http holds the relay's REST introspection handlers.
package http

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/meshcast/internal/app/orch"
	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
)

type SessionListResponse struct {
	Sessions []core.SessionInfo `json:"sessions"`
}

type SessionResponse struct {
	core.SessionInfo
	Participants []domain.Participant `json:"participants"`
}

type SessionHandlers struct {
	Sessions core.SessionFactory
	Relay    *orch.SignalingRelay
}

func (h *SessionHandlers) Register(api *gin.RouterGroup, admin gin.HandlerFunc) {
	api.GET("/sessions", h.List)
	api.GET("/sessions/:id", h.Get)
	api.DELETE("/sessions/:id", admin, h.Evict)
}

func (h *SessionHandlers) List(c *gin.Context) {
	list := h.Sessions.List()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	c.JSON(http.StatusOK, SessionListResponse{Sessions: list})
}

func (h *SessionHandlers) Get(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	s, ok := h.Sessions.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	var participants []domain.Participant
	if err := s.Exec(func(r *core.Roster) { participants = r.MembersSnapshot("") }); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].ID < participants[j].ID })
	c.JSON(http.StatusOK, SessionResponse{SessionInfo: s.Info(), Participants: participants})
}

func (h *SessionHandlers) Evict(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if _, ok := h.Sessions.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	h.Relay.EvictSession(id)
	c.Status(http.StatusNoContent)
}

func Healthz(sessions core.SessionFactory) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(sessions.List())})
	}
}

// AdminSecret guards destructive endpoints with the configured secret.
func AdminSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || c.GetHeader("X-Admin-Secret") != secret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
