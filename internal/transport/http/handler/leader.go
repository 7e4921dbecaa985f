package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/obango/obango/internal/store"
)

type LeaderHandler struct {
	leaders store.LeaderStore
	logger  *slog.Logger
}

func NewLeaderHandler(leaders store.LeaderStore, logger *slog.Logger) *LeaderHandler {
	return &LeaderHandler{leaders: leaders, logger: logger.With("component", "leader_handler")}
}

// GET /leader
func (h *LeaderHandler) Current(c *gin.Context) {
	l, err := h.leaders.Current(c.Request.Context())
	if err != nil {
		h.logger.Error("get current leader", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	if l == nil {
		c.JSON(http.StatusOK, gin.H{"elected": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"elected": true, "node": l.Node, "expires_at": l.ExpiresAt})
}
