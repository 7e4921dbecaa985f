package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/obango/obango/internal/usecase"
)

type QueueHandler struct {
	jobs   *usecase.JobUsecase
	logger *slog.Logger
}

func NewQueueHandler(jobs *usecase.JobUsecase, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{jobs: jobs, logger: logger.With("component", "queue_handler")}
}

// GET /queues
func (h *QueueHandler) List(c *gin.Context) {
	statuses, err := h.jobs.Queues(c.Request.Context())
	if err != nil {
		h.logger.Error("list queues", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, statuses)
}

// POST /queues/:name/pause
func (h *QueueHandler) Pause(c *gin.Context) {
	if err := h.jobs.PauseQueue(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// POST /queues/:name/resume
func (h *QueueHandler) Resume(c *gin.Context) {
	if err := h.jobs.ResumeQueue(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}
