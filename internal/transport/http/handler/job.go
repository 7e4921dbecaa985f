package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/usecase"
)

func parseJobID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

type JobHandler struct {
	jobs   *usecase.JobUsecase
	logger *slog.Logger
}

func NewJobHandler(jobs *usecase.JobUsecase, logger *slog.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger.With("component", "job_handler")}
}

type jobSpecRequest struct {
	Worker      string         `json:"worker"       binding:"required"`
	Queue       string         `json:"queue"        binding:"required"`
	Args        map[string]any `json:"args"`
	Meta        map[string]any `json:"meta"`
	Tags        []string       `json:"tags"`
	Priority    int            `json:"priority"`
	MaxAttempts int            `json:"max_attempts"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	Unique      *uniqueRequest `json:"unique"`
}

type uniqueRequest struct {
	Fields []domain.UniqueField `json:"fields"`
	Keys   []string             `json:"keys"`
	Period int64                `json:"period"`
	States []domain.State       `json:"states"`
}

func (r jobSpecRequest) toSpec() *domain.Spec {
	spec := &domain.Spec{
		Worker:      r.Worker,
		Queue:       r.Queue,
		Args:        r.Args,
		Meta:        r.Meta,
		Tags:        r.Tags,
		Priority:    r.Priority,
		MaxAttempts: r.MaxAttempts,
	}
	if r.ScheduledAt != nil {
		spec.ScheduledAt = *r.ScheduledAt
	}
	if r.Unique != nil {
		spec.Unique = &domain.UniqueSpec{
			Fields: r.Unique.Fields,
			Keys:   r.Unique.Keys,
			Period: r.Unique.Period,
			States: r.Unique.States,
		}
		if spec.Unique.Fields == nil {
			def := domain.DefaultUniqueSpec()
			spec.Unique.Fields = def.Fields
			if spec.Unique.States == nil {
				spec.Unique.States = def.States
			}
		}
	}
	return spec
}

// POST /jobs
func (h *JobHandler) Create(c *gin.Context) {
	var req jobSpecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.jobs.Insert(c.Request.Context(), req.toSpec())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidJobSpec) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("insert job", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": result.Job, "conflicted": result.Conflicted})
}

// POST /jobs/batch
func (h *JobHandler) CreateBatch(c *gin.Context) {
	var reqs []jobSpecRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	specs := make([]*domain.Spec, len(reqs))
	for i, r := range reqs {
		specs[i] = r.toSpec()
	}

	results, err := h.jobs.InsertAll(c.Request.Context(), specs)
	if err != nil {
		h.logger.Error("insert batch", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	out := make([]gin.H, len(results))
	for i, r := range results {
		out[i] = gin.H{"job": r.Job, "conflicted": r.Conflicted}
	}
	c.JSON(http.StatusCreated, out)
}

// GET /jobs/:id
func (h *JobHandler) GetByID(c *gin.Context) {
	id, err := parseJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := h.jobs.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errJobNotFound})
			return
		}
		h.logger.Error("get job by id", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, job)
}
