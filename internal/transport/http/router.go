package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/store"
	"github.com/obango/obango/internal/transport/http/handler"
	"github.com/obango/obango/internal/transport/http/middleware"
)

// NewRouter assembles the admin API: public magic-link auth endpoints,
// liveness/readiness probes, and operator-gated job/queue/leader management.
func NewRouter(
	logger *slog.Logger,
	jobHandler *handler.JobHandler,
	queueHandler *handler.QueueHandler,
	leaderHandler *handler.LeaderHandler,
	authHandler *handler.AuthHandler,
	healthHandler *handler.HealthHandler,
	operators store.OperatorStore,
	jwtKey []byte,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	r.GET("/healthz", healthHandler.Liveness)
	r.GET("/readyz", healthHandler.Readiness)

	r.POST("/auth/magic-link", authHandler.RequestMagicLink)
	r.GET("/auth/verify", authHandler.Verify)

	authMW := middleware.Auth(jwtKey)
	ensureOperator := middleware.EnsureOperator(operators, logger)
	requireAdmin := middleware.RequireRole(domain.RoleAdmin)

	jobs := r.Group("/jobs", authMW, ensureOperator)
	jobs.POST("", requireAdmin, jobHandler.Create)
	jobs.POST("/batch", requireAdmin, jobHandler.CreateBatch)
	jobs.GET("/:id", jobHandler.GetByID)

	queues := r.Group("/queues", authMW, ensureOperator)
	queues.GET("", queueHandler.List)
	queues.POST("/:name/pause", requireAdmin, queueHandler.Pause)
	queues.POST("/:name/resume", requireAdmin, queueHandler.Resume)

	leader := r.Group("/leader", authMW, ensureOperator)
	leader.GET("", leaderHandler.Current)

	return r
}
