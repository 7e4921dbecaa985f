// obango runs the full engine process: per-queue producers, leader
// election, leader-gated plugins (scheduler/pruner/lifeline), the admin
// HTTP API, and the metrics server. Merges what the teacher split across
// cmd/scheduler and cmd/server, since this engine's admin API and worker
// loops share the same registry and store instances.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/obango/obango/config"
	"github.com/obango/obango/internal/alert"
	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/engine"
	"github.com/obango/obango/internal/health"
	ctxlog "github.com/obango/obango/internal/log"
	"github.com/obango/obango/internal/metrics"
	"github.com/obango/obango/internal/postgres"
	"github.com/obango/obango/internal/registry"
	httptransport "github.com/obango/obango/internal/transport/http"
	"github.com/obango/obango/internal/transport/http/handler"
	"github.com/obango/obango/internal/usecase"
	"github.com/obango/obango/internal/workers"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply schema.sql before starting (first run against a fresh database only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()
	logger.Info("db connected")

	if *migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		logger.Info("schema applied")
	}

	jobStore := postgres.NewJobStore(pool)
	leaderStore := postgres.NewLeaderStore(pool)
	producerStore := postgres.NewProducerStore(pool)
	operatorStore := postgres.NewOperatorStore(pool)

	reg := registry.New()
	registerWorkers(reg, logger)

	sender := alert.NewSender(cfg.Env, cfg.AlertResendAPIKey, cfg.AlertResendFrom, logger)
	notifier := alert.NewNotifier(sender, cfg.AlertTo, logger)

	eng, err := engine.New(cfg, jobStore, leaderStore, reg, logger, notifier)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	producerUUID := uuid.NewString()
	go heartbeatProducer(ctx, producerStore, producerUUID, cfg.NodeID, logger)
	go eng.Run(ctx)

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	authUsecase := usecase.NewAuthUsecase(operatorStore, sender, []byte(cfg.AdminJWTSecret), cfg.MagicLinkBase, cfg.AdminEmails)
	jobUsecase := usecase.NewJobUsecase(jobStore, eng.Producers())

	router := httptransport.NewRouter(
		logger,
		handler.NewJobHandler(jobUsecase, logger),
		handler.NewQueueHandler(jobUsecase, logger),
		handler.NewLeaderHandler(leaderStore, logger),
		handler.NewAuthHandler(authUsecase, logger),
		handler.NewHealthHandler(checker),
		operatorStore,
		[]byte(cfg.AdminJWTSecret),
	)

	adminSrv := &http.Server{Addr: ":" + cfg.AdminPort, Handler: router}
	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)

	go func() {
		logger.Info("admin API started", "port", cfg.AdminPort)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server", "error", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	if err := producerStore.Delete(shutdownCtx, producerUUID); err != nil {
		logger.Error("producer row cleanup", "error", err)
	}

	logger.Info("obango shut down")
}

// registerWorkers wires every worker this process knows how to run. A
// production deployment would split this per binary/queue; the example
// workers here (http_request, noop) exist so the engine is exercisable
// out of the box.
func registerWorkers(reg *registry.Registry, logger *slog.Logger) {
	httpWorker := workers.NewHTTPRequestWorker(logger)

	must(reg.Register(&registry.Worker{
		Name:    workers.HTTPRequestWorkerName,
		Queue:   "default",
		Process: httpWorker.Process,
	}))
	must(reg.Register(&registry.Worker{
		Name:    workers.NoopWorkerName,
		Queue:   "default",
		Process: workers.Noop,
	}))
}

func must(err error) {
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
}

// heartbeatProducer keeps this node's obango_producers row fresh so the
// lifeline plugin can tell a live node from a crashed one (spec §5.3).
// id is a generated uuid (the row's primary key); node is the human-readable
// cfg.NodeID that RescueOrphans actually joins against.
func heartbeatProducer(ctx context.Context, store *postgres.ProducerStore, id, node string, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	p := &domain.Producer{UUID: id, Node: node, Queue: "*", StartedAt: time.Now()}

	beat := func() {
		if err := store.Heartbeat(ctx, p); err != nil {
			logger.Warn("producer heartbeat failed", "error", err)
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
