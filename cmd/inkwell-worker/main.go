package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/guard"
	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/orchestrator"
	"github.com/inkwell-ai/inkwell/internal/queue"
	"github.com/inkwell-ai/inkwell/internal/repository"
	"github.com/inkwell-ai/inkwell/internal/stages"
	"github.com/inkwell-ai/inkwell/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	log := logger.Sugar()

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(slogger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.Open(ctx, cfg.Database, slogger)
	if err != nil {
		log.Fatalf("creating DB pool: %v", err)
	}
	defer repository.Close(pool, slogger)

	if err := repository.HealthCheck(ctx, pool, cfg.Database.HealthTimeout, slogger); err != nil {
		log.Fatalf("DB health failed: %v", err)
	}
	if err := repository.InitSchema(ctx, pool); err != nil {
		log.Fatalf("init schema: %v", err)
	}

	var rdb *redis.Client
	if cfg.Guard.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Guard.RedisURL)
		if err != nil {
			log.Fatalf("parse REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	docs := repository.NewDocumentRepository(pool, slogger)
	pipeline := queue.NewPostgresQueue(pool, constants.QueuePipeline, slogger,
		queue.WithDefaultMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithClaimsPerMinute(cfg.Queue.ClaimsPerMinute),
	)
	notify := queue.NewPostgresQueue(pool, constants.QueueNotification, slogger)

	g := guard.NewService(cfg.Guard, docs, rdb, slogger)
	llmClient := llm.NewClient(cfg.LLM, slogger)
	registry := stages.DefaultRegistry(docs, llmClient, llmClient, cfg.Stages, slogger)

	var invoker stages.Invoker
	if cfg.Stages.ExecutorBaseURL != "" {
		invoker = stages.NewHTTPInvoker(cfg.Stages.ExecutorBaseURL, cfg.Server.InternalSecret, cfg.Worker.ProcessTimeout, slogger)
		log.Infow("using remote stage executor", "base_url", cfg.Stages.ExecutorBaseURL)
	} else {
		invoker = stages.NewLocalInvoker(registry)
	}

	orch := orchestrator.New(pipeline, notify, docs, g, invoker, metrics.NewRecorder(), cfg.Stages, slogger)

	retention := time.Duration(cfg.Queue.RetentionHours) * time.Hour
	w := worker.New(orch, pipeline, docs, cfg.Worker, retention, slogger)
	w.Start(ctx)
	log.Infow("worker running",
		"concurrency", cfg.Worker.Concurrency,
		"poll_interval", cfg.Worker.PollInterval,
	)

	// Metrics and liveness sidecar endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("stopped.")
}
