package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/export"
	"github.com/inkwell-ai/inkwell/internal/guard"
	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/orchestrator"
	"github.com/inkwell-ai/inkwell/internal/queue"
	"github.com/inkwell-ai/inkwell/internal/repository"
	"github.com/inkwell-ai/inkwell/internal/server"
	"github.com/inkwell-ai/inkwell/internal/stages"
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
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
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
	exp := export.NewService(pipeline, slogger)

	srv := server.New(cfg.Server, orch, registry, exp, docs, server.HealthFunc(pool.Ping), logger)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("http serve: %v", err)
	}
	log.Info("stopped.")
}
