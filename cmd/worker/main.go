package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/siteloom/backend/pkg/bundle"
	"github.com/siteloom/backend/pkg/config"
	"github.com/siteloom/backend/pkg/ledger"
	"github.com/siteloom/backend/pkg/pipeline"
	"github.com/siteloom/backend/pkg/queue"
	"github.com/siteloom/backend/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "siteloom-worker")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("tracer shutdown: %v", err)
		}
	}()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	objects, err := cfg.Storage.Open()
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}

	var store ledger.Store
	if cfg.DatabaseDSN != "" {
		pg, err := ledger.NewPostgresStore(cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("open ledger: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		log.Println("no database configured, using in-memory ledger")
		store = ledger.NewMemStore()
	}

	q, err := queue.NewRedisQueue(cfg.RedisURL, cfg.QueueName)
	if err != nil {
		log.Fatalf("connect queue: %v", err)
	}
	defer q.Close()

	resolver, err := loadResolver(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}

	compiler := bundle.NewCompiler(
		bundle.NewStorageSource(objects, cfg.SourcePrefix),
		objects, store, resolver, cfg.BuildPrefix, logger)

	metrics := pipeline.NewMetrics()
	go metrics.Emit(ctx, cfg.MetricsInterval, logger)

	worker := pipeline.NewWorker(q, store, compiler, metrics, logger, cfg.Concurrency)

	log.Printf("worker consuming queue %q with concurrency %d", cfg.QueueName, cfg.Concurrency)
	worker.Run(ctx)
	log.Println("worker stopped")
}

func loadResolver(policyFile string) (*bundle.Resolver, error) {
	if policyFile == "" {
		return bundle.NewResolver(bundle.DefaultPolicy()), nil
	}
	data, err := os.ReadFile(policyFile)
	if err != nil {
		return nil, err
	}
	policy, err := bundle.LoadPolicy(data)
	if err != nil {
		return nil, err
	}
	return bundle.NewResolver(policy), nil
}
