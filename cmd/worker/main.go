package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"synthetic-data-orchestrator/internal/blob"
	"synthetic-data-orchestrator/internal/config"
	"synthetic-data-orchestrator/internal/dataset"
	"synthetic-data-orchestrator/internal/generator"
	"synthetic-data-orchestrator/internal/ledger"
	"synthetic-data-orchestrator/internal/queue"
	"synthetic-data-orchestrator/internal/scheduler"
	"synthetic-data-orchestrator/internal/store"
	"synthetic-data-orchestrator/internal/telemetry"
	"synthetic-data-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRunQueue(redisClient, cfg.VisibilityTimeout)
	ledg := ledger.NewRedisLedger(redisClient)

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init blob store: %v", err)
	}

	llm := generator.NewClient(generator.ClientConfig{
		APIKey:     cfg.GeneratorAPIKey,
		BaseURL:    cfg.GeneratorBaseURL,
		Timeout:    cfg.GeneratorTimeout,
		RatePerSec: cfg.GeneratorRateLimit,
		Burst:      cfg.GeneratorBurst,
	})
	if !llm.Available() {
		log.Printf("GENERATOR_API_KEY not set; jobs will fail at generation")
	}
	rows := generator.NewAdapter(llm, cfg.GeneratorModel)
	builder := dataset.NewBuilder(blobs)

	sched := scheduler.New(scheduler.Config{
		MaxAttempts:    cfg.MaxChunkAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, st, ledg, rows, blobs)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		runner := worker.NewRunner(cfg, q, st, sched, builder, ledg, fmt.Sprintf("%s-%d", workerID, i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("runner stopped: %v", err)
			}
		}()
	}

	sweeper := worker.NewRunner(cfg, q, st, sched, builder, ledg, workerID+"-sweeper")
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.RunSweeper(ctx)
	}()

	log.Printf("worker %s started: concurrency=%d visibility=%s backoff_initial=%s", workerID, concurrency, cfg.VisibilityTimeout, cfg.BackoffInitial)
	wg.Wait()
}

func newBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.BlobS3Bucket != "" {
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    cfg.BlobS3Bucket,
			Region:    cfg.BlobS3Region,
			Endpoint:  cfg.BlobS3Endpoint,
			PathStyle: cfg.BlobS3PathStyle,
		})
	}
	return blob.NewLocalStore(cfg.BlobDir), nil
}
