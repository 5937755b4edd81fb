package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"synthetic-data-orchestrator/internal/api"
	"synthetic-data-orchestrator/internal/blob"
	"synthetic-data-orchestrator/internal/config"
	"synthetic-data-orchestrator/internal/dataset"
	"synthetic-data-orchestrator/internal/generator"
	"synthetic-data-orchestrator/internal/queue"
	"synthetic-data-orchestrator/internal/ratelimit"
	"synthetic-data-orchestrator/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

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
	proposer := generator.NewProposer(llm, cfg.GeneratorSchemaModel)
	builder := dataset.NewBuilder(blobs)

	server := api.New(cfg, st, q, limiter, proposer, builder, blobs)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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
