package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/desnarong/thepixstock-api/internal/api"
	"github.com/desnarong/thepixstock-api/internal/api/ws"
	"github.com/desnarong/thepixstock-api/internal/config"
	"github.com/desnarong/thepixstock-api/internal/extract"
	"github.com/desnarong/thepixstock-api/internal/faceindex"
	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/observability"
	"github.com/desnarong/thepixstock-api/internal/queue"
	"github.com/desnarong/thepixstock-api/internal/search"
	"github.com/desnarong/thepixstock-api/internal/storage"
	"github.com/desnarong/thepixstock-api/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting pixstock API service", "port", cfg.Server.Port)

	// Connect to Postgres
	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		slog.Error("connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(context.Background(), cfg.Index.Dim); err != nil {
		slog.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	// Connect to MinIO
	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		slog.Error("connect to minio", "error", err)
		os.Exit(1)
	}
	if err := minioStore.EnsureBucket(context.Background()); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// Live per-event indexes, warmed from Postgres on first use
	indexes := faceindex.NewManager(faceindex.Options{
		Dim:              cfg.Index.Dim,
		ExactCutover:     cfg.Index.ExactCutover,
		RebuildThreshold: cfg.Index.RebuildThreshold,
		EfSearch:         cfg.Index.EfSearch,
	}, db)

	cache := search.NewCache(cfg.Cache.TTL)

	// Query extraction is optional: without ONNX models the vector search
	// endpoint still works, image search reports unavailable.
	var extractor extract.Extractor
	if err := extract.InitRuntime(); err != nil {
		slog.Warn("onnx runtime init failed, image search will be unavailable", "error", err)
	} else {
		pool, err := extract.NewPool(2, func() (extract.Extractor, error) {
			return extract.NewONNXExtractor(cfg.Extractor.ModelsDir, float32(cfg.Extractor.DetectionThreshold))
		})
		if err != nil {
			slog.Warn("extractor init failed, image search will be unavailable", "error", err)
		} else {
			extractor = pool
			defer pool.Close()
			defer extract.DestroyRuntime()
			slog.Info("query extractor ready")
		}
	}

	searchSvc := search.New(indexes, cache, extractor, cfg.Search)
	searchSvc.SetDurableFallback(db)

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Consume job completions: feed the live index, drop stale cached
	// results, notify connected clients.
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create event consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = consumer.ConsumeCompletions(ctx, "api-completions", func(ctx context.Context, msg jetstream.Msg) error {
		var completion models.JobCompletion
		if err := json.Unmarshal(msg.Data(), &completion); err != nil {
			return err
		}

		if completion.Status == models.JobStatusSucceeded && len(completion.Faces) > 0 {
			for _, face := range completion.Faces {
				if err := indexes.Insert(ctx, face); err != nil {
					slog.Error("insert into live index", "face_id", face.FaceID, "error", err)
				}
			}
			cache.InvalidateEvent(completion.EventID)
		}

		hub.BroadcastJobEvent(&dto.JobEvent{
			Type:         "job_" + string(completion.Status),
			EventID:      completion.EventID,
			JobID:        completion.JobID,
			PhotoID:      completion.PhotoID,
			Status:       string(completion.Status),
			Outcome:      string(completion.Outcome),
			FacesIndexed: completion.FacesIndexed,
			Error:        completion.Error,
			FinishedAt:   completion.FinishedAt.Format(time.RFC3339),
		})

		return nil
	})
	if err != nil {
		slog.Warn("start completion consumer", "error", err)
	}

	err = consumer.ConsumeAlerts(ctx, "api-alerts", func(ctx context.Context, msg jetstream.Msg) error {
		var alert models.AlertEvent
		if err := json.Unmarshal(msg.Data(), &alert); err != nil {
			return err
		}
		slog.Error("pipeline alert",
			"kind", alert.Kind, "job_id", alert.JobID,
			"event_id", alert.EventID, "detail", alert.Detail)
		return nil
	})
	if err != nil {
		slog.Warn("start alert consumer", "error", err)
	}

	// Periodic maintenance: expire cached results, fold index tails into
	// fresh snapshots for events below the growth trigger.
	go func() {
		sweep := time.NewTicker(5 * time.Minute)
		rebuild := time.NewTicker(15 * time.Minute)
		defer sweep.Stop()
		defer rebuild.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweep.C:
				cache.Sweep()
			case <-rebuild.C:
				indexes.RebuildAll()
			}
		}
	}()

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:      cfg.Server.APIKey,
		DB:          db,
		MinIO:       minioStore,
		Producer:    producer,
		Hub:         hub,
		Indexes:     indexes,
		Cache:       cache,
		Search:      searchSvc,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
