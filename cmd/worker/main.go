package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/desnarong/thepixstock-api/internal/config"
	"github.com/desnarong/thepixstock-api/internal/extract"
	"github.com/desnarong/thepixstock-api/internal/jobs"
	"github.com/desnarong/thepixstock-api/internal/models"
	"github.com/desnarong/thepixstock-api/internal/observability"
	"github.com/desnarong/thepixstock-api/internal/pipeline"
	"github.com/desnarong/thepixstock-api/internal/queue"
	"github.com/desnarong/thepixstock-api/internal/storage"
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

	slog.Info("starting pixstock worker",
		"workers_high", cfg.Queue.Workers.High,
		"workers_medium", cfg.Queue.Workers.Medium,
		"workers_low", cfg.Queue.Workers.Low,
		"cpu_cores", runtime.NumCPU(),
	)

	// Initialize ONNX Runtime
	if err := extract.InitRuntime(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer extract.DestroyRuntime()

	// One ONNX session set per concurrent job; sessions are not thread-safe.
	extractor, err := extract.NewPool(cfg.Queue.Workers.Total(), func() (extract.Extractor, error) {
		return extract.NewONNXExtractor(cfg.Extractor.ModelsDir, float32(cfg.Extractor.DetectionThreshold))
	})
	if err != nil {
		slog.Error("init extractor pool", "error", err)
		os.Exit(1)
	}
	defer extractor.Close()

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

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(context.Background()); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	coordinator := pipeline.NewCoordinator(minioStore, extractor, db)

	jobCfg := jobs.Config{
		ReservedSlotEvery: cfg.Queue.ReservedSlotEvery,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		Backoff: jobs.Backoff{
			Base: cfg.Queue.BackoffBase,
			Cap:  cfg.Queue.BackoffCap,
		},
		SoftBudget: cfg.Queue.SoftBudget,
		HardBudget: cfg.Queue.HardBudget,
		LaneBuffer: cfg.Queue.LaneBuffer,
	}
	jobCfg.Workers.High = cfg.Queue.Workers.High
	jobCfg.Workers.Medium = cfg.Queue.Workers.Medium
	jobCfg.Workers.Low = cfg.Queue.Workers.Low

	orchestrator := jobs.NewOrchestrator(jobCfg, db, coordinator, producer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := orchestrator.Run(ctx); err != nil {
			slog.Error("orchestrator stopped", "error", err)
		}
	}()

	// Create NATS consumer
	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// Ack wait exceeds the hard budget plus lane queuing headroom so a
	// healthy in-flight job is never redelivered underneath a worker.
	ackWait := cfg.Queue.HardBudget + 10*time.Minute
	for _, priority := range []models.Priority{models.PriorityHigh, models.PriorityMedium, models.PriorityLow} {
		if err := consumer.ConsumeJobs(ctx, priority, orchestrator, ackWait); err != nil {
			slog.Error("start job consumer", "priority", priority, "error", err)
			os.Exit(1)
		}
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("worker metrics listening", "addr", ":8082")
		if err := http.ListenAndServe(":8082", mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report total stream backlog
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.WithLabelValues("all").Set(float64(depth))
				}
			}
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}
