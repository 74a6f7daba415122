package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/podworker/worker/internal/infrastructure/cache"
	"github.com/podworker/worker/internal/infrastructure/config"
	"github.com/podworker/worker/internal/infrastructure/gpu"
	"github.com/podworker/worker/internal/infrastructure/journal"
	"github.com/podworker/worker/internal/infrastructure/logger"
	"github.com/podworker/worker/internal/infrastructure/modelstore"
	"github.com/podworker/worker/internal/infrastructure/telemetry"
	"github.com/podworker/worker/internal/interfaces/http/handler"
	"github.com/podworker/worker/internal/interfaces/http/middleware"
	"github.com/podworker/worker/internal/interfaces/http/router"
	"github.com/podworker/worker/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting worker",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("worker_id", cfg.Serverless.WorkerID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	logsProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = logsProvider.Shutdown(shutdownCtx)
		_ = meterProvider.Shutdown(shutdownCtx)
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	// Tee log output into the collector alongside stdout
	if logsProvider.IsEnabled() {
		log = telemetry.NewBridgedLogger(log,
			telemetry.NewZapCore(cfg.Telemetry.ServiceName, logsProvider, cfg.Log.Level))
	}

	var metrics *telemetry.WorkerMetrics
	if meterProvider.IsEnabled() {
		metrics, err = telemetry.NewWorkerMetrics(meterProvider.Meter("podworker"))
		if err != nil {
			log.Fatal("Failed to create worker metrics", zap.Error(err))
		}
	}

	// Discover GPUs
	gpus := gpu.Probe(log)

	// Sync the model from object storage before taking any jobs. A worker
	// without its model is useless, so failures here are fatal.
	storeClient, err := modelstore.NewClient(&cfg.Storage, modelstore.WithLogger(log))
	if err != nil {
		log.Fatal("Failed to create storage client", zap.Error(err))
	}
	downloader := modelstore.NewDownloader(storeClient, cfg.Model,
		modelstore.WithDownloadLogger(log),
		modelstore.WithMaxRetries(cfg.Storage.MaxRetries),
	)
	manifest, err := downloader.Sync(ctx)
	if err != nil {
		log.Fatal("Model sync failed", zap.Error(err))
	}
	log.Info("Model ready",
		zap.String("dir", cfg.Model.Dir),
		zap.Int("objects", manifest.Succeeded),
		zap.Int64("bytes", manifest.TotalBytes),
	)

	// Open the local job journal
	jrnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		log.Fatal("Failed to open job journal", zap.Error(err))
	}
	if tracerProvider.IsEnabled() {
		if err := jrnl.Use(telemetry.NewDBTracingPlugin()); err != nil {
			log.Fatal("Failed to enable journal tracing", zap.Error(err))
		}
	}
	if deleted, err := jrnl.DeleteOlderThan(ctx, time.Now().Add(-cfg.Journal.Retention)); err != nil {
		log.Warn("Journal pruning failed", zap.Error(err))
	} else if deleted > 0 {
		log.Info("Pruned old journal records", zap.Int64("deleted", deleted))
	}

	// Idempotency store
	dedupeStore, err := cache.NewStore(cfg.Dedupe)
	if err != nil {
		log.Fatal("Failed to create idempotency store", zap.Error(err))
	}

	// Control-plane client
	apiClient, err := worker.NewHTTPClient(cfg.Serverless, worker.WithClientLogger(log))
	if err != nil {
		log.Fatal("Failed to create control-plane client", zap.Error(err))
	}

	// Worker with the default echo handler
	w, err := worker.New(worker.Config{
		WorkerID:          cfg.Serverless.WorkerID,
		PollInterval:      cfg.Serverless.PollInterval,
		Concurrency:       cfg.Serverless.Concurrency,
		JobTimeout:        cfg.Serverless.JobTimeout,
		MaxRetries:        cfg.Serverless.MaxRetries,
		RetryDelay:        cfg.Serverless.RetryDelay,
		HeartbeatInterval: cfg.Serverless.HeartbeatInterval,
		DedupeTTL:         cfg.Dedupe.TTL,
	}, apiClient, echoHandler(cfg.Model.Dir),
		worker.WithLogger(log),
		worker.WithStore(dedupeStore),
		worker.WithRecorder(jrnl),
		worker.WithGPUs(gpus),
		worker.WithMetrics(metrics),
	)
	if err != nil {
		log.Fatal("Failed to create worker", zap.Error(err))
	}
	if err := w.Start(ctx); err != nil {
		log.Fatal("Failed to start worker", zap.Error(err))
	}

	// Optional local development API
	var srv *http.Server
	if cfg.HTTP.Enabled {
		if cfg.App.Env == "production" {
			gin.SetMode(gin.ReleaseMode)
		}
		engine := gin.New()
		engine.Use(middleware.RequestID())
		if tracerProvider.IsEnabled() {
			engine.Use(
				middleware.Tracing(cfg.Telemetry.ServiceName),
				middleware.SpanEnricher(),
			)
		}
		engine.Use(
			logger.GinMiddleware(log),
			logger.Recovery(log),
			middleware.BodyLimit(cfg.HTTP.MaxBodySize),
		)

		r := router.NewRouter(engine)
		r.Register(handler.NewJobHandler(w, jrnl, log))
		r.Register(handler.NewSystemHandler(cfg.Serverless.WorkerID, gpus, downloader, jrnl, log))
		r.Setup()

		srv = &http.Server{
			Addr:         ":" + cfg.HTTP.Port,
			Handler:      engine,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		}

		go func() {
			log.Info("Local API listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("Failed to start local API", zap.Error(err))
			}
		}()
	}

	// Block until a shutdown signal arrives
	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Local API forced to shutdown", zap.Error(err))
		}
	}
	if err := w.Stop(shutdownCtx); err != nil {
		log.Error("Worker drain timed out", zap.Error(err))
	}

	log.Info("Worker exited gracefully")
}

// echoHandler is the default job handler. It validates the input envelope and
// echoes it back along with the local model path, which is enough to smoke
// test a deployment end to end before a real handler is plugged in.
func echoHandler(modelDir string) worker.Handler {
	return func(ctx context.Context, job *worker.Job) (any, error) {
		var input any
		if len(job.Input) > 0 {
			if err := json.Unmarshal(job.Input, &input); err != nil {
				return nil, errors.New("job input is not valid JSON")
			}
		}
		return map[string]any{
			"input":      input,
			"model_path": modelDir,
		}, nil
	}
}
