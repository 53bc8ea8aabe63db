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

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/tradefin/tradefin/internal/app"
	jobmetrics "github.com/tradefin/tradefin/internal/jobs"
	"github.com/tradefin/tradefin/internal/ocr"
	"github.com/tradefin/tradefin/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	rt, err := app.NewRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	metrics := jobmetrics.NewMetrics(rt.Metrics.Registerer())

	ocrJob := &jobs.OCRJob{Service: rt.Financing, Logger: logger, Metrics: metrics}
	if cfg.OCREnabled {
		extractor, err := ocr.NewDocumentAI(ctx, ocr.DocumentAIConfig{
			ProjectID:       cfg.OCRProjectID,
			Location:        cfg.OCRLocation,
			ProcessorID:     cfg.OCRProcessorID,
			CredentialsFile: cfg.OCRCredentialsFile,
			Timeout:         cfg.OCRTimeout,
		}, logger)
		if err != nil {
			logger.Error("init document ai", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := extractor.Close(); err != nil {
				logger.Warn("document ai close", slog.Any("error", err))
			}
		}()
		ocrJob.Extractor = extractor
		ocrJob.Documents = jobs.DirDocuments{DirSource: ocr.NewDirSource(cfg.DocumentDir)}
	}
	expiryJob := jobs.NewOfferExpiryJob(rt.Financing, rt.Locker(), logger, metrics)
	allocateJob := &jobs.AllocatePendingJob{Service: rt.Financing, Logger: logger, Metrics: metrics}
	notifyJob := &jobs.NotifyJob{Logger: logger}

	allocateTask, err := jobs.NewAllocateTask(100)
	if err != nil {
		logger.Error("build allocate task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskNotify, Handler: notifyJob.Handle},
			{Type: jobs.TaskInvoiceOCR, Handler: ocrJob.Handle},
			{Type: jobs.TaskOffersExpire, Handler: expiryJob.Handle},
			{Type: jobs.TaskRepaymentsAllocate, Handler: allocateJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OfferSweepCron, Task: jobs.NewOffersExpireTask()},
			{Spec: cfg.AllocationSweepCron, Task: allocateTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	r := chi.NewRouter()
	r.Route("/jobs", jobs.NewHandler(inspector, logger).MountRoutes)
	r.Method(http.MethodGet, "/metrics", rt.Metrics.Handler())
	ops := &http.Server{Addr: cfg.WorkerAddr, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker ops server", slog.Any("error", err))
		}
	}()

	logger.Info("starting worker", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ops.Shutdown(shutdownCtx)
}
