package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/doublej/snail-mail-parser/internal/config"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
	"github.com/doublej/snail-mail-parser/internal/core/usecase"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/extract"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/llm/openrouter"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/output"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/queue/nats"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/repository/postgres"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/resilience"
	"github.com/doublej/snail-mail-parser/internal/observability/logging"
	"github.com/doublej/snail-mail-parser/internal/observability/metrics"
)

// App wires the full pipeline. The watcher binary uses Queue and IngestUC;
// the worker binary additionally runs the Coordinator and status server.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue       ports.MessageQueue
	IngestUC    ports.FileIngestor
	Coordinator *usecase.Coordinator
	Metrics     *metrics.PipelineMetrics

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	logger := logging.NewJSONLogger(service, cfg.LogLevel)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	evidence := postgres.NewEvidenceRepository(db)
	if err := evidence.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	sessions := postgres.NewSessionRepository(db)

	executor := resilience.NewExecutor(resilience.DefaultConfig())

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(service)

	llmClient := openrouter.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMRatePerMin)
	classifier := openrouter.NewClassifier(llmClient)

	extractor := extract.NewExtractor(cfg.OCRLanguages)
	committer := output.NewCommitter(cfg.OutputDir, evidence)

	var thumbnails ports.ThumbnailWriter
	if cfg.ThumbnailsEnabled {
		thumbnails = output.NewThumbnailer(cfg.OutputDir, cfg.ThumbnailWidth, logger)
	}

	ingestUC := usecase.NewIngestFileUseCase(evidence, queue, logger)
	extractUC := usecase.NewExtractFileUseCase(evidence, extractor, executor, logger)
	classifyUC := usecase.NewClassifySessionUseCase(sessions, evidence, classifier, cfg.LLMMaxAttempts, logger)
	commitUC := usecase.NewCommitSessionUseCase(sessions, evidence, committer, thumbnails, executor, logger)

	assembler := usecase.NewAssembler(sessions, usecase.AssemblerConfig{
		GroupingWindow: cfg.GroupingWindow,
		QuietPeriod:    cfg.QuietPeriod,
		MaxIdle:        cfg.MaxIdle,
		PageCeiling:    cfg.PageCeiling,
	}, logger)

	coordinator := usecase.NewCoordinator(
		evidence,
		sessions,
		assembler,
		extractUC,
		classifyUC,
		commitUC,
		classifier,
		pipelineMetrics,
		logger,
		usecase.CoordinatorConfig{
			SweepInterval:     cfg.SweepInterval,
			ExtractionWorkers: cfg.ExtractionWorkers,
		},
	)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Queue:       queue,
		IngestUC:    ingestUC,
		Coordinator: coordinator,
		Metrics:     pipelineMetrics,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
