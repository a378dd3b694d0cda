// Package app initializes and holds the long-lived services of the
// harvester: stores, the provider client, the pipeline orchestrator, the
// webhook gate, and the HTTP server. It is the single composition root.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/api"
	"github.com/openlistings/harvester/internal/clock/system"
	"github.com/openlistings/harvester/internal/config"
	"github.com/openlistings/harvester/internal/id/uuid"
	"github.com/openlistings/harvester/internal/pipeline"
	"github.com/openlistings/harvester/internal/progress"
	"github.com/openlistings/harvester/internal/progress/sinks"
	"github.com/openlistings/harvester/internal/provider"
	pubmemory "github.com/openlistings/harvester/internal/publisher/memory"
	pubpubsub "github.com/openlistings/harvester/internal/publisher/pubsub"
	"github.com/openlistings/harvester/internal/step"
	"github.com/openlistings/harvester/internal/storage/gcs"
	"github.com/openlistings/harvester/internal/storage/memory"
	"github.com/openlistings/harvester/internal/storage/postgres"
	"github.com/openlistings/harvester/internal/webhook"
)

// App holds the shared, long-lived services for the harvester. It is
// initialized once at startup and fails fast if any critical service
// cannot be reached.
type App struct {
	Logger       *zap.Logger
	Config       config.Config
	Orchestrator *pipeline.Orchestrator
	Server       *api.Server
	Hub          *progress.Hub
	Registry     *prometheus.Registry

	Runs          pipeline.RunStore
	Records       pipeline.RecordStore
	Registrations pipeline.RegistrationStore
	Blobs         pipeline.BlobStore

	pool      *pgxpool.Pool
	gcsClient *gstorage.Client
	publisher pipeline.Publisher
	closers   []func() error
}

// New composes the application from config.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Logger: logger, Config: cfg}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Registry = registry

	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	a.Hub = progress.NewHub(progress.Config{Logger: logger},
		sinks.NewLogSink(logger), promSink)

	clk := system.New()
	idgen := uuid.NewGenerator()

	var checkpoints step.CheckpointStore
	if cfg.DB.DSN != "" {
		if cfg.DB.Migrate {
			if err := postgres.Migrate(cfg.DB.DSN); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.LifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		a.pool = pool
		if a.Records, err = postgres.NewRecordStore(pool); err != nil {
			return nil, err
		}
		if a.Runs, err = postgres.NewRunStore(pool); err != nil {
			return nil, err
		}
		if a.Registrations, err = postgres.NewRegistrationStore(pool); err != nil {
			return nil, err
		}
		if checkpoints, err = postgres.NewCheckpointStore(pool); err != nil {
			return nil, err
		}
		logger.Info("postgres stores ready")
	} else {
		a.Records = memory.NewRecordStore()
		a.Runs = memory.NewRunStore()
		a.Registrations = memory.NewRegistrationStore()
		checkpoints = memory.NewCheckpointStore()
		logger.Warn("db.dsn not set, using in-memory stores")
	}

	if cfg.Storage.Backend == "gcs" {
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcs.New(client, gcs.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.Blobs = blobs
		logger.Info("gcs blob store ready", zap.String("bucket", cfg.Storage.GCSBucket))
	} else {
		a.Blobs = memory.NewBlobStore()
		logger.Warn("using in-memory blob store")
	}

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub, err := pubpubsub.New(client)
		if err != nil {
			return nil, err
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		logger.Info("pubsub publisher ready", zap.String("topic", cfg.PubSub.TopicName))
	} else {
		a.publisher = pubmemory.New()
	}

	client := provider.New(provider.Config{
		BaseURL:           cfg.Provider.BaseURL,
		Token:             cfg.Provider.Token,
		DatasetID:         cfg.Provider.DatasetID,
		Timeout:           cfg.ProviderTimeout(),
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Burst:             cfg.Provider.Burst,
	}, logger)

	detectorCfg := pipeline.DefaultDetectorConfig()
	if cfg.Pipeline.PollIntervalSeconds > 0 {
		detectorCfg.PollInterval = time.Duration(cfg.Pipeline.PollIntervalSeconds) * time.Second
	}
	if cfg.Pipeline.MaxPollAttempts > 0 {
		detectorCfg.MaxPollAttempts = cfg.Pipeline.MaxPollAttempts
	}
	if cfg.Pipeline.DeadlineMinutes > 0 {
		detectorCfg.Deadline = time.Duration(cfg.Pipeline.DeadlineMinutes) * time.Minute
	}
	detector := pipeline.NewDetector(client, a.Registrations, detectorCfg, logger)

	decoder := pipeline.NewDecoder("id", logger)
	writer := pipeline.NewWriter(a.Records, pipeline.WriterConfig{}, logger)
	tracker := pipeline.NewTracker(a.Runs, clk, a.Hub, logger)
	runner := step.NewRunner(checkpoints, logger)

	a.Orchestrator = pipeline.NewOrchestrator(
		client, detector, decoder, writer, tracker,
		a.Blobs, a.Registrations, runner, a.publisher, idgen, clk,
		pipeline.OrchestratorConfig{
			BatchSize:      cfg.Pipeline.BatchSize,
			Mode:           pipeline.CompletionMode(cfg.Pipeline.Mode),
			Source:         cfg.Pipeline.Source,
			ContentType:    cfg.Storage.ContentType,
			Topic:          cfg.PubSub.TopicName,
			WebhookBaseURL: cfg.Webhook.BaseURL,
			SubmitAttempts: cfg.Pipeline.SubmitAttempts,
			SubmitDelay:    time.Duration(cfg.Pipeline.SubmitDelaySeconds) * time.Second,
		},
		logger,
	)

	gate := webhook.NewGate(a.Registrations, a.Blobs, clk, a.Hub, logger)

	a.Server = api.NewServer(
		a.Orchestrator, a.Runs, a.Records, gate, registry, a.readyCheck,
		api.Config{
			AuthEnabled:     cfg.Auth.Enabled,
			APIKey:          cfg.Auth.APIKey,
			EnrichmentLimit: cfg.Pipeline.EnrichmentLimit,
		},
		logger,
	)

	return a, nil
}

func (a *App) readyCheck(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres not ready: %w", err)
	}
	return nil
}

// Close gracefully shuts down all services in reverse dependency order.
func (a *App) Close(ctx context.Context) {
	if err := a.Hub.Close(ctx); err != nil {
		a.Logger.Warn("close progress hub", zap.Error(err))
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.Logger.Warn("close service", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.Logger.Warn("close gcs client", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.Logger.Sync()
}
