// Package server builds the crawler's dependency graph from configuration and
// runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/namus-crawler/internal/api"
	"github.com/JakeFAU/namus-crawler/internal/cache"
	"github.com/JakeFAU/namus-crawler/internal/config"
	collyfetcher "github.com/JakeFAU/namus-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/namus-crawler/internal/namus"
	"github.com/JakeFAU/namus-crawler/internal/pipeline"
	"github.com/JakeFAU/namus-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/namus-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/namus-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/namus-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/namus-crawler/internal/report"
	"github.com/JakeFAU/namus-crawler/internal/stage"
	"github.com/JakeFAU/namus-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/namus-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/namus-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/namus-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/namus-crawler/internal/storage/postgres"
)

// ErrReport marks a run that finished but could not be fully reported.
var ErrReport = errors.New("run reporting failed")

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers progress metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	namus        *namus.Client
	orchestrator *pipeline.Orchestrator
	reporter     report.Multi
	progressHub  *progress.Hub
	apiServer    *api.Server
	closers      []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the application's dependencies. On error everything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (app *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	category, err := cfg.Category()
	if err != nil {
		return nil, fmt.Errorf("category: %w", err)
	}

	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
			app = nil
		}
	}()

	app.logger.Info("building application dependencies",
		zap.String("base_url", cfg.NamUs.BaseURL),
		zap.String("category", category.Slug()),
		zap.Int("concurrency", cfg.Crawler.Concurrency))

	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.RequestTimeout(),
		MaxBodySize:   cfg.HTTP.MaxBodyBytes,
		Throttle:      ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.RPS, Burst: cfg.HTTP.Burst}),
	})
	app.namus, err = namus.NewClient(transport, namus.Config{
		BaseURL:  cfg.NamUs.BaseURL,
		PageSize: cfg.NamUs.PageSize,
	}, logger.Named("namus"))
	if err != nil {
		return nil, fmt.Errorf("namus client init failed: %w", err)
	}

	client, err := app.setupCache(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupReporting(ctx); err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(o.registerer)
	if err != nil {
		return nil, err
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithLimiterMetrics("pipeline"),
	}
	if emitter != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithEmitter(emitter))
	}
	app.orchestrator, err = pipeline.New(client, pipeline.Config{
		Category:       category,
		MaxConcurrency: cfg.Crawler.Concurrency,
		Retry:          retryPolicy(cfg.Crawler),
	}, pipelineOpts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.orchestrator, logger.Named("api"))
	return app, nil
}

func retryPolicy(cfg config.CrawlerConfig) stage.RetryPolicy {
	if cfg.MaxAttempts <= 1 {
		return nil
	}
	return stage.NewExponentialRetryPolicy(
		cfg.MaxAttempts,
		time.Duration(cfg.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.BackoffMaxMs)*time.Millisecond,
		namus.Retryable,
	)
}

func (a *App) setupCache(ctx context.Context) (pipeline.Client, error) {
	if a.cfg.Cache.RedisAddr == "" {
		return a.namus, nil
	}
	store, err := cache.OpenRedis(ctx, cache.RedisConfig{
		Addr:     a.cfg.Cache.RedisAddr,
		Password: a.cfg.Cache.Password,
		DB:       a.cfg.Cache.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("record cache init failed: %w", err)
	}
	a.addCloser("redis", store.Close)
	client, err := cache.New(a.namus, store, cache.Config{Prefix: a.cfg.Cache.Prefix, TTL: a.cfg.Cache.TTL}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("record cache init failed: %w", err)
	}
	a.logger.Info("record cache enabled", zap.String("addr", a.cfg.Cache.RedisAddr), zap.Duration("ttl", a.cfg.Cache.TTL))
	return client, nil
}

func (a *App) setupReporting(ctx context.Context) error {
	a.reporter = report.Multi{report.NewLogSink(a.logger)}

	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if blobStore != nil {
		blobSink, err := report.NewBlobSink(blobStore, a.cfg.Storage.Prefix, a.cfg.Storage.WriteConcurrency)
		if err != nil {
			return fmt.Errorf("blob sink init failed: %w", err)
		}
		a.reporter = append(a.reporter, blobSink)
	}

	if a.cfg.DB.DSN != "" {
		ledger, err := pgstore.NewLedger(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			RunsTable:       a.cfg.DB.RunsTable,
			FailuresTable:   a.cfg.DB.FailuresTable,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("failure ledger init failed: %w", err)
		}
		a.addCloser("postgres", func() error { ledger.Close(); return nil })
		if a.cfg.DB.Migrate {
			if err := ledger.Migrate(ctx); err != nil {
				return fmt.Errorf("failure ledger migrate failed: %w", err)
			}
		}
		a.reporter = append(a.reporter, ledger)
		a.logger.Info("failure ledger enabled", zap.String("runs_table", a.cfg.DB.RunsTable))
	} else {
		a.logger.Debug("no db.dsn configured, skipping failure ledger")
	}

	if a.cfg.PubSub.TopicName != "" {
		publisher, err := gcppublisher.Open(ctx, gcppublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			TopicID:   a.cfg.PubSub.TopicName,
		})
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub", publisher.Close)
		publishSink, err := report.NewPublishSink(publisher)
		if err != nil {
			return fmt.Errorf("publish sink init failed: %w", err)
		}
		a.reporter = append(a.reporter, publishSink)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName))
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs", store.Close)
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return store, nil
	case config.StorageLocal:
		store, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return store, nil
	case config.StorageMemory:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("record bodies will not be stored")
		return nil, nil
	}
}

func (a *App) setupProgress(reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.PrometheusEnabled {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if len(sinkList) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait))
	return a.progressHub, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Partitions lists partitions without starting a run.
func (a *App) Partitions(ctx context.Context) ([]namus.Partition, error) {
	partitions, err := a.namus.ListPartitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrDiscovery, err)
	}
	return partitions, nil
}

// Crawl runs the pipeline once and reports the output. The status server, when
// configured, is up for the duration of the call. A discovery failure returns
// an error wrapping pipeline.ErrDiscovery; a reporting failure returns the
// output together with an error wrapping ErrReport.
func (a *App) Crawl(ctx context.Context) (pipeline.Output, error) {
	stopServer, err := a.startStatusServer(ctx)
	if err != nil {
		return pipeline.Output{}, err
	}
	defer stopServer()

	out, err := a.orchestrator.Run(ctx)
	if err != nil {
		return out, err
	}
	if err := a.reporter.Report(ctx, out); err != nil {
		a.logger.Error("reporting failed", zap.String("run_id", out.RunID.String()), zap.Error(err))
		return out, fmt.Errorf("%w: %w", ErrReport, err)
	}
	return out, nil
}

// Status exposes the orchestrator's state.
func (a *App) Status() pipeline.Status {
	return a.orchestrator.Status()
}

func (a *App) startStatusServer(ctx context.Context) (func(), error) {
	if a.cfg.Server.Port <= 0 {
		return func() {}, nil
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return nil, fmt.Errorf("status server listen: %w", err)
	}
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.apiServer.Serve(serveCtx, ln); err != nil {
			a.logger.Warn("status server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("status server started", zap.Int("port", a.cfg.Server.Port))
	return func() {
		cancel()
		<-done
	}, nil
}

// Close flushes progress events and releases every client Build opened.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
	}
	errs = append(errs, a.closeAll())
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
