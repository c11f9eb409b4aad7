// Package app builds the fetch service from configuration and owns its
// lifecycle: the strategies, executor, worker pool, persistence, event
// publishing and the ops HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-engine/internal/api"
	"github.com/JakeFAU/fetch-engine/internal/clock/system"
	"github.com/JakeFAU/fetch-engine/internal/config"
	"github.com/JakeFAU/fetch-engine/internal/dispatcher"
	"github.com/JakeFAU/fetch-engine/internal/executor"
	"github.com/JakeFAU/fetch-engine/internal/fetch"
	"github.com/JakeFAU/fetch-engine/internal/fetcher/headless"
	"github.com/JakeFAU/fetch-engine/internal/fetcher/static"
	"github.com/JakeFAU/fetch-engine/internal/hash/sha256"
	"github.com/JakeFAU/fetch-engine/internal/id/uuid"
	"github.com/JakeFAU/fetch-engine/internal/metrics"
	"github.com/JakeFAU/fetch-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/fetch-engine/internal/proxy"
	memorypublisher "github.com/JakeFAU/fetch-engine/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/fetch-engine/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/fetch-engine/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/fetch-engine/internal/queue/pubsub"
	gcsstorage "github.com/JakeFAU/fetch-engine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fetch-engine/internal/storage/local"
	memoryStorage "github.com/JakeFAU/fetch-engine/internal/storage/memory"
	pgstore "github.com/JakeFAU/fetch-engine/internal/storage/postgres"
	"github.com/JakeFAU/fetch-engine/internal/telemetry"
	"github.com/JakeFAU/fetch-engine/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Engine is the fetch stack shared by the service and the one-shot CLI.
type Engine struct {
	executor   *executor.Executor
	browsers   *headless.Browsers
	transports *proxy.Builder
}

// NewEngine builds both strategies and the executor that drives them. The
// dynamic strategy is left out when headless is disabled.
func NewEngine(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	transports := proxy.NewBuilder()
	staticFetcher := static.New(static.Config{
		Timeout:      cfg.Static.Timeout,
		MaxBodyBytes: cfg.Static.MaxBodyBytes,
		Logger:       logger.Named("static"),
	}, transports)

	e := &Engine{transports: transports}

	var dynamic fetch.Strategy
	if cfg.Headless.Enabled {
		e.browsers = headless.NewBrowsers(headless.BrowserConfig{
			ExecPath: cfg.Headless.ExecPath,
			Headful:  cfg.Headless.Headful,
			Logger:   logger.Named("browsers"),
		})
		headlessFetcher, err := headless.New(e.browsers, transports, headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Headless.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			Logger:            logger.Named("headless"),
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		dynamic = headlessFetcher
		logger.Info("headless fetcher enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	opts := []executor.Option{executor.WithLogger(logger.Named("executor"))}
	if cfg.RateLimit.PerHostRPS > 0 {
		opts = append(opts, executor.WithLimiter(ratelimit.New(ratelimit.Config{
			PerHostRPS: cfg.RateLimit.PerHostRPS,
			Burst:      cfg.RateLimit.Burst,
		})))
		logger.Info("rate limiter enabled",
			zap.Float64("per_host_rps", cfg.RateLimit.PerHostRPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}
	e.executor = executor.New(staticFetcher, dynamic, cfg.Retry.Policy(), opts...)
	return e, nil
}

// Executor returns the configured executor.
func (e *Engine) Executor() *executor.Executor {
	return e.executor
}

// Fetch runs one request to completion.
func (e *Engine) Fetch(ctx context.Context, req fetch.Request) fetch.Result {
	return e.executor.Execute(ctx, req)
}

// Close terminates every browser process and drops pooled connections.
func (e *Engine) Close() error {
	e.transports.CloseIdleConnections()
	if e.browsers == nil {
		return nil
	}
	if err := e.browsers.Close(); err != nil {
		return fmt.Errorf("close browsers: %w", err)
	}
	return nil
}

type closer struct {
	name string
	fn   func() error
}

// App contains the service's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	engine    *Engine
	queue     fetch.Queue
	results   fetch.ResultStore
	blobs     fetch.BlobStore
	publisher fetch.Publisher
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	closers   []closer
}

// Build creates the service from cfg. Anything already opened is closed
// again when a later component fails.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies")

	if a.cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracing(ctx, telemetry.Config{
			ServiceName:    a.cfg.Telemetry.ServiceName,
			ServiceVersion: a.cfg.Telemetry.ServiceVersion,
			ProjectID:      a.cfg.Telemetry.ProjectID,
			SampleRatio:    a.cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.onClose("tracer", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return tp.Shutdown(ctx)
		})
		a.logger.Info("tracing enabled", zap.Bool("export", a.cfg.Telemetry.ProjectID != ""))
	}

	engine, err := NewEngine(a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.engine = engine
	a.onClose("engine", engine.Close)

	if err := a.setupQueue(ctx); err != nil {
		return err
	}
	if err := a.setupResults(ctx); err != nil {
		return err
	}
	if err := a.setupBlobs(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}

	hasher := sha256.New()
	clock := system.New()
	workerCfg := worker.Config{
		ContentType: a.cfg.Storage.ContentType,
		BlobPrefix:  a.cfg.Storage.BlobPrefix,
		Topic:       a.cfg.Publisher.Topic,
	}
	index := 0
	a.dispatch = dispatcher.NewPool(a.queue, a.cfg.Worker.Concurrency, func() *worker.Worker {
		w := worker.New(
			a.queue,
			engine.Executor(),
			a.results,
			a.blobs,
			a.publisher,
			hasher,
			clock,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", index)),
		)
		index++
		return w
	})
	a.logger.Info("worker pool configured", zap.Int("workers", a.dispatch.Size()))

	a.apiServer = api.NewServer(
		a.dispatch,
		a.dispatch.Running,
		a.results,
		uuid.New(),
		clock,
		api.Config{APIKey: a.cfg.Server.APIKey},
		a.logger.Named("api"),
	)
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Provider {
	case "pubsub":
		q, err := pubsubqueue.Connect(ctx, pubsubqueue.Config{
			ProjectID:      a.cfg.Queue.PubSub.ProjectID,
			Subscription:   a.cfg.Queue.PubSub.Subscription,
			Topic:          a.cfg.Queue.PubSub.Topic,
			MaxOutstanding: a.cfg.Queue.PubSub.MaxOutstanding,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.queue = q
		a.onClose("pubsub queue", q.Close)
		a.logger.Info("using Pub/Sub job queue",
			zap.String("project", a.cfg.Queue.PubSub.ProjectID),
			zap.String("subscription", a.cfg.Queue.PubSub.Subscription),
		)
	default:
		q := queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
		a.queue = q
		a.onClose("memory queue", func() error {
			q.Close()
			return nil
		})
		a.logger.Info("using in-memory job queue", zap.Int("depth", a.cfg.Worker.QueueDepth))
	}
	return nil
}

func (a *App) setupResults(ctx context.Context) error {
	if a.cfg.Storage.Results != "postgres" {
		a.logger.Info("using in-memory result store")
		a.results = memoryStorage.NewResultStore()
		return nil
	}
	store, err := pgstore.NewResultStore(ctx, pgstore.ResultStoreConfig{
		DSN:      a.cfg.Storage.Postgres.DSN,
		Table:    a.cfg.Storage.Postgres.Table,
		MaxConns: a.cfg.Storage.Postgres.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("result store init failed: %w", err)
	}
	a.onClose("result store", func() error {
		store.Close()
		return nil
	})
	if a.cfg.Storage.Postgres.CreateSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("result schema init failed: %w", err)
		}
	}
	a.results = store
	a.logger.Info("using Postgres result store", zap.String("table", a.cfg.Storage.Postgres.Table))
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Blobs {
	case "gcs":
		store, err := gcsstorage.Connect(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCS.Bucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = store
		a.onClose("gcs blob store", store.Close)
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local blob store", zap.String("path", a.cfg.Storage.Local.BaseDir))
	case "memory":
		a.blobs = memoryStorage.NewBlobStore()
		a.logger.Info("using in-memory blob store")
	default:
		a.logger.Info("body upload disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Provider {
	case "pubsub":
		p, err := gcppublisher.Connect(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.Topic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = p
		a.onClose("pubsub publisher", p.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
	case "memory":
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Info("completion events disabled")
	}
	return nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Handler exposes the ops HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Submit enqueues a job directly, bypassing the HTTP surface.
func (a *App) Submit(ctx context.Context, req fetch.Request) error {
	return a.dispatch.Enqueue(ctx, fetch.QueueItem{Request: req, Submitted: time.Now().UTC()})
}

// Run starts the worker pool and the ops server, then blocks until ctx is
// canceled or SIGINT/SIGTERM arrives. In-flight jobs finish (or are handed
// back to the queue) before dependencies are closed.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.String("addr", a.cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	return a.Close()
}

// Close releases every dependency in reverse construction order.
func (a *App) Close() error {
	err := a.closeAll()
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
