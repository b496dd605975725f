// Package server wires the rollup service together: storage, the writer
// pool, the rollup event emitter and its listeners, the HTTP API and the
// background tasks.
package server

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/batchwriter"
	"github.com/nicktill/rollupd/pkg/compaction"
	"github.com/nicktill/rollupd/pkg/config"
	"github.com/nicktill/rollupd/pkg/emitter"
	"github.com/nicktill/rollupd/pkg/eventsink"
	"github.com/nicktill/rollupd/pkg/ingest"
	"github.com/nicktill/rollupd/pkg/pool"
	"github.com/nicktill/rollupd/pkg/rollup"
	"github.com/nicktill/rollupd/pkg/server/monitor"
	"github.com/nicktill/rollupd/pkg/storage"
	"github.com/nicktill/rollupd/pkg/storage/badger"
	"github.com/nicktill/rollupd/pkg/storage/memory"
	"github.com/nicktill/rollupd/pkg/telemetry"
)

// App holds the wired service components.
type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics

	Store     storage.Storage
	Pool      *pool.Pool
	Events    *emitter.Emitter[rollup.RollupEvent]
	Scheduler *compaction.Scheduler
	Compactor *compaction.Compactor
	Ingest    *ingest.Handler
	Hub       *ingest.EventHub

	RollupMonitor  *monitor.RollupMonitor
	StorageMonitor *monitor.StorageMonitor

	publisher *eventsink.GoRedisPublisher
}

// InitializeStorage opens the configured backend. In-memory mode keeps
// everything in process and is meant for development.
func InitializeStorage(cfg config.StorageConfig, log *zap.Logger) (storage.Storage, error) {
	if cfg.InMemory {
		log.Info("using in-memory storage")
		return memory.New(), nil
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := badger.New(badger.Config{
		Path:        cfg.Path,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}
	log.Info("badger storage opened", zap.String("path", cfg.Path), zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
	return store, nil
}

// New builds every component from cfg. Close releases them.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Log:      log,
		Registry: reg,
		Metrics:  telemetry.New(reg),
	}

	store, err := InitializeStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	a.Store = store

	a.Pool, err = pool.New(cfg.Pool.Workers,
		pool.WithLogger(log),
		pool.WithMetrics(a.Metrics),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create writer pool: %w", err)
	}

	a.Events = emitter.New[rollup.RollupEvent]()
	a.Scheduler = compaction.NewScheduler()
	a.Hub = ingest.NewEventHub(log.Named("events"))

	retention := compaction.DefaultRetention()
	retention.Raw = cfg.Rollup.RawRetention
	a.Compactor = compaction.New(store, a.Pool, a.Events,
		compaction.WithBatchConfig(batchwriter.Config{
			MinBatchSize: cfg.Batch.MinSize,
			MaxBatchSize: cfg.Batch.MaxSize,
			WriteTimeout: cfg.Batch.WriteTimeout,
		}),
		compaction.WithRetention(retention),
		compaction.WithLogger(log),
		compaction.WithMetrics(a.Metrics),
	)

	a.Events.On(rollup.EventName, a.Scheduler.Listener())
	a.Events.On(rollup.EventName, a.Hub.Listener())
	if cfg.Events.RedisAddr != "" {
		a.publisher = eventsink.NewGoRedisPublisher(cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), config.IngestTimeout)
		if err := a.publisher.Ping(ctx); err != nil {
			// go-redis reconnects on its own; publishing resumes once redis is up
			log.Warn("redis not reachable, rollup events will fail to publish until it is",
				zap.String("addr", cfg.Events.RedisAddr), zap.Error(err))
		}
		cancel()
		a.Events.On(rollup.EventName, eventsink.NewRedisSink(a.publisher, cfg.Events.RedisChannel))
		log.Info("publishing rollup events to redis", zap.String("channel", cfg.Events.RedisChannel))
	}

	a.RollupMonitor = monitor.NewRollupMonitor()
	a.StorageMonitor = monitor.NewStorageMonitor(cfg.Storage.Path, cfg.Storage.MaxStorageGB<<30)

	opts := []ingest.Option{
		ingest.WithMarker(a.Scheduler),
		ingest.WithValidation(ingest.Validation{
			PastLimit:    cfg.Ingest.PastLimit,
			FutureLimit:  cfg.Ingest.FutureLimit,
			DelayedAfter: cfg.Ingest.DelayedAfter,
		}),
		ingest.WithLogger(log.Named("ingest")),
		ingest.WithMetrics(a.Metrics),
	}
	if !cfg.Storage.InMemory {
		opts = append(opts, ingest.WithStorageChecker(a.StorageMonitor))
	}
	a.Ingest = ingest.NewHandler(store, opts...)

	return a, nil
}

// Close drains the writer pool and closes external connections and storage.
func (a *App) Close(ctx context.Context) error {
	err := a.Pool.Shutdown(ctx)
	if a.publisher != nil {
		err = multierr.Append(err, a.publisher.Close())
	}
	return multierr.Append(err, a.Store.Close())
}
