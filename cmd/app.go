package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/kaelstrom/pixelsync/pkg/capability"
	"github.com/kaelstrom/pixelsync/pkg/config"
	"github.com/kaelstrom/pixelsync/pkg/cpuproc"
	"github.com/kaelstrom/pixelsync/pkg/dbupsert"
	"github.com/kaelstrom/pixelsync/pkg/dedupcache"
	"github.com/kaelstrom/pixelsync/pkg/gpuworker"
	"github.com/kaelstrom/pixelsync/pkg/jobs"
	"github.com/kaelstrom/pixelsync/pkg/metrics"
	"github.com/kaelstrom/pixelsync/pkg/mlclient"
	"github.com/kaelstrom/pixelsync/pkg/pipeline"
	"github.com/kaelstrom/pixelsync/pkg/telemetry"
	"github.com/kaelstrom/pixelsync/pkg/types"
	"github.com/kaelstrom/pixelsync/pkg/vectorstore"
	"github.com/kaelstrom/pixelsync/pkg/vectorstore/pinecone"
	"github.com/kaelstrom/pixelsync/pkg/vectorstore/qdrant"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// app bundles the collaborators every entrypoint (ingest, serve, mcp)
// needs to drive a pipeline.Manager. It owns their shutdown.
type app struct {
	cfg       *config.Config
	cache     dedupcache.Cache
	store     vectorstore.Store
	mlClient  *mlclient.Client
	prober    *capability.Prober
	metrics   *metrics.Metrics
	telemetry *telemetry.Provider
	registry  *jobs.Registry
	manager   *pipeline.Manager
	cancel    context.CancelFunc
}

// newApp loads configuration, wires every collaborator, and starts
// the capability prober's background poll loop. Callers must call
// Close when done.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cache, err := newDedupCache(ctx, cfg.Dedup)
	if err != nil {
		return nil, err
	}

	store, err := newVectorStore(ctx, cfg.VectorStore)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	mlClient := mlclient.NewClient(mlclient.Config{
		BaseURL: cfg.MLService.BaseURL,
		Timeout: cfg.MLService.Timeout,
	})

	prober := capability.New(mlClient, cfg.MLService.CapabilityPoll)
	probeCtx, cancel := context.WithCancel(ctx)
	go prober.Run(probeCtx)

	m := metrics.New()

	var tp *telemetry.Provider
	if cfg.Telemetry.Tracing.Enabled {
		tp, err = telemetry.Init(ctx, telemetry.Config{
			Enabled:    cfg.Telemetry.Tracing.Enabled,
			Exporter:   cfg.Telemetry.Tracing.Exporter,
			Endpoint:   cfg.Telemetry.Tracing.Endpoint,
			SampleRate: cfg.Telemetry.Tracing.SampleRate,
			Insecure:   cfg.Telemetry.Tracing.Insecure,
		})
		if err != nil {
			cancel()
			_ = store.Close()
			_ = cache.Close()
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	registry := jobs.New()

	pcfg := pipeline.DefaultConfig()
	if cfg.Ingest.CPUWorkers > 0 {
		pcfg.CPUWorkers = cfg.Ingest.CPUWorkers
	}
	if cfg.Ingest.IOQueueSize > 0 {
		pcfg.IOQueueSize = cfg.Ingest.IOQueueSize
	}
	if cfg.Ingest.MaxFileSizeBytes > 0 {
		pcfg.CPU = cpuproc.Config{MaxFileSize: cfg.Ingest.MaxFileSizeBytes}
	}
	if cfg.MLService.MaxBatchSize > 0 {
		pcfg.GPU = gpuworker.Config{MaxBatchSize: cfg.MLService.MaxBatchSize, IdleTimeout: pcfg.GPU.IdleTimeout}
	}
	if cfg.VectorStore.UpsertBatch > 0 {
		pcfg.DB = dbupsert.Config{BatchSize: cfg.VectorStore.UpsertBatch, IdleFlush: pcfg.DB.IdleFlush}
	}

	logLevel := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		logLevel = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(logLevel).With().Timestamp().Str("service", "pixelsync").Logger()

	manager := pipeline.NewManager(pcfg, registry, cache, store, mlClient, prober, m, tp, log)

	return &app{
		cfg: cfg, cache: cache, store: store, mlClient: mlClient,
		prober: prober, metrics: m, telemetry: tp, registry: registry,
		manager: manager, cancel: cancel,
	}, nil
}

// Close stops the capability prober and releases the cache and store.
func (a *app) Close() {
	a.cancel()
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(context.Background())
	}
	_ = a.store.Close()
	_ = a.cache.Close()
}

func newDedupCache(ctx context.Context, cfg config.DedupConfig) (dedupcache.Cache, error) {
	switch cfg.Backend {
	case "redis":
		return dedupcache.NewRedisCache(ctx, dedupcache.RedisConfig{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
	default:
		path := cfg.BoltPath
		if path == "" {
			path = "./pixelsync-dedup.db"
		}
		return dedupcache.NewBoltCache(path)
	}
}

func newVectorStore(ctx context.Context, cfg config.VectorStoreConfig) (vectorstore.Store, error) {
	switch cfg.Backend {
	case "pinecone":
		return pinecone.NewClient(pinecone.Config{
			APIKey:    cfg.APIKey,
			Namespace: cfg.Namespace,
			Cloud:     cfg.Cloud,
			Region:    cfg.Region,
		})
	default:
		return qdrant.NewClient(ctx, qdrant.Config{
			Host:     cfg.Host,
			GRPCPort: cfg.GRPCPort,
			APIKey:   cfg.APIKey,
			UseTLS:   cfg.UseTLS,
		})
	}
}

func parseDistance(s string) types.Distance {
	switch s {
	case "Euclid":
		return types.DistanceEuclid
	case "Dot":
		return types.DistanceDot
	default:
		return types.DistanceCosine
	}
}
