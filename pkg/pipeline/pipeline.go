// Package pipeline is the Pipeline Manager: it wires the IO Scanner,
// CPU Processor pool, GPU Worker, and DB Upserter into one job, using
// channel close as the shutdown sentinel at every stage boundary.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/capability"
	"github.com/kaelstrom/pixelsync/pkg/cpuproc"
	"github.com/kaelstrom/pixelsync/pkg/dbupsert"
	"github.com/kaelstrom/pixelsync/pkg/dedupcache"
	"github.com/kaelstrom/pixelsync/pkg/gpuworker"
	"github.com/kaelstrom/pixelsync/pkg/jobs"
	"github.com/kaelstrom/pixelsync/pkg/metrics"
	"github.com/kaelstrom/pixelsync/pkg/mlclient"
	"github.com/kaelstrom/pixelsync/pkg/scanner"
	"github.com/kaelstrom/pixelsync/pkg/telemetry"
	"github.com/kaelstrom/pixelsync/pkg/types"
	"github.com/kaelstrom/pixelsync/pkg/vectorstore"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Config sizes the channels and worker pools every job's pipeline spawns.
type Config struct {
	CPUWorkers  int
	IOQueueSize int
	MLQueueSize int
	DBQueueSize int
	CPU         cpuproc.Config
	GPU         gpuworker.Config
	DB          dbupsert.Config
}

// DefaultConfig returns the spec's stated pipeline defaults: one IO
// Scanner, four CPU Processor workers, one GPU Worker, one DB Upserter.
func DefaultConfig() Config {
	return Config{
		CPUWorkers:  4,
		IOQueueSize: 1000,
		MLQueueSize: 256,
		DBQueueSize: 256,
		CPU:         cpuproc.DefaultConfig(),
		GPU:         gpuworker.DefaultConfig(),
		DB:          dbupsert.DefaultConfig(),
	}
}

// Manager owns the collaborators shared by every job and spawns one
// pipeline instance per ingestion run.
type Manager struct {
	cfg       Config
	registry  *jobs.Registry
	cache     dedupcache.Cache
	store     vectorstore.Store
	mlClient  *mlclient.Client
	prober    *capability.Prober
	metrics   *metrics.Metrics
	telemetry *telemetry.Provider
	log       zerolog.Logger
}

// NewManager returns a Manager. metrics and telemetry may be nil; both
// are treated as disabled in that case. log is the base logger every
// job derives a "job_id"-scoped child logger from.
func NewManager(cfg Config, registry *jobs.Registry, cache dedupcache.Cache, store vectorstore.Store, mlClient *mlclient.Client, prober *capability.Prober, m *metrics.Metrics, tp *telemetry.Provider, log zerolog.Logger) *Manager {
	if cfg.CPUWorkers <= 0 {
		cfg.CPUWorkers = 4
	}
	if cfg.IOQueueSize <= 0 {
		cfg.IOQueueSize = 1000
	}
	if cfg.MLQueueSize <= 0 {
		cfg.MLQueueSize = 256
	}
	if cfg.DBQueueSize <= 0 {
		cfg.DBQueueSize = 256
	}
	return &Manager{
		cfg: cfg, registry: registry, cache: cache, store: store,
		mlClient: mlClient, prober: prober, metrics: m, telemetry: tp, log: log,
	}
}

// StartIngest creates a job in the pending state and launches its
// pipeline in the background, returning the job id immediately.
func (m *Manager) StartIngest(collection, source string) string {
	id := m.registry.Create(collection, source)
	go m.run(id, collection, source)
	return id
}

// Cancel requests cooperative cancellation of a running job. Workers
// observe the flag before taking each new item; a retry loop already
// under way for a batch is not interrupted by it. This call does not
// block on the job actually stopping.
func (m *Manager) Cancel(id string) error {
	return m.registry.RequestCancel(id)
}

// Get returns a snapshot of a job's current state.
func (m *Manager) Get(id string) (types.Snapshot, error) {
	return m.registry.Get(id)
}

func (m *Manager) run(id, collection, source string) {
	start := time.Now()
	ctx := context.Background()
	log := m.log.With().Str("job_id", id).Str("collection", collection).Logger()

	var span trace.Span
	if m.telemetry != nil {
		ctx, span = m.telemetry.StartRequest(ctx, "pipeline.run")
		defer span.End()
	}

	if err := m.registry.Start(id); err != nil {
		log.Error().Err(err).Msg("failed to start job")
		return
	}
	log.Info().Str("source", source).Msg("ingestion started")
	if m.metrics != nil {
		m.metrics.JobsActive.Inc()
		defer m.metrics.JobsActive.Dec()
	}

	cancelled := func() bool { return m.registry.CancelRequested(id) }

	var reportMu sync.Mutex
	var processed []types.ProcessedFile
	var failed []types.FailedFile

	updateProgress := func() {
		snap, err := m.registry.Get(id)
		if err != nil || snap.Counters.TotalFiles == 0 {
			return
		}
		done := snap.Counters.Processed + snap.Counters.Failed + snap.Counters.FromCache
		pct := int(done * 100 / snap.Counters.TotalFiles)
		_ = m.registry.SetProgress(id, pct)
	}

	recordFailure := func(path, reason, detail string) {
		_ = m.registry.UpdateCounters(id, jobs.CounterDelta{Failed: 1})
		_ = m.registry.AppendLog(id, "error", reason+": "+path+": "+detail)
		reportMu.Lock()
		failed = append(failed, types.FailedFile{Path: path, Reason: reason, Detail: detail})
		reportMu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordFiles(0, 1, 0)
		}
		updateProgress()
	}

	recordSuccess := func(path, src, pointID string, fromCache bool) {
		// Processed and FromCache are disjoint outcomes of the same file
		// (spec §8: total_processed + total_failed + total_from_cache =
		// total_files) — a cache hit must increment FromCache only.
		delta := jobs.CounterDelta{}
		if fromCache {
			delta.FromCache = 1
		} else {
			delta.Processed = 1
		}
		_ = m.registry.UpdateCounters(id, delta)
		reportMu.Lock()
		processed = append(processed, types.ProcessedFile{Path: path, Source: src, PointID: pointID})
		reportMu.Unlock()
		if m.metrics != nil {
			var processedCount, cached int64
			if fromCache {
				cached = 1
			} else {
				processedCount = 1
			}
			m.metrics.RecordFiles(processedCount, 0, cached)
		}
		updateProgress()
	}

	ioQueue := make(chan *types.FileItem, m.cfg.IOQueueSize)
	mlQueue := make(chan *types.FileItem, m.cfg.MLQueueSize)
	dbQueue := make(chan dbupsert.Item, m.cfg.DBQueueSize)

	// pathByHash recovers the source path for a point once it returns
	// from the GPU Worker, which only carries the content hash.
	var pathMu sync.Mutex
	pathByHash := make(map[string]string)

	proc := cpuproc.New(m.cfg.CPU, m.cache)
	if m.telemetry != nil {
		proc.SetTelemetry(m.telemetry)
	}

	// IO Scanner: single producer, closes ioQueue when the walk ends.
	var ioDepth atomic.Int64
	go func() {
		defer close(ioQueue)
		scanCtx := ctx
		var scanSpan trace.Span
		if m.telemetry != nil {
			scanCtx, scanSpan = m.telemetry.StartScan(ctx, source)
			defer scanSpan.End()
		}
		_ = scanner.Scan(scanCtx, source, func(path string, size int64) {
			if cancelled() {
				return
			}
			_ = m.registry.UpdateCounters(id, jobs.CounterDelta{TotalFiles: 1})
			select {
			case ioQueue <- &types.FileItem{Path: path, Size: size}:
				if m.metrics != nil {
					m.metrics.SetQueueDepth("io", int(ioDepth.Add(1)))
				}
			case <-ctx.Done():
			}
		})
	}()

	// CPU Processor pool: fan-out over ioQueue, fan-in to mlQueue/dbQueue.
	var cpuWG sync.WaitGroup
	cpuWG.Add(m.cfg.CPUWorkers)
	for i := 0; i < m.cfg.CPUWorkers; i++ {
		go func() {
			defer cpuWG.Done()
			for seed := range ioQueue {
				if m.metrics != nil {
					m.metrics.SetQueueDepth("io", int(ioDepth.Add(-1)))
				}
				if cancelled() {
					continue
				}
				item, err := proc.Process(ctx, collection, seed.Path, seed.Size)
				if err != nil {
					reason := "decode_error"
					if errors.Is(err, cpuproc.ErrTooLarge) {
						reason = "too_large"
					}
					recordFailure(seed.Path, reason, err.Error())
					continue
				}
				if item.CacheHit {
					point := types.PointFromCacheHit(item)
					select {
					case dbQueue <- dbupsert.Item{Point: point, SourcePath: item.Path, FromMLWorker: false}:
					case <-ctx.Done():
					}
					continue
				}
				pathMu.Lock()
				pathByHash[item.Hash] = item.Path
				pathMu.Unlock()
				select {
				case mlQueue <- item:
				case <-ctx.Done():
				}
			}
		}()
	}
	go func() {
		cpuWG.Wait()
		close(mlQueue)
	}()

	// GPU Worker: a single instance batches mlQueue and emits points.
	gpuOut := make(chan *types.Point, m.cfg.DBQueueSize)
	gw := gpuworker.New(m.cfg.GPU, m.mlClient, m.prober)
	if m.telemetry != nil {
		gw.SetTelemetry(m.telemetry)
	}
	if m.metrics != nil {
		gw.SetMetrics(m.metrics)
	}
	go func() {
		defer close(gpuOut)
		gw.Run(ctx, mlQueue, gpuOut, cancelled, func(item *types.FileItem, reason, detail string) {
			recordFailure(item.Path, reason, detail)
		})
	}()

	go func() {
		for point := range gpuOut {
			pathMu.Lock()
			path := pathByHash[point.Hash]
			delete(pathByHash, point.Hash)
			pathMu.Unlock()
			select {
			case dbQueue <- dbupsert.Item{Point: *point, SourcePath: path, FromMLWorker: true}:
			case <-ctx.Done():
			}
		}
		close(dbQueue)
	}()

	// DB Upserter: a single instance batches dbQueue and writes to the store.
	up := dbupsert.New(m.cfg.DB, m.store, m.cache, collection)
	if m.telemetry != nil {
		up.SetTelemetry(m.telemetry)
	}
	if m.metrics != nil {
		up.SetMetrics(m.metrics)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		up.Run(ctx, dbQueue, cancelled,
			func(it dbupsert.Item) {
				src := "batch_ml"
				if !it.FromMLWorker {
					src = "cache"
				}
				recordSuccess(it.SourcePath, src, it.Point.ID, !it.FromMLWorker)
			},
			func(it dbupsert.Item, reason, detail string) {
				recordFailure(it.SourcePath, reason, detail)
			},
		)
	}()

	<-done

	reportMu.Lock()
	var totalProcessed, totalFromCache int64
	for _, p := range processed {
		if p.Source == "cache" {
			totalFromCache++
		} else {
			totalProcessed++
		}
	}
	report := &types.Report{
		TotalProcessed: totalProcessed,
		TotalFailed:    int64(len(failed)),
		TotalFromCache: totalFromCache,
		ProcessedFiles: processed,
		FailedFiles:    failed,
	}
	reportMu.Unlock()

	status := types.StatusCompleted
	switch {
	case cancelled():
		status = types.StatusCancelled
	case report.TotalProcessed == 0 && report.TotalFailed > 0:
		status = types.StatusFailed
	}
	_ = m.registry.Transition(id, status, report)
	log.Info().
		Str("status", string(status)).
		Int64("processed", report.TotalProcessed).
		Int64("failed", report.TotalFailed).
		Int64("from_cache", report.TotalFromCache).
		Dur("elapsed", time.Since(start)).
		Msg("ingestion finished")

	if m.telemetry != nil {
		telemetry.RecordJobResult(span, int(report.TotalProcessed), int(report.TotalFailed), int(report.TotalFromCache), time.Since(start))
	}
}
