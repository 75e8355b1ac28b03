// Package dbupsert implements the DB Upserter stage: it batches ready
// points from both the GPU Worker (fresh embeddings) and the CPU
// Processor's cache-hit path, writes them to the vector store, and
// only then records the dedup cache entry for newly-embedded items.
package dbupsert

import (
	"context"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/dedupcache"
	"github.com/kaelstrom/pixelsync/pkg/metrics"
	"github.com/kaelstrom/pixelsync/pkg/telemetry"
	"github.com/kaelstrom/pixelsync/pkg/types"
	"github.com/kaelstrom/pixelsync/pkg/vectorstore"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBatchSize  = 64
	defaultIdleFlush  = time.Second
	maxAttempts       = 3
	retryBaseInterval = 200 * time.Millisecond
)

// Config configures a DB Upserter.
type Config struct {
	BatchSize int
	IdleFlush time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{BatchSize: defaultBatchSize, IdleFlush: defaultIdleFlush}
}

// Upserter drains db_queue, batches points, and writes them to a
// vectorstore.Store. Cache entries are only written after a
// successful store write, so a crash mid-batch never leaves the cache
// pointing at vectors that were never persisted.
type Upserter struct {
	cfg        Config
	store      vectorstore.Store
	cache      dedupcache.Cache
	collection string
	telemetry  *telemetry.Provider
	metrics    *metrics.Metrics
}

// New returns a DB Upserter writing into collection.
func New(cfg Config, store vectorstore.Store, cache dedupcache.Cache, collection string) *Upserter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = defaultIdleFlush
	}
	return &Upserter{cfg: cfg, store: store, cache: cache, collection: collection}
}

// SetTelemetry enables a span per bulk upsert call. Nil (the default)
// leaves the upserter uninstrumented.
func (u *Upserter) SetTelemetry(tp *telemetry.Provider) {
	u.telemetry = tp
}

// SetMetrics enables batch-size histogram recording for this upserter.
func (u *Upserter) SetMetrics(m *metrics.Metrics) {
	u.metrics = m
}

// Item pairs a ready point with the source FileItem, carried through
// so a failed write can still be attributed to a path in the job
// report and so cache writes only happen for freshly-embedded items.
type Item struct {
	Point        types.Point
	SourcePath   string
	FromMLWorker bool // false for cache-hit items, which never need a cache write
}

// onFailed is called once per point that could not be upserted after
// retries. onOK is called once per point that was successfully
// upserted, after any cache write.
func (u *Upserter) Run(ctx context.Context, in <-chan Item, cancelled func() bool, onOK func(item Item), onFailed func(item Item, reason, detail string)) {
	var batch []Item
	timer := time.NewTimer(u.cfg.IdleFlush)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		u.flush(ctx, batch, onOK, onFailed)
		batch = nil
	}

	for {
		if cancelled() {
			for range in {
			}
			return
		}

		select {
		case item, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, item)
			if len(batch) >= u.cfg.BatchSize {
				flush()
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(u.cfg.IdleFlush)
		case <-timer.C:
			flush()
			timer.Reset(u.cfg.IdleFlush)
		case <-ctx.Done():
			return
		}
	}
}

func (u *Upserter) flush(ctx context.Context, batch []Item, onOK func(item Item), onFailed func(item Item, reason, detail string)) {
	if u.metrics != nil {
		u.metrics.RecordBatch("db", len(batch))
	}
	if u.telemetry != nil {
		var span trace.Span
		ctx, span = u.telemetry.StartUpsert(ctx, u.collection, len(batch))
		defer span.End()
	}

	points := make([]types.Point, len(batch))
	for i, item := range batch {
		points[i] = item.Point
	}

	if err := u.upsertWithRetry(ctx, points); err != nil {
		for _, item := range batch {
			onFailed(item, "store_write_failed", err.Error())
		}
		return
	}

	for _, item := range batch {
		if item.FromMLWorker {
			entry := types.DedupCacheEntry{
				PointID: item.Point.ID,
				Vector:  item.Point.Vector,
				Payload: item.Point.Payload,
			}
			// A cache write failure is not a store-write failure: the
			// point is already durably upserted, so the item counts
			// as processed. The next ingestion of the same bytes will
			// simply re-embed rather than hit the cache.
			_ = u.cache.Put(ctx, u.collection, item.Point.Hash, entry)
		}
		onOK(item)
	}
}

func (u *Upserter) upsertWithRetry(ctx context.Context, points []types.Point) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * retryBaseInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := u.store.Upsert(ctx, u.collection, points)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}
