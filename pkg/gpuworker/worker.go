// Package gpuworker implements the GPU Worker stage: it groups
// cache-miss file items into batches, delegates embedding/captioning
// to the external ML service, and forwards results to the DB Upserter.
package gpuworker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/metrics"
	"github.com/kaelstrom/pixelsync/pkg/mlclient"
	"github.com/kaelstrom/pixelsync/pkg/telemetry"
	"github.com/kaelstrom/pixelsync/pkg/types"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxBatchSize = 128
	defaultIdleTimeout  = 500 * time.Millisecond
	maxAttempts         = 3
)

// CapabilitySource is read before every batch to learn the ML
// service's current self-reported safe batch size.
type CapabilitySource interface {
	Snapshot() types.CapabilitySnapshot
}

// Config configures a GPU Worker.
type Config struct {
	// MaxBatchSize is the configured upper bound on batch size; the
	// active size is min(MaxBatchSize, capability.SafeBatchSize).
	MaxBatchSize int
	IdleTimeout  time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{MaxBatchSize: defaultMaxBatchSize, IdleTimeout: defaultIdleTimeout}
}

// Worker batches ml_queue items for one worker goroutine. Each Worker
// carries its own OOM-driven batch-size reduction, scoped to this
// worker, not global. The reduction applies to every later batch this
// Worker sends; a later capability snapshot with a larger safe batch
// size does not raise it again.
type Worker struct {
	cfg         Config
	client      *mlclient.Client
	capability  CapabilitySource
	activeLimit int
	telemetry   *telemetry.Provider
	metrics     *metrics.Metrics
}

// New returns a GPU Worker.
func New(cfg Config, client *mlclient.Client, capability CapabilitySource) *Worker {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Worker{cfg: cfg, client: client, capability: capability, activeLimit: cfg.MaxBatchSize}
}

// SetTelemetry enables a span per ML batch call. Nil (the default)
// leaves the worker uninstrumented.
func (w *Worker) SetTelemetry(tp *telemetry.Provider) {
	w.telemetry = tp
}

// SetMetrics enables batch-size histogram recording for this worker.
func (w *Worker) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

func (w *Worker) limit() int {
	snap := w.capability.Snapshot()
	limit := w.cfg.MaxBatchSize
	if snap.SafeBatchSize > 0 && snap.SafeBatchSize < limit {
		limit = snap.SafeBatchSize
	}
	if w.activeLimit > 0 && w.activeLimit < limit {
		limit = w.activeLimit
	}
	return limit
}

// Run consumes items from in until it is closed (the channel close is
// this pipeline's sentinel), batching by size or idle timeout, and
// emits resulting points on out. onFailed is called once per item that
// could not be embedded. cancelled is polled at the dequeue boundary
// per spec §5's cooperative-cancellation model.
func (w *Worker) Run(ctx context.Context, in <-chan *types.FileItem, out chan<- *types.Point, cancelled func() bool, onFailed func(item *types.FileItem, reason, detail string)) {
	var batch []*types.FileItem
	timer := time.NewTimer(w.cfg.IdleTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.processBatch(ctx, batch, out, onFailed)
		batch = nil
	}

	for {
		if cancelled() {
			// Drain remaining items without processing them so the
			// channel empties and upstream producers are released.
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
			if len(batch) >= w.limit() {
				flush()
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.cfg.IdleTimeout)
		case <-timer.C:
			flush()
			timer.Reset(w.cfg.IdleTimeout)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, batch []*types.FileItem, out chan<- *types.Point, onFailed func(item *types.FileItem, reason, detail string)) {
	if w.metrics != nil {
		w.metrics.RecordBatch("gpu", len(batch))
	}
	if w.telemetry != nil {
		var span trace.Span
		ctx, span = w.telemetry.StartMLBatch(ctx, len(batch))
		defer span.End()
	}

	images := make([]mlclient.Image, len(batch))
	for i, item := range batch {
		images[i] = mlclient.Image{
			ImageBase64: base64.StdEncoding.EncodeToString(item.Bytes),
			Filename:    item.Metadata["filename"],
			UniqueID:    item.Hash,
		}
	}

	results, err := w.callWithRetry(ctx, images)
	if err != nil {
		if errors.Is(err, mlclient.ErrOOM) {
			w.halveAndSplit(ctx, batch, out, onFailed)
			return
		}
		reason := "ml_unreachable"
		if errors.Is(err, mlclient.ErrRejected) {
			reason = "ml_rejected"
		}
		for _, item := range batch {
			onFailed(item, reason, err.Error())
		}
		return
	}

	byID := make(map[string]mlclient.Result, len(results))
	for _, r := range results {
		byID[r.UniqueID] = r
	}

	for _, item := range batch {
		r, ok := byID[item.Hash]
		if !ok || r.Error != "" {
			detail := "no result returned"
			if ok {
				detail = r.Error
			}
			onFailed(item, "ml_rejected", detail)
			continue
		}
		item.Embedding = r.Embedding
		item.Caption = r.Caption
		select {
		case out <- toPoint(item):
		case <-ctx.Done():
			return
		}
	}
}

// halveAndSplit implements the OOM retry policy: halve the active
// batch size (not below 1), split the batch in two, and retry both
// halves. The reduction stays in place for the rest of this worker's
// life; nothing resets it.
func (w *Worker) halveAndSplit(ctx context.Context, batch []*types.FileItem, out chan<- *types.Point, onFailed func(item *types.FileItem, reason, detail string)) {
	newLimit := w.activeLimit / 2
	if newLimit < 1 {
		newLimit = 1
	}
	w.activeLimit = newLimit

	if len(batch) <= 1 {
		// Can't split a single item further; surface the failure.
		for _, item := range batch {
			onFailed(item, "ml_unreachable", "out of memory processing single item")
		}
		return
	}

	mid := len(batch) / 2
	w.processBatch(ctx, batch[:mid], out, onFailed)
	w.processBatch(ctx, batch[mid:], out, onFailed)
}

// callWithRetry applies exponential backoff with jitter for network
// and 5xx errors, up to maxAttempts total attempts. 4xx and OOM are
// returned immediately without retry.
func (w *Worker) callWithRetry(ctx context.Context, images []mlclient.Image) ([]mlclient.Result, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		results, err := w.client.EmbedBatch(ctx, images)
		if err == nil {
			return results, nil
		}
		lastErr = err

		if errors.Is(err, mlclient.ErrRejected) || errors.Is(err, mlclient.ErrOOM) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("gpuworker: exhausted retries: %w", lastErr)
}

func toPoint(item *types.FileItem) *types.Point {
	payload := map[string]interface{}{
		"caption": item.Caption,
	}
	for k, v := range item.Metadata {
		payload[k] = v
	}
	return &types.Point{
		ID:      types.PointIDFromHash(item.Hash),
		Vector:  item.Embedding,
		Payload: payload,
		Hash:    item.Hash,
	}
}
