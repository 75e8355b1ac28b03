package dbupsert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/dedupcache"
	"github.com/kaelstrom/pixelsync/pkg/types"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]types.Point
	failN   int // fail this many calls before succeeding
}

func (f *fakeStore) Upsert(ctx context.Context, collection string, points []types.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("simulated transient failure")
	}
	cp := make([]types.Point, len(points))
	copy(cp, points)
	f.batches = append(f.batches, cp)
	return nil
}
func (f *fakeStore) ListCollections(ctx context.Context) ([]string, error)  { return nil, nil }
func (f *fakeStore) CreateCollection(ctx context.Context, name string, vectorSize int, distance types.Distance) error {
	return nil
}
func (f *fakeStore) DeleteCollection(ctx context.Context, name string) error { return nil }
func (f *fakeStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	return false, nil
}
func (f *fakeStore) Close() error { return nil }

func newTestCache(t *testing.T) *dedupcache.BoltCache {
	t.Helper()
	c, err := dedupcache.NewBoltCache(filepath.Join(t.TempDir(), "dedup.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertFlushesOnBatchFull(t *testing.T) {
	store := &fakeStore{}
	cache := newTestCache(t)
	u := New(Config{BatchSize: 2, IdleFlush: time.Hour}, store, cache, "coll")

	in := make(chan Item, 4)
	var okCount int
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		u.Run(context.Background(), in, func() bool { return false },
			func(item Item) { mu.Lock(); okCount++; mu.Unlock() },
			func(item Item, reason, detail string) { t.Errorf("unexpected failure: %s %s", reason, detail) })
		close(done)
	}()

	in <- Item{Point: types.Point{ID: "1", Hash: "h1"}, FromMLWorker: true}
	in <- Item{Point: types.Point{ID: "2", Hash: "h2"}, FromMLWorker: true}
	close(in)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if okCount != 2 {
		t.Errorf("expected 2 successful upserts, got %d", okCount)
	}
	if len(store.batches) != 1 || len(store.batches[0]) != 2 {
		t.Errorf("expected a single batch of 2, got %v", store.batches)
	}
}

func TestUpsertFlushesOnIdleTimeout(t *testing.T) {
	store := &fakeStore{}
	cache := newTestCache(t)
	u := New(Config{BatchSize: 100, IdleFlush: 20 * time.Millisecond}, store, cache, "coll")

	in := make(chan Item)
	done := make(chan struct{})
	var okCount int
	go func() {
		u.Run(context.Background(), in, func() bool { return false },
			func(item Item) { okCount++ },
			func(item Item, reason, detail string) { t.Errorf("unexpected failure") })
		close(done)
	}()

	in <- Item{Point: types.Point{ID: "1", Hash: "h1"}, FromMLWorker: true}
	time.Sleep(50 * time.Millisecond)
	close(in)
	<-done

	if okCount != 1 {
		t.Errorf("expected idle flush to deliver 1 item, got %d", okCount)
	}
}

func TestUpsertWritesCacheOnlyForMLWorkerItems(t *testing.T) {
	store := &fakeStore{}
	cache := newTestCache(t)
	u := New(Config{BatchSize: 2, IdleFlush: time.Hour}, store, cache, "coll")

	in := make(chan Item, 2)
	done := make(chan struct{})
	go func() {
		u.Run(context.Background(), in, func() bool { return false },
			func(item Item) {},
			func(item Item, reason, detail string) { t.Errorf("unexpected failure") })
		close(done)
	}()

	in <- Item{Point: types.Point{ID: "1", Hash: "h1", Vector: []float32{1}}, FromMLWorker: true}
	in <- Item{Point: types.Point{ID: "2", Hash: "h2", Vector: []float32{2}}, FromMLWorker: false}
	close(in)
	<-done

	if _, err := cache.Get(context.Background(), "coll", "h1"); err != nil {
		t.Errorf("expected cache entry for ML-worker item: %v", err)
	}
	if _, err := cache.Get(context.Background(), "coll", "h2"); !errors.Is(err, dedupcache.ErrNotFound) {
		t.Errorf("expected no cache entry for a cache-hit-sourced item, got %v", err)
	}
}

func TestUpsertRetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failN: 2}
	cache := newTestCache(t)
	u := New(Config{BatchSize: 1, IdleFlush: time.Hour}, store, cache, "coll")

	in := make(chan Item, 1)
	done := make(chan struct{})
	var okCount int
	go func() {
		u.Run(context.Background(), in, func() bool { return false },
			func(item Item) { okCount++ },
			func(item Item, reason, detail string) { t.Errorf("unexpected permanent failure: %s", detail) })
		close(done)
	}()

	in <- Item{Point: types.Point{ID: "1", Hash: "h1"}, FromMLWorker: true}
	close(in)
	<-done

	if okCount != 1 {
		t.Errorf("expected retry to eventually succeed, got okCount=%d", okCount)
	}
}

func TestUpsertReportsPermanentFailure(t *testing.T) {
	store := &fakeStore{failN: maxAttempts}
	cache := newTestCache(t)
	u := New(Config{BatchSize: 1, IdleFlush: time.Hour}, store, cache, "coll")

	in := make(chan Item, 1)
	done := make(chan struct{})
	var failReason string
	go func() {
		u.Run(context.Background(), in, func() bool { return false },
			func(item Item) { t.Errorf("expected no success") },
			func(item Item, reason, detail string) { failReason = reason })
		close(done)
	}()

	in <- Item{Point: types.Point{ID: "1", Hash: "h1"}, FromMLWorker: true}
	close(in)
	<-done

	if failReason != "store_write_failed" {
		t.Errorf("expected store_write_failed, got %q", failReason)
	}
}

func TestUpsertDrainsOnCancellation(t *testing.T) {
	store := &fakeStore{}
	cache := newTestCache(t)
	u := New(Config{BatchSize: 1, IdleFlush: time.Hour}, store, cache, "coll")

	in := make(chan Item, 3)
	in <- Item{Point: types.Point{ID: "1", Hash: "h1"}}
	in <- Item{Point: types.Point{ID: "2", Hash: "h2"}}
	close(in)

	done := make(chan struct{})
	go func() {
		u.Run(context.Background(), in, func() bool { return true },
			func(item Item) { t.Errorf("expected no processing after cancellation") },
			func(item Item, reason, detail string) { t.Errorf("expected no processing after cancellation") })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
