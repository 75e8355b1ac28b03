package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/capability"
	"github.com/kaelstrom/pixelsync/pkg/dedupcache"
	"github.com/kaelstrom/pixelsync/pkg/jobs"
	"github.com/kaelstrom/pixelsync/pkg/mlclient"
	"github.com/kaelstrom/pixelsync/pkg/types"
	"github.com/rs/zerolog"
)

// fakeStore is an in-memory vectorstore.Store for pipeline tests.
type fakeStore struct {
	mu     sync.Mutex
	points []types.Point
}

func (s *fakeStore) Upsert(_ context.Context, _ string, points []types.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, points...)
	return nil
}
func (s *fakeStore) ListCollections(_ context.Context) ([]string, error) { return nil, nil }
func (s *fakeStore) CreateCollection(_ context.Context, _ string, _ int, _ types.Distance) error {
	return nil
}
func (s *fakeStore) DeleteCollection(_ context.Context, _ string) error { return nil }
func (s *fakeStore) CollectionExists(_ context.Context, _ string) (bool, error) {
	return true, nil
}
func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

// newMLServer returns an httptest server that echoes a fixed embedding
// and caption for every image in a request.
func newMLServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Images []mlclient.Image `json:"images"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		results := make([]mlclient.Result, len(req.Images))
		for i, img := range req.Images {
			results[i] = mlclient.Result{
				UniqueID:  img.UniqueID,
				Embedding: []float32{0.1, 0.2, 0.3},
				Caption:   "a test image",
			}
		}
		_ = json.NewEncoder(w).Encode(struct {
			Results []mlclient.Result `json:"results"`
		}{Results: results})
	})
	mux.HandleFunc("/v1/capability", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(mlclient.Capability{SafeClipBatch: 32, Ready: true})
	})
	return httptest.NewServer(mux)
}

func writeTestImage(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write test image: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, store *fakeStore) (*Manager, dedupcache.Cache) {
	t.Helper()

	srv := newMLServer(t)
	t.Cleanup(srv.Close)

	cachePath := filepath.Join(t.TempDir(), "dedup.db")
	cache, err := dedupcache.NewBoltCache(cachePath)
	if err != nil {
		t.Fatalf("new bolt cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	client := mlclient.NewClient(mlclient.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	// Left unstarted: GPU Worker only consults SafeBatchSize when it is
	// positive, so the zero-value (not-yet-polled) snapshot is a no-op
	// limit and exercising the real poll loop isn't needed here.
	prober := capability.New(client, time.Hour)
	registry := jobs.New()

	cfg := DefaultConfig()
	cfg.CPUWorkers = 2
	mgr := NewManager(cfg, registry, cache, store, client, prober, nil, nil, zerolog.Nop())
	return mgr, cache
}

func waitForTerminal(t *testing.T, mgr *Manager, id string) types.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := mgr.Get(id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return types.Snapshot{}
}

func TestPipelineIngestsNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, dir, "a.jpg", []byte("fake-jpeg-bytes-a"))
	writeTestImage(t, dir, "b.png", []byte("fake-png-bytes-b"))
	writeTestImage(t, dir, "notes.txt", []byte("not an image"))

	store := &fakeStore{}
	mgr, _ := newTestManager(t, store)

	id := mgr.StartIngest("photos", dir)
	snap := waitForTerminal(t, mgr, id)

	if snap.Status != types.StatusCompleted {
		t.Fatalf("status = %q, want completed", snap.Status)
	}
	if snap.Counters.Processed != 2 {
		t.Errorf("processed = %d, want 2", snap.Counters.Processed)
	}
	if snap.Counters.FromCache != 0 {
		t.Errorf("from_cache = %d, want 0", snap.Counters.FromCache)
	}
	if got := store.count(); got != 2 {
		t.Errorf("store received %d points, want 2", got)
	}
}

func TestPipelineSkipsDuplicateOnSecondRun(t *testing.T) {
	dir := t.TempDir()
	writeTestImage(t, dir, "a.jpg", []byte("identical-bytes"))

	store := &fakeStore{}
	mgr, _ := newTestManager(t, store)

	id1 := mgr.StartIngest("photos", dir)
	snap1 := waitForTerminal(t, mgr, id1)
	if snap1.Counters.FromCache != 0 {
		t.Fatalf("first run from_cache = %d, want 0", snap1.Counters.FromCache)
	}

	id2 := mgr.StartIngest("photos", dir)
	snap2 := waitForTerminal(t, mgr, id2)
	if snap2.Counters.FromCache != 1 {
		t.Errorf("second run from_cache = %d, want 1", snap2.Counters.FromCache)
	}
	// Processed and FromCache are disjoint outcomes (spec §8): a cache
	// hit must never also be counted as processed.
	if snap2.Counters.Processed != 0 {
		t.Errorf("second run processed = %d, want 0 (cache hits must not double-count as processed)", snap2.Counters.Processed)
	}
	if got := snap2.Counters.Processed + snap2.Counters.Failed + snap2.Counters.FromCache; got != snap2.Counters.TotalFiles {
		t.Errorf("processed+failed+from_cache = %d, want %d (total_files)", got, snap2.Counters.TotalFiles)
	}
	if got := store.count(); got != 2 {
		t.Errorf("store should see an upsert from both runs, got %d", got)
	}
}

func TestPipelineCancel(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 20; i++ {
		writeTestImage(t, dir, fmt.Sprintf("img%02d.jpg", i), []byte("payload"))
	}

	store := &fakeStore{}
	mgr, _ := newTestManager(t, store)

	id := mgr.StartIngest("photos", dir)
	_ = mgr.Cancel(id)
	snap := waitForTerminal(t, mgr, id)

	if snap.Status != types.StatusCancelled {
		t.Errorf("status = %q, want cancelled", snap.Status)
	}
}
