package cpuproc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kaelstrom/pixelsync/pkg/dedupcache"
	"github.com/kaelstrom/pixelsync/pkg/types"
)

func newTestCache(t *testing.T) *dedupcache.BoltCache {
	t.Helper()
	c, err := dedupcache.NewBoltCache(filepath.Join(t.TempDir(), "dedup.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessCacheMiss(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jpg", []byte("fake-jpeg-bytes"))

	p := New(DefaultConfig(), newTestCache(t))
	item, err := p.Process(context.Background(), "post-optim", path, 15)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if item.CacheHit {
		t.Error("expected a cache miss for a never-seen hash")
	}
	if item.Hash == "" {
		t.Error("expected hash to be populated")
	}
	if len(item.Bytes) == 0 {
		t.Error("expected bytes to be populated on a cache miss")
	}
	if item.Kind != types.KindJPEG {
		t.Errorf("expected kind jpeg, got %s", item.Kind)
	}
}

func TestProcessCacheHit(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jpg", []byte("fake-jpeg-bytes"))

	cache := newTestCache(t)
	p := New(DefaultConfig(), cache)

	first, err := p.Process(context.Background(), "post-optim", path, 15)
	if err != nil {
		t.Fatal(err)
	}
	cache.Put(context.Background(), "post-optim", first.Hash, types.DedupCacheEntry{
		PointID: "pt-1",
		Vector:  []float32{1, 2, 3},
		Payload: map[string]interface{}{"caption": "a cached caption"},
	})

	second, err := p.Process(context.Background(), "post-optim", path, 15)
	if err != nil {
		t.Fatal(err)
	}
	if !second.CacheHit {
		t.Error("expected second Process call to be a cache hit")
	}
	if second.PointID != "pt-1" {
		t.Errorf("expected cached point id, got %s", second.PointID)
	}
	if second.Bytes != nil {
		t.Error("expected no raw bytes carried on a cache hit")
	}
	if second.CachedPayload["caption"] != "a cached caption" {
		t.Error("expected cached payload to carry over on a cache hit")
	}
}

func TestProcessTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jpg", []byte("xx"))

	cfg := Config{MaxFileSize: 1}
	p := New(cfg, newTestCache(t))

	_, err := p.Process(context.Background(), "c", path, 2)
	if err == nil {
		t.Fatal("expected an error for an oversized file")
	}
}

func TestProcessDNGFastPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.dng", []byte("not-a-real-dng"))

	p := New(DefaultConfig(), newTestCache(t))
	item, err := p.Process(context.Background(), "c", path, 14)
	if err != nil {
		t.Fatal(err)
	}
	if !item.Raw {
		t.Error("expected Raw=true for a .dng file")
	}
	if item.Metadata["raw"] != "true" {
		t.Error("expected raw=true metadata flag on the DNG fast path")
	}
}

func TestProcessMissingFile(t *testing.T) {
	p := New(DefaultConfig(), newTestCache(t))
	_, err := p.Process(context.Background(), "c", "/does/not/exist.jpg", 10)
	if err == nil {
		t.Fatal("expected an error reading a nonexistent file")
	}
}
