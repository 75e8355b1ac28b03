package gpuworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/mlclient"
	"github.com/kaelstrom/pixelsync/pkg/types"
)

type fixedCapability struct {
	snap types.CapabilitySnapshot
}

func (f fixedCapability) Snapshot() types.CapabilitySnapshot { return f.snap }

func newItem(hash string) *types.FileItem {
	return &types.FileItem{
		Hash:     hash,
		Bytes:    []byte("fake-bytes"),
		Metadata: map[string]string{"filename": hash + ".jpg"},
	}
}

func runWorker(t *testing.T, w *Worker, items []*types.FileItem) ([]*types.Point, []string) {
	t.Helper()
	in := make(chan *types.FileItem, len(items))
	out := make(chan *types.Point, len(items))
	for _, it := range items {
		in <- it
	}
	close(in)

	var failedMu []string
	done := make(chan struct{})
	var points []*types.Point
	go func() {
		for p := range out {
			points = append(points, p)
		}
		close(done)
	}()

	w.Run(context.Background(), in, out, func() bool { return false }, func(item *types.FileItem, reason, detail string) {
		failedMu = append(failedMu, reason)
	})
	close(out)
	<-done
	return points, failedMu
}

func TestWorkerFlushesOnBatchSize(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req struct {
			Images []mlclient.Image `json:"images"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		results := make([]mlclient.Result, len(req.Images))
		for i, img := range req.Images {
			results[i] = mlclient.Result{UniqueID: img.UniqueID, Embedding: []float32{1, 2}, Caption: "x"}
		}
		json.NewEncoder(w).Encode(struct {
			Results []mlclient.Result `json:"results"`
		}{Results: results})
	}))
	defer srv.Close()

	client := mlclient.NewClient(mlclient.Config{BaseURL: srv.URL})
	cap := fixedCapability{snap: types.CapabilitySnapshot{SafeBatchSize: 2, Ready: true}}
	w := New(Config{MaxBatchSize: 2, IdleTimeout: time.Hour}, client, cap)

	items := []*types.FileItem{newItem("a"), newItem("b"), newItem("c"), newItem("d")}
	points, failed := runWorker(t, w, items)

	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if len(points) != 4 {
		t.Fatalf("expected 4 points, got %d", len(points))
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 ML calls for 4 items at batch size 2, got %d", got)
	}
}

func TestWorkerFlushesOnIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Images []mlclient.Image `json:"images"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		results := make([]mlclient.Result, len(req.Images))
		for i, img := range req.Images {
			results[i] = mlclient.Result{UniqueID: img.UniqueID, Embedding: []float32{1}, Caption: "x"}
		}
		json.NewEncoder(w).Encode(struct {
			Results []mlclient.Result `json:"results"`
		}{Results: results})
	}))
	defer srv.Close()

	client := mlclient.NewClient(mlclient.Config{BaseURL: srv.URL})
	cap := fixedCapability{snap: types.CapabilitySnapshot{SafeBatchSize: 128, Ready: true}}
	w := New(Config{MaxBatchSize: 128, IdleTimeout: 20 * time.Millisecond}, client, cap)

	items := []*types.FileItem{newItem("solo")}
	points, failed := runWorker(t, w, items)

	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if len(points) != 1 {
		t.Fatalf("expected idle timeout to flush a single trailing item, got %d points", len(points))
	}
}

func TestWorkerMarksBatchRejectedOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(struct {
			Error string `json:"error"`
		}{Error: "bad request"})
	}))
	defer srv.Close()

	client := mlclient.NewClient(mlclient.Config{BaseURL: srv.URL})
	cap := fixedCapability{snap: types.CapabilitySnapshot{SafeBatchSize: 8, Ready: true}}
	w := New(Config{MaxBatchSize: 8, IdleTimeout: time.Hour}, client, cap)

	items := []*types.FileItem{newItem("a"), newItem("b")}
	points, failed := runWorker(t, w, items)

	if len(points) != 0 {
		t.Fatalf("expected no points on rejection, got %d", len(points))
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failed))
	}
	for _, reason := range failed {
		if reason != "ml_rejected" {
			t.Errorf("expected ml_rejected, got %s", reason)
		}
	}
}

func TestWorkerHalvesBatchOnOOM(t *testing.T) {
	var oomOnce int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Images []mlclient.Image `json:"images"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if len(req.Images) > 2 && atomic.CompareAndSwapInt32(&oomOnce, 0, 1) {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(struct {
				Error string `json:"error"`
				OOM   bool   `json:"oom"`
			}{Error: "cuda oom", OOM: true})
			return
		}

		results := make([]mlclient.Result, len(req.Images))
		for i, img := range req.Images {
			results[i] = mlclient.Result{UniqueID: img.UniqueID, Embedding: []float32{1}, Caption: "x"}
		}
		json.NewEncoder(w).Encode(struct {
			Results []mlclient.Result `json:"results"`
		}{Results: results})
	}))
	defer srv.Close()

	client := mlclient.NewClient(mlclient.Config{BaseURL: srv.URL})
	cap := fixedCapability{snap: types.CapabilitySnapshot{SafeBatchSize: 4, Ready: true}}
	w := New(Config{MaxBatchSize: 4, IdleTimeout: time.Hour}, client, cap)

	items := []*types.FileItem{newItem("a"), newItem("b"), newItem("c"), newItem("d")}
	points, failed := runWorker(t, w, items)

	if len(failed) != 0 {
		t.Fatalf("expected OOM retry to succeed with no failures, got %v", failed)
	}
	if len(points) != 4 {
		t.Fatalf("expected 4 points after OOM split+retry, got %d", len(points))
	}
	if w.activeLimit != 2 {
		t.Errorf("expected sticky halved limit of 2, got %d", w.activeLimit)
	}
}

func TestWorkerCancellationDrainsWithoutProcessing(t *testing.T) {
	called := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(struct {
			Results []mlclient.Result `json:"results"`
		}{})
	}))
	defer srv.Close()

	client := mlclient.NewClient(mlclient.Config{BaseURL: srv.URL})
	cap := fixedCapability{snap: types.CapabilitySnapshot{SafeBatchSize: 8, Ready: true}}
	w := New(Config{MaxBatchSize: 8, IdleTimeout: time.Hour}, client, cap)

	in := make(chan *types.FileItem, 2)
	out := make(chan *types.Point, 2)
	in <- newItem("a")
	in <- newItem("b")
	close(in)

	w.Run(context.Background(), in, out, func() bool { return true }, func(item *types.FileItem, reason, detail string) {
		t.Errorf("unexpected failure callback under cancellation drain")
	})
	close(out)

	if atomic.LoadInt32(&called) != 0 {
		t.Errorf("expected no ML calls once cancellation is observed")
	}
	if _, ok := <-out; ok {
		t.Errorf("expected no points emitted under cancellation drain")
	}
}
