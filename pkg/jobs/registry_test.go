package jobs

import (
	"sync"
	"testing"

	"github.com/kaelstrom/pixelsync/pkg/types"
)

func TestCreateAndGet(t *testing.T) {
	r := New()
	id := r.Create("post-optim", "/data/images")

	snap, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if snap.Status != types.StatusPending {
		t.Errorf("expected pending status, got %s", snap.Status)
	}
	if snap.Collection != "post-optim" {
		t.Errorf("expected collection post-optim, got %s", snap.Collection)
	}
}

func TestGetUnknownJob(t *testing.T) {
	r := New()
	if _, err := r.Get("does-not-exist"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestProgressIsMonotone(t *testing.T) {
	r := New()
	id := r.Create("c", "s")

	if err := r.SetProgress(id, 50); err != nil {
		t.Fatal(err)
	}
	if err := r.SetProgress(id, 10); err != nil {
		t.Fatal(err)
	}

	snap, _ := r.Get(id)
	if snap.ProgressPct != 50 {
		t.Errorf("expected progress to stay at 50, got %d", snap.ProgressPct)
	}
}

func TestTransitionRejectsSecondTerminalState(t *testing.T) {
	r := New()
	id := r.Create("c", "s")

	if err := r.Transition(id, types.StatusCompleted, &types.Report{}); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}
	if err := r.Transition(id, types.StatusFailed, &types.Report{}); err != ErrTerminal {
		t.Errorf("expected ErrTerminal on second transition, got %v", err)
	}
}

func TestTransitionSetsProgressTo100(t *testing.T) {
	r := New()
	id := r.Create("c", "s")
	r.Transition(id, types.StatusCompleted, &types.Report{})

	snap, _ := r.Get(id)
	if snap.ProgressPct != 100 {
		t.Errorf("expected terminal progress of 100, got %d", snap.ProgressPct)
	}
}

func TestCancelRequestedDefaultsFalse(t *testing.T) {
	r := New()
	id := r.Create("c", "s")
	if r.CancelRequested(id) {
		t.Error("expected CancelRequested to default false")
	}
	r.RequestCancel(id)
	if !r.CancelRequested(id) {
		t.Error("expected CancelRequested to be true after RequestCancel")
	}
}

func TestCancelRequestedUnknownJobReturnsFalse(t *testing.T) {
	r := New()
	if r.CancelRequested("nope") {
		t.Error("expected false for unknown job id, not a panic or error")
	}
}

func TestConcurrentCounterUpdates(t *testing.T) {
	r := New()
	id := r.Create("c", "s")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.UpdateCounters(id, CounterDelta{Processed: 1})
		}()
	}
	wg.Wait()

	snap, _ := r.Get(id)
	if snap.Counters.Processed != 100 {
		t.Errorf("expected 100 processed, got %d", snap.Counters.Processed)
	}
}

func TestAppendLogOrdering(t *testing.T) {
	r := New()
	id := r.Create("c", "s")

	r.AppendLog(id, "info", "first")
	r.AppendLog(id, "info", "second")

	snap, _ := r.Get(id)
	if len(snap.Logs) != 2 || snap.Logs[0].Message != "first" || snap.Logs[1].Message != "second" {
		t.Errorf("expected ordered log entries, got %+v", snap.Logs)
	}
}
