// Package jobs is the exclusive owner of ingestion job records. All
// mutations are serialized per job; reads return a point-in-time
// snapshot safe for callers to hold onto.
package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kaelstrom/pixelsync/pkg/types"
)

// ErrNotFound is returned by Get/operations against an unknown job id.
var ErrNotFound = fmt.Errorf("job not found")

// ErrTerminal is returned when a transition is attempted on a job
// already in a terminal state.
var ErrTerminal = fmt.Errorf("job already in a terminal state")

type entry struct {
	mu  sync.Mutex
	job types.Job
}

// Registry holds every job created during the process lifetime.
// Eviction policy is out of scope; entries accumulate for the life of
// the process.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty job registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create allocates a new job in the pending state and returns its id.
func (r *Registry) Create(collection, source string) string {
	id := uuid.New().String()
	e := &entry{job: types.Job{
		ID:         id,
		Collection: collection,
		Source:     source,
		Status:     types.StatusPending,
		CreatedAt:  time.Now(),
	}}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	return id
}

func (r *Registry) find(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Start transitions a job from pending to running.
func (r *Registry) Start(id string) error {
	e, err := r.find(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return ErrTerminal
	}
	e.job.Status = types.StatusRunning
	return nil
}

// AppendLog records a timestamped log line on the job.
func (r *Registry) AppendLog(id, level, message string) error {
	e, err := r.find(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.job.Logs = append(e.job.Logs, types.LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: message,
	})
	return nil
}

// CounterDelta names which counter UpdateCounters should increment.
type CounterDelta struct {
	TotalFiles int64
	Processed  int64
	Failed     int64
	FromCache  int64
}

// UpdateCounters applies delta to the job's running counters.
func (r *Registry) UpdateCounters(id string, delta CounterDelta) error {
	e, err := r.find(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.job.Counters.TotalFiles += delta.TotalFiles
	e.job.Counters.Processed += delta.Processed
	e.job.Counters.Failed += delta.Failed
	e.job.Counters.FromCache += delta.FromCache
	return nil
}

// SetProgress sets the job's progress percent. Writes with a lower
// percent than the current value are silently ignored — progress is
// monotone non-decreasing.
func (r *Registry) SetProgress(id string, percent int) error {
	e, err := r.find(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if percent > e.job.ProgressPct {
		e.job.ProgressPct = percent
	}
	return nil
}

// RequestCancel sets the job's cancellation flag. Workers observe it
// before taking each new item, not inside their retry loops; it does
// not itself change Status.
func (r *Registry) RequestCancel(id string) error {
	e, err := r.find(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return ErrTerminal
	}
	e.job.CancelRequested = true
	return nil
}

// CancelRequested reports whether cancellation has been requested for
// the job. Returns false (never an error) for unknown ids so that a
// worker racing job creation never panics.
func (r *Registry) CancelRequested(id string) bool {
	e, err := r.find(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.CancelRequested
}

// Transition moves a job into a terminal state with its final report.
// A job already in a terminal state rejects the transition.
func (r *Registry) Transition(id string, status types.Status, result *types.Report) error {
	if !status.Terminal() {
		return fmt.Errorf("transition target %q is not a terminal state", status)
	}
	e, err := r.find(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return ErrTerminal
	}
	e.job.Status = status
	e.job.Result = result
	if percent := 100; percent > e.job.ProgressPct {
		e.job.ProgressPct = percent
	}
	return nil
}

// Get returns a snapshot of the job's current state.
func (r *Registry) Get(id string) (types.Snapshot, error) {
	e, err := r.find(id)
	if err != nil {
		return types.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	logs := make([]types.LogEntry, len(e.job.Logs))
	copy(logs, e.job.Logs)
	return types.Snapshot{
		ID:          e.job.ID,
		Collection:  e.job.Collection,
		Source:      e.job.Source,
		Status:      e.job.Status,
		ProgressPct: e.job.ProgressPct,
		Counters:    e.job.Counters,
		Logs:        logs,
		Result:      e.job.Result,
		CreatedAt:   e.job.CreatedAt,
	}, nil
}
