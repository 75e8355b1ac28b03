package types

import "time"

// Status is a job's position in its lifecycle state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the three terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LogEntry is one timestamped line in a job's log.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// Counters tracks per-job file accounting. All fields are updated via
// the registry's synchronized increment, never written directly.
type Counters struct {
	TotalFiles int64
	Processed  int64
	Failed     int64
	FromCache  int64
}

// ProcessedFile is one successfully ingested file in the terminal report.
type ProcessedFile struct {
	Path    string
	Source  string // "batch_ml" or "cache"
	PointID string
}

// FailedFile is one file that could not be ingested.
type FailedFile struct {
	Path   string
	Reason string
	Detail string
}

// Report is the terminal result attached to a job on completion.
type Report struct {
	TotalProcessed int64
	TotalFailed    int64
	TotalFromCache int64
	ProcessedFiles []ProcessedFile
	FailedFiles    []FailedFile
}

// Job is one ingestion run against one collection and one source.
type Job struct {
	ID             string
	Collection     string
	Source         string
	Status         Status
	ProgressPct    int
	Counters       Counters
	Logs           []LogEntry
	Result         *Report
	CreatedAt      time.Time
	CancelRequested bool
}

// Snapshot is a point-in-time, caller-safe copy of a Job.
type Snapshot struct {
	ID          string
	Collection  string
	Source      string
	Status      Status
	ProgressPct int
	Counters    Counters
	Logs        []LogEntry
	Result      *Report
	CreatedAt   time.Time
}
