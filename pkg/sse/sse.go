// Package sse provides Server-Sent Events support for streaming
// ingestion job progress and logs to clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Stage identifies a pipeline processing stage.
type Stage string

const (
	StageScan   Stage = "scan"
	StageHash   Stage = "hash"
	StageEmbed  Stage = "embed"
	StageUpsert Stage = "upsert"
)

// ProgressEvent is sent as a job's progress advances.
type ProgressEvent struct {
	Stage    Stage            `json:"stage"`
	Progress int              `json:"progress"`
	Counters *json.RawMessage `json:"counters,omitempty"`
}

// LogEvent relays a single job log line.
type LogEvent struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// CompleteEvent is sent when a job reaches a terminal state.
type CompleteEvent struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// ErrorEvent is sent when a stage cannot continue.
type ErrorEvent struct {
	Error string `json:"error"`
	Stage Stage  `json:"stage,omitempty"`
}

// Writer wraps an http.ResponseWriter for SSE output.
// It sets the required headers and provides methods to send typed events.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for SSE streaming.
// Returns nil if the ResponseWriter does not support flushing.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}
}

// SendProgress emits a progress event for the given stage.
func (s *Writer) SendProgress(stage Stage, progress int) error {
	evt := ProgressEvent{Stage: stage, Progress: progress}
	return s.sendEvent("progress", evt)
}

// SendProgressWithCounters emits a progress event that includes the
// job's current counters.
func (s *Writer) SendProgressWithCounters(stage Stage, progress int, counters interface{}) error {
	raw, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	rawMsg := json.RawMessage(raw)
	evt := ProgressEvent{Stage: stage, Progress: progress, Counters: &rawMsg}
	return s.sendEvent("progress", evt)
}

// SendLog emits a single log line.
func (s *Writer) SendLog(level, message string) error {
	return s.sendEvent("log", LogEvent{Level: level, Message: message})
}

// SendComplete emits the terminal event with status and result report.
func (s *Writer) SendComplete(status string, result interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	evt := CompleteEvent{Status: status, Result: resultJSON}
	return s.sendEvent("complete", evt)
}

// SendError emits an error event.
func (s *Writer) SendError(stage Stage, errMsg string) error {
	evt := ErrorEvent{Error: errMsg, Stage: stage}
	return s.sendEvent("error", evt)
}

// sendEvent writes a single SSE event and flushes.
func (s *Writer) sendEvent(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, payload)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// StageTimer tracks elapsed time for a pipeline stage.
type StageTimer struct {
	Stage   Stage
	started time.Time
}

// NewStageTimer starts timing a stage.
func NewStageTimer(stage Stage) *StageTimer {
	return &StageTimer{Stage: stage, started: time.Now()}
}

// Elapsed returns the duration since the timer started.
func (t *StageTimer) Elapsed() time.Duration {
	return time.Since(t.started)
}

// ElapsedMs returns elapsed milliseconds.
func (t *StageTimer) ElapsedMs() int64 {
	return t.Elapsed().Milliseconds()
}
