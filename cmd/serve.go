package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/sse"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion control-surface HTTP server",
	Long: `Starts an HTTP server that drives the ingestion pipeline: create
and inspect collections, clear the dedup cache, start ingestion jobs,
and stream their progress.

Example:
  pixelsync serve --port 8080

The server exposes:
  GET  /v1/collections                    - List vector store collections
  POST /v1/collections/{name}/select       - Create the collection if missing
  POST /v1/cache/clear                     - Clear dedup cache entries
  POST /v1/ingest                          - Start an ingestion job, either a
                                              JSON {"collection","source"} body
                                              naming an existing directory, or a
                                              multipart upload staged to a temp dir
  GET  /v1/jobs/{id}                       - Job status snapshot
  GET  /v1/jobs/{id}/events                - SSE stream of job progress
  GET  /health                             - Health check
  GET  /metrics                            - Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "HTTP server port")
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP server host")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

// Server holds the HTTP server state.
type Server struct {
	app *app
}

// IngestRequest is the JSON request body for /v1/ingest.
type IngestRequest struct {
	Collection string `json:"collection"`
	Source     string `json:"source"`
	VectorSize int    `json:"vector_size,omitempty"`
	Distance   string `json:"distance,omitempty"`
}

// IngestResponse acknowledges a started job.
type IngestResponse struct {
	JobID string `json:"job_id"`
}

// CacheClearRequest scopes a /v1/cache/clear call to a collection.
type CacheClearRequest struct {
	Collection string `json:"collection"`
}

func runServe(cmd *cobra.Command, args []string) error {
	port := viper.GetInt("server.port")
	host := viper.GetString("server.host")
	if port == 0 {
		port, _ = cmd.Flags().GetInt("port")
	}
	if host == "" {
		host, _ = cmd.Flags().GetString("host")
	}

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize pixelsync: %w", err)
	}
	defer a.Close()

	server := &Server{app: a}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/collections", a.metrics.Middleware("/v1/collections", server.handleCollections))
	mux.HandleFunc("/v1/collections/", a.metrics.Middleware("/v1/collections/select", server.handleSelectCollection))
	mux.HandleFunc("/v1/cache/clear", a.metrics.Middleware("/v1/cache/clear", server.handleCacheClear))
	mux.HandleFunc("/v1/ingest", a.metrics.Middleware("/v1/ingest", server.handleIngest))
	mux.HandleFunc("/v1/jobs/", server.handleJobs)
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		a.metrics.Handler().ServeHTTP(w, r)
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		fmt.Fprintln(os.Stderr, "\nShutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Server shutdown error: %v\n", err)
		}
		close(done)
	}()

	fmt.Printf("pixelsync server starting on %s\n", addr)
	fmt.Printf("  Vector store backend: %s\n", a.cfg.VectorStore.Backend)
	fmt.Printf("  Dedup cache backend:  %s\n", a.cfg.Dedup.Backend)
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  GET  http://%s/v1/collections\n", addr)
	fmt.Printf("  POST http://%s/v1/ingest         (JSON body or multipart upload)\n", addr)
	fmt.Printf("  GET  http://%s/v1/jobs/{id}\n", addr)
	fmt.Printf("  GET  http://%s/v1/jobs/{id}/events\n", addr)
	fmt.Printf("  GET  http://%s/health\n", addr)
	fmt.Println()

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	fmt.Println("Server stopped")
	return nil
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	names, err := s.app.store.ListCollections(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list collections failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]string{"collections": names})
}

// handleSelectCollection handles POST /v1/collections/{name}/select,
// creating the collection if it does not already exist.
func (s *Server) handleSelectCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/collections/"), "/select")
	if name == "" || !strings.HasSuffix(r.URL.Path, "/select") {
		http.Error(w, "expected /v1/collections/{name}/select", http.StatusNotFound)
		return
	}

	exists, err := s.app.store.CollectionExists(r.Context(), name)
	if err != nil {
		http.Error(w, fmt.Sprintf("check collection failed: %v", err), http.StatusInternalServerError)
		return
	}
	if !exists {
		size := s.app.cfg.MLService.VectorSize
		distance := parseDistance(s.app.cfg.VectorStore.DefaultMetric)
		if err := s.app.store.CreateCollection(r.Context(), name, size, distance); err != nil {
			http.Error(w, fmt.Sprintf("create collection failed: %v", err), http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"collection": name, "created": !exists})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CacheClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.app.cache.Clear(r.Context(), req.Collection); err != nil {
		http.Error(w, fmt.Sprintf("clear cache failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		s.handleIngestUpload(w, r)
		return
	}
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.Collection == "" || req.Source == "" {
		http.Error(w, "'collection' and 'source' are required", http.StatusBadRequest)
		return
	}

	exists, err := s.app.store.CollectionExists(r.Context(), req.Collection)
	if err != nil {
		http.Error(w, fmt.Sprintf("check collection failed: %v", err), http.StatusInternalServerError)
		return
	}
	if !exists {
		size := req.VectorSize
		if size <= 0 {
			size = s.app.cfg.MLService.VectorSize
		}
		distance := req.Distance
		if distance == "" {
			distance = s.app.cfg.VectorStore.DefaultMetric
		}
		if err := s.app.store.CreateCollection(r.Context(), req.Collection, size, parseDistance(distance)); err != nil {
			http.Error(w, fmt.Sprintf("create collection failed: %v", err), http.StatusInternalServerError)
			return
		}
	}

	id := s.app.manager.StartIngest(req.Collection, req.Source)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(IngestResponse{JobID: id})
}

// handleIngestUpload is the multipart branch of handleIngest. It stages
// uploaded files under a temporary directory and starts an ingestion job
// against that directory, which is removed once the job reaches a
// terminal state. The target collection comes from either a "collection"
// query parameter or a "collection" form field.
func (s *Server) handleIngestUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.app.cfg.Ingest.MaxFileSizeBytes
	if maxSize <= 0 {
		maxSize = 32 << 20
	}

	reader, err := r.MultipartReader()
	if err != nil {
		http.Error(w, fmt.Sprintf("expected multipart/form-data: %v", err), http.StatusBadRequest)
		return
	}

	stagingDir, err := os.MkdirTemp("", "pixelsync-upload-*")
	if err != nil {
		http.Error(w, fmt.Sprintf("create staging dir failed: %v", err), http.StatusInternalServerError)
		return
	}

	collection := r.URL.Query().Get("collection")
	staged := 0
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = os.RemoveAll(stagingDir)
			http.Error(w, fmt.Sprintf("read multipart body failed: %v", err), http.StatusBadRequest)
			return
		}
		name := part.FileName()
		if name == "" {
			if part.FormName() == "collection" {
				buf, _ := io.ReadAll(io.LimitReader(part, 256))
				collection = strings.TrimSpace(string(buf))
			}
			_ = part.Close()
			continue
		}
		dst := filepath.Join(stagingDir, filepath.Base(name))
		f, err := os.Create(dst)
		if err != nil {
			_ = part.Close()
			_ = os.RemoveAll(stagingDir)
			http.Error(w, fmt.Sprintf("stage file failed: %v", err), http.StatusInternalServerError)
			return
		}
		_, err = io.Copy(f, io.LimitReader(part, maxSize))
		_ = f.Close()
		_ = part.Close()
		if err != nil {
			_ = os.RemoveAll(stagingDir)
			http.Error(w, fmt.Sprintf("stage file failed: %v", err), http.StatusInternalServerError)
			return
		}
		staged++
	}
	if staged == 0 {
		_ = os.RemoveAll(stagingDir)
		http.Error(w, "no files found in upload", http.StatusBadRequest)
		return
	}
	if collection == "" {
		_ = os.RemoveAll(stagingDir)
		http.Error(w, "'collection' is required (as a ?collection= query param or a form field)", http.StatusBadRequest)
		return
	}

	exists, err := s.app.store.CollectionExists(r.Context(), collection)
	if err != nil {
		_ = os.RemoveAll(stagingDir)
		http.Error(w, fmt.Sprintf("check collection failed: %v", err), http.StatusInternalServerError)
		return
	}
	if !exists {
		size := s.app.cfg.MLService.VectorSize
		distance := parseDistance(s.app.cfg.VectorStore.DefaultMetric)
		if err := s.app.store.CreateCollection(r.Context(), collection, size, distance); err != nil {
			_ = os.RemoveAll(stagingDir)
			http.Error(w, fmt.Sprintf("create collection failed: %v", err), http.StatusInternalServerError)
			return
		}
	}

	id := s.app.manager.StartIngest(collection, stagingDir)
	go s.cleanupStagingDirOnTerminal(id, stagingDir)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(IngestResponse{JobID: id})
}

// cleanupStagingDirOnTerminal polls a job until it reaches a terminal
// state, then removes its upload staging directory. Cancellation drains
// the queue before the job transitions, so this also covers the
// cancel-mid-upload case; a process crash leaves the directory behind,
// which is out of scope.
func (s *Server) cleanupStagingDirOnTerminal(id, stagingDir string) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		snap, err := s.app.manager.Get(id)
		if err != nil || snap.Status.Terminal() {
			_ = os.RemoveAll(stagingDir)
			return
		}
	}
}

// handleJobs routes GET /v1/jobs/{id} and GET /v1/jobs/{id}/events.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if strings.HasSuffix(path, "/events") {
		s.handleJobEvents(w, r, strings.TrimSuffix(path, "/events"))
		return
	}
	s.handleJobStatus(w, r, path)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := s.app.manager.Get(id)
	if err != nil {
		http.Error(w, fmt.Sprintf("job not found: %v", err), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// handleJobEvents streams a job's progress as SSE until it reaches a
// terminal state or the client disconnects.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, id string) {
	writer := sse.NewWriter(w)
	if writer == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastLogs int
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			snap, err := s.app.manager.Get(id)
			if err != nil {
				_ = writer.SendError(sse.StageScan, err.Error())
				return
			}
			for _, entry := range snap.Logs[lastLogs:] {
				_ = writer.SendLog(entry.Level, entry.Message)
			}
			lastLogs = len(snap.Logs)
			_ = writer.SendProgressWithCounters(sse.StageUpsert, snap.ProgressPct, snap.Counters)
			if snap.Status.Terminal() {
				_ = writer.SendComplete(string(snap.Status), snap.Result)
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
