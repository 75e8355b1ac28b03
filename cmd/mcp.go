package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start pixelsync as an MCP server",
	Long: `Starts pixelsync as a Model Context Protocol (MCP) server, exposing
the ingestion control surface to AI assistants.

Transports:
  stdio (default) - For local desktop apps (Claude Desktop, Cursor)
  http            - For remote/cloud deployments

Tools exposed:
  list_collections   - List vector store collections
  create_collection  - Create a collection with a given vector size and distance metric
  select_collection  - Create a collection only if it doesn't already exist
  delete_collection  - Delete a collection
  clear_cache        - Clear dedup cache entries for a collection
  start_ingestion    - Start an ingestion job over a directory
  get_job_status     - Poll an ingestion job's status

Resources exposed:
  pixelsync://job/{id} - A job's current status snapshot

Example:
  pixelsync mcp
  pixelsync mcp --transport http --port 8081`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport type: stdio or http")
	mcpCmd.Flags().Int("port", 8081, "HTTP server port (for http transport)")
	mcpCmd.Flags().String("host", "0.0.0.0", "HTTP server host (for http transport)")
}

// MCPServer wraps the MCP server with pixelsync's ingestion tools.
type MCPServer struct {
	app *app
}

func runMCP(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")

	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return fmt.Errorf("initialize pixelsync: %w", err)
	}
	defer a.Close()

	mcpSrv := &MCPServer{app: a}

	s := server.NewMCPServer(
		"pixelsync",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	mcpSrv.registerTools(s)
	mcpSrv.registerResources(s)

	switch transport {
	case "stdio":
		if err := server.ServeStdio(s); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}

	case "http":
		addr := fmt.Sprintf("%s:%d", host, port)
		fmt.Printf("pixelsync MCP server starting on http://%s\n", addr)
		fmt.Printf("  Endpoint: http://%s/mcp\n", addr)
		fmt.Printf("  Health:   http://%s/health\n", addr)
		fmt.Println()

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","server":"pixelsync-mcp"}`))
		})

		mcpHandler := server.NewStreamableHTTPServer(s, server.WithStateful(true))
		mux.Handle("/mcp", mcpHandler)

		httpServer := &http.Server{Addr: addr, Handler: mux}
		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}

	default:
		return fmt.Errorf("unsupported transport: %s (use 'stdio' or 'http')", transport)
	}

	return nil
}

func (m *MCPServer) registerTools(s *server.MCPServer) {
	listTool := mcp.NewTool("list_collections",
		mcp.WithDescription("List every collection known to the vector store."),
	)
	s.AddTool(listTool, m.handleListCollections)

	createTool := mcp.NewTool("create_collection",
		mcp.WithDescription("Create a new vector store collection with an explicit vector size and distance metric."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Collection name")),
		mcp.WithNumber("vector_size", mcp.Description("Embedding dimensionality (default: configured ML service vector size)")),
		mcp.WithString("distance", mcp.Description("Distance metric: Cosine, Euclid, or Dot (default: configured default)")),
	)
	s.AddTool(createTool, m.handleCreateCollection)

	selectTool := mcp.NewTool("select_collection",
		mcp.WithDescription("Create a collection only if it does not already exist, then report whether it was created."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Collection name")),
	)
	s.AddTool(selectTool, m.handleSelectCollection)

	deleteTool := mcp.NewTool("delete_collection",
		mcp.WithDescription("Delete a vector store collection. Does not clear the dedup cache; call clear_cache separately."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Collection name")),
	)
	s.AddTool(deleteTool, m.handleDeleteCollection)

	clearCacheTool := mcp.NewTool("clear_cache",
		mcp.WithDescription("Clear every dedup cache entry scoped to a collection, forcing re-embedding on next ingestion."),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Collection name")),
	)
	s.AddTool(clearCacheTool, m.handleClearCache)

	startTool := mcp.NewTool("start_ingestion",
		mcp.WithDescription(`Start ingesting a directory of images into a vector store collection.

Scans the directory for images, de-duplicates by content hash against the
dedup cache, delegates embedding/captioning to the ML service for
cache misses, and batches the results into the collection. Returns a
job id immediately; poll it with get_job_status.`),
		mcp.WithString("collection", mcp.Required(), mcp.Description("Target collection; created automatically if missing")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Directory path to scan")),
	)
	s.AddTool(startTool, m.handleStartIngestion)

	statusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Poll an ingestion job's current status, counters, and (once terminal) its full report."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by start_ingestion")),
	)
	s.AddTool(statusTool, m.handleGetJobStatus)
}

func (m *MCPServer) registerResources(s *server.MCPServer) {
	template := mcp.NewResourceTemplate(
		"pixelsync://job/{id}",
		"Ingestion job status",
		mcp.WithTemplateDescription("A job's current status snapshot, by id"),
		mcp.WithTemplateMIMEType("application/json"),
	)

	s.AddResourceTemplate(template, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		id := strings.TrimPrefix(request.Params.URI, "pixelsync://job/")
		snap, err := m.app.manager.Get(id)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", id, err)
		}
		body, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     string(body),
			},
		}, nil
	})
}

func (m *MCPServer) handleListCollections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := m.app.store.ListCollections(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list collections failed: %v", err)), nil
	}
	body, _ := json.MarshalIndent(map[string][]string{"collections": names}, "", "  ")
	return mcp.NewToolResultText(string(body)), nil
}

func (m *MCPServer) handleCreateCollection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name parameter is required"), nil
	}
	size := int(request.GetFloat("vector_size", float64(m.app.cfg.MLService.VectorSize)))
	distance := parseDistance(request.GetString("distance", m.app.cfg.VectorStore.DefaultMetric))

	if err := m.app.store.CreateCollection(ctx, name, size, distance); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create collection failed: %v", err)), nil
	}
	body, _ := json.MarshalIndent(map[string]interface{}{"collection": name, "vector_size": size, "distance": distance}, "", "  ")
	return mcp.NewToolResultText(string(body)), nil
}

func (m *MCPServer) handleSelectCollection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name parameter is required"), nil
	}

	exists, err := m.app.store.CollectionExists(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("check collection failed: %v", err)), nil
	}
	if !exists {
		size := m.app.cfg.MLService.VectorSize
		distance := parseDistance(m.app.cfg.VectorStore.DefaultMetric)
		if err := m.app.store.CreateCollection(ctx, name, size, distance); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create collection failed: %v", err)), nil
		}
	}
	body, _ := json.MarshalIndent(map[string]interface{}{"collection": name, "created": !exists}, "", "  ")
	return mcp.NewToolResultText(string(body)), nil
}

func (m *MCPServer) handleDeleteCollection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name parameter is required"), nil
	}
	if err := m.app.store.DeleteCollection(ctx, name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete collection failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"collection":%q,"deleted":true}`, name)), nil
}

func (m *MCPServer) handleClearCache(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	collection, err := request.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection parameter is required"), nil
	}
	if err := m.app.cache.Clear(ctx, collection); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clear cache failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"collection":%q,"cleared":true}`, collection)), nil
}

func (m *MCPServer) handleStartIngestion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	collection, err := request.RequireString("collection")
	if err != nil {
		return mcp.NewToolResultError("collection parameter is required"), nil
	}
	source, err := request.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source parameter is required"), nil
	}

	exists, err := m.app.store.CollectionExists(ctx, collection)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("check collection failed: %v", err)), nil
	}
	if !exists {
		size := m.app.cfg.MLService.VectorSize
		distance := parseDistance(m.app.cfg.VectorStore.DefaultMetric)
		if err := m.app.store.CreateCollection(ctx, collection, size, distance); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create collection failed: %v", err)), nil
		}
	}

	id := m.app.manager.StartIngest(collection, source)
	return mcp.NewToolResultText(fmt.Sprintf(`{"job_id":%q}`, id)), nil
}

func (m *MCPServer) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	snap, err := m.app.manager.Get(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("job not found: %v", err)), nil
	}
	body, _ := json.MarshalIndent(snap, "", "  ")
	return mcp.NewToolResultText(string(body)), nil
}
