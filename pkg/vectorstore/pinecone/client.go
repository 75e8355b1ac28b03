// Package pinecone implements vectorstore.Store against Pinecone, as
// an alternate backend to qdrant.
package pinecone

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaelstrom/pixelsync/pkg/types"
	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// Config holds Pinecone client configuration.
type Config struct {
	APIKey    string
	Namespace string
	Cloud     string // e.g. "aws"
	Region    string // e.g. "us-east-1"

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Cloud:          "aws",
		Region:         "us-east-1",
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// Stats tracks client operation metrics.
type Stats struct {
	UpsertedVectors int64
	FailedVectors   int64
	RetryCount      int64
	BatchCount      int64
}

// Client wraps the Pinecone client. Collections in this system map to
// Pinecone indexes; one IndexConnection is opened lazily per
// collection and cached for reuse.
type Client struct {
	cfg   Config
	pc    *pinecone.Client
	stats Stats

	mu    sync.Mutex
	conns map[string]*pinecone.IndexConnection
}

// NewClient creates a new Pinecone-backed store client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Cloud == "" {
		cfg.Cloud = "aws"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	pc, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("pinecone: create client: %w", err)
	}

	return &Client{cfg: cfg, pc: pc, conns: make(map[string]*pinecone.IndexConnection)}, nil
}

func (c *Client) connFor(ctx context.Context, collection string) (*pinecone.IndexConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[collection]; ok {
		return conn, nil
	}

	idx, err := c.pc.DescribeIndex(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("pinecone: describe index %q: %w", collection, err)
	}
	conn, err := c.pc.Index(pinecone.NewIndexConnParams{Host: idx.Host, Namespace: c.cfg.Namespace})
	if err != nil {
		return nil, fmt.Errorf("pinecone: connect to index %q: %w", collection, err)
	}
	c.conns[collection] = conn
	return conn, nil
}

// Upsert implements vectorstore.Store with the teacher's exponential
// backoff retry loop against 429/503/rate-limit/unavailable errors.
func (c *Client) Upsert(ctx context.Context, collection string, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}
	conn, err := c.connFor(ctx, collection)
	if err != nil {
		return err
	}

	pcVectors := make([]*pinecone.Vector, len(points))
	for i, p := range points {
		values := p.Vector
		pcVectors[i] = &pinecone.Vector{
			Id:       p.ID,
			Values:   &values,
			Metadata: convertMetadata(p.Payload),
		}
	}

	var lastErr error
	backoff := c.cfg.InitialBackoff

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 0 {
			atomic.AddInt64(&c.stats.RetryCount, 1)
			time.Sleep(backoff)
			backoff = time.Duration(math.Min(float64(backoff*2), float64(c.cfg.MaxBackoff)))
		}

		_, err := conn.UpsertVectors(ctx, pcVectors)
		if err == nil {
			atomic.AddInt64(&c.stats.UpsertedVectors, int64(len(points)))
			atomic.AddInt64(&c.stats.BatchCount, 1)
			return nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	atomic.AddInt64(&c.stats.FailedVectors, int64(len(points)))
	return fmt.Errorf("pinecone: upsert into %s failed after %d retries: %w", collection, c.cfg.MaxRetries, lastErr)
}

// ListCollections implements vectorstore.Store.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	indexes, err := c.pc.ListIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("pinecone: list indexes: %w", err)
	}
	names := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		names = append(names, idx.Name)
	}
	return names, nil
}

// CreateCollection implements vectorstore.Store as a serverless index.
func (c *Client) CreateCollection(ctx context.Context, name string, vectorSize int, distance types.Distance) error {
	_, err := c.pc.CreateServerlessIndex(ctx, &pinecone.CreateServerlessIndexRequest{
		Name:      name,
		Dimension: int32Ptr(int32(vectorSize)),
		Metric:    pineconeMetricPtr(convertMetric(distance)),
		Cloud:     pinecone.Cloud(c.cfg.Cloud),
		Region:    c.cfg.Region,
	})
	if err != nil {
		return fmt.Errorf("pinecone: create index %s: %w", name, err)
	}
	return nil
}

// DeleteCollection implements vectorstore.Store. As with the qdrant
// backend, this never touches the dedup cache.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	if err := c.pc.DeleteIndex(ctx, name); err != nil {
		return fmt.Errorf("pinecone: delete index %s: %w", name, err)
	}
	c.mu.Lock()
	delete(c.conns, name)
	c.mu.Unlock()
	return nil
}

// CollectionExists implements vectorstore.Store.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	_, err := c.pc.DescribeIndex(ctx, name)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Close implements vectorstore.Store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	return nil
}

// GetStats returns current operation statistics.
func (c *Client) GetStats() Stats {
	return Stats{
		UpsertedVectors: atomic.LoadInt64(&c.stats.UpsertedVectors),
		FailedVectors:   atomic.LoadInt64(&c.stats.FailedVectors),
		RetryCount:      atomic.LoadInt64(&c.stats.RetryCount),
		BatchCount:      atomic.LoadInt64(&c.stats.BatchCount),
	}
}

func convertMetadata(m map[string]interface{}) *structpb.Struct {
	if len(m) == 0 {
		return nil
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil
	}
	return s
}

func convertMetric(d types.Distance) pinecone.IndexMetric {
	switch d {
	case types.DistanceEuclid:
		return pinecone.Euclidean
	case types.DistanceDot:
		return pinecone.Dotproduct
	default:
		return pinecone.Cosine
	}
}

func pineconeMetricPtr(m pinecone.IndexMetric) *pinecone.IndexMetric { return &m }
func int32Ptr(v int32) *int32                                       { return &v }

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "temporarily")
}
