// Package qdrant implements vectorstore.Store against a Qdrant
// instance over gRPC.
package qdrant

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/kaelstrom/pixelsync/pkg/types"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Config holds Qdrant connection settings.
type Config struct {
	Host       string
	GRPCPort   int
	APIKey     string
	UseTLS     bool
	MaxRetries int
}

// Client implements vectorstore.Store against Qdrant.
type Client struct {
	cfg         Config
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// NewClient dials a Qdrant instance. The connection is established
// lazily by grpc-go; no round trip happens until the first call.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("qdrant: host is required")
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = 6334
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []grpc.DialOption
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect to %s: %w", addr, err)
	}

	return &Client{
		cfg:         cfg,
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

func (c *Client) withAuth(ctx context.Context) context.Context {
	if c.cfg.APIKey != "" {
		return metadata.AppendToOutgoingContext(ctx, "api-key", c.cfg.APIKey)
	}
	return ctx
}

// Upsert implements vectorstore.Store.
func (c *Client) Upsert(ctx context.Context, collection string, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}
	ctx = c.withAuth(ctx)

	pbPoints := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		pbPoints = append(pbPoints, &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: convertMapToPayload(p.Payload),
		})
	}

	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Points:         pbPoints,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert into %s: %w", collection, err)
	}
	return nil
}

// ListCollections implements vectorstore.Store.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	resp, err := c.collections.List(c.withAuth(ctx), &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("qdrant: list collections: %w", err)
	}
	names := make([]string, 0, len(resp.Collections))
	for _, col := range resp.Collections {
		names = append(names, col.Name)
	}
	return names, nil
}

// CreateCollection implements vectorstore.Store.
func (c *Client) CreateCollection(ctx context.Context, name string, vectorSize int, distance types.Distance) error {
	_, err := c.collections.Create(c.withAuth(ctx), &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(vectorSize),
					Distance: convertDistance(distance),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection %s: %w", name, err)
	}
	return nil
}

// DeleteCollection implements vectorstore.Store. It deliberately does
// not touch the dedup cache — see spec §9's open question resolution.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	_, err := c.collections.Delete(c.withAuth(ctx), &pb.DeleteCollection{CollectionName: name})
	if err != nil {
		return fmt.Errorf("qdrant: delete collection %s: %w", name, err)
	}
	return nil
}

// CollectionExists implements vectorstore.Store.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	resp, err := c.collections.CollectionExists(c.withAuth(ctx), &pb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return false, fmt.Errorf("qdrant: collection exists %s: %w", name, err)
	}
	return resp.GetResult().GetExists(), nil
}

// Close implements vectorstore.Store.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func convertDistance(d types.Distance) pb.Distance {
	switch d {
	case types.DistanceEuclid:
		return pb.Distance_Euclid
	case types.DistanceDot:
		return pb.Distance_Dot
	default:
		return pb.Distance_Cosine
	}
}

func convertMapToPayload(payload map[string]interface{}) map[string]*pb.Value {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]*pb.Value, len(payload))
	for k, v := range payload {
		out[k] = convertValue(v)
	}
	return out
}

func convertValue(v interface{}) *pb.Value {
	switch val := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: val}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: val}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(val)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}
