package types

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// PointIDFromHash derives a vector store point id deterministically
// from a content hash, per spec §6: the first 128 bits of the hash
// are interpreted as a UUID. This makes repeated upserts of the same
// content idempotent at the store level without any other coordination.
func PointIDFromHash(hash string) string {
	raw, err := hex.DecodeString(hash)
	if err != nil || len(raw) < 16 {
		// Hashes are always produced by crypto/sha256 in this system,
		// so this path is unreachable in practice; fall back to a
		// zero-padded id rather than panicking on malformed input.
		padded := make([]byte, 16)
		copy(padded, raw)
		raw = padded
	}
	var id [16]byte
	copy(id[:], raw[:16])
	return uuid.UUID(id).String()
}

// Point is a (id, vector, payload) triple destined for the vector store.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
	Hash    string
}

// PointFromCacheHit constructs a Point for an item resolved by the
// dedup cache. Live metadata (filename, path) is layered on top of the
// cached payload since the same bytes may have been re-ingested under
// a different filename or path than when first seen.
func PointFromCacheHit(item *FileItem) Point {
	payload := make(map[string]interface{}, len(item.CachedPayload)+len(item.Metadata))
	for k, v := range item.CachedPayload {
		payload[k] = v
	}
	for k, v := range item.Metadata {
		payload[k] = v
	}
	return Point{
		ID:      item.PointID,
		Vector:  item.Embedding,
		Payload: payload,
		Hash:    item.Hash,
	}
}

// Batch is a mutable buffer owned by GPU Worker or DB Upserter. It is
// flushed when full, on idle timeout, or on shutdown sentinel.
type Batch struct {
	Items []FileItem
	Limit int
}

// Full reports whether the batch has reached its configured limit.
func (b *Batch) Full() bool {
	return b.Limit > 0 && len(b.Items) >= b.Limit
}

// PointBatch is the DB Upserter's equivalent buffer of ready points.
type PointBatch struct {
	Points []Point
	Limit  int
}

func (b *PointBatch) Full() bool {
	return b.Limit > 0 && len(b.Points) >= b.Limit
}

// CapabilitySnapshot is the ML service's last self-reported state.
type CapabilitySnapshot struct {
	SafeBatchSize int
	Ready         bool
}

// DedupCacheEntry is the value stored for a (collection, hash) key.
type DedupCacheEntry struct {
	PointID string
	Vector  []float32
	Payload map[string]interface{}
}

// Distance is a vector store distance metric.
type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceEuclid Distance = "Euclid"
	DistanceDot    Distance = "Dot"
)
