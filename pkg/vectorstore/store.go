// Package vectorstore defines the bulk-upsert and collection-admin
// contract the DB Upserter and ingestion control surface depend on.
// Concrete backends live in the qdrant and pinecone subpackages.
package vectorstore

import (
	"context"

	"github.com/kaelstrom/pixelsync/pkg/types"
)

// Store is the vector store contract from spec §6: bulk upsert plus
// collection administration. Vector search is deliberately absent —
// it is out of scope of the ingestion core.
type Store interface {
	// Upsert writes points into collection. Implementations must make
	// this idempotent per point id so repeated upserts of the same
	// content are safe.
	Upsert(ctx context.Context, collection string, points []types.Point) error

	// ListCollections returns every collection name known to the store.
	ListCollections(ctx context.Context) ([]string, error)

	// CreateCollection creates collection with the given vector size
	// and distance metric.
	CreateCollection(ctx context.Context, name string, vectorSize int, distance types.Distance) error

	// DeleteCollection removes collection. It does not touch any dedup
	// cache entries scoped to that collection — cache invalidation is
	// the caller's responsibility via clear_cache.
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists reports whether name is a known collection.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// Close releases underlying connections.
	Close() error
}
