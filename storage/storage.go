// Package storage defines the persistent snapshot contract for warm
// restarts. Only committed state is ever persisted; pending local edits and
// open conflicts are always discarded on restart.
package storage

import (
	"context"

	"github.com/graphkit/go-graph-sync/graph"
	"github.com/graphkit/go-graph-sync/store"
)

// SnapshotStore persists the committed-state snapshot of the entity store.
type SnapshotStore interface {
	// Save replaces the persisted snapshot with the given one atomically.
	Save(ctx context.Context, records map[graph.EntityID]store.CommittedRecord) error

	// Load reads the persisted snapshot. An empty store yields an empty map.
	Load(ctx context.Context) (map[graph.EntityID]store.CommittedRecord, error)

	// Close releases the backend connection.
	Close() error
}
