package store

import (
	"errors"
	"time"

	"github.com/graphkit/go-graph-sync/graph"
)

var (
	errEmptyPatch    = errors.New("local edit patch is empty")
	errNoPendingEdit = errors.New("no pending local edit")
)

// CommittedRecord is the serialization-friendly shape of one entity's
// committed state. Pending local edits and conflicts are deliberately absent:
// they are always discarded on restart.
type CommittedRecord struct {
	Kind    graph.EntityKind `json:"kind"`
	Version uint64           `json:"version"`
	Data    graph.Fields     `json:"data"`

	// Edge endpoints, set only for edges, so adjacency survives a restart.
	From graph.EntityID `json:"from,omitempty"`
	To   graph.EntityID `json:"to,omitempty"`
}

// Snapshot captures the committed state of every entity as a flat mapping
// suitable for warm restart.
func (s *VersionedEntityStore) Snapshot() map[graph.EntityID]CommittedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[graph.EntityID]CommittedRecord, len(s.entities))
	for id, e := range s.entities {
		rec := CommittedRecord{
			Kind:    e.Kind,
			Version: e.CommittedVersion,
			Data:    e.CommittedData.Clone(),
		}
		if ep, ok := s.endpoints[id]; ok {
			rec.From = ep.From
			rec.To = ep.To
		}
		out[id] = rec
	}
	return out
}

// Restore replaces the store contents with the snapshot. All entities come
// back Clean; no local or conflict state is restored.
func (s *VersionedEntityStore) Restore(records map[graph.EntityID]CommittedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities = make(map[graph.EntityID]*graph.Entity, len(records))
	s.adjacency = make(map[graph.EntityID]map[graph.EntityID]struct{})
	s.endpoints = make(map[graph.EntityID]EdgeEndpoints)

	for id, rec := range records {
		s.entities[id] = &graph.Entity{
			ID:               id,
			Kind:             rec.Kind,
			CommittedVersion: rec.Version,
			CommittedData:    rec.Data.Clone(),
			Status:           graph.StatusClean,
			LocalEditAt:      time.Time{},
		}
		if rec.Kind == graph.KindEdge && rec.From != "" && rec.To != "" {
			s.trackEdgeLocked(id, EdgeEndpoints{From: rec.From, To: rec.To})
		}
	}
}

func (s *VersionedEntityStore) trackEdgeLocked(edgeID graph.EntityID, ep EdgeEndpoints) {
	s.endpoints[edgeID] = ep
	for _, nodeID := range []graph.EntityID{ep.From, ep.To} {
		set, ok := s.adjacency[nodeID]
		if !ok {
			set = make(map[graph.EntityID]struct{})
			s.adjacency[nodeID] = set
		}
		set[edgeID] = struct{}{}
	}
}
