// Package store implements the versioned entity store: the authoritative
// committed state of every node and edge plus any outstanding optimistic
// local edit. The store is the only shared mutable resource in the engine;
// all mutation is funneled through the coordinator's per-entity workers.
package store

import (
	"log/slog"
	"sort"
	stdSync "sync"
	"time"

	syncErrors "github.com/graphkit/go-graph-sync/errors"
	"github.com/graphkit/go-graph-sync/graph"
)

// EdgeEndpoints names the node entities an edge connects. Tracked alongside
// the store so node removal can cascade to its edges.
type EdgeEndpoints struct {
	From graph.EntityID
	To   graph.EntityID
}

// VersionedEntityStore holds committed plus optimistic state for every
// entity. Methods are safe for concurrent use; per-entity ordering is the
// coordinator's responsibility.
type VersionedEntityStore struct {
	mu       stdSync.RWMutex
	entities map[graph.EntityID]*graph.Entity

	// adjacency maps a node id to the edge ids touching it.
	adjacency map[graph.EntityID]map[graph.EntityID]struct{}
	endpoints map[graph.EntityID]EdgeEndpoints

	logger *slog.Logger
}

// New creates an empty store. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *VersionedEntityStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionedEntityStore{
		entities:  make(map[graph.EntityID]*graph.Entity),
		adjacency: make(map[graph.EntityID]map[graph.EntityID]struct{}),
		endpoints: make(map[graph.EntityID]EdgeEndpoints),
		logger:    logger,
	}
}

// Get returns a copy of the entity, or an UnknownEntity error.
func (s *VersionedEntityStore) Get(id graph.EntityID) (graph.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return graph.Entity{}, syncErrors.NewUnknownEntity(syncErrors.OpMaterialize, string(id))
	}
	return copyEntity(e), nil
}

// Has reports whether the entity exists.
func (s *VersionedEntityStore) Has(id graph.EntityID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[id]
	return ok
}

// UpsertCommitted unconditionally sets committed state for the entity,
// creating it on first observation. The committed version never decreases:
// a lower incoming version only overlays data at the current version.
//
// An outstanding local patch always stays pending: a version coinciding with
// the patch's fork version says nothing about who authored the update, so
// only AckLocalEdit, which the coordinator calls after matching the origin
// client id, may confirm and clear a local edit.
func (s *VersionedEntityStore) UpsertCommitted(id graph.EntityID, kind graph.EntityKind, version uint64, data graph.Fields) graph.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		e = &graph.Entity{ID: id, Kind: kind, Status: graph.StatusClean}
		s.entities[id] = e
	}

	if version > e.CommittedVersion {
		e.CommittedVersion = version
	}
	if e.CommittedData == nil {
		e.CommittedData = make(graph.Fields, len(data))
	}
	for k, v := range data {
		e.CommittedData[k] = v
	}

	return copyEntity(e)
}

// AckLocalEdit commits the echoed-back data at the remote version and clears
// the pending patch: the local edit has been confirmed by the authority.
func (s *VersionedEntityStore) AckLocalEdit(id graph.EntityID, remoteVersion uint64, data graph.Fields) (graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return graph.Entity{}, syncErrors.NewUnknownEntity(syncErrors.OpApplyRemote, string(id))
	}

	if remoteVersion > e.CommittedVersion {
		e.CommittedVersion = remoteVersion
	}
	if e.CommittedData == nil {
		e.CommittedData = make(graph.Fields, len(data))
	}
	for k, v := range data {
		e.CommittedData[k] = v
	}
	e.LocalPatch = nil
	e.LocalVersion = 0
	e.LocalEditAt = time.Time{}
	e.Status = graph.StatusClean
	s.logger.Debug("local edit confirmed", "entity_id", id, "version", remoteVersion)
	return copyEntity(e), nil
}

// AdjacentEdges returns the edge ids touching a node, ascending. Empty for
// edges and unknown ids.
func (s *VersionedEntityStore) AdjacentEdges(id graph.EntityID) []graph.EntityID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []graph.EntityID
	for edgeID := range s.adjacency[id] {
		if _, exists := s.entities[edgeID]; exists {
			out = append(out, edgeID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TrackEdge records the endpoints of an edge entity so node removal can
// cascade. Unknown endpoint ids are tracked anyway; the nodes may be observed
// later.
func (s *VersionedEntityStore) TrackEdge(edgeID graph.EntityID, ep EdgeEndpoints) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trackEdgeLocked(edgeID, ep)
}

// BeginLocalEdit stages an optimistic edit forked from the current committed
// version. Fails with EditConflict unless the entity is Clean.
func (s *VersionedEntityStore) BeginLocalEdit(id graph.EntityID, patch graph.Fields, at time.Time) (graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return graph.Entity{}, syncErrors.NewUnknownEntity(syncErrors.OpBeginLocalEdit, string(id))
	}
	if e.Status != graph.StatusClean {
		return graph.Entity{}, syncErrors.NewEditConflict(string(id))
	}
	if len(patch) == 0 {
		return graph.Entity{}, syncErrors.New(syncErrors.OpBeginLocalEdit, errEmptyPatch)
	}

	e.LocalPatch = patch.Clone()
	e.LocalVersion = e.CommittedVersion
	e.LocalEditAt = at
	e.Status = graph.StatusLocalPending
	return copyEntity(e), nil
}

// WithdrawLocalEdit discards the pending patch and reverts the entity to
// Clean. Conflicted entities cannot withdraw; the conflict must be resolved
// or the entity deleted.
func (s *VersionedEntityStore) WithdrawLocalEdit(id graph.EntityID) (graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return graph.Entity{}, syncErrors.NewUnknownEntity(syncErrors.OpWithdrawLocalEdit, string(id))
	}
	if e.Status != graph.StatusLocalPending {
		return graph.Entity{}, syncErrors.NewWithComponent(syncErrors.OpWithdrawLocalEdit, "store", errNoPendingEdit)
	}

	e.LocalPatch = nil
	e.LocalVersion = 0
	e.LocalEditAt = time.Time{}
	e.Status = graph.StatusClean
	return copyEntity(e), nil
}

// SetStatus transitions the entity's status. Used by the coordinator when
// raising and resolving conflicts.
func (s *VersionedEntityStore) SetStatus(id graph.EntityID, status graph.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return syncErrors.NewUnknownEntity(syncErrors.OpApplyRemote, string(id))
	}
	e.Status = status
	return nil
}

// CommitResolution installs converged data at the resolved version, discards
// any pending patch and returns the entity to Clean. The committed version
// still never decreases.
func (s *VersionedEntityStore) CommitResolution(id graph.EntityID, res graph.Resolution) (graph.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return graph.Entity{}, syncErrors.NewUnknownEntity(syncErrors.OpResolve, string(id))
	}

	if res.ResolvedVersion > e.CommittedVersion {
		e.CommittedVersion = res.ResolvedVersion
	}
	e.CommittedData = res.Data.Clone()
	e.LocalPatch = nil
	e.LocalVersion = 0
	e.LocalEditAt = time.Time{}
	e.Status = graph.StatusClean
	return copyEntity(e), nil
}

// Materialize returns the entity's effective view: committed data overlaid
// with the local patch if present. Side-effect free.
func (s *VersionedEntityStore) Materialize(id graph.EntityID) (graph.Fields, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, syncErrors.NewUnknownEntity(syncErrors.OpMaterialize, string(id))
	}
	return e.Effective(), nil
}

// Remove deletes the entity. For nodes it returns the edge ids that must
// also be removed, in ascending order so callers can acquire worker slots
// deterministically. The edges themselves are not removed here.
func (s *VersionedEntityStore) Remove(id graph.EntityID) ([]graph.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, syncErrors.NewUnknownEntity(syncErrors.OpDelete, string(id))
	}

	var cascade []graph.EntityID
	if e.Kind == graph.KindNode {
		for edgeID := range s.adjacency[id] {
			if _, exists := s.entities[edgeID]; exists {
				cascade = append(cascade, edgeID)
			}
		}
		delete(s.adjacency, id)
		sort.Slice(cascade, func(i, j int) bool { return cascade[i] < cascade[j] })
	} else {
		if ep, tracked := s.endpoints[id]; tracked {
			for _, nodeID := range []graph.EntityID{ep.From, ep.To} {
				if set, ok := s.adjacency[nodeID]; ok {
					delete(set, id)
				}
			}
			delete(s.endpoints, id)
		}
	}

	delete(s.entities, id)
	return cascade, nil
}

// IDs returns all entity ids in ascending order.
func (s *VersionedEntityStore) IDs() []graph.EntityID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]graph.EntityID, 0, len(s.entities))
	for id := range s.entities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of entities.
func (s *VersionedEntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func copyEntity(e *graph.Entity) graph.Entity {
	out := *e
	out.CommittedData = e.CommittedData.Clone()
	out.LocalPatch = e.LocalPatch.Clone()
	return out
}
