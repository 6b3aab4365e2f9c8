// Package queue provides the ordered intake buffer for inbound remote change
// events. Updates to the same entity are delivered strictly in arrival
// order; distinct entities are independent.
package queue

import (
	"log/slog"
	stdSync "sync"

	"github.com/graphkit/go-graph-sync/graph"
)

// DefaultMaxDepth bounds the per-entity buffer before coalescing kicks in.
const DefaultMaxDepth = 64

// UpdateQueue is a set of per-entity FIFOs with bounded depth. Enqueue never
// blocks: when a per-entity queue exceeds the configured depth, the oldest
// queued update is coalesced into its successor rather than dropped.
type UpdateQueue struct {
	mu       stdSync.Mutex
	pending  map[graph.EntityID][]graph.RemoteUpdate
	maxDepth int

	coalesced int

	logger *slog.Logger
}

// New creates a queue. maxDepth <= 0 selects DefaultMaxDepth. A nil logger
// defaults to slog.Default().
func New(maxDepth int, logger *slog.Logger) *UpdateQueue {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateQueue{
		pending:  make(map[graph.EntityID][]graph.RemoteUpdate),
		maxDepth: maxDepth,
		logger:   logger,
	}
}

// Enqueue appends the update to its entity's FIFO. Never blocks the caller.
func (q *UpdateQueue) Enqueue(u graph.RemoteUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := append(q.pending[u.EntityID], u)
	if len(list) > q.maxDepth {
		list = q.coalesceOldest(u.EntityID, list)
	}
	q.pending[u.EntityID] = list
}

// coalesceOldest folds the oldest queued update into its successor: union of
// changed fields with the successor's values winning on overlap, successor's
// versions kept, oldest base version kept so staleness checks still see the
// earliest fork point. Nothing is silently discarded.
//
// Whether an update will conflict cannot be known here: classification runs
// against the entity's local patch when the update is dequeued, and the patch
// can change before then. The field union keeps any would-be disputed field
// alive through the fold, so its conflict is still raised at dequeue time.
func (q *UpdateQueue) coalesceOldest(id graph.EntityID, list []graph.RemoteUpdate) []graph.RemoteUpdate {
	oldest, next := list[0], list[1]

	merged := next
	merged.ChangedFields = oldest.ChangedFields.Overlay(next.ChangedFields)
	if oldest.BaseVersion < next.BaseVersion {
		merged.BaseVersion = oldest.BaseVersion
	}

	q.coalesced++
	q.logger.Debug("coalesced oldest queued update",
		"entity_id", id,
		"depth", len(list),
		"merged_fields", len(merged.ChangedFields))

	out := append([]graph.RemoteUpdate{merged}, list[2:]...)
	return out
}

// DequeueNext pops the oldest queued update for the entity. The second
// return is false when the entity has nothing pending.
func (q *UpdateQueue) DequeueNext(id graph.EntityID) (graph.RemoteUpdate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.pending[id]
	if len(list) == 0 {
		return graph.RemoteUpdate{}, false
	}
	u := list[0]
	if len(list) == 1 {
		delete(q.pending, id)
	} else {
		q.pending[id] = list[1:]
	}
	return u, true
}

// Len returns the number of updates queued for the entity.
func (q *UpdateQueue) Len(id graph.EntityID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[id])
}

// Drop discards everything queued for the entity. Used when the entity is
// deleted; its pending state must not orphan.
func (q *UpdateQueue) Drop(id graph.EntityID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, id)
}

// Coalesced reports how many updates have been folded under back-pressure.
func (q *UpdateQueue) Coalesced() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coalesced
}
