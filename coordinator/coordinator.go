// Package coordinator orchestrates the per-entity sync state machine:
// intake, conflict detection, resolution and publication. All entity
// mutation funnels through here; one lightweight worker per entity drains
// that entity's queue so operations on a single entity observe total order
// while distinct entities progress independently.
package coordinator

import (
	"log/slog"
	"sort"
	stdSync "sync"
	"time"

	syncErrors "github.com/graphkit/go-graph-sync/errors"
	"github.com/graphkit/go-graph-sync/graph"
	"github.com/graphkit/go-graph-sync/queue"
	"github.com/graphkit/go-graph-sync/resolver"
	"github.com/graphkit/go-graph-sync/store"
)

// Options configures a Coordinator.
type Options struct {
	// ClientID identifies this client on the wire; an inbound update carrying
	// this origin and the pending edit's fork version is the edit's echo, not
	// a foreign change.
	ClientID string

	// UserID is attached to raised conflicts when known.
	UserID string

	// ResolutionTimeout bounds how long a conflict may stay open before the
	// default policy settles it. Zero disables the timeout.
	ResolutionTimeout time.Duration

	// DefaultStrategy is applied on resolution timeout.
	DefaultStrategy graph.Strategy

	// QueueDepth bounds each entity's intake buffer before coalescing.
	QueueDepth int

	// AuditLimit bounds the in-memory resolution journal.
	AuditLimit int

	Logger  *slog.Logger
	Metrics MetricsCollector
}

func (o *Options) setDefaults() {
	if o.DefaultStrategy == "" {
		o.DefaultStrategy = graph.StrategyRemoteWins
	}
	if o.AuditLimit <= 0 {
		o.AuditLimit = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = &NoOpMetricsCollector{}
	}
}

// Hooks are the notification callbacks the rendering surface subscribes
// with. Any of them may be nil.
type Hooks struct {
	// OnConflictRaised delivers a materialized conflict. The subscriber
	// responds by calling Resolve.
	OnConflictRaised func(graph.Conflict)

	// OnResolved delivers the applied resolution.
	OnResolved func(graph.Resolution)

	// OnEntityChanged delivers the entity's new effective view after any
	// committed change. A nil view means the entity was deleted.
	OnEntityChanged func(graph.EntityID, graph.Fields)
}

type openConflict struct {
	conflict graph.Conflict
	timer    *time.Timer
	raisedAt time.Time
}

// ResolutionRecord is the audit entry kept for each applied resolution.
type ResolutionRecord struct {
	ConflictID      string         `json:"conflict_id"`
	EntityID        graph.EntityID `json:"entity_id"`
	Strategy        graph.Strategy `json:"strategy"`
	Decision        string         `json:"decision"`
	Reasons         []string       `json:"reasons,omitempty"`
	BeforeVersion   uint64         `json:"before_version"`
	ResolvedVersion uint64         `json:"resolved_version"`
	UserID          string         `json:"user_id,omitempty"`
	TimedOut        bool           `json:"timed_out"`
	OpenFor         time.Duration  `json:"open_for"`
	ResolvedAt      time.Time      `json:"resolved_at"`
}

// Coordinator drives the per-entity state machine. Create with New, stop
// with Close.
type Coordinator struct {
	opts   Options
	store  *store.VersionedEntityStore
	queue  *queue.UpdateQueue
	engine *resolver.Engine
	logger *slog.Logger

	mu               stdSync.Mutex
	running          map[graph.EntityID]bool
	locks            map[graph.EntityID]*stdSync.Mutex
	openConflicts    map[string]*openConflict
	conflictByEntity map[graph.EntityID]string
	subscribers      []Hooks
	audit            []ResolutionRecord
	closed           bool
}

// New creates a coordinator around the given store. A nil store gets a fresh
// empty one.
func New(st *store.VersionedEntityStore, opts Options) *Coordinator {
	opts.setDefaults()
	if st == nil {
		st = store.New(opts.Logger)
	}
	return &Coordinator{
		opts:             opts,
		store:            st,
		queue:            queue.New(opts.QueueDepth, opts.Logger),
		engine:           resolver.New(opts.Logger),
		logger:           opts.Logger.With(slog.String("component", "coordinator")),
		running:          make(map[graph.EntityID]bool),
		locks:            make(map[graph.EntityID]*stdSync.Mutex),
		openConflicts:    make(map[string]*openConflict),
		conflictByEntity: make(map[graph.EntityID]string),
	}
}

// Store exposes the underlying store for snapshotting.
func (c *Coordinator) Store() *store.VersionedEntityStore {
	return c.store
}

// Subscribe registers notification hooks.
func (c *Coordinator) Subscribe(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, h)
}

// Materialize returns the entity's effective view. Read-only, always
// available regardless of sync state.
func (c *Coordinator) Materialize(id graph.EntityID) (graph.Fields, error) {
	return c.store.Materialize(id)
}

// AuditTrail returns a copy of the resolution journal, oldest first.
func (c *Coordinator) AuditTrail() []ResolutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ResolutionRecord, len(c.audit))
	copy(out, c.audit)
	return out
}

// HandleRemoteUpdate validates and enqueues an inbound remote update. A
// malformed update is dropped with a typed error; it never reaches the
// entity worker.
func (c *Coordinator) HandleRemoteUpdate(u graph.RemoteUpdate) error {
	if err := u.Validate(); err != nil {
		c.opts.Metrics.RecordMalformedUpdate()
		wrapped := syncErrors.NewMalformedUpdate(err)
		c.logger.Error("dropping malformed remote update", "error", wrapped)
		return wrapped
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return syncErrors.New(syncErrors.OpApplyRemote, errClosed)
	}
	c.mu.Unlock()

	c.queue.Enqueue(u)
	c.kick(u.EntityID)
	return nil
}

// BeginLocalEdit stages an optimistic edit. Fails with EditConflict while
// another local edit is outstanding; the caller retries once it settles.
func (c *Coordinator) BeginLocalEdit(id graph.EntityID, patch graph.Fields) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	e, err := c.store.BeginLocalEdit(id, patch, time.Now())
	if err != nil {
		return err
	}
	c.logger.Debug("local edit staged",
		"entity_id", id,
		"fork_version", e.LocalVersion,
		"fields", len(patch))
	c.notifyEntityChanged(id, e.Effective())
	return nil
}

// WithdrawLocalEdit discards a pending local edit before it is echoed back
// or conflicted, reverting the entity to Clean.
func (c *Coordinator) WithdrawLocalEdit(id graph.EntityID) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	e, err := c.store.WithdrawLocalEdit(id)
	if err != nil {
		return err
	}
	c.logger.Debug("local edit withdrawn", "entity_id", id)
	c.notifyEntityChanged(id, e.Effective())
	return nil
}

// CreateEntity registers a locally created entity at version 1. Edges must
// carry endpoints so node deletion can cascade.
func (c *Coordinator) CreateEntity(id graph.EntityID, kind graph.EntityKind, data graph.Fields, endpoints *store.EdgeEndpoints) error {
	if !kind.Valid() {
		return syncErrors.New(syncErrors.OpApplyRemote, errInvalidKind)
	}
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	e := c.store.UpsertCommitted(id, kind, 1, data)
	if kind == graph.KindEdge && endpoints != nil {
		c.store.TrackEdge(id, *endpoints)
	}
	c.notifyEntityChanged(id, e.Effective())
	return nil
}

// DeleteEntity removes the entity, cancelling any open conflict and pending
// state, and cascades node deletion to its edges. Worker slots for every
// affected entity are acquired in ascending id order.
func (c *Coordinator) DeleteEntity(id graph.EntityID) error {
	if !c.store.Has(id) {
		return syncErrors.NewUnknownEntity(syncErrors.OpDelete, string(id))
	}

	affected := append([]graph.EntityID{id}, c.store.AdjacentEdges(id)...)
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })

	locks := make([]*stdSync.Mutex, 0, len(affected))
	for _, eid := range affected {
		l := c.lockFor(eid)
		l.Lock()
		locks = append(locks, l)
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	cascade, err := c.store.Remove(id)
	if err != nil {
		return err
	}
	c.teardownEntity(id)

	for _, edgeID := range cascade {
		if _, err := c.store.Remove(edgeID); err != nil {
			// Already gone; cascade set was computed before removal.
			continue
		}
		c.teardownEntity(edgeID)
	}
	return nil
}

// HandleRemoteDelete removes the entity on behalf of the remote authority.
// An unknown entity is a local no-op, logged.
func (c *Coordinator) HandleRemoteDelete(id graph.EntityID) error {
	err := c.DeleteEntity(id)
	if err != nil && syncErrors.CodeOf(err) == syncErrors.ErrCodeUnknownEntity {
		c.logger.Warn("remote delete for unknown entity", "entity_id", id)
		return nil
	}
	return err
}

// teardownEntity cancels conflicts and pending queue state for a removed
// entity. Caller holds the entity's lock.
func (c *Coordinator) teardownEntity(id graph.EntityID) {
	c.queue.Drop(id)

	c.mu.Lock()
	if conflictID, ok := c.conflictByEntity[id]; ok {
		if oc, open := c.openConflicts[conflictID]; open {
			if oc.timer != nil {
				oc.timer.Stop()
			}
			delete(c.openConflicts, conflictID)
		}
		delete(c.conflictByEntity, id)
		c.logger.Info("conflict cancelled by entity deletion",
			"entity_id", id, "conflict_id", conflictID)
	}
	// The worker slot entry stays put: the caller is holding that very
	// mutex, and minting a replacement would let a racing worker slip past
	// per-entity mutual exclusion.
	c.mu.Unlock()

	c.notifyEntityChanged(id, nil)
}

// Resolve settles an open conflict with the chosen strategy. Resolving a
// conflict that is no longer open is a no-op, which makes re-applying the
// same resolution idempotent.
func (c *Coordinator) Resolve(conflictID string, strategy graph.Strategy, manual graph.Fields) error {
	return c.resolve(conflictID, strategy, manual, false)
}

func (c *Coordinator) resolve(conflictID string, strategy graph.Strategy, manual graph.Fields, timedOut bool) error {
	c.mu.Lock()
	oc, ok := c.openConflicts[conflictID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	conflict := oc.conflict
	c.mu.Unlock()

	lock := c.lockFor(conflict.EntityID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the entity lock: deletion or a racing resolve may have
	// closed the conflict meanwhile.
	c.mu.Lock()
	oc, ok = c.openConflicts[conflictID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.store.SetStatus(conflict.EntityID, graph.StatusResolving); err != nil {
		return err
	}

	res, err := c.engine.Resolve(conflict, strategy, manual)
	if err != nil {
		// Invalid input leaves the conflict open and the entity Conflicted.
		if serr := c.store.SetStatus(conflict.EntityID, graph.StatusConflicted); serr != nil {
			c.logger.Error("failed to restore conflicted status", "entity_id", conflict.EntityID, "error", serr)
		}
		return err
	}

	before, _ := c.store.Get(conflict.EntityID)
	entity, err := c.store.CommitResolution(conflict.EntityID, res)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if oc.timer != nil {
		oc.timer.Stop()
	}
	delete(c.openConflicts, conflictID)
	delete(c.conflictByEntity, conflict.EntityID)
	openFor := time.Since(oc.raisedAt)
	c.appendAuditLocked(ResolutionRecord{
		ConflictID:      conflictID,
		EntityID:        conflict.EntityID,
		Strategy:        strategy,
		Decision:        res.Decision,
		Reasons:         res.Reasons,
		BeforeVersion:   before.CommittedVersion,
		ResolvedVersion: res.ResolvedVersion,
		UserID:          c.opts.UserID,
		TimedOut:        timedOut,
		OpenFor:         openFor,
		ResolvedAt:      time.Now(),
	})
	c.mu.Unlock()

	c.opts.Metrics.RecordConflictResolved(string(strategy), openFor)
	c.logger.Info("conflict resolved",
		"conflict_id", conflictID,
		"entity_id", conflict.EntityID,
		"strategy", strategy,
		"decision", res.Decision,
		"timed_out", timedOut,
		"resolved_version", res.ResolvedVersion)

	c.notifyResolved(res)
	c.notifyEntityChanged(conflict.EntityID, entity.Effective())

	// Updates that queued behind the conflict are re-evaluated against the
	// post-resolution state.
	c.kick(conflict.EntityID)
	return nil
}

// OpenConflicts returns the currently open conflicts.
func (c *Coordinator) OpenConflicts() []graph.Conflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]graph.Conflict, 0, len(c.openConflicts))
	for _, oc := range c.openConflicts {
		out = append(out, oc.conflict)
	}
	return out
}

// Close stops the coordinator. Open conflict timers are stopped; pending
// conflicts and queued updates are discarded with the working set.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, oc := range c.openConflicts {
		if oc.timer != nil {
			oc.timer.Stop()
		}
	}
	c.openConflicts = make(map[string]*openConflict)
	c.conflictByEntity = make(map[graph.EntityID]string)
	c.logger.Info("coordinator closed")
	return nil
}
