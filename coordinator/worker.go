package coordinator

import (
	"errors"
	stdSync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphkit/go-graph-sync/detector"
	syncErrors "github.com/graphkit/go-graph-sync/errors"
	"github.com/graphkit/go-graph-sync/graph"
	"github.com/graphkit/go-graph-sync/store"
)

var (
	errClosed      = errors.New("coordinator is closed")
	errInvalidKind = errors.New("invalid entity kind")
)

// lockFor returns the entity's worker slot, creating it on first use.
func (c *Coordinator) lockFor(id graph.EntityID) *stdSync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &stdSync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// kick ensures a worker is draining the entity's queue. Already-running and
// conflicted entities are left alone; resolution re-kicks them.
func (c *Coordinator) kick(id graph.EntityID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.running[id] {
		return
	}
	if _, conflicted := c.conflictByEntity[id]; conflicted {
		return
	}
	c.running[id] = true
	go c.drain(id)
}

// drain processes the entity's queued updates in arrival order. Each update
// is dequeued and applied while holding the entity's worker slot, so a
// DeleteEntity that drops the queue under that slot leaves nothing in
// flight to apply afterwards. drain parks when the queue empties, the entity
// becomes conflicted, or the coordinator closes; kick restarts it.
func (c *Coordinator) drain(id graph.EntityID) {
	lock := c.lockFor(id)
	for {
		c.mu.Lock()
		_, conflicted := c.conflictByEntity[id]
		if c.closed || conflicted {
			c.running[id] = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		lock.Lock()
		u, ok := c.queue.DequeueNext(id)
		if !ok {
			lock.Unlock()
			c.mu.Lock()
			// Re-check after parking intent to avoid a lost wakeup between
			// DequeueNext and clearing the running flag.
			if c.queue.Len(id) > 0 && !c.closed {
				c.mu.Unlock()
				continue
			}
			c.running[id] = false
			c.mu.Unlock()
			return
		}

		c.processUpdate(u)
		lock.Unlock()
	}
}

// processUpdate runs one remote update through the per-entity state machine.
// The caller holds the entity's worker slot.
func (c *Coordinator) processUpdate(u graph.RemoteUpdate) {
	entity, err := c.store.Get(u.EntityID)
	if err != nil {
		// First remote observation creates the entity.
		c.applyClean(u)
		return
	}

	// A client's own write echoed back from the pending edit's fork version
	// acknowledges the edit rather than conflicting with it.
	if c.opts.ClientID != "" && u.OriginClientID == c.opts.ClientID &&
		entity.HasLocalPatch() && u.BaseVersion == entity.LocalVersion {
		acked, err := c.store.AckLocalEdit(u.EntityID, u.RemoteVersion, u.ChangedFields)
		if err != nil {
			c.logger.Error("failed to ack local edit", "entity_id", u.EntityID, "error", err)
			return
		}
		c.logger.Debug("local edit acknowledged",
			"entity_id", u.EntityID,
			"version", u.RemoteVersion)
		c.notifyEntityChanged(u.EntityID, acked.Effective())
		return
	}

	outcome := detector.Classify(entity, u)
	if !outcome.Conflict {
		c.applyClean(u)
		return
	}
	c.raiseConflict(entity, u, outcome)
}

// applyClean commits the remote fields directly. A pending local patch with
// no field overlap stays pending and keeps shadowing its own fields.
func (c *Coordinator) applyClean(u graph.RemoteUpdate) {
	updated := c.store.UpsertCommitted(u.EntityID, u.EntityKind, u.RemoteVersion, u.ChangedFields)
	if u.EntityKind == graph.KindEdge {
		c.trackEdgeEndpoints(u)
	}
	c.opts.Metrics.RecordUpdateApplied()
	c.logger.Debug("remote update applied",
		"entity_id", u.EntityID,
		"remote_version", u.RemoteVersion,
		"base_version", u.BaseVersion,
		"status", updated.Status)
	c.notifyEntityChanged(u.EntityID, updated.Effective())
}

// trackEdgeEndpoints registers adjacency for edges that carry their
// endpoints as fields.
func (c *Coordinator) trackEdgeEndpoints(u graph.RemoteUpdate) {
	from, okFrom := u.ChangedFields["from"].(string)
	to, okTo := u.ChangedFields["to"].(string)
	if okFrom && okTo && from != "" && to != "" {
		c.store.TrackEdge(u.EntityID, store.EdgeEndpoints{
			From: graph.EntityID(from),
			To:   graph.EntityID(to),
		})
	}
}

// raiseConflict materializes the conflict, parks the entity's worker and
// notifies subscribers. Exactly one conflict per entity is open at a time;
// further overlapping updates queue behind it.
func (c *Coordinator) raiseConflict(entity graph.Entity, u graph.RemoteUpdate, outcome detector.Outcome) {
	conflict := graph.Conflict{
		ID:               uuid.NewString(),
		EntityID:         entity.ID,
		EntityKind:       entity.Kind,
		DisputedFields:   outcome.DisputedFields,
		LocalFields:      entity.LocalPatch.Clone(),
		RemoteFields:     u.ChangedFields.Clone(),
		CommittedData:    entity.CommittedData.Clone(),
		CommittedVersion: entity.CommittedVersion,
		LocalVersion:     entity.LocalVersion,
		RemoteVersion:    u.RemoteVersion,
		LocalEditAt:      entity.LocalEditAt,
		RemoteTimestamp:  u.Timestamp,
		OriginClientID:   u.OriginClientID,
		UserID:           c.opts.UserID,
		RaisedAt:         time.Now(),
	}

	if err := c.store.SetStatus(entity.ID, graph.StatusConflicted); err != nil {
		c.logger.Error("failed to mark entity conflicted", "entity_id", entity.ID, "error", err)
		return
	}

	oc := &openConflict{conflict: conflict, raisedAt: conflict.RaisedAt}
	if c.opts.ResolutionTimeout > 0 {
		conflictID := conflict.ID
		oc.timer = time.AfterFunc(c.opts.ResolutionTimeout, func() {
			c.resolveAfterTimeout(conflictID)
		})
	}

	c.mu.Lock()
	c.openConflicts[conflict.ID] = oc
	c.conflictByEntity[entity.ID] = conflict.ID
	c.mu.Unlock()

	c.opts.Metrics.RecordConflictRaised()
	c.logger.Info("conflict raised",
		"conflict_id", conflict.ID,
		"entity_id", entity.ID,
		"disputed_fields", conflict.DisputedFields,
		"stale_remote", outcome.Stale,
		"remote_version", u.RemoteVersion)

	c.notifyConflictRaised(conflict)
}

// resolveAfterTimeout applies the default policy when no resolution arrived
// in time. Reported, not fatal.
func (c *Coordinator) resolveAfterTimeout(conflictID string) {
	c.mu.Lock()
	oc, open := c.openConflicts[conflictID]
	c.mu.Unlock()
	if !open {
		return
	}

	c.opts.Metrics.RecordResolutionTimeout()
	timeoutErr := syncErrors.NewResolutionTimedOut(string(oc.conflict.EntityID))
	c.logger.Warn("resolution timed out, applying default policy",
		"conflict_id", conflictID,
		"entity_id", oc.conflict.EntityID,
		"default_strategy", c.opts.DefaultStrategy,
		"error", timeoutErr)

	if err := c.resolve(conflictID, c.opts.DefaultStrategy, nil, true); err != nil {
		c.logger.Error("default policy resolution failed",
			"conflict_id", conflictID, "error", err)
	}
}

func (c *Coordinator) appendAuditLocked(rec ResolutionRecord) {
	c.audit = append(c.audit, rec)
	if len(c.audit) > c.opts.AuditLimit {
		c.audit = c.audit[len(c.audit)-c.opts.AuditLimit:]
	}
}

func (c *Coordinator) snapshotSubscribers() []Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Hooks, len(c.subscribers))
	copy(out, c.subscribers)
	return out
}

func (c *Coordinator) notifyConflictRaised(conflict graph.Conflict) {
	for _, h := range c.snapshotSubscribers() {
		if h.OnConflictRaised == nil {
			continue
		}
		go func(fn func(graph.Conflict)) {
			defer c.recoverSubscriber("on_conflict_raised")
			fn(conflict)
		}(h.OnConflictRaised)
	}
}

func (c *Coordinator) notifyResolved(res graph.Resolution) {
	for _, h := range c.snapshotSubscribers() {
		if h.OnResolved == nil {
			continue
		}
		go func(fn func(graph.Resolution)) {
			defer c.recoverSubscriber("on_resolved")
			fn(res)
		}(h.OnResolved)
	}
}

func (c *Coordinator) notifyEntityChanged(id graph.EntityID, view graph.Fields) {
	for _, h := range c.snapshotSubscribers() {
		if h.OnEntityChanged == nil {
			continue
		}
		go func(fn func(graph.EntityID, graph.Fields)) {
			defer c.recoverSubscriber("on_entity_changed")
			fn(id, view)
		}(h.OnEntityChanged)
	}
}

func (c *Coordinator) recoverSubscriber(hook string) {
	if r := recover(); r != nil {
		c.logger.Error("subscriber panic recovered", "hook", hook, "panic", r)
	}
}
