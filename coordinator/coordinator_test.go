package coordinator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/graphkit/go-graph-sync/errors"
	"github.com/graphkit/go-graph-sync/graph"
	"github.com/graphkit/go-graph-sync/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestCoordinator(t *testing.T, opts Options) (*Coordinator, *store.VersionedEntityStore) {
	t.Helper()
	if opts.ClientID == "" {
		opts.ClientID = "client-local"
	}
	st := store.New(nil)
	st.UpsertCommitted("n1", graph.KindNode, 3, graph.Fields{"name": "a", "size": 1})
	c := New(st, opts)
	t.Cleanup(func() { c.Close() })
	return c, st
}

func remoteUpdate(id graph.EntityID, base, version uint64, fields graph.Fields, origin string, at time.Time) graph.RemoteUpdate {
	return graph.RemoteUpdate{
		EntityID:       id,
		EntityKind:     graph.KindNode,
		BaseVersion:    base,
		RemoteVersion:  version,
		ChangedFields:  fields,
		OriginClientID: origin,
		Timestamp:      at,
	}
}

func TestNoOverlapConvergence(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})

	var conflicts atomic.Int32
	c.Subscribe(Hooks{OnConflictRaised: func(graph.Conflict) { conflicts.Add(1) }})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"size": 2}, "client-remote", time.Now())))

	require.Eventually(t, func() bool {
		view, err := c.Materialize("n1")
		return err == nil && view["name"] == "b" && view["size"] == 2
	}, waitFor, tick)

	// Still LocalPending until the local edit acks; no conflict raised.
	e, err := st.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusLocalPending, e.Status)
	assert.Equal(t, int32(0), conflicts.Load())
	assert.Empty(t, c.OpenConflicts())
}

func TestOverlapRaisesExactlyOneConflict(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})

	raised := make(chan graph.Conflict, 4)
	c.Subscribe(Hooks{OnConflictRaised: func(cf graph.Conflict) { raised <- cf }})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "c"}, "client-remote", time.Now())))

	var conflict graph.Conflict
	select {
	case conflict = <-raised:
	case <-time.After(waitFor):
		t.Fatal("no conflict raised")
	}

	assert.Equal(t, graph.EntityID("n1"), conflict.EntityID)
	assert.Equal(t, []string{"name"}, conflict.DisputedFields)
	assert.Equal(t, graph.Fields{"name": "b"}, conflict.LocalFields)
	assert.Equal(t, graph.Fields{"name": "c"}, conflict.RemoteFields)
	assert.Equal(t, uint64(3), conflict.CommittedVersion)
	assert.Equal(t, uint64(4), conflict.RemoteVersion)

	e, err := st.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusConflicted, e.Status)

	// Resolve with merge supplying the disputed field.
	require.NoError(t, c.Resolve(conflict.ID, graph.StrategyMerge, graph.Fields{"name": "bc"}))

	require.Eventually(t, func() bool {
		e, err := st.Get("n1")
		return err == nil && e.Status == graph.StatusClean
	}, waitFor, tick)

	e, err = st.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, "bc", e.CommittedData["name"])
	assert.Equal(t, 1, e.CommittedData["size"])
	assert.Greater(t, e.CommittedVersion, uint64(3))
	assert.False(t, e.HasLocalPatch())

	select {
	case extra := <-raised:
		t.Fatalf("unexpected second conflict %s", extra.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolutionIdempotence(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})

	raised := make(chan graph.Conflict, 1)
	c.Subscribe(Hooks{OnConflictRaised: func(cf graph.Conflict) { raised <- cf }})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "c"}, "client-remote", time.Now())))

	conflict := <-raised
	require.NoError(t, c.Resolve(conflict.ID, graph.StrategyRemoteWins, nil))

	require.Eventually(t, func() bool {
		e, err := st.Get("n1")
		return err == nil && e.Status == graph.StatusClean
	}, waitFor, tick)
	first, err := st.Get("n1")
	require.NoError(t, err)

	// Re-applying the same resolution is a no-op.
	require.NoError(t, c.Resolve(conflict.ID, graph.StrategyRemoteWins, nil))
	require.NoError(t, c.Resolve(conflict.ID, graph.StrategyLocalWins, nil))

	second, err := st.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, first.CommittedVersion, second.CommittedVersion)
	assert.Equal(t, first.CommittedData, second.CommittedData)
	assert.Len(t, c.AuditTrail(), 1)
}

func TestOwnEchoAcknowledgesLocalEdit(t *testing.T) {
	c, st := newTestCoordinator(t, Options{ClientID: "me"})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "b"}, "me", time.Now())))

	require.Eventually(t, func() bool {
		e, err := st.Get("n1")
		return err == nil && e.Status == graph.StatusClean && !e.HasLocalPatch()
	}, waitFor, tick)

	e, err := st.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.CommittedVersion)
	assert.Equal(t, "b", e.CommittedData["name"])
}

func TestForeignUpdateFromOwnForkVersionStillConflicts(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{ClientID: "me"})

	raised := make(chan graph.Conflict, 1)
	c.Subscribe(Hooks{OnConflictRaised: func(cf graph.Conflict) { raised <- cf }})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "c"}, "someone-else", time.Now())))

	select {
	case <-raised:
	case <-time.After(waitFor):
		t.Fatal("expected a conflict from the foreign overlapping update")
	}
}

func TestForeignVersionCoincidenceKeepsLocalEdit(t *testing.T) {
	c, st := newTestCoordinator(t, Options{ClientID: "me"})

	// Local edit forked at committed version 3.
	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))

	// A foreign, stale, non-overlapping update whose remote version happens
	// to equal the fork version must not be mistaken for the edit's echo.
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 2, 3, graph.Fields{"size": 9}, "someone-else", time.Now())))

	require.Eventually(t, func() bool {
		view, err := c.Materialize("n1")
		return err == nil && view["size"] == 9
	}, waitFor, tick)

	e, err := st.Get("n1")
	require.NoError(t, err)
	assert.True(t, e.HasLocalPatch())
	assert.Equal(t, graph.StatusLocalPending, e.Status)

	view, err := c.Materialize("n1")
	require.NoError(t, err)
	assert.Equal(t, "b", view["name"])
}

func TestResolutionTimeoutAppliesDefaultPolicy(t *testing.T) {
	c, st := newTestCoordinator(t, Options{
		ResolutionTimeout: 50 * time.Millisecond,
		DefaultStrategy:   graph.StrategyRemoteWins,
	})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "c"}, "client-remote", time.Now())))

	require.Eventually(t, func() bool {
		e, err := st.Get("n1")
		return err == nil && e.Status == graph.StatusClean
	}, waitFor, tick)

	e, err := st.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, "c", e.CommittedData["name"])

	trail := c.AuditTrail()
	require.Len(t, trail, 1)
	assert.True(t, trail[0].TimedOut)
	assert.Equal(t, graph.StrategyRemoteWins, trail[0].Strategy)
}

func TestUpdatesQueueBehindConflictAndReEvaluate(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})

	raised := make(chan graph.Conflict, 4)
	c.Subscribe(Hooks{OnConflictRaised: func(cf graph.Conflict) { raised <- cf }})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "c"}, "client-remote", time.Now())))

	conflict := <-raised

	// A further overlapping update queues behind the open conflict.
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 4, 5, graph.Fields{"name": "d"}, "client-remote", time.Now())))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.OpenConflicts(), 1)
	e, err := st.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusConflicted, e.Status)

	require.NoError(t, c.Resolve(conflict.ID, graph.StrategyRemoteWins, nil))

	// Post-resolution the patch is gone, so the queued update applies
	// cleanly against the new state.
	require.Eventually(t, func() bool {
		e, err := st.Get("n1")
		return err == nil && e.Status == graph.StatusClean && e.CommittedData["name"] == "d"
	}, waitFor, tick)

	select {
	case extra := <-raised:
		t.Fatalf("queued update must not raise a second conflict, got %s", extra.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSecondLocalEditRejected(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	err := c.BeginLocalEdit("n1", graph.Fields{"size": 9})
	require.Error(t, err)
	assert.Equal(t, syncErrors.ErrCodeEditConflict, syncErrors.CodeOf(err))
	assert.True(t, syncErrors.IsRetryable(err))

	// After withdrawal the entity accepts a new edit.
	require.NoError(t, c.WithdrawLocalEdit("n1"))
	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"size": 9}))
}

func TestDeleteEntityCancelsConflictAndCascades(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})
	st.UpsertCommitted("n2", graph.KindNode, 1, graph.Fields{"name": "z"})
	st.UpsertCommitted("e1", graph.KindEdge, 1, graph.Fields{"label": "knows"})
	st.TrackEdge("e1", store.EdgeEndpoints{From: "n1", To: "n2"})

	raised := make(chan graph.Conflict, 1)
	c.Subscribe(Hooks{OnConflictRaised: func(cf graph.Conflict) { raised <- cf }})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "c"}, "client-remote", time.Now())))
	<-raised

	require.NoError(t, c.DeleteEntity("n1"))

	// No orphaned conflicts, node and edge both gone, other node intact.
	assert.Empty(t, c.OpenConflicts())
	_, err := c.Materialize("n1")
	assert.Equal(t, syncErrors.ErrCodeUnknownEntity, syncErrors.CodeOf(err))
	_, err = c.Materialize("e1")
	assert.Equal(t, syncErrors.ErrCodeUnknownEntity, syncErrors.CodeOf(err))
	_, err = c.Materialize("n2")
	assert.NoError(t, err)
}

func TestDeleteEntityKeepsWorkerSlotIdentity(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})

	before := c.lockFor("n1")
	require.NoError(t, c.DeleteEntity("n1"))

	// The same mutex must keep guarding the id, or a worker racing the
	// deletion could mint a fresh one and bypass mutual exclusion.
	assert.Same(t, before, c.lockFor("n1"))
}

func TestDeleteEntityDiscardsQueuedUpdates(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})

	raised := make(chan graph.Conflict, 1)
	c.Subscribe(Hooks{OnConflictRaised: func(cf graph.Conflict) { raised <- cf }})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "c"}, "client-remote", time.Now())))
	<-raised

	// Updates pile up behind the parked worker while the conflict is open.
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 4, 5, graph.Fields{"name": "d"}, "client-remote", time.Now())))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 5, 6, graph.Fields{"name": "e"}, "client-remote", time.Now())))

	require.NoError(t, c.DeleteEntity("n1"))

	// Nothing queued or in flight may resurrect the deleted entity.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, st.Has("n1"))
	_, err := c.Materialize("n1")
	assert.Equal(t, syncErrors.ErrCodeUnknownEntity, syncErrors.CodeOf(err))
}

func TestRemoteDeleteUnknownEntityIsNoOp(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	assert.NoError(t, c.HandleRemoteDelete("ghost"))
}

func TestMalformedUpdateDropped(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})

	err := c.HandleRemoteUpdate(graph.RemoteUpdate{EntityKind: graph.KindNode})
	require.Error(t, err)
	assert.Equal(t, syncErrors.ErrCodeMalformedUpdate, syncErrors.CodeOf(err))

	// The engine keeps processing other input afterwards.
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"size": 2}, "client-remote", time.Now())))
	require.Eventually(t, func() bool {
		view, err := c.Materialize("n1")
		return err == nil && view["size"] == 2
	}, waitFor, tick)
}

func TestFirstRemoteObservationCreatesEntity(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})

	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n7", 0, 1, graph.Fields{"name": "new"}, "client-remote", time.Now())))

	require.Eventually(t, func() bool {
		return st.Has("n7")
	}, waitFor, tick)

	e, err := st.Get("n7")
	require.NoError(t, err)
	assert.Equal(t, graph.StatusClean, e.Status)
	assert.Equal(t, uint64(1), e.CommittedVersion)
}

func TestInvalidManualResolutionLeavesConflictOpen(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})

	raised := make(chan graph.Conflict, 1)
	c.Subscribe(Hooks{OnConflictRaised: func(cf graph.Conflict) { raised <- cf }})

	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "c"}, "client-remote", time.Now())))
	conflict := <-raised

	err := c.Resolve(conflict.ID, graph.StrategyManual, nil)
	require.Error(t, err)
	assert.Equal(t, syncErrors.ErrCodeInvalidManualResolution, syncErrors.CodeOf(err))

	// State unchanged: conflict still open, entity still conflicted.
	assert.Len(t, c.OpenConflicts(), 1)
	e, errGet := st.Get("n1")
	require.NoError(t, errGet)
	assert.Equal(t, graph.StatusConflicted, e.Status)

	// A valid manual payload then settles it.
	require.NoError(t, c.Resolve(conflict.ID, graph.StrategyManual, graph.Fields{"name": "agreed", "size": 1}))
	require.Eventually(t, func() bool {
		e, err := st.Get("n1")
		return err == nil && e.Status == graph.StatusClean && e.CommittedData["name"] == "agreed"
	}, waitFor, tick)
}

func TestVersionMonotonicityAcrossOperations(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})

	last := uint64(0)
	check := func() {
		e, err := st.Get("n1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, e.CommittedVersion, last)
		last = e.CommittedVersion
	}

	check()
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"size": 2}, "client-remote", time.Now())))
	require.Eventually(t, func() bool {
		view, err := c.Materialize("n1")
		return err == nil && view["size"] == 2
	}, waitFor, tick)
	check()

	// A stale update cannot move the version backwards.
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 1, 2, graph.Fields{"size": 3}, "client-remote", time.Now())))
	require.Eventually(t, func() bool {
		view, err := c.Materialize("n1")
		return err == nil && view["size"] == 3
	}, waitFor, tick)
	check()
}

func TestDistinctEntitiesProgressIndependently(t *testing.T) {
	c, st := newTestCoordinator(t, Options{})
	st.UpsertCommitted("n2", graph.KindNode, 1, graph.Fields{"name": "z"})

	// n1 is parked in a conflict; n2 keeps applying updates.
	require.NoError(t, c.BeginLocalEdit("n1", graph.Fields{"name": "b"}))
	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n1", 3, 4, graph.Fields{"name": "c"}, "client-remote", time.Now())))

	require.Eventually(t, func() bool {
		return len(c.OpenConflicts()) == 1
	}, waitFor, tick)

	require.NoError(t, c.HandleRemoteUpdate(
		remoteUpdate("n2", 1, 2, graph.Fields{"name": "y"}, "client-remote", time.Now())))

	require.Eventually(t, func() bool {
		view, err := c.Materialize("n2")
		return err == nil && view["name"] == "y"
	}, waitFor, tick)
}
