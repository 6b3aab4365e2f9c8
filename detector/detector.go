// Package detector classifies an incoming remote update against an entity's
// optimistic local state as a clean apply or a conflict. Classification is a
// pure function over the inputs.
package detector

import (
	"sort"

	"github.com/graphkit/go-graph-sync/graph"
)

// Outcome is the result of classifying one remote update.
type Outcome struct {
	Conflict bool

	// DisputedFields is the intersection of the local patch's and the remote
	// update's changed fields. Set only when Conflict is true. The dispute is
	// field-scoped; fields outside the intersection apply cleanly either way.
	DisputedFields []string

	// Stale is set when the update's base version is behind the entity's
	// committed version. Staleness alone is not a conflict signal.
	Stale bool
}

// Classify decides whether the remote update applies cleanly or conflicts
// with the entity's pending local patch.
//
// With no pending patch the update is always clean. With a pending patch the
// update conflicts exactly when its changed fields intersect the patch's
// fields, regardless of whether the update is current or stale.
func Classify(e graph.Entity, u graph.RemoteUpdate) Outcome {
	out := Outcome{Stale: u.BaseVersion < e.CommittedVersion}

	if !e.HasLocalPatch() {
		return out
	}

	disputed := e.LocalPatch.Intersect(u.ChangedFields)
	if len(disputed) == 0 {
		return out
	}
	sort.Strings(disputed)

	out.Conflict = true
	out.DisputedFields = disputed
	return out
}
