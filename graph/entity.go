// Package graph defines the shared data model for the sync engine: entities
// (nodes and edges of the collaborative property graph), inbound remote
// updates, materialized conflicts and their resolutions.
package graph

import (
	"fmt"
	"time"
)

// EntityID identifies a node or edge across all clients.
type EntityID string

// EntityKind distinguishes nodes from edges.
type EntityKind string

const (
	KindNode EntityKind = "node"
	KindEdge EntityKind = "edge"
)

// Valid reports whether k is a known kind.
func (k EntityKind) Valid() bool {
	return k == KindNode || k == KindEdge
}

// Fields is a field-name → value mapping. Values are JSON-compatible
// (string, number, bool, nested map/slice).
type Fields map[string]any

// Clone returns a shallow copy of f. A nil receiver yields nil.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Overlay returns a new mapping equal to f with patch layered on top.
func (f Fields) Overlay(patch Fields) Fields {
	out := make(Fields, len(f)+len(patch))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Names returns the field names present in f.
func (f Fields) Names() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	return out
}

// Intersect returns the field names present in both f and other.
func (f Fields) Intersect(other Fields) []string {
	var out []string
	for k := range f {
		if _, ok := other[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Status is the per-entity sync state.
type Status string

const (
	StatusClean        Status = "clean"
	StatusLocalPending Status = "local_pending"
	StatusConflicted   Status = "conflicted"
	StatusResolving    Status = "resolving"
)

// Entity holds the authoritative committed state of a node or edge plus any
// outstanding optimistic local edit.
type Entity struct {
	ID   EntityID
	Kind EntityKind

	// CommittedVersion is the version last agreed with the remote authority.
	// It never decreases.
	CommittedVersion uint64
	CommittedData    Fields

	// LocalVersion is the committed version the pending local edit was forked
	// from. Zero value is meaningful only when LocalPatch is nil.
	LocalVersion uint64
	// LocalPatch holds uncommitted local field changes, nil when no local
	// edit is outstanding.
	LocalPatch Fields
	// LocalEditAt is when the pending local edit began; used by the
	// latest_timestamp strategy.
	LocalEditAt time.Time

	Status Status
}

// HasLocalPatch reports whether an optimistic edit is outstanding.
func (e *Entity) HasLocalPatch() bool {
	return e.LocalPatch != nil
}

// Effective returns committed data overlaid with the local patch, if any.
func (e *Entity) Effective() Fields {
	if e.LocalPatch == nil {
		return e.CommittedData.Clone()
	}
	return e.CommittedData.Overlay(e.LocalPatch)
}

// RemoteUpdate is an inbound change notification from the transport
// collaborator.
type RemoteUpdate struct {
	EntityID   EntityID   `json:"entity_id"`
	EntityKind EntityKind `json:"entity_kind"`

	// BaseVersion is the version the remote author believed was current when
	// it edited; RemoteVersion is the version it produced.
	BaseVersion   uint64 `json:"base_version"`
	RemoteVersion uint64 `json:"remote_version"`

	ChangedFields Fields `json:"changed_fields"`

	OriginClientID string    `json:"origin_client_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// Validate checks that the update carries everything the engine needs.
// Malformed updates are dropped by the coordinator, never applied.
func (u *RemoteUpdate) Validate() error {
	if u.EntityID == "" {
		return fmt.Errorf("remote update missing entity id")
	}
	if !u.EntityKind.Valid() {
		return fmt.Errorf("remote update for %q has invalid kind %q", u.EntityID, u.EntityKind)
	}
	if len(u.ChangedFields) == 0 {
		return fmt.Errorf("remote update for %q has no changed fields", u.EntityID)
	}
	if u.RemoteVersion == 0 {
		return fmt.Errorf("remote update for %q has zero remote version", u.EntityID)
	}
	return nil
}

// Strategy selects how a conflict is reconciled.
type Strategy string

const (
	StrategyRemoteWins      Strategy = "remote_wins"
	StrategyLocalWins       Strategy = "local_wins"
	StrategyMerge           Strategy = "merge"
	StrategyManual          Strategy = "manual"
	StrategyLatestTimestamp Strategy = "latest_timestamp"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRemoteWins, StrategyLocalWins, StrategyMerge, StrategyManual, StrategyLatestTimestamp:
		return true
	}
	return false
}

// Conflict is the materialized divergence between a pending local patch and
// an incoming remote update. Only DisputedFields are strictly unresolved; the
// full local and remote field sets are carried so the UI can show the whole
// picture.
type Conflict struct {
	ID         string     `json:"id"`
	EntityID   EntityID   `json:"entity_id"`
	EntityKind EntityKind `json:"entity_kind"`

	DisputedFields []string `json:"disputed_fields"`

	LocalFields  Fields `json:"local_fields"`
	RemoteFields Fields `json:"remote_fields"`

	// CommittedData is the baseline both sides forked from; resolution uses
	// it so fields untouched by either side are never lost.
	CommittedData Fields `json:"committed_data"`

	CommittedVersion uint64 `json:"committed_version"`
	LocalVersion     uint64 `json:"local_version"`
	RemoteVersion    uint64 `json:"remote_version"`

	LocalEditAt     time.Time `json:"local_edit_at"`
	RemoteTimestamp time.Time `json:"remote_timestamp"`

	OriginClientID string    `json:"origin_client_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	RaisedAt       time.Time `json:"raised_at"`
}

// Resolution is the converged outcome the engine produces for a conflict.
// Applying it commits Data at ResolvedVersion and returns the entity to Clean.
type Resolution struct {
	ConflictID string   `json:"conflict_id"`
	EntityID   EntityID `json:"entity_id"`
	Strategy   Strategy `json:"strategy"`

	Data            Fields `json:"data"`
	ResolvedVersion uint64 `json:"resolved_version"`

	// Decision and Reasons annotate the outcome for audit and telemetry.
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons,omitempty"`
}
