// Package resolver implements the resolution engine: given a materialized
// conflict and a chosen strategy it produces the converged entity value both
// sides agree on.
package resolver

import (
	"fmt"
	"log/slog"

	syncErrors "github.com/graphkit/go-graph-sync/errors"
	"github.com/graphkit/go-graph-sync/graph"
)

// Engine turns a Conflict plus a strategy choice into a Resolution. It is
// stateless; the coordinator owns conflict lifecycle.
type Engine struct {
	logger *slog.Logger
}

// New creates an engine. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Resolve applies the strategy to the conflict. Manual values are required
// for the manual strategy and optional per disputed field for merge.
//
// The resolved version is max(committedVersion, remoteVersion)+1, so the
// discarded side's version is still observed and never re-processed.
func (e *Engine) Resolve(c graph.Conflict, strategy graph.Strategy, manual graph.Fields) (graph.Resolution, error) {
	if !strategy.Valid() {
		return graph.Resolution{}, syncErrors.NewWithComponent(syncErrors.OpResolve, "resolver",
			fmt.Errorf("unknown strategy %q", strategy))
	}

	res := graph.Resolution{
		ConflictID:      c.ID,
		EntityID:        c.EntityID,
		Strategy:        strategy,
		ResolvedVersion: resolvedVersion(c),
	}

	switch strategy {
	case graph.StrategyRemoteWins:
		res.Data = c.CommittedData.Overlay(c.RemoteFields)
		res.Decision = "keep_remote"
		res.Reasons = []string{"remote wins policy"}

	case graph.StrategyLocalWins:
		res.Data = c.CommittedData.Overlay(c.LocalFields)
		res.Decision = "keep_local"
		res.Reasons = []string{"local wins policy"}

	case graph.StrategyMerge:
		res.Data = mergeFields(c, manual)
		res.Decision = "merge"
		res.Reasons = []string{"field-level merge"}

	case graph.StrategyLatestTimestamp:
		// Later side wins wholesale; exact tie goes to the remote authority
		// for deterministic convergence.
		if c.RemoteTimestamp.Before(c.LocalEditAt) {
			res.Data = c.CommittedData.Overlay(c.LocalFields)
			res.Decision = "keep_local"
			res.Reasons = []string{"local edit is newer"}
		} else {
			res.Data = c.CommittedData.Overlay(c.RemoteFields)
			res.Decision = "keep_remote"
			if c.RemoteTimestamp.Equal(c.LocalEditAt) {
				res.Reasons = []string{"timestamp tie, prefer remote"}
			} else {
				res.Reasons = []string{"remote update is newer"}
			}
		}

	case graph.StrategyManual:
		if err := validateManual(c, manual); err != nil {
			return graph.Resolution{}, err
		}
		res.Data = manual.Clone()
		res.Decision = "manual"
		res.Reasons = []string{"caller supplied resolution"}
	}

	e.logger.Debug("conflict resolved",
		"conflict_id", c.ID,
		"entity_id", c.EntityID,
		"strategy", strategy,
		"decision", res.Decision,
		"resolved_version", res.ResolvedVersion)

	return res, nil
}

// mergeFields starts from the remote changed fields over the committed
// baseline, keeps non-disputed local fields as-is, then settles each disputed
// field from the caller's values, defaulting to the remote value.
func mergeFields(c graph.Conflict, manual graph.Fields) graph.Fields {
	disputed := make(map[string]struct{}, len(c.DisputedFields))
	for _, f := range c.DisputedFields {
		disputed[f] = struct{}{}
	}

	out := c.CommittedData.Overlay(c.RemoteFields)
	for k, v := range c.LocalFields {
		if _, isDisputed := disputed[k]; !isDisputed {
			out[k] = v
		}
	}
	for f := range disputed {
		if v, ok := manual[f]; ok {
			out[f] = v
		}
		// Otherwise the remote value already layered in stands.
	}
	return out
}

func validateManual(c graph.Conflict, manual graph.Fields) error {
	if len(manual) == 0 {
		return syncErrors.NewInvalidManualResolution(string(c.EntityID),
			fmt.Errorf("manual resolution requires a non-empty field mapping"))
	}
	for name, v := range manual {
		if name == "" {
			return syncErrors.NewInvalidManualResolution(string(c.EntityID),
				fmt.Errorf("manual resolution contains an empty field name"))
		}
		if !wellFormedValue(v) {
			return syncErrors.NewInvalidManualResolution(string(c.EntityID),
				fmt.Errorf("manual resolution field %q has unsupported value type %T", name, v))
		}
	}
	return nil
}

// wellFormedValue accepts the JSON-compatible value shapes entities carry.
func wellFormedValue(v any) bool {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	case []any:
		for _, item := range val {
			if !wellFormedValue(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range val {
			if !wellFormedValue(item) {
				return false
			}
		}
		return true
	case graph.Fields:
		for _, item := range val {
			if !wellFormedValue(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func resolvedVersion(c graph.Conflict) uint64 {
	v := c.CommittedVersion
	if c.RemoteVersion > v {
		v = c.RemoteVersion
	}
	return v + 1
}
