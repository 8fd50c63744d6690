package session

import (
	"context"
	"reflect"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/finagent/internal/errs"
)

// rehydrateDeltaLimit caps how many recent tool deltas ride along with the
// snapshot when a session is rehydrated.
const rehydrateDeltaLimit = 20

// Service layers rehydration and snapshot diffing over the repository.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService wires the session service.
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("module", "session").Logger()}
}

// RecordToolDelta stores one tool invocation.
func (s *Service) RecordToolDelta(ctx context.Context, sessionID, toolName string,
	input, output map[string]interface{}) (map[string]interface{}, error) {

	deltaID, err := s.repo.AppendToolDelta(ctx, sessionID, toolName, input, output)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session_id": sessionID,
		"tool_name":  toolName,
		"delta_id":   deltaID,
	}, nil
}

// SaveSnapshot stores one full session state capture.
func (s *Service) SaveSnapshot(ctx context.Context, sessionID string,
	state map[string]interface{}) (map[string]interface{}, error) {

	snapshotID, err := s.repo.SaveSnapshot(ctx, sessionID, state)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session_id":  sessionID,
		"snapshot_id": snapshotID,
	}, nil
}

// Rehydrate returns the latest snapshot plus the recent tool deltas, enough
// for a fresh process to resume the session.
func (s *Service) Rehydrate(ctx context.Context, sessionID string) (map[string]interface{}, error) {
	snap, err := s.repo.LatestSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	deltas, err := s.repo.ListToolDeltas(ctx, sessionID, rehydrateDeltaLimit)
	if err != nil {
		return nil, err
	}
	recent := make([]map[string]interface{}, 0, len(deltas))
	for _, delta := range deltas {
		recent = append(recent, map[string]interface{}{
			"delta_id":   delta.ID,
			"tool_name":  delta.ToolName,
			"input":      delta.Input,
			"output":     delta.Output,
			"created_at": delta.CreatedAt,
		})
	}
	return map[string]interface{}{
		"session_id": sessionID,
		"snapshot": map[string]interface{}{
			"snapshot_id": snap.ID,
			"created_at":  snap.CreatedAt,
		},
		"state":              snap.State,
		"recent_tool_deltas": recent,
	}, nil
}

// Diff compares the two most recent snapshots of a session and returns the
// flattened change list.
func (s *Service) Diff(ctx context.Context, sessionID string) (map[string]interface{}, error) {
	snapshots, err := s.repo.ListSnapshots(ctx, sessionID, 2)
	if err != nil {
		return nil, err
	}
	if len(snapshots) < 2 {
		return nil, errs.Invalid("need at least 2 snapshots for session diff session_id=%s", sessionID)
	}
	latest, previous := snapshots[0], snapshots[1]

	changes := []map[string]interface{}{}
	flattenStateDiff("", previous.State, latest.State, &changes)

	return map[string]interface{}{
		"session_id":           sessionID,
		"latest_snapshot_id":   latest.ID,
		"previous_snapshot_id": previous.ID,
		"changes":              changes,
		"change_count":         len(changes),
	}, nil
}

func changeEntry(path, changeType string, before, after interface{}) map[string]interface{} {
	if path == "" {
		path = "$"
	}
	return map[string]interface{}{
		"path":        path,
		"change_type": changeType,
		"before":      before,
		"after":       after,
	}
}

// flattenStateDiff walks two states and appends one entry per leaf change.
// Maps recurse with dotted paths; lists and scalars compare wholesale.
func flattenStateDiff(path string, before, after interface{}, changes *[]map[string]interface{}) {
	beforeMap, beforeIsMap := before.(map[string]interface{})
	afterMap, afterIsMap := after.(map[string]interface{})
	if beforeIsMap && afterIsMap {
		keys := make(map[string]bool, len(beforeMap)+len(afterMap))
		for key := range beforeMap {
			keys[key] = true
		}
		for key := range afterMap {
			keys[key] = true
		}
		sorted := make([]string, 0, len(keys))
		for key := range keys {
			sorted = append(sorted, key)
		}
		sort.Strings(sorted)

		for _, key := range sorted {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			beforeValue, inBefore := beforeMap[key]
			afterValue, inAfter := afterMap[key]
			switch {
			case !inBefore:
				*changes = append(*changes, changeEntry(childPath, "added", nil, afterValue))
			case !inAfter:
				*changes = append(*changes, changeEntry(childPath, "removed", beforeValue, nil))
			default:
				flattenStateDiff(childPath, beforeValue, afterValue, changes)
			}
		}
		return
	}

	if !reflect.DeepEqual(before, after) {
		*changes = append(*changes, changeEntry(path, "changed", before, after))
	}
}
