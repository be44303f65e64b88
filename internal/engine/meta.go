package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaysync/internal/bso"
)

const (
	MetaCollection = "meta"
	MetaGlobalID   = "global"
)

type engineMeta struct {
	Version int    `json:"version"`
	SyncID  string `json:"syncID"`
}

// metaGlobal is the shared meta/global record. Unknown top-level fields
// written by other clients are kept.
type metaGlobal struct {
	engines map[string]engineMeta
	rest    map[string]json.RawMessage
}

func decodeMetaGlobal(payload string) (metaGlobal, error) {
	m := metaGlobal{engines: map[string]engineMeta{}, rest: map[string]json.RawMessage{}}
	if payload == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(payload), &m.rest); err != nil {
		return m, err
	}
	if raw, ok := m.rest["engines"]; ok {
		if err := json.Unmarshal(raw, &m.engines); err != nil {
			return m, err
		}
		delete(m.rest, "engines")
	}
	if m.engines == nil {
		m.engines = map[string]engineMeta{}
	}
	return m, nil
}

func (m metaGlobal) encode() (string, error) {
	out := make(map[string]any, len(m.rest)+1)
	for k, v := range m.rest {
		out[k] = v
	}
	out["engines"] = m.engines
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// syncStartup reconciles this engine's version and syncID with meta/global.
func (e *Engine) syncStartup(ctx context.Context) error {
	var (
		fetched bso.BSO
		found   = true
	)
	err := e.call(ctx, "get meta/global", func(ctx context.Context) error {
		var err error
		fetched, err = e.remote.GetBSO(ctx, MetaCollection, MetaGlobalID)
		return err
	})
	switch {
	case errors.Is(err, ErrNotFound):
		found = false
	case err != nil:
		return err
	}

	meta, err := decodeMetaGlobal(fetched.Payload)
	if err != nil {
		e.logger.Warn(ctx, "meta/global is not valid json, replacing", "engine", e.name, "error", err)
		meta = metaGlobal{engines: map[string]engineMeta{}, rest: map[string]json.RawMessage{}}
	}
	remote := meta.engines[e.name]
	st := e.snapshotState()

	switch {
	case remote.Version < e.version:
		e.logger.Info(ctx, "engine data outdated, wiping server", "engine", e.name,
			"remote_version", remote.Version, "version", e.version)
		syncID := bso.MakeGUID()
		if err := e.call(ctx, "wipe server", func(ctx context.Context) error {
			err := e.remote.DeleteCollection(ctx, e.name)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}); err != nil {
			return err
		}
		st.SyncID = syncID
		st.LastSync = 0
		st.LastSyncLocal = 0

		meta.engines[e.name] = engineMeta{Version: e.version, SyncID: syncID}
		payload, err := meta.encode()
		if err != nil {
			return err
		}
		since := fetched.Modified
		if !found {
			since = 0
		}
		if err := e.call(ctx, "put meta/global", func(ctx context.Context) error {
			_, err := e.remote.PutBSO(ctx, MetaCollection, bso.BSO{ID: MetaGlobalID, Payload: payload}, since)
			return err
		}); err != nil {
			return fmt.Errorf("update meta/global: %w", err)
		}
	case remote.Version > e.version:
		return fmt.Errorf("%w: remote version %d, engine version %d", ErrVersionOutOfDate, remote.Version, e.version)
	case remote.SyncID != st.SyncID:
		e.logger.Info(ctx, "engine syncID changed, resetting client", "engine", e.name,
			"remote_sync_id", remote.SyncID, "sync_id", st.SyncID)
		st.SyncID = remote.SyncID
		st.LastSync = 0
		st.LastSyncLocal = 0
	default:
		return nil
	}
	return e.storeState(st)
}
