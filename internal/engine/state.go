package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/fsutil"
)

// State is the engine's position in a sync cycle.
type State int

const (
	Idle State = iota
	FetchingMeta
	Downloading
	Applying
	Uploading
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingMeta:
		return "fetching_meta"
	case Downloading:
		return "downloading"
	case Applying:
		return "applying"
	case Uploading:
		return "uploading"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// persisted is the per-engine state kept between runs.
type persisted struct {
	LastSync      bso.Timestamp `json:"lastSync"`
	LastSyncLocal int64         `json:"lastSyncLocal"`
	SyncID        string        `json:"syncID"`
}

func loadState(path string) (persisted, error) {
	if path == "" {
		return persisted{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return persisted{}, nil
	}
	if err != nil {
		return persisted{}, err
	}
	var st persisted
	if err := json.Unmarshal(data, &st); err != nil {
		return persisted{}, fmt.Errorf("decode engine state %s: %w", path, err)
	}
	return st, nil
}

func saveState(path string, st persisted) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}
