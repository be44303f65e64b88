package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/fsutil"
)

// MemoryBackend keeps everything in maps. When created with a path it writes
// a JSON snapshot after every mutation and loads it on open.
type MemoryBackend struct {
	mu    sync.RWMutex
	path  string
	users map[string]map[string]*memCollection
}

type memCollection struct {
	meta CollectionMeta
	bsos map[string]bso.BSO
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{users: map[string]map[string]*memCollection{}}
}

// NewFileBackend returns a MemoryBackend persisted to path.
func NewFileBackend(path string) (*MemoryBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := NewMemoryBackend()
	b.path = path
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MemoryBackend) Collections(_ context.Context, user string) ([]CollectionMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	colls := b.users[user]
	out := make([]CollectionMeta, 0, len(colls))
	for _, c := range colls {
		out = append(out, c.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *MemoryBackend) Collection(_ context.Context, user, name string) (CollectionMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.users[user][name]
	if !ok {
		return CollectionMeta{}, ErrNotFound
	}
	return c.meta, nil
}

func (b *MemoryBackend) EnsureCollection(_ context.Context, user, name string, created bso.Timestamp) (CollectionMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.users[user][name]; ok {
		return c.meta, nil
	}
	c := b.collectionLocked(user, name, created)
	if err := b.saveLocked(); err != nil {
		delete(b.users[user], name)
		return CollectionMeta{}, err
	}
	return c.meta, nil
}

func (b *MemoryBackend) ListBSOs(_ context.Context, user, coll string, newer bso.Timestamp) ([]bso.BSO, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.users[user][coll]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]bso.BSO, 0, len(c.bsos))
	for _, item := range c.bsos {
		if item.Modified > newer {
			out = append(out, cloneBSO(item))
		}
	}
	return out, nil
}

func (b *MemoryBackend) GetBSO(_ context.Context, user, coll, id string) (bso.BSO, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.users[user][coll]
	if !ok {
		return bso.BSO{}, ErrNotFound
	}
	item, ok := c.bsos[id]
	if !ok {
		return bso.BSO{}, ErrNotFound
	}
	return cloneBSO(item), nil
}

func (b *MemoryBackend) Apply(_ context.Context, user, coll string, modified bso.Timestamp, items []bso.BSO) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.collectionLocked(user, coll, modified)
	prevMeta := c.meta
	prev := make(map[string]*bso.BSO, len(items))
	for _, item := range items {
		if _, seen := prev[item.ID]; !seen {
			if old, ok := c.bsos[item.ID]; ok {
				prev[item.ID] = &old
			} else {
				prev[item.ID] = nil
			}
		}
		c.bsos[item.ID] = cloneBSO(item)
	}
	c.meta.Modified = modified
	if err := b.saveLocked(); err != nil {
		for id, old := range prev {
			if old == nil {
				delete(c.bsos, id)
			} else {
				c.bsos[id] = *old
			}
		}
		c.meta = prevMeta
		return err
	}
	return nil
}

func (b *MemoryBackend) DeleteCollection(_ context.Context, user, coll string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[user][coll]; !ok {
		return nil
	}
	delete(b.users[user], coll)
	if len(b.users[user]) == 0 {
		delete(b.users, user)
	}
	return b.saveLocked()
}

func (b *MemoryBackend) DeleteUser(_ context.Context, user string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[user]; !ok {
		return nil
	}
	delete(b.users, user)
	return b.saveLocked()
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) collectionLocked(user, name string, created bso.Timestamp) *memCollection {
	colls, ok := b.users[user]
	if !ok {
		colls = map[string]*memCollection{}
		b.users[user] = colls
	}
	c, ok := colls[name]
	if !ok {
		c = &memCollection{
			meta: CollectionMeta{Name: name, Created: created},
			bsos: map[string]bso.BSO{},
		}
		colls[name] = c
	}
	return c
}

type snapshotBSO struct {
	ID        string `json:"id"`
	Modified  int64  `json:"modified"`
	Payload   string `json:"payload,omitempty"`
	SortIndex *int   `json:"sortindex,omitempty"`
	TTL       *int   `json:"ttl,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

type snapshotCollection struct {
	Created  int64         `json:"created"`
	Modified int64         `json:"modified"`
	BSOs     []snapshotBSO `json:"bsos"`
}

type snapshot struct {
	Users map[string]map[string]snapshotCollection `json:"users"`
}

func (b *MemoryBackend) saveLocked() error {
	if b.path == "" {
		return nil
	}
	snap := snapshot{Users: make(map[string]map[string]snapshotCollection, len(b.users))}
	for user, colls := range b.users {
		out := make(map[string]snapshotCollection, len(colls))
		for name, c := range colls {
			sc := snapshotCollection{
				Created:  int64(c.meta.Created),
				Modified: int64(c.meta.Modified),
				BSOs:     make([]snapshotBSO, 0, len(c.bsos)),
			}
			for _, item := range c.bsos {
				sc.BSOs = append(sc.BSOs, snapshotBSO{
					ID:        item.ID,
					Modified:  int64(item.Modified),
					Payload:   item.Payload,
					SortIndex: item.SortIndex,
					TTL:       item.TTL,
					Deleted:   item.Deleted,
				})
			}
			sort.Slice(sc.BSOs, func(i, j int) bool { return sc.BSOs[i].ID < sc.BSOs[j].ID })
			out[name] = sc
		}
		snap.Users[user] = out
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(b.path, data, 0o600)
}

func (b *MemoryBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	for user, colls := range snap.Users {
		for name, sc := range colls {
			c := b.collectionLocked(user, name, bso.Timestamp(sc.Created))
			c.meta.Modified = bso.Timestamp(sc.Modified)
			for _, item := range sc.BSOs {
				c.bsos[item.ID] = bso.BSO{
					ID:        item.ID,
					Modified:  bso.Timestamp(item.Modified),
					Payload:   item.Payload,
					SortIndex: item.SortIndex,
					TTL:       item.TTL,
					Deleted:   item.Deleted,
				}
			}
		}
	}
	return nil
}

func cloneBSO(in bso.BSO) bso.BSO {
	out := in
	if in.SortIndex != nil {
		v := *in.SortIndex
		out.SortIndex = &v
	}
	if in.TTL != nil {
		v := *in.TTL
		out.TTL = &v
	}
	return out
}
