package engine_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/client"
	"github.com/agentworkforce/relaysync/internal/cryptox"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/storage"
	"github.com/agentworkforce/relaysync/internal/tracker"
)

const coll = "items"

// item is a record whose identity for duplicate detection is Name.
type item struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (i *item) RecordID() string { return i.ID }
func (i *item) IsDeleted() bool  { return false }
func (i *item) SortIndex() *int  { return nil }
func (i *item) TTL() *int        { return nil }

type memStore struct {
	mu    sync.Mutex
	items map[string]item
}

func newMemStore(items ...item) *memStore {
	s := &memStore{items: map[string]item{}}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func (s *memStore) get(id string) (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	return it, ok
}

func (s *memStore) put(it item) {
	s.mu.Lock()
	s.items[it.ID] = it
	s.mu.Unlock()
}

func (s *memStore) remove(id string) {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

func (s *memStore) DecodeRecord(id string, cleartext []byte) (engine.Record, error) {
	var raw struct {
		item
		Deleted bool `json:"deleted"`
	}
	if err := json.Unmarshal(cleartext, &raw); err != nil {
		return nil, err
	}
	if raw.Deleted {
		return engine.Tombstone{ID: id}, nil
	}
	it := raw.item
	it.ID = id
	return &it, nil
}

func (s *memStore) ItemExists(_ context.Context, id string) (bool, error) {
	_, ok := s.get(id)
	return ok, nil
}

func (s *memStore) CreateRecord(_ context.Context, id string) (engine.Record, error) {
	it, ok := s.get(id)
	if !ok {
		return engine.Tombstone{ID: id}, nil
	}
	return &it, nil
}

func (s *memStore) FindDupe(_ context.Context, rec engine.Record) (string, error) {
	it, ok := rec.(*item)
	if !ok {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.items {
		if existing.Name == it.Name && id != it.ID {
			return id, nil
		}
	}
	return "", nil
}

func (s *memStore) ApplyIncoming(_ context.Context, rec engine.Record) engine.Result {
	if rec.IsDeleted() {
		s.remove(rec.RecordID())
		return engine.AppliedResult()
	}
	it := rec.(*item)
	if it.Value == "reject" {
		return engine.FailedResult(nil)
	}
	s.put(*it)
	return engine.AppliedResult()
}

func (s *memStore) ApplyIncomingBatch(ctx context.Context, recs []engine.Record) ([]string, error) {
	var failed []string
	for _, rec := range recs {
		if res := s.ApplyIncoming(ctx, rec); res.Status == engine.Failed {
			failed = append(failed, rec.RecordID())
		}
	}
	return failed, nil
}

func (s *memStore) ChangeItemID(_ context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[oldID]
	if !ok {
		return engine.ErrNotFound
	}
	delete(s.items, oldID)
	it.ID = newID
	s.items[newID] = it
	return nil
}

func (s *memStore) GetAllIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) Wipe(context.Context) error {
	s.mu.Lock()
	s.items = map[string]item{}
	s.mu.Unlock()
	return nil
}

type peer struct {
	engine  *engine.Engine
	store   *memStore
	tracker *tracker.Tracker
}

type peerOptions struct {
	remote    engine.Remote
	version   int
	statePath string
	retries   int
}

func newPeer(t *testing.T, opts peerOptions, items ...item) *peer {
	t.Helper()
	store := newMemStore(items...)
	tr := tracker.New(tracker.Options{Name: coll})
	e, err := engine.New(engine.Options{
		Name:               coll,
		Version:            opts.version,
		Remote:             opts.remote,
		Store:              store,
		Tracker:            tr,
		Crypto:             cryptox.Plaintext{},
		StatePath:          opts.statePath,
		MaxConflictRetries: opts.retries,
	})
	require.NoError(t, err)
	return &peer{engine: e, store: store, tracker: tr}
}

// change edits an item locally and records it like an observer would.
func (p *peer) change(it item) {
	p.store.put(it)
	p.tracker.OnLocalChange(it.ID)
}

func (p *peer) delete(id string) {
	p.store.remove(id)
	p.tracker.OnLocalChange(id)
}

func newServerStore(t *testing.T) *storage.Store {
	t.Helper()
	store := storage.NewStore(storage.Options{})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFirstSyncRoundTrip(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)

	a := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")},
		item{ID: "x", Name: "x", Value: "1"},
		item{ID: "y", Name: "y", Value: "2"},
	)
	report, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)
	assert.Positive(t, report.LastSync)
	assert.Equal(t, engine.Idle, a.engine.State())
	assert.NotEmpty(t, a.engine.SyncID())

	b := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")})
	report, err = b.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Downloaded)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 0, report.Uploaded)
	assert.Equal(t, a.engine.SyncID(), b.engine.SyncID())

	got, ok := b.store.get("y")
	require.True(t, ok)
	assert.Equal(t, "2", got.Value)
	assert.Empty(t, b.tracker.ChangedIDs(), "applied records must not be tracked")

	// Nothing changed: a second cycle moves no records.
	report, err = b.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Downloaded)
	assert.Zero(t, report.Uploaded)
}

func TestIncrementalChangesAndDeletes(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)
	a := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")},
		item{ID: "x", Name: "x", Value: "1"},
		item{ID: "y", Name: "y", Value: "2"},
	)
	b := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")})
	_, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	_, err = b.engine.Sync(ctx)
	require.NoError(t, err)

	a.change(item{ID: "x", Name: "x", Value: "changed"})
	a.delete("y")
	assert.Equal(t, 2*tracker.ScoreSmall, a.engine.Score())

	report, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Uploaded)
	assert.Zero(t, a.engine.Score())

	report, err = b.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Downloaded)
	got, ok := b.store.get("x")
	require.True(t, ok)
	assert.Equal(t, "changed", got.Value)
	_, ok = b.store.get("y")
	assert.False(t, ok)
}

// racingRemote writes a competing version of a record just before each of
// the first n uploads of it.
type racingRemote struct {
	engine.Remote
	competitor engine.Remote
	id         string
	remaining  int
}

func (r *racingRemote) PutBSO(ctx context.Context, c string, b bso.BSO, since bso.Timestamp) (bso.Timestamp, error) {
	if c == coll && b.ID == r.id && r.remaining > 0 {
		r.remaining--
		payload, _ := json.Marshal(item{ID: r.id, Name: r.id, Value: "theirs"})
		if _, err := r.competitor.PutBSO(ctx, c, bso.BSO{ID: r.id, Payload: string(payload)}, 0); err != nil {
			return 0, err
		}
	}
	return r.Remote.PutBSO(ctx, c, b, since)
}

// interleavingRemote runs before once, just ahead of the first upload.
type interleavingRemote struct {
	engine.Remote
	before func()
}

func (r *interleavingRemote) PutBSO(ctx context.Context, c string, b bso.BSO, since bso.Timestamp) (bso.Timestamp, error) {
	if r.before != nil {
		r.before()
		r.before = nil
	}
	return r.Remote.PutBSO(ctx, c, b, since)
}

func TestRecordWrittenDuringUploadIsDownloadedLater(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)
	remote := &interleavingRemote{Remote: client.NewLocal(server, "alice")}
	a := newPeer(t, peerOptions{remote: remote}, item{ID: "x", Name: "x", Value: "1"})
	b := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")})
	_, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	_, err = b.engine.Sync(ctx)
	require.NoError(t, err)

	// b writes z after a downloaded but before a's own PUT lands.
	remote.before = func() {
		b.change(item{ID: "z", Name: "z", Value: "from b"})
		_, err := b.engine.Sync(ctx)
		require.NoError(t, err)
	}
	a.change(item{ID: "x", Name: "x", Value: "2"})
	report, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	stored, err := server.GetBSO(ctx, "alice", coll, "z", 0)
	require.NoError(t, err)
	assert.Less(t, a.engine.LastSync(), stored.Modified, "lastSync must not pass an unseen record")

	report, err = a.engine.Sync(ctx)
	require.NoError(t, err)
	got, ok := a.store.get("z")
	require.True(t, ok, "z must reach a on the next cycle")
	assert.Equal(t, "from b", got.Value)
	assert.Zero(t, report.Uploaded, "our own records come back equal and are not re-sent")

	// Once caught up, a cycle with no changes moves nothing.
	report, err = a.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Downloaded)
}

func TestConflictRemergesBeforeRetry(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)
	remote := &racingRemote{Remote: client.NewLocal(server, "alice"), competitor: client.NewLocal(server, "alice"), id: "x"}
	a := newPeer(t, peerOptions{remote: remote}, item{ID: "x", Name: "x", Value: "1"})
	_, err := a.engine.Sync(ctx)
	require.NoError(t, err)

	remote.remaining = 1
	a.change(item{ID: "x", Name: "x", Value: "ours"})
	report, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Conflicts)
	assert.Equal(t, 1, report.Uploaded)

	// The competing write was merged locally before the retry.
	local, _ := a.store.get("x")
	assert.Equal(t, "theirs", local.Value)
	stored, err := server.GetBSO(ctx, "alice", coll, "x", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x","name":"x","value":"theirs"}`, stored.Payload)
	assert.Empty(t, a.tracker.ChangedIDs())
}

func TestConflictGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)
	remote := &racingRemote{Remote: client.NewLocal(server, "alice"), competitor: client.NewLocal(server, "alice"), id: "x"}
	a := newPeer(t, peerOptions{remote: remote, retries: 2}, item{ID: "x", Name: "x", Value: "1"})
	_, err := a.engine.Sync(ctx)
	require.NoError(t, err)

	remote.remaining = 100
	a.change(item{ID: "x", Name: "x", Value: "ours"})
	report, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, report.Conflicts)
	assert.Equal(t, 97, remote.remaining, "one attempt plus two retries")
	assert.Contains(t, a.tracker.ChangedIDs(), "x", "unresolved conflicts stay queued")
}

func TestMalformedRecordsAreSkipped(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)
	remote := client.NewLocal(server, "alice")
	a := newPeer(t, peerOptions{remote: remote}, item{ID: "x", Name: "x", Value: "1"})
	_, err := a.engine.Sync(ctx)
	require.NoError(t, err)

	garbage := "not json"
	_, err = server.PutBSO(ctx, "alice", coll, "broken", storage.PutRequest{Payload: &garbage})
	require.NoError(t, err)
	good, _ := json.Marshal(item{ID: "z", Name: "z", Value: "3"})
	goodPayload := string(good)
	_, err = server.PutBSO(ctx, "alice", coll, "z", storage.PutRequest{Payload: &goodPayload})
	require.NoError(t, err)

	b := newPeer(t, peerOptions{remote: remote})
	report, err := b.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, report.Malformed)
	assert.Equal(t, 2, report.Applied)
	_, ok := b.store.get("z")
	assert.True(t, ok)
}

func TestApplyFailuresAreReported(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)
	a := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")}, item{ID: "x", Name: "x", Value: "reject"})
	_, err := a.engine.Sync(ctx)
	require.NoError(t, err)

	b := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")})
	report, err := b.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, report.Failed)
	assert.Zero(t, report.Applied)
}

// hookRemote runs before on every CollectionInfo call.
type hookRemote struct {
	engine.Remote
	before func()
}

func (h *hookRemote) CollectionInfo(ctx context.Context) (map[string]bso.Timestamp, error) {
	if h.before != nil {
		h.before()
	}
	return h.Remote.CollectionInfo(ctx)
}

func TestCancellationKeepsStateAndPendingChanges(t *testing.T) {
	server := newServerStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	remote := &hookRemote{Remote: client.NewLocal(server, "alice"), before: cancel}
	statePath := filepath.Join(t.TempDir(), "items.json")
	a := newPeer(t, peerOptions{remote: remote, statePath: statePath}, item{ID: "x", Name: "x", Value: "1"})

	_, err := a.engine.Sync(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, engine.KindCanceled, engine.Classify(err))
	assert.Equal(t, engine.Error, a.engine.State())
	assert.Zero(t, a.engine.LastSync())
	assert.Contains(t, a.tracker.ChangedIDs(), "x")

	remote.before = nil
	report, err := a.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)

	reloaded := newPeer(t, peerOptions{remote: remote, statePath: statePath})
	assert.Equal(t, a.engine.LastSync(), reloaded.engine.LastSync())
	assert.Equal(t, a.engine.SyncID(), reloaded.engine.SyncID())
}

func TestConcurrentSyncIsRejected(t *testing.T) {
	server := newServerStore(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	remote := &hookRemote{Remote: client.NewLocal(server, "alice"), before: func() {
		close(entered)
		<-release
	}}
	a := newPeer(t, peerOptions{remote: remote})

	done := make(chan error, 1)
	go func() {
		_, err := a.engine.Sync(context.Background())
		done <- err
	}()
	<-entered
	_, err := a.engine.Sync(context.Background())
	assert.ErrorIs(t, err, engine.ErrSyncInProgress)
	close(release)
	require.NoError(t, <-done)
}

func TestDuplicateKeepsPreferredID(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)

	t.Run("local id wins", func(t *testing.T) {
		a := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")}, item{ID: "zz", Name: "same", Value: "1"})
		_, err := a.engine.Sync(ctx)
		require.NoError(t, err)

		b := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")}, item{ID: "aa", Name: "same", Value: "1"})
		_, err = b.engine.Sync(ctx)
		require.NoError(t, err)

		_, ok := b.store.get("zz")
		assert.False(t, ok)
		_, ok = b.store.get("aa")
		assert.True(t, ok)
		_, err = server.GetBSO(ctx, "alice", coll, "zz", 0)
		assert.ErrorIs(t, err, storage.ErrNotFound, "the losing id is deleted remotely")
		_, err = server.GetBSO(ctx, "alice", coll, "aa", 0)
		assert.NoError(t, err)
	})

	t.Run("incoming id wins", func(t *testing.T) {
		require.NoError(t, server.DeleteAll(ctx, "alice"))
		a := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")}, item{ID: "bb", Name: "other", Value: "1"})
		_, err := a.engine.Sync(ctx)
		require.NoError(t, err)

		b := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")}, item{ID: "yy", Name: "other", Value: "1"})
		_, err = b.engine.Sync(ctx)
		require.NoError(t, err)

		_, ok := b.store.get("yy")
		assert.False(t, ok)
		got, ok := b.store.get("bb")
		require.True(t, ok)
		assert.Equal(t, "other", got.Name)
		_, err = server.GetBSO(ctx, "alice", coll, "yy", 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestMetaGlobalVersioning(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)
	remote := client.NewLocal(server, "alice")

	old := newPeer(t, peerOptions{remote: remote, version: 1}, item{ID: "x", Name: "x", Value: "1"})
	_, err := old.engine.Sync(ctx)
	require.NoError(t, err)
	oldID := old.engine.SyncID()

	upgraded := newPeer(t, peerOptions{remote: remote, version: 2})
	report, err := upgraded.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Downloaded, "outdated server data is wiped, not downloaded")
	assert.NotEqual(t, oldID, upgraded.engine.SyncID())

	_, err = old.engine.Sync(ctx)
	require.ErrorIs(t, err, engine.ErrVersionOutOfDate)
	assert.Equal(t, engine.KindVersionOutOfDate, engine.Classify(err))

	meta, err := server.GetBSO(ctx, "alice", engine.MetaCollection, engine.MetaGlobalID, 0)
	require.NoError(t, err)
	var decoded struct {
		Engines map[string]struct {
			Version int    `json:"version"`
			SyncID  string `json:"syncID"`
		} `json:"engines"`
	}
	require.NoError(t, json.Unmarshal([]byte(meta.Payload), &decoded))
	assert.Equal(t, 2, decoded.Engines[coll].Version)
	assert.Equal(t, upgraded.engine.SyncID(), decoded.Engines[coll].SyncID)
}

func TestSyncIDChangeResetsClient(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)
	remote := client.NewLocal(server, "alice")
	a := newPeer(t, peerOptions{remote: remote}, item{ID: "x", Name: "x", Value: "1"})
	b := newPeer(t, peerOptions{remote: remote})
	_, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	_, err = b.engine.Sync(ctx)
	require.NoError(t, err)

	// A wipes the server; its next first sync re-announces a new syncID.
	require.NoError(t, a.engine.WipeServer(ctx))
	require.NoError(t, server.DeleteCollection(ctx, "alice", engine.MetaCollection, 0))
	_, err = a.engine.Sync(ctx)
	require.NoError(t, err)

	_, err = b.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.engine.SyncID(), b.engine.SyncID())
}

func TestWipeClientAndCanDecrypt(t *testing.T) {
	ctx := context.Background()
	server := newServerStore(t)
	a := newPeer(t, peerOptions{remote: client.NewLocal(server, "alice")}, item{ID: "x", Name: "x", Value: "1"})
	assert.False(t, a.engine.CanDecrypt(ctx))
	_, err := a.engine.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, a.engine.CanDecrypt(ctx))

	a.change(item{ID: "y", Name: "y"})
	require.NoError(t, a.engine.WipeClient(ctx))
	ids, _ := a.store.GetAllIDs(ctx)
	assert.Empty(t, ids)
	assert.Empty(t, a.tracker.ChangedIDs())
	assert.Zero(t, a.engine.LastSync())
}

func TestTriggerCoalesces(t *testing.T) {
	a := newPeer(t, peerOptions{remote: client.NewLocal(newServerStore(t), "alice")})
	assert.True(t, a.engine.Trigger())
	assert.False(t, a.engine.Trigger())
	select {
	case <-a.engine.Triggered():
	case <-time.After(time.Second):
		t.Fatal("trigger not delivered")
	}
	assert.True(t, a.engine.Trigger())
}
