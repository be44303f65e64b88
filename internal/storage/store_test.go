package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/bso"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testUserCounter uint64

func uniqueUser() string {
	return fmt.Sprintf("u%d-%d", time.Now().UnixNano(), atomic.AddUint64(&testUserCounter, 1))
}

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }

type backendFactory func(t *testing.T) Backend

func backendMatrix() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
		"file": func(t *testing.T) Backend {
			b, err := NewFileBackend(filepath.Join(t.TempDir(), "store.json"))
			require.NoError(t, err)
			return b
		},
		"sqlite-file": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "store.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"sqlite-memory": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func TestStoreSemanticsAcrossBackends(t *testing.T) {
	for name, factory := range backendMatrix() {
		t.Run(name, func(t *testing.T) {
			runStoreSemantics(t, factory)
		})
	}
}

func runStoreSemantics(t *testing.T, newBackend backendFactory) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Store, *testClock, string) {
		clock := newTestClock()
		store := NewStore(Options{Backend: newBackend(t), Now: clock.Now})
		return store, clock, uniqueUser()
	}

	t.Run("empty collection then insert", func(t *testing.T) {
		store, clock, user := setup(t)

		info, err := store.CollectionInfo(ctx, user)
		require.NoError(t, err)
		assert.Empty(t, info)

		created, err := store.CreateCollection(ctx, user, "history")
		require.NoError(t, err)
		assert.Equal(t, bso.FromTime(clock.Now()), created)

		info, err = store.CollectionInfo(ctx, user)
		require.NoError(t, err)
		assert.Empty(t, info, "a collection without records is not listed")

		res, err := store.GetCollection(ctx, user, "history", GetOptions{})
		require.NoError(t, err)
		assert.Empty(t, res.BSOs)
		assert.Equal(t, created, res.Timestamp)

		clock.Advance(time.Second)
		put, err := store.PutBSO(ctx, user, "history", "bso1", PutRequest{Payload: strptr(`{"foo":"bar"}`)})
		require.NoError(t, err)
		assert.True(t, put.Created)

		res, err = store.GetCollection(ctx, user, "history", GetOptions{})
		require.NoError(t, err)
		require.Len(t, res.BSOs, 1)
		assert.Equal(t, 1, res.Count)
		assert.Equal(t, `{"foo":"bar"}`, res.BSOs[0].Payload)

		info, err = store.CollectionInfo(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, map[string]bso.Timestamp{"history": put.Modified}, info)
	})

	t.Run("missing collection is not found", func(t *testing.T) {
		store, _, user := setup(t)
		_, err := store.GetCollection(ctx, user, "nope", GetOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetBSO(ctx, user, "nope", "id", 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("timestamps strictly increase with a frozen clock", func(t *testing.T) {
		store, _, user := setup(t)

		var last bso.Timestamp
		for i := 0; i < 5; i++ {
			res, err := store.PutBSO(ctx, user, "test", "id", PutRequest{Payload: strptr(fmt.Sprint(i))})
			require.NoError(t, err)
			assert.Greater(t, res.Modified, last)
			last = res.Modified
		}
		deleted, err := store.DeleteBSO(ctx, user, "test", "id", 0)
		require.NoError(t, err)
		assert.Greater(t, deleted, last)
	})

	t.Run("conditional get", func(t *testing.T) {
		store, _, user := setup(t)
		put, err := store.PutBSO(ctx, user, "test", "bso", PutRequest{Payload: strptr("x")})
		require.NoError(t, err)

		_, err = store.GetCollection(ctx, user, "test", GetOptions{IfModifiedSince: put.Modified})
		assert.ErrorIs(t, err, ErrNotModified)
		res, err := store.GetCollection(ctx, user, "test", GetOptions{IfModifiedSince: put.Modified - bso.Resolution})
		require.NoError(t, err)
		assert.Len(t, res.BSOs, 1)

		_, err = store.GetBSO(ctx, user, "test", "bso", put.Modified)
		assert.ErrorIs(t, err, ErrNotModified)
		got, err := store.GetBSO(ctx, user, "test", "bso", put.Modified-1)
		require.NoError(t, err)
		assert.Equal(t, "x", got.Payload)
	})

	t.Run("conditional put", func(t *testing.T) {
		store, clock, user := setup(t)
		first, err := store.PutBSO(ctx, user, "test", "myid", PutRequest{Payload: strptr("original")})
		require.NoError(t, err)
		clock.Advance(10 * time.Second)

		_, err = store.PutBSO(ctx, user, "test", "myid", PutRequest{
			Payload:           strptr("stale"),
			IfUnmodifiedSince: first.Modified - 5000,
		})
		require.ErrorIs(t, err, ErrPreconditionFailed)
		var pe *PreconditionError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, first.Modified, pe.Current)

		got, err := store.GetBSO(ctx, user, "test", "myid", 0)
		require.NoError(t, err)
		assert.Equal(t, "original", got.Payload)

		second, err := store.PutBSO(ctx, user, "test", "myid", PutRequest{
			Payload:           strptr("fresh"),
			IfUnmodifiedSince: first.Modified + 1,
		})
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.Greater(t, second.Modified, first.Modified)

		// a new record is checked against the collection timestamp
		created, err := store.PutBSO(ctx, user, "test", "none", PutRequest{
			Payload:           strptr("n"),
			IfUnmodifiedSince: second.Modified,
		})
		require.NoError(t, err)
		assert.True(t, created.Created)

		_, err = store.PutBSO(ctx, user, "test", "other", PutRequest{
			Payload:           strptr("n"),
			IfUnmodifiedSince: first.Modified,
		})
		assert.ErrorIs(t, err, ErrPreconditionFailed)
	})

	t.Run("partial update keeps stored fields", func(t *testing.T) {
		store, _, user := setup(t)
		_, err := store.PutBSO(ctx, user, "test", "a", PutRequest{Payload: strptr("p"), SortIndex: intptr(3)})
		require.NoError(t, err)
		_, err = store.PutBSO(ctx, user, "test", "a", PutRequest{SortIndex: intptr(9)})
		require.NoError(t, err)

		got, err := store.GetBSO(ctx, user, "test", "a", 0)
		require.NoError(t, err)
		assert.Equal(t, "p", got.Payload)
		require.NotNil(t, got.SortIndex)
		assert.Equal(t, 9, *got.SortIndex)
	})

	t.Run("delete", func(t *testing.T) {
		store, _, user := setup(t)
		_, err := store.CreateCollection(ctx, user, "empty")
		require.NoError(t, err)
		_, err = store.DeleteBSO(ctx, user, "empty", "nada", 0)
		assert.ErrorIs(t, err, ErrNotFound)

		put, err := store.PutBSO(ctx, user, "test", "myid", PutRequest{Payload: strptr("x")})
		require.NoError(t, err)

		_, err = store.DeleteBSO(ctx, user, "test", "myid", put.Modified-10)
		assert.ErrorIs(t, err, ErrPreconditionFailed)

		deleted, err := store.DeleteBSO(ctx, user, "test", "myid", put.Modified)
		require.NoError(t, err)
		assert.Greater(t, deleted, put.Modified)

		_, err = store.GetBSO(ctx, user, "test", "myid", 0)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.DeleteBSO(ctx, user, "test", "myid", 0)
		assert.ErrorIs(t, err, ErrNotFound)

		res, err := store.GetCollection(ctx, user, "test", GetOptions{})
		require.NoError(t, err)
		assert.Empty(t, res.BSOs)
		assert.Equal(t, deleted, res.Timestamp, "tombstones move the collection timestamp")

		again, err := store.PutBSO(ctx, user, "test", "myid", PutRequest{Payload: strptr("back")})
		require.NoError(t, err)
		assert.True(t, again.Created)
	})

	t.Run("collection query options", func(t *testing.T) {
		store, clock, user := setup(t)
		var stamps []bso.Timestamp
		for i, id := range []string{"c", "a", "b"} {
			clock.Advance(time.Second)
			res, err := store.PutBSO(ctx, user, "test", id, PutRequest{Payload: strptr(id), SortIndex: intptr(i)})
			require.NoError(t, err)
			stamps = append(stamps, res.Modified)
		}

		res, err := store.GetCollection(ctx, user, "test", GetOptions{Sort: SortOldest})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a", "b"}, ids(res.BSOs))

		res, err = store.GetCollection(ctx, user, "test", GetOptions{Sort: SortNewest, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, ids(res.BSOs))
		assert.Equal(t, 2, res.Count)

		res, err = store.GetCollection(ctx, user, "test", GetOptions{Sort: SortIndex})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a", "c"}, ids(res.BSOs))

		res, err = store.GetCollection(ctx, user, "test", GetOptions{Newer: stamps[0]})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids(res.BSOs))

		res, err = store.GetCollection(ctx, user, "test", GetOptions{IDs: []string{"c", "zz"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(res.BSOs))

		_, err = store.GetCollection(ctx, user, "test", GetOptions{Sort: "sideways"})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("batch post", func(t *testing.T) {
		store, _, user := setup(t)
		res, err := store.PostBSOs(ctx, user, "test", []BatchItem{
			{ID: "one", Payload: strptr("1")},
			{ID: "bad/id", Payload: strptr("x")},
			{ID: "two", Payload: strptr("2")},
			{ID: "one", Payload: strptr("1b")},
		}, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}, res.Success)
		assert.Contains(t, res.Failed, "bad/id")

		coll, err := store.GetCollection(ctx, user, "test", GetOptions{})
		require.NoError(t, err)
		require.Len(t, coll.BSOs, 2)
		for _, item := range coll.BSOs {
			assert.Equal(t, res.Modified, item.Modified)
		}
		one, err := store.GetBSO(ctx, user, "test", "one", 0)
		require.NoError(t, err)
		assert.Equal(t, "1b", one.Payload)

		_, err = store.PostBSOs(ctx, user, "test", []BatchItem{{ID: "three"}}, res.Modified-10)
		assert.ErrorIs(t, err, ErrPreconditionFailed)
	})

	t.Run("bulk delete by ids", func(t *testing.T) {
		store, _, user := setup(t)
		_, err := store.DeleteBSOs(ctx, user, "test", []string{"a"}, 0)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.PostBSOs(ctx, user, "test", []BatchItem{
			{ID: "a", Payload: strptr("a")},
			{ID: "b", Payload: strptr("b")},
			{ID: "c", Payload: strptr("c")},
		}, 0)
		require.NoError(t, err)

		modified, err := store.DeleteBSOs(ctx, user, "test", []string{"a", "c", "missing"}, 0)
		require.NoError(t, err)
		res, err := store.GetCollection(ctx, user, "test", GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(res.BSOs))
		assert.Equal(t, modified, res.Timestamp)
	})

	t.Run("delete collection and user", func(t *testing.T) {
		store, _, user := setup(t)
		for _, coll := range []string{"one", "two"} {
			_, err := store.PutBSO(ctx, user, coll, "x", PutRequest{Payload: strptr("x")})
			require.NoError(t, err)
		}
		require.NoError(t, store.DeleteCollection(ctx, user, "one", 0))
		_, err := store.GetCollection(ctx, user, "one", GetOptions{})
		assert.ErrorIs(t, err, ErrNotFound)

		info, err := store.CollectionInfo(ctx, user)
		require.NoError(t, err)
		assert.Len(t, info, 1)

		require.NoError(t, store.DeleteAll(ctx, user))
		info, err = store.CollectionInfo(ctx, user)
		require.NoError(t, err)
		assert.Empty(t, info)
	})

	t.Run("conditional collection delete", func(t *testing.T) {
		store, clock, user := setup(t)
		first, err := store.PutBSO(ctx, user, "test", "a", PutRequest{Payload: strptr("a")})
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = store.PutBSO(ctx, user, "test", "b", PutRequest{Payload: strptr("b")})
		require.NoError(t, err)

		err = store.DeleteCollection(ctx, user, "test", first.Modified)
		require.ErrorIs(t, err, ErrPreconditionFailed)
		res, err := store.GetCollection(ctx, user, "test", GetOptions{})
		require.NoError(t, err)
		assert.Len(t, res.BSOs, 2, "a rejected delete keeps the later write")

		require.NoError(t, store.DeleteCollection(ctx, user, "test", res.Timestamp))
		_, err = store.GetCollection(ctx, user, "test", GetOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ttl expiry hides records", func(t *testing.T) {
		store, clock, user := setup(t)
		_, err := store.PutBSO(ctx, user, "test", "short", PutRequest{Payload: strptr("x"), TTL: intptr(60)})
		require.NoError(t, err)
		_, err = store.GetBSO(ctx, user, "test", "short", 0)
		require.NoError(t, err)

		clock.Advance(61 * time.Second)
		_, err = store.GetBSO(ctx, user, "test", "short", 0)
		assert.ErrorIs(t, err, ErrNotFound)
		res, err := store.PutBSO(ctx, user, "test", "short", PutRequest{Payload: strptr("y")})
		require.NoError(t, err)
		assert.True(t, res.Created)
	})

	t.Run("invalid input", func(t *testing.T) {
		store, _, user := setup(t)
		_, err := store.PutBSO(ctx, user, "bad name!", "id", PutRequest{})
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = store.PutBSO(ctx, user, "test", "a/b", PutRequest{})
		assert.ErrorIs(t, err, ErrInvalidInput)
		big := string(make([]byte, DefaultMaxPayloadBytes+1))
		_, err = store.PutBSO(ctx, user, "test", "big", PutRequest{Payload: &big})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("concurrent writers get distinct timestamps", func(t *testing.T) {
		store, _, user := setup(t)
		const writers = 8
		results := make(chan bso.Timestamp, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := store.PutBSO(ctx, user, "test", fmt.Sprintf("id%d", i), PutRequest{Payload: strptr("x")})
				if err != nil {
					t.Errorf("put %d: %v", i, err)
					return
				}
				results <- res.Modified
			}(i)
		}
		wg.Wait()
		close(results)
		seen := map[bso.Timestamp]bool{}
		for ts := range results {
			assert.False(t, seen[ts], "duplicate timestamp %s", ts)
			seen[ts] = true
		}
		assert.Len(t, seen, writers)
	})
}

func TestStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})
	events, cancel := store.Subscribe("alice")

	other, cancelOther := store.Subscribe("bob")
	defer cancelOther()

	res, err := store.PutBSO(ctx, "alice", "history", "id", PutRequest{Payload: strptr("x")})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "history", ev.Collection)
		assert.Equal(t, res.Modified, ev.Modified)
	case <-time.After(time.Second):
		t.Fatalf("expected change event")
	}
	select {
	case ev := <-other:
		t.Fatalf("unexpected event for another user: %+v", ev)
	default:
	}

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestCollectionInfoDoesNotWaitForCollectionWrites(t *testing.T) {
	ctx := context.Background()
	store := NewStore(Options{})
	_, err := store.PutBSO(ctx, "alice", "history", "id", PutRequest{Payload: strptr("x")})
	require.NoError(t, err)

	unlock := store.locks.lockCollection("alice", "history")
	defer unlock()

	done := make(chan error, 1)
	go func() {
		_, err := store.CollectionInfo(ctx, "alice")
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("info/collections blocked behind a collection write")
	}
}

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "store.json")

	backend, err := NewFileBackend(path)
	require.NoError(t, err)
	store := NewStore(Options{Backend: backend})
	put, err := store.PutBSO(ctx, "alice", "history", "id", PutRequest{Payload: strptr("x"), TTL: intptr(100)})
	require.NoError(t, err)
	_, err = store.PutBSO(ctx, "alice", "history", "gone", PutRequest{Payload: strptr("y")})
	require.NoError(t, err)
	_, err = store.DeleteBSO(ctx, "alice", "history", "gone", 0)
	require.NoError(t, err)

	reopened, err := NewFileBackend(path)
	require.NoError(t, err)
	got, err := reopened.GetBSO(ctx, "alice", "history", "id")
	require.NoError(t, err)
	assert.Equal(t, put.Modified, got.Modified)
	require.NotNil(t, got.TTL)
	assert.Equal(t, 100, *got.TTL)

	gone, err := reopened.GetBSO(ctx, "alice", "history", "gone")
	require.NoError(t, err)
	assert.True(t, gone.Deleted)
}

func ids(items []bso.BSO) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}
