package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLBackendOpenErrorIsSticky(t *testing.T) {
	backend, err := NewSQLiteBackend("unused.db")
	require.NoError(t, err)
	calls := 0
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		calls++
		return nil, errors.New("dial failed")
	}

	_, err = backend.Collections(context.Background(), "alice")
	require.Error(t, err)
	_, err = backend.Collection(context.Background(), "alice", "history")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, backend.Close())
}

func TestSQLBackendReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	first, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	store := NewStore(Options{Backend: first})
	put, err := store.PutBSO(ctx, "alice", "history", "id", PutRequest{Payload: strptr("x"), SortIndex: intptr(-4)})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	second, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer second.Close()
	got, err := second.GetBSO(ctx, "alice", "history", "id")
	require.NoError(t, err)
	assert.Equal(t, put.Modified, got.Modified)
	require.NotNil(t, got.SortIndex)
	assert.Equal(t, -4, *got.SortIndex)
	assert.Nil(t, got.TTL)
	assert.False(t, got.Deleted)

	meta, err := second.Collection(ctx, "alice", "history")
	require.NoError(t, err)
	assert.Equal(t, put.Modified, meta.Modified)
}

func TestNewBackendsRejectEmptyDSN(t *testing.T) {
	_, err := NewSQLiteBackend(" ")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewPostgresBackend("")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewFileBackend("")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
