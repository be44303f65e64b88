package accounts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRegistryAuthenticate(t *testing.T) {
	r := NewRegistry()
	r.SetCost(bcrypt.MinCost)
	require.NoError(t, r.Register("alice", "s3cret"))

	assert.NoError(t, r.Authenticate("alice", "s3cret"))
	assert.ErrorIs(t, r.Authenticate("alice", "wrong"), ErrUnauthorized)
	assert.ErrorIs(t, r.Authenticate("bob", "s3cret"), ErrUnauthorized)

	assert.ErrorIs(t, r.Register("", "pw"), ErrInvalidInput)
	assert.ErrorIs(t, r.Register("a/b", "pw"), ErrInvalidInput)
	assert.ErrorIs(t, r.Register("carol", ""), ErrInvalidInput)

	require.NoError(t, r.Remove("alice"))
	assert.Empty(t, r.Users())
}

func TestRegistryFilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	r, err := LoadRegistry(path, nil)
	require.NoError(t, err)
	r.SetCost(bcrypt.MinCost)
	require.NoError(t, r.Register("alice", "pw"))

	reloaded, err := LoadRegistry(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, reloaded.Users())
	assert.NoError(t, reloaded.Authenticate("alice", "pw"))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = LoadRegistry(path, nil)
	assert.Error(t, err)
}

func TestRegistryWatchReloadsChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	r, err := LoadRegistry(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	writer := NewRegistry()
	writer.SetCost(bcrypt.MinCost)
	writer.path = path
	require.NoError(t, writer.Register("bob", "pw"))

	require.Eventually(t, func() bool {
		return r.Authenticate("bob", "pw") == nil
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop after cancel")
	}
}
