package storage

import (
	"context"

	"github.com/agentworkforce/relaysync/internal/bso"
)

// CollectionMeta is the persisted header of a collection. Modified is zero
// until the first BSO is written.
type CollectionMeta struct {
	Name     string
	Created  bso.Timestamp
	Modified bso.Timestamp
}

// Timestamp is max(created, modified).
func (m CollectionMeta) Timestamp() bso.Timestamp {
	if m.Modified > m.Created {
		return m.Modified
	}
	return m.Created
}

// Backend persists collections and BSOs. Implementations need not lock per
// collection; Store serializes access before calling in. Deleted BSOs are
// returned by the read methods; visibility is decided by Store.
type Backend interface {
	Collections(ctx context.Context, user string) ([]CollectionMeta, error)
	// Collection returns ErrNotFound when the collection does not exist.
	Collection(ctx context.Context, user, name string) (CollectionMeta, error)
	// EnsureCollection creates the collection with the given creation time
	// if it is missing and returns its current header.
	EnsureCollection(ctx context.Context, user, name string, created bso.Timestamp) (CollectionMeta, error)
	// ListBSOs returns every BSO with modified > newer.
	ListBSOs(ctx context.Context, user, coll string, newer bso.Timestamp) ([]bso.BSO, error)
	// GetBSO returns ErrNotFound when no row exists.
	GetBSO(ctx context.Context, user, coll, id string) (bso.BSO, error)
	// Apply upserts items and sets the collection's modified time in one
	// atomic step, creating the collection if needed.
	Apply(ctx context.Context, user, coll string, modified bso.Timestamp, items []bso.BSO) error
	DeleteCollection(ctx context.Context, user, coll string) error
	DeleteUser(ctx context.Context, user string) error
	Close() error
}
