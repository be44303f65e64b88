package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/storage"
)

// Local implements engine.Remote directly on a storage.Store.
type Local struct {
	store *storage.Store
	user  string
}

var _ engine.Remote = (*Local)(nil)

func NewLocal(store *storage.Store, user string) *Local {
	return &Local{store: store, user: user}
}

func (l *Local) CollectionInfo(ctx context.Context) (map[string]bso.Timestamp, error) {
	info, err := l.store.CollectionInfo(ctx, l.user)
	return info, mapStorageError(err)
}

func (l *Local) GetCollection(ctx context.Context, coll string, q engine.Query) (engine.CollectionResult, error) {
	result, err := l.store.GetCollection(ctx, l.user, coll, storage.GetOptions{
		IfModifiedSince: q.IfModifiedSince,
		Newer:           q.Newer,
		IDs:             q.IDs,
		Sort:            q.Sort,
		Limit:           q.Limit,
	})
	if err != nil {
		return engine.CollectionResult{Timestamp: result.Timestamp}, mapStorageError(err)
	}
	return engine.CollectionResult{BSOs: result.BSOs, Timestamp: result.Timestamp}, nil
}

func (l *Local) GetBSO(ctx context.Context, coll, id string) (bso.BSO, error) {
	item, err := l.store.GetBSO(ctx, l.user, coll, id, 0)
	return item, mapStorageError(err)
}

func (l *Local) PutBSO(ctx context.Context, coll string, b bso.BSO, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error) {
	payload := b.Payload
	result, err := l.store.PutBSO(ctx, l.user, coll, b.ID, storage.PutRequest{
		Payload:           &payload,
		SortIndex:         b.SortIndex,
		TTL:               b.TTL,
		IfUnmodifiedSince: ifUnmodifiedSince,
	})
	if err != nil {
		return 0, mapStorageError(err)
	}
	return result.Modified, nil
}

func (l *Local) PostBSOs(ctx context.Context, coll string, bsos []bso.BSO, ifUnmodifiedSince bso.Timestamp) (engine.BatchResult, error) {
	items := make([]storage.BatchItem, 0, len(bsos))
	for _, b := range bsos {
		payload := b.Payload
		items = append(items, storage.BatchItem{ID: b.ID, Payload: &payload, SortIndex: b.SortIndex, TTL: b.TTL})
	}
	result, err := l.store.PostBSOs(ctx, l.user, coll, items, ifUnmodifiedSince)
	if err != nil {
		return engine.BatchResult{}, mapStorageError(err)
	}
	return engine.BatchResult{Modified: result.Modified, Success: result.Success, Failed: result.Failed}, nil
}

func (l *Local) DeleteBSO(ctx context.Context, coll, id string, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error) {
	modified, err := l.store.DeleteBSO(ctx, l.user, coll, id, ifUnmodifiedSince)
	return modified, mapStorageError(err)
}

func (l *Local) DeleteBSOs(ctx context.Context, coll string, ids []string, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error) {
	modified, err := l.store.DeleteBSOs(ctx, l.user, coll, ids, ifUnmodifiedSince)
	return modified, mapStorageError(err)
}

func (l *Local) DeleteCollection(ctx context.Context, coll string) error {
	return mapStorageError(l.store.DeleteCollection(ctx, l.user, coll, 0))
}

func (l *Local) DeleteAll(ctx context.Context) error {
	return mapStorageError(l.store.DeleteAll(ctx, l.user))
}

// mapStorageError translates storage sentinels into the engine taxonomy.
func mapStorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrPreconditionFailed):
		return fmt.Errorf("%w: %v", engine.ErrPreconditionFailed, err)
	case errors.Is(err, storage.ErrNotModified):
		return engine.ErrNotModified
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", engine.ErrNotFound, err)
	case errors.Is(err, storage.ErrMethodNotAllowed):
		return fmt.Errorf("%w: %v", engine.ErrMethodNotAllowed, err)
	default:
		return err
	}
}
