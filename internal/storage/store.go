// Package storage implements the collection store: per-user named
// collections of BSOs with timestamp-based optimistic concurrency.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/metrics"
)

const (
	DefaultMaxPayloadBytes = 256 * 1024
	subscriberBuffer       = 32
)

const (
	SortNewest = "newest"
	SortOldest = "oldest"
	SortIndex  = "index"
)

type Options struct {
	Backend         Backend
	MaxPayloadBytes int
	Now             func() time.Time
	Logger          logging.Logger
}

type Store struct {
	backend    Backend
	locks      *lockTable
	now        func() time.Time
	maxPayload int
	logger     logging.Logger

	subMu   sync.Mutex
	subs    map[string]map[uint64]chan ChangeEvent
	nextSub uint64
}

// GetOptions filters a collection read. Zero values mean "not supplied".
type GetOptions struct {
	IfModifiedSince bso.Timestamp
	Newer           bso.Timestamp
	IDs             []string
	Sort            string
	Limit           int
}

type CollectionResult struct {
	BSOs      []bso.BSO
	Timestamp bso.Timestamp
	Count     int
}

// PutRequest carries a partial BSO update; nil fields keep their stored
// value.
type PutRequest struct {
	Payload           *string
	SortIndex         *int
	TTL               *int
	IfUnmodifiedSince bso.Timestamp
}

type PutResult struct {
	Modified bso.Timestamp
	Created  bool
}

// BatchItem is one record of a batch upload.
type BatchItem struct {
	ID        string  `json:"id"`
	Payload   *string `json:"payload,omitempty"`
	SortIndex *int    `json:"sortindex,omitempty"`
	TTL       *int    `json:"ttl,omitempty"`
}

type BatchResult struct {
	Modified bso.Timestamp     `json:"modified"`
	Success  []string          `json:"success"`
	Failed   map[string]string `json:"failed"`
}

// ChangeEvent is published to subscribers after every accepted mutation. An
// empty Collection means every collection of the user was removed.
type ChangeEvent struct {
	User       string        `json:"-"`
	Collection string        `json:"collection"`
	Modified   bso.Timestamp `json:"modified"`
}

func NewStore(opts Options) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	maxPayload := opts.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend:    backend,
		locks:      newLockTable(),
		now:        now,
		maxPayload: maxPayload,
		logger:     logging.OrNop(opts.Logger),
		subs:       map[string]map[uint64]chan ChangeEvent{},
	}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// Now returns the store clock truncated to the timestamp resolution.
func (s *Store) Now() bso.Timestamp {
	return bso.FromTime(s.now())
}

func (s *Store) CollectionInfo(ctx context.Context, user string) (map[string]bso.Timestamp, error) {
	if strings.TrimSpace(user) == "" {
		return nil, ErrInvalidInput
	}
	unlock := s.locks.shareUser(user)
	defer unlock()

	metas, err := s.backend.Collections(ctx, user)
	if err != nil {
		return nil, err
	}
	info := make(map[string]bso.Timestamp, len(metas))
	for _, meta := range metas {
		if meta.Modified == 0 {
			continue
		}
		info[meta.Name] = meta.Timestamp()
	}
	return info, nil
}

func (s *Store) GetCollection(ctx context.Context, user, coll string, opts GetOptions) (CollectionResult, error) {
	if err := validateCollection(user, coll); err != nil {
		return CollectionResult{}, err
	}
	switch opts.Sort {
	case "", SortNewest, SortOldest, SortIndex:
	default:
		return CollectionResult{}, fmt.Errorf("%w: sort %q", ErrInvalidInput, opts.Sort)
	}
	if opts.Limit < 0 {
		return CollectionResult{}, fmt.Errorf("%w: limit %d", ErrInvalidInput, opts.Limit)
	}

	unlock := s.locks.lockCollection(user, coll)
	meta, err := s.backend.Collection(ctx, user, coll)
	if err != nil {
		unlock()
		return CollectionResult{}, err
	}
	ts := meta.Timestamp()
	if opts.IfModifiedSince > 0 && opts.IfModifiedSince >= ts {
		unlock()
		return CollectionResult{Timestamp: ts}, ErrNotModified
	}
	items, err := s.backend.ListBSOs(ctx, user, coll, opts.Newer)
	unlock()
	if err != nil {
		return CollectionResult{}, err
	}

	var wanted map[string]struct{}
	if len(opts.IDs) > 0 {
		wanted = make(map[string]struct{}, len(opts.IDs))
		for _, id := range opts.IDs {
			wanted[id] = struct{}{}
		}
	}
	now := s.now()
	visible := make([]bso.BSO, 0, len(items))
	for _, item := range items {
		if !item.Visible(now) {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[item.ID]; !ok {
				continue
			}
		}
		visible = append(visible, item)
	}
	sortBSOs(visible, opts.Sort)
	if opts.Limit > 0 && len(visible) > opts.Limit {
		visible = visible[:opts.Limit]
	}
	return CollectionResult{BSOs: visible, Timestamp: ts, Count: len(visible)}, nil
}

func (s *Store) GetBSO(ctx context.Context, user, coll, id string, ifModifiedSince bso.Timestamp) (bso.BSO, error) {
	if err := validateBSO(user, coll, id); err != nil {
		return bso.BSO{}, err
	}
	unlock := s.locks.lockCollection(user, coll)
	item, err := s.backend.GetBSO(ctx, user, coll, id)
	unlock()
	if err != nil {
		return bso.BSO{}, err
	}
	if !item.Visible(s.now()) {
		return bso.BSO{}, ErrNotFound
	}
	if ifModifiedSince > 0 && ifModifiedSince >= item.Modified {
		return item, ErrNotModified
	}
	return item, nil
}

func (s *Store) PutBSO(ctx context.Context, user, coll, id string, req PutRequest) (PutResult, error) {
	if err := validateBSO(user, coll, id); err != nil {
		return PutResult{}, err
	}
	if req.Payload != nil && len(*req.Payload) > s.maxPayload {
		return PutResult{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidInput, s.maxPayload)
	}

	unlock := s.locks.lockCollection(user, coll)
	defer unlock()

	collTS, err := s.collectionTimestamp(ctx, user, coll)
	if err != nil {
		return PutResult{}, err
	}
	existing, found, err := s.liveBSO(ctx, user, coll, id)
	if err != nil {
		return PutResult{}, err
	}
	current := collTS
	if found {
		current = existing.Modified
	}
	if err := checkUnmodified(req.IfUnmodifiedSince, current); err != nil {
		return PutResult{}, err
	}

	modified := bso.Next(collTS, s.now())
	next := merge(existing, found, id, req.Payload, req.SortIndex, req.TTL)
	next.Modified = modified
	if err := s.backend.Apply(ctx, user, coll, modified, []bso.BSO{next}); err != nil {
		return PutResult{}, err
	}
	s.publish(ChangeEvent{User: user, Collection: coll, Modified: modified})
	return PutResult{Modified: modified, Created: !found}, nil
}

func (s *Store) PostBSOs(ctx context.Context, user, coll string, items []BatchItem, ifUnmodifiedSince bso.Timestamp) (BatchResult, error) {
	if err := validateCollection(user, coll); err != nil {
		return BatchResult{}, err
	}

	unlock := s.locks.lockCollection(user, coll)
	defer unlock()

	collTS, err := s.collectionTimestamp(ctx, user, coll)
	if err != nil {
		return BatchResult{}, err
	}
	if err := checkUnmodified(ifUnmodifiedSince, collTS); err != nil {
		return BatchResult{}, err
	}

	modified := bso.Next(collTS, s.now())
	result := BatchResult{Modified: modified, Success: []string{}, Failed: map[string]string{}}
	writes := make([]bso.BSO, 0, len(items))
	position := map[string]int{}
	for _, item := range items {
		if !bso.ValidID(item.ID) {
			result.Failed[item.ID] = "invalid id"
			continue
		}
		if item.Payload != nil && len(*item.Payload) > s.maxPayload {
			result.Failed[item.ID] = "payload too large"
			continue
		}
		base, found, err := s.liveBSO(ctx, user, coll, item.ID)
		if err != nil {
			return BatchResult{}, err
		}
		if idx, dup := position[item.ID]; dup {
			base, found = writes[idx], true
		}
		next := merge(base, found, item.ID, item.Payload, item.SortIndex, item.TTL)
		next.Modified = modified
		if idx, dup := position[item.ID]; dup {
			writes[idx] = next
			continue
		}
		position[item.ID] = len(writes)
		writes = append(writes, next)
		result.Success = append(result.Success, item.ID)
	}
	if len(writes) == 0 {
		result.Modified = collTS
		return result, nil
	}
	if err := s.backend.Apply(ctx, user, coll, modified, writes); err != nil {
		return BatchResult{}, err
	}
	s.publish(ChangeEvent{User: user, Collection: coll, Modified: modified})
	return result, nil
}

func (s *Store) DeleteBSO(ctx context.Context, user, coll, id string, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error) {
	if err := validateBSO(user, coll, id); err != nil {
		return 0, err
	}

	unlock := s.locks.lockCollection(user, coll)
	defer unlock()

	existing, found, err := s.liveBSO(ctx, user, coll, id)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	if err := checkUnmodified(ifUnmodifiedSince, existing.Modified); err != nil {
		return 0, err
	}
	collTS, err := s.collectionTimestamp(ctx, user, coll)
	if err != nil {
		return 0, err
	}
	modified := bso.Next(collTS, s.now())
	tomb := bso.BSO{ID: id, Modified: modified, Deleted: true}
	if err := s.backend.Apply(ctx, user, coll, modified, []bso.BSO{tomb}); err != nil {
		return 0, err
	}
	s.publish(ChangeEvent{User: user, Collection: coll, Modified: modified})
	return modified, nil
}

// DeleteBSOs soft-deletes every live BSO named in ids. Unknown ids are
// ignored. The precondition is checked against the collection timestamp.
func (s *Store) DeleteBSOs(ctx context.Context, user, coll string, ids []string, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error) {
	if err := validateCollection(user, coll); err != nil {
		return 0, err
	}
	for _, id := range ids {
		if !bso.ValidID(id) {
			return 0, fmt.Errorf("%w: id %q", ErrInvalidInput, id)
		}
	}

	unlock := s.locks.lockCollection(user, coll)
	defer unlock()

	meta, err := s.backend.Collection(ctx, user, coll)
	if err != nil {
		return 0, err
	}
	collTS := meta.Timestamp()
	if err := checkUnmodified(ifUnmodifiedSince, collTS); err != nil {
		return 0, err
	}

	var tombs []bso.BSO
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		_, found, err := s.liveBSO(ctx, user, coll, id)
		if err != nil {
			return 0, err
		}
		if found {
			tombs = append(tombs, bso.BSO{ID: id, Deleted: true})
		}
	}
	if len(tombs) == 0 {
		return collTS, nil
	}
	modified := bso.Next(collTS, s.now())
	for i := range tombs {
		tombs[i].Modified = modified
	}
	if err := s.backend.Apply(ctx, user, coll, modified, tombs); err != nil {
		return 0, err
	}
	s.publish(ChangeEvent{User: user, Collection: coll, Modified: modified})
	return modified, nil
}

// CreateCollection creates an empty collection, or returns the timestamp of
// the existing one.
func (s *Store) CreateCollection(ctx context.Context, user, coll string) (bso.Timestamp, error) {
	if err := validateCollection(user, coll); err != nil {
		return 0, err
	}
	unlock := s.locks.lockCollection(user, coll)
	defer unlock()

	meta, err := s.backend.EnsureCollection(ctx, user, coll, bso.FromTime(s.now()))
	if err != nil {
		return 0, err
	}
	return meta.Timestamp(), nil
}

// DeleteCollection hard-removes coll. A non-zero ifUnmodifiedSince older
// than the collection timestamp fails with a *PreconditionError.
func (s *Store) DeleteCollection(ctx context.Context, user, coll string, ifUnmodifiedSince bso.Timestamp) error {
	if err := validateCollection(user, coll); err != nil {
		return err
	}
	unlock := s.locks.lockCollection(user, coll)
	defer unlock()

	collTS, err := s.collectionTimestamp(ctx, user, coll)
	if err != nil {
		return err
	}
	if err := checkUnmodified(ifUnmodifiedSince, collTS); err != nil {
		return err
	}
	if err := s.backend.DeleteCollection(ctx, user, coll); err != nil {
		return err
	}
	s.logger.Debug(ctx, "collection deleted", "user", user, "collection", coll)
	s.publish(ChangeEvent{User: user, Collection: coll, Modified: bso.FromTime(s.now())})
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, user string) error {
	if strings.TrimSpace(user) == "" {
		return ErrInvalidInput
	}
	unlock := s.locks.lockUser(user)
	defer unlock()

	if err := s.backend.DeleteUser(ctx, user); err != nil {
		return err
	}
	s.logger.Debug(ctx, "user storage deleted", "user", user)
	s.publish(ChangeEvent{User: user, Modified: bso.FromTime(s.now())})
	return nil
}

// Subscribe returns a channel of change events for user. Events are dropped
// when the subscriber falls behind. cancel closes the channel.
func (s *Store) Subscribe(user string) (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, subscriberBuffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[user] == nil {
		s.subs[user] = map[uint64]chan ChangeEvent{}
	}
	s.subs[user][id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs[user], id)
			if len(s.subs[user]) == 0 {
				delete(s.subs, user)
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Store) publish(ev ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs[ev.User] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Store) collectionTimestamp(ctx context.Context, user, coll string) (bso.Timestamp, error) {
	meta, err := s.backend.Collection(ctx, user, coll)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return meta.Timestamp(), nil
}

func (s *Store) liveBSO(ctx context.Context, user, coll, id string) (bso.BSO, bool, error) {
	item, err := s.backend.GetBSO(ctx, user, coll, id)
	if errors.Is(err, ErrNotFound) {
		return bso.BSO{}, false, nil
	}
	if err != nil {
		return bso.BSO{}, false, err
	}
	if !item.Visible(s.now()) {
		return bso.BSO{}, false, nil
	}
	return item, true, nil
}

func merge(base bso.BSO, found bool, id string, payload *string, sortIndex, ttl *int) bso.BSO {
	next := bso.BSO{ID: id}
	if found {
		next.Payload = base.Payload
		next.SortIndex = base.SortIndex
		next.TTL = base.TTL
	}
	if payload != nil {
		next.Payload = *payload
	}
	if sortIndex != nil {
		v := *sortIndex
		next.SortIndex = &v
	}
	if ttl != nil {
		v := *ttl
		next.TTL = &v
	}
	return next
}

func checkUnmodified(since, current bso.Timestamp) error {
	if since > 0 && since < current {
		metrics.ReportPreconditionFailure()
		return &PreconditionError{IfUnmodifiedSince: since, Current: current}
	}
	return nil
}

func validateCollection(user, coll string) error {
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("%w: empty user", ErrInvalidInput)
	}
	if !bso.ValidCollectionName(coll) {
		return fmt.Errorf("%w: collection %q", ErrInvalidInput, coll)
	}
	return nil
}

func validateBSO(user, coll, id string) error {
	if err := validateCollection(user, coll); err != nil {
		return err
	}
	if !bso.ValidID(id) {
		return fmt.Errorf("%w: id %q", ErrInvalidInput, id)
	}
	return nil
}

func sortBSOs(items []bso.BSO, by string) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	switch by {
	case SortNewest:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Modified > items[j].Modified })
	case SortOldest:
		sort.SliceStable(items, func(i, j int) bool { return items[i].Modified < items[j].Modified })
	case SortIndex:
		sort.SliceStable(items, func(i, j int) bool { return sortIndexOf(items[i]) > sortIndexOf(items[j]) })
	}
}

func sortIndexOf(b bso.BSO) int {
	if b.SortIndex == nil {
		return 0
	}
	return *b.SortIndex
}
