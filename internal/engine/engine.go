// Package engine runs sync cycles for one collection: it downloads remote
// changes, reconciles them against a local store, and uploads local changes
// guarded by X-If-Unmodified-Since.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/metrics"
)

const (
	DefaultVersion            = 1
	DefaultOpTimeout          = 30 * time.Second
	DefaultMaxConflictRetries = 3
	// MaxUploadRecords bounds one batch upload and one bulk delete.
	MaxUploadRecords = 100
)

type Options struct {
	Name    string
	Version int

	Remote  Remote
	Store   Store
	Tracker Tracker
	Crypto  Crypto

	// StatePath is where lastSync and syncID are persisted. Empty keeps
	// them in memory.
	StatePath          string
	OpTimeout          time.Duration
	MaxConflictRetries int
	Now                func() time.Time
	Logger             logging.Logger
}

// Report summarizes one sync cycle.
type Report struct {
	Engine     string
	Started    time.Time
	Finished   time.Time
	Downloaded int
	Applied    int
	Reconciled int
	Uploaded   int
	Deleted    int
	Failed     []string
	Malformed  []string
	Conflicts  []string
	LastSync   bso.Timestamp
}

type Engine struct {
	name       string
	version    int
	remote     Remote
	store      Store
	tracker    Tracker
	crypto     Crypto
	statePath  string
	opTimeout  time.Duration
	maxRetries int
	now        func() time.Time
	logger     logging.Logger

	inFlight atomic.Bool
	trigger  chan struct{}

	mu    sync.Mutex
	st    persisted
	state State
}

func New(opts Options) (*Engine, error) {
	switch {
	case !bso.ValidCollectionName(opts.Name):
		return nil, fmt.Errorf("invalid engine name %q", opts.Name)
	case opts.Remote == nil:
		return nil, errors.New("engine remote is required")
	case opts.Store == nil:
		return nil, errors.New("engine store is required")
	case opts.Tracker == nil:
		return nil, errors.New("engine tracker is required")
	case opts.Crypto == nil:
		return nil, errors.New("engine crypto is required")
	}
	st, err := loadState(opts.StatePath)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		name:       opts.Name,
		version:    opts.Version,
		remote:     opts.Remote,
		store:      opts.Store,
		tracker:    opts.Tracker,
		crypto:     opts.Crypto,
		statePath:  opts.StatePath,
		opTimeout:  opts.OpTimeout,
		maxRetries: opts.MaxConflictRetries,
		now:        opts.Now,
		logger:     logging.OrNop(opts.Logger).With("engine", opts.Name),
		trigger:    make(chan struct{}, 1),
		st:         st,
	}
	if e.version <= 0 {
		e.version = DefaultVersion
	}
	if e.opTimeout <= 0 {
		e.opTimeout = DefaultOpTimeout
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxConflictRetries
	}
	if e.now == nil {
		e.now = time.Now
	}
	metrics.ReportEngineState(e.name, int(Idle))
	return e, nil
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) LastSync() bso.Timestamp {
	return e.snapshotState().LastSync
}

func (e *Engine) SyncID() string {
	return e.snapshotState().SyncID
}

// Score is the tracker's current score.
func (e *Engine) Score() int {
	return e.tracker.Score()
}

// Trigger queues a sync request. At most one request is pending; it reports
// whether this call queued one.
func (e *Engine) Trigger() bool {
	select {
	case e.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Triggered delivers pending sync requests.
func (e *Engine) Triggered() <-chan struct{} {
	return e.trigger
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	metrics.ReportEngineState(e.name, int(s))
}

func (e *Engine) snapshotState() persisted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

func (e *Engine) storeState(st persisted) error {
	e.mu.Lock()
	e.st = st
	e.mu.Unlock()
	if err := saveState(e.statePath, st); err != nil {
		return fmt.Errorf("persist engine state: %w", err)
	}
	return nil
}

// ResetClient forgets the last sync so the next cycle starts over.
func (e *Engine) ResetClient() error {
	st := e.snapshotState()
	st.LastSync = 0
	st.LastSyncLocal = 0
	return e.storeState(st)
}

// WipeServer deletes the engine's remote collection and resets the client.
func (e *Engine) WipeServer(ctx context.Context) error {
	err := e.call(ctx, "delete collection", func(ctx context.Context) error {
		return e.remote.DeleteCollection(ctx, e.name)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return e.ResetClient()
}

// WipeClient removes all local items and pending changes.
func (e *Engine) WipeClient(ctx context.Context) error {
	if err := e.tracker.IgnoreAll(func() error { return e.store.Wipe(ctx) }); err != nil {
		return err
	}
	e.tracker.ClearChangedIDs()
	e.tracker.ResetScore()
	return e.ResetClient()
}

// CanDecrypt reports whether the newest remote record decrypts with the
// engine's keys. An empty collection reports false.
func (e *Engine) CanDecrypt(ctx context.Context) bool {
	var result CollectionResult
	err := e.call(ctx, "get newest", func(ctx context.Context) error {
		var err error
		result, err = e.remote.GetCollection(ctx, e.name, Query{Limit: 1, Sort: "newest"})
		return err
	})
	if err != nil || len(result.BSOs) == 0 {
		if err != nil {
			e.logger.Debug(ctx, "test decrypt fetch failed", "error", err)
		}
		return false
	}
	if _, err := e.crypto.Decrypt(result.BSOs[0].Payload); err != nil {
		e.logger.Debug(ctx, "test decrypt failed", "id", result.BSOs[0].ID, "error", err)
		return false
	}
	return true
}

// cycle is the mutable state of one Sync call.
type cycle struct {
	modified map[string]float64
	toDelete []string
	// watermark is the newest server time up to which every record has been
	// seen. It becomes lastSync.
	watermark bso.Timestamp
	// since is the precondition sent with uploads. It follows our own writes,
	// which do not prove that nothing else landed in between.
	since     bso.Timestamp
	firstSync bool
	report    *Report
}

// Sync runs one cycle. A concurrent call returns ErrSyncInProgress.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	report := Report{Engine: e.name, Started: e.now()}
	if !e.inFlight.CompareAndSwap(false, true) {
		return report, ErrSyncInProgress
	}
	defer e.inFlight.Store(false)

	c := &cycle{report: &report}
	defer e.cleanup(c)

	err := e.run(ctx, c)
	report.Finished = e.now()
	if err != nil {
		e.setState(Error)
		kind := Classify(err)
		metrics.ReportSync(e.name, kind.String())
		e.logger.Warn(ctx, "sync failed", "kind", kind.String(), "error", err)
		return report, err
	}
	e.setState(Idle)
	metrics.ReportSync(e.name, "success")
	e.logger.Info(ctx, "sync finished",
		"downloaded", report.Downloaded,
		"applied", report.Applied,
		"reconciled", report.Reconciled,
		"uploaded", report.Uploaded,
		"failed", len(report.Failed),
		"malformed", len(report.Malformed),
		"conflicts", len(report.Conflicts),
		"last_sync", report.LastSync.String(),
	)
	return report, nil
}

func (e *Engine) run(ctx context.Context, c *cycle) error {
	e.setState(FetchingMeta)
	if err := e.syncStartup(ctx); err != nil {
		return err
	}
	if err := e.snapshotOutgoing(ctx, c); err != nil {
		return err
	}

	var info map[string]bso.Timestamp
	if err := e.call(ctx, "info/collections", func(ctx context.Context) error {
		var err error
		info, err = e.remote.CollectionInfo(ctx)
		return err
	}); err != nil {
		return err
	}

	if remoteTS := info[e.name]; remoteTS > c.watermark {
		e.setState(Downloading)
		incoming, err := e.download(ctx, c)
		if err != nil {
			return err
		}
		e.setState(Applying)
		if err := e.applyIncoming(ctx, c, incoming); err != nil {
			return err
		}
	}

	e.setState(Uploading)
	if err := e.uploadOutgoing(ctx, c); err != nil {
		return err
	}
	return e.finish(ctx, c)
}

// snapshotOutgoing takes the ids to upload this cycle and clears the
// tracker. On the first sync every local id is queued with change time 0.
func (e *Engine) snapshotOutgoing(ctx context.Context, c *cycle) error {
	st := e.snapshotState()
	c.watermark = st.LastSync
	c.firstSync = st.LastSync == 0

	if c.firstSync {
		ids, err := e.store.GetAllIDs(ctx)
		if err != nil {
			return fmt.Errorf("list local ids: %w", err)
		}
		c.modified = make(map[string]float64, len(ids))
		for _, id := range ids {
			c.modified[id] = 0
		}
		for id, when := range e.tracker.ChangedIDs() {
			if _, ok := c.modified[id]; !ok {
				c.modified[id] = when
			}
		}
	} else {
		c.modified = e.tracker.ChangedIDs()
	}
	e.tracker.ClearChangedIDs()

	st.LastSyncLocal = e.now().UnixMilli()
	e.mu.Lock()
	e.st.LastSyncLocal = st.LastSyncLocal
	e.mu.Unlock()
	e.logger.Debug(ctx, "outgoing items pre-reconciliation", "count", len(c.modified), "first_sync", c.firstSync)
	return nil
}

func (e *Engine) download(ctx context.Context, c *cycle) ([]bso.BSO, error) {
	var result CollectionResult
	err := e.call(ctx, "download", func(ctx context.Context) error {
		var err error
		result, err = e.remote.GetCollection(ctx, e.name, Query{Newer: c.watermark, Sort: "oldest"})
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	highest := c.watermark
	for _, b := range result.BSOs {
		if b.Modified > highest {
			highest = b.Modified
		}
	}
	// The response is a consistent snapshot up to its own timestamp.
	if result.Timestamp > highest {
		highest = result.Timestamp
	}
	c.watermark = highest
	c.report.Downloaded = len(result.BSOs)
	return result.BSOs, nil
}

func (e *Engine) decode(b bso.BSO) (Record, []byte, error) {
	cleartext, err := e.crypto.Decrypt(b.Payload)
	if err != nil {
		return nil, nil, &MalformedRecordError{ID: b.ID, Err: err}
	}
	rec, err := e.store.DecodeRecord(b.ID, cleartext)
	if err != nil {
		return nil, nil, &MalformedRecordError{ID: b.ID, Err: err}
	}
	return rec, cleartext, nil
}

func (e *Engine) applyIncoming(ctx context.Context, c *cycle, incoming []bso.BSO) error {
	toApply := make([]Record, 0, len(incoming))
	for _, b := range incoming {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, cleartext, err := e.decode(b)
		if err != nil {
			e.logger.Warn(ctx, "skipping malformed record", "id", b.ID, "error", err)
			c.report.Malformed = append(c.report.Malformed, b.ID)
			exists, existsErr := e.store.ItemExists(ctx, b.ID)
			if existsErr != nil {
				return existsErr
			}
			if exists {
				c.modified[b.ID] = 0
			}
			continue
		}
		rec, apply, err := e.reconcile(ctx, c, rec, cleartext, b.Modified)
		if err != nil {
			return err
		}
		if !apply {
			c.report.Reconciled++
			continue
		}
		toApply = append(toApply, rec)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	var failed []string
	err := e.tracker.IgnoreAll(func() error {
		var err error
		failed, err = e.store.ApplyIncomingBatch(ctx, toApply)
		return err
	})
	if err != nil {
		return fmt.Errorf("apply incoming: %w", err)
	}
	c.report.Failed = append(c.report.Failed, failed...)
	c.report.Applied = len(toApply) - len(failed)

	metrics.ReportRecords(e.name, "applied", c.report.Applied)
	metrics.ReportRecords(e.name, "failed", len(failed))
	metrics.ReportRecords(e.name, "malformed", len(c.report.Malformed))
	metrics.ReportRecords(e.name, "reconciled", c.report.Reconciled)
	return nil
}

// reconcile decides whether an incoming record should be applied. It may
// re-key the record onto a local duplicate.
func (e *Engine) reconcile(ctx context.Context, c *cycle, rec Record, cleartext []byte, modified bso.Timestamp) (Record, bool, error) {
	id := rec.RecordID()

	if when, ok := c.modified[id]; ok {
		equal, err := e.isEqual(ctx, id, cleartext)
		if err != nil {
			return rec, false, err
		}
		if equal {
			delete(c.modified, id)
			return rec, false, nil
		}
		nowSeconds := float64(e.now().UnixMilli()) / 1000
		recordAge := nowSeconds - modified.Seconds()
		localAge := nowSeconds - when
		return rec, recordAge < localAge, nil
	}

	exists, err := e.store.ItemExists(ctx, id)
	if err != nil {
		return rec, false, err
	}
	if exists {
		equal, err := e.isEqual(ctx, id, cleartext)
		if err != nil {
			return rec, false, err
		}
		return rec, !equal, nil
	}

	if rec.IsDeleted() {
		return rec, true, nil
	}

	dupeID, err := e.store.FindDupe(ctx, rec)
	if err != nil {
		return rec, false, err
	}
	if dupeID != "" && dupeID != id {
		rec, err = e.handleDupe(ctx, c, rec, cleartext, dupeID)
		if err != nil {
			return rec, false, err
		}
	}
	return rec, true, nil
}

// handleDupe keeps the shorter id, lexically smaller on ties.
func (e *Engine) handleDupe(ctx context.Context, c *cycle, rec Record, cleartext []byte, dupeID string) (Record, error) {
	id := rec.RecordID()
	preferLocal := len(dupeID) < len(id) || (len(dupeID) == len(id) && dupeID < id)
	if preferLocal {
		e.logger.Debug(ctx, "preferring local id", "local", dupeID, "incoming", id)
		e.deleteID(c, id)
		rekeyed, err := e.store.DecodeRecord(dupeID, cleartext)
		if err != nil {
			return rec, &MalformedRecordError{ID: id, Err: err}
		}
		e.tracker.AddChangedID(dupeID, 0)
		return rekeyed, nil
	}

	e.logger.Debug(ctx, "switching local id to incoming", "local", dupeID, "incoming", id)
	if err := e.store.ChangeItemID(ctx, dupeID, id); err != nil {
		return rec, fmt.Errorf("change item id %s to %s: %w", dupeID, id, err)
	}
	if when, ok := c.modified[dupeID]; ok {
		delete(c.modified, dupeID)
		c.modified[id] = when
	}
	e.deleteID(c, dupeID)
	return rec, nil
}

func (e *Engine) deleteID(c *cycle, id string) {
	e.tracker.RemoveChangedID(id)
	c.toDelete = append(c.toDelete, id)
}

func (e *Engine) isEqual(ctx context.Context, id string, incoming []byte) (bool, error) {
	local, err := e.store.CreateRecord(ctx, id)
	if err != nil {
		return false, err
	}
	localJSON, err := json.Marshal(local)
	if err != nil {
		return false, err
	}
	var a, b map[string]any
	if err := json.Unmarshal(incoming, &a); err != nil {
		return false, nil
	}
	if err := json.Unmarshal(localJSON, &b); err != nil {
		return false, err
	}
	return cmp.Equal(a, b, cmpopts.EquateEmpty()), nil
}

func (e *Engine) outgoing(ctx context.Context, id string) (bso.BSO, error) {
	rec, err := e.store.CreateRecord(ctx, id)
	if err != nil {
		return bso.BSO{}, err
	}
	cleartext, err := json.Marshal(rec)
	if err != nil {
		return bso.BSO{}, err
	}
	payload, err := e.crypto.Encrypt(cleartext)
	if err != nil {
		return bso.BSO{}, err
	}
	return bso.BSO{ID: id, Payload: payload, SortIndex: rec.SortIndex(), TTL: rec.TTL()}, nil
}

func (e *Engine) uploadOutgoing(ctx context.Context, c *cycle) error {
	ids := make([]string, 0, len(c.modified))
	for id := range c.modified {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return nil
	}
	e.logger.Debug(ctx, "uploading outgoing records", "count", len(ids))
	c.since = c.watermark

	if c.firstSync {
		for start := 0; start < len(ids); start += MaxUploadRecords {
			end := min(start+MaxUploadRecords, len(ids))
			if err := e.uploadBatch(ctx, c, ids[start:end]); err != nil {
				return err
			}
		}
	} else {
		for _, id := range ids {
			if err := e.uploadOne(ctx, c, id); err != nil {
				return err
			}
		}
	}
	metrics.ReportRecords(e.name, "uploaded", c.report.Uploaded)
	metrics.ReportRecords(e.name, "conflict", len(c.report.Conflicts))
	return nil
}

func (e *Engine) uploadBatch(ctx context.Context, c *cycle, ids []string) error {
	batch := make([]bso.BSO, 0, len(ids))
	for _, id := range ids {
		b, err := e.outgoing(ctx, id)
		if err != nil {
			e.logger.Warn(ctx, "error creating record", "id", id, "error", err)
			continue
		}
		batch = append(batch, b)
	}
	if len(batch) == 0 {
		return nil
	}

	var result BatchResult
	err := e.call(ctx, "batch upload", func(ctx context.Context) error {
		var err error
		result, err = e.remote.PostBSOs(ctx, e.name, batch, c.since)
		return err
	})
	if errors.Is(err, ErrPreconditionFailed) {
		e.logger.Info(ctx, "batch upload conflicted, retrying per record", "count", len(batch))
		for _, b := range batch {
			if err := e.uploadOne(ctx, c, b.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil {
		return err
	}
	// The batch precondition is checked against the collection, so a batch
	// accepted at exactly the watermark leaves no unseen record behind it.
	if c.since > 0 && c.since == c.watermark && result.Modified > c.watermark {
		c.watermark = result.Modified
	}
	c.since = max(c.since, result.Modified)
	for _, id := range result.Success {
		delete(c.modified, id)
	}
	c.report.Uploaded += len(result.Success)
	if len(result.Failed) > 0 {
		e.logger.Debug(ctx, "records the server could not store will be uploaded again", "failed", result.Failed)
	}
	return nil
}

// uploadOne PUTs one record, re-merging and retrying on a concurrent write.
func (e *Engine) uploadOne(ctx context.Context, c *cycle, id string) error {
	since := c.since
	for attempt := 0; ; attempt++ {
		b, err := e.outgoing(ctx, id)
		if err != nil {
			e.logger.Warn(ctx, "error creating record", "id", id, "error", err)
			return nil
		}
		var modified bso.Timestamp
		err = e.call(ctx, "upload", func(ctx context.Context) error {
			var err error
			modified, err = e.remote.PutBSO(ctx, e.name, b, since)
			return err
		})
		if err == nil {
			c.since = max(c.since, modified)
			delete(c.modified, id)
			c.report.Uploaded++
			return nil
		}
		if !errors.Is(err, ErrPreconditionFailed) {
			return err
		}
		if attempt >= e.maxRetries {
			e.logger.Warn(ctx, "giving up on conflicting record", "id", id, "attempts", attempt+1)
			c.report.Conflicts = append(c.report.Conflicts, id)
			return nil
		}
		since, err = e.remerge(ctx, id)
		if err != nil {
			return err
		}
	}
}

// remerge pulls the concurrently written record into the local store and
// returns the precondition to retry with.
func (e *Engine) remerge(ctx context.Context, id string) (bso.Timestamp, error) {
	var fetched bso.BSO
	err := e.call(ctx, "refetch", func(ctx context.Context) error {
		var err error
		fetched, err = e.remote.GetBSO(ctx, e.name, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		var result CollectionResult
		err := e.call(ctx, "collection timestamp", func(ctx context.Context) error {
			var err error
			result, err = e.remote.GetCollection(ctx, e.name, Query{Limit: 1})
			return err
		})
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return result.Timestamp, err
	}
	if err != nil {
		return 0, err
	}

	rec, _, err := e.decode(fetched)
	if err != nil {
		e.logger.Warn(ctx, "conflicting record is malformed, overwriting", "id", id, "error", err)
		return fetched.Modified, nil
	}
	var res Result
	_ = e.tracker.IgnoreAll(func() error {
		res = e.store.ApplyIncoming(ctx, rec)
		return nil
	})
	if res.Status == Failed {
		e.logger.Warn(ctx, "merging conflicting record failed", "id", id, "reason", res.Reason)
	}
	return fetched.Modified, nil
}

func (e *Engine) finish(ctx context.Context, c *cycle) error {
	for start := 0; start < len(c.toDelete); start += MaxUploadRecords {
		chunk := c.toDelete[start:min(start+MaxUploadRecords, len(c.toDelete))]
		err := e.call(ctx, "delete ids", func(ctx context.Context) error {
			_, err := e.remote.DeleteBSOs(ctx, e.name, chunk, 0)
			return err
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		c.report.Deleted += len(chunk)
	}
	c.toDelete = nil

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.watermark == 0 && c.report.Uploaded+c.report.Deleted > 0 {
		// Nothing was downloaded, yet the cycle wrote. Record that the first
		// sync is done while still fetching everything next time.
		c.watermark = bso.Resolution
	}
	st := e.snapshotState()
	st.LastSync = c.watermark
	if err := e.storeState(st); err != nil {
		return err
	}
	c.report.LastSync = c.watermark
	e.tracker.ResetScore()
	return nil
}

// cleanup re-queues everything that was not uploaded.
func (e *Engine) cleanup(c *cycle) {
	for id, when := range c.modified {
		e.tracker.AddChangedID(id, when)
	}
	c.modified = nil
}

// call runs one remote operation under its own timeout. A timeout of the
// operation, as opposed to the caller's context, is a transport error.
func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	err := fn(opCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTransport) {
		return &TransportError{Op: op, Err: err}
	}
	return err
}
