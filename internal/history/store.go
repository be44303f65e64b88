// Package history adapts the local places database to the sync engine.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/places"
)

const (
	// EngineVersion is the record format version advertised in meta/global.
	EngineVersion = 1
	// DefaultBatchSize is the number of records applied per transaction.
	DefaultBatchSize = 50
	// MaxHistoryUpload caps the ids queued on a first sync.
	MaxHistoryUpload = 5000
	// maxVisits is how many recent visits are sent and compared.
	maxVisits = 10
	// uploadWindow limits a first sync to recently visited pages.
	uploadWindow = 30 * 24 * time.Hour
)

// LocalStore is the contract of the local history database.
type LocalStore interface {
	FindByGUID(ctx context.Context, guid string) (places.Page, error)
	FindByURL(ctx context.Context, rawURL string) (places.Page, error)
	Upsert(ctx context.Context, p places.Page, visits []places.Visit) error
	Remove(ctx context.Context, guid string) (bool, error)
	ChangedSince(ctx context.Context, since int64) ([]string, error)
	EnsureGUID(ctx context.Context, rawURL string) (string, error)
	SetGUID(ctx context.Context, rawURL, guid string) error
	ChangeGUID(ctx context.Context, oldGUID, newGUID string) error
	Visits(ctx context.Context, rawURL string, limit int) ([]places.Visit, error)
	TopURLsSince(ctx context.Context, since int64, limit int) ([]string, error)
	RemoveAll(ctx context.Context) error
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Options struct {
	Local     LocalStore
	BatchSize int
	Now       func() time.Time
	Logger    logging.Logger
}

// Store implements engine.Store for browsing history.
type Store struct {
	local     LocalStore
	batchSize int
	now       func() time.Time
	logger    logging.Logger
}

var _ engine.Store = (*Store)(nil)

func NewStore(opts Options) (*Store, error) {
	if opts.Local == nil {
		return nil, errors.New("history store requires a local store")
	}
	if _, err := recordSchema(); err != nil {
		return nil, err
	}
	s := &Store{
		local:     opts.Local,
		batchSize: opts.BatchSize,
		now:       opts.Now,
		logger:    logging.OrNop(opts.Logger),
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Store) ItemExists(ctx context.Context, guid string) (bool, error) {
	_, err := s.local.FindByGUID(ctx, guid)
	if errors.Is(err, places.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ChangeItemID(ctx context.Context, oldID, newID string) error {
	return s.local.ChangeGUID(ctx, oldID, newID)
}

// GetAllIDs returns the pages visited recently, most frecent first.
func (s *Store) GetAllIDs(ctx context.Context) ([]string, error) {
	since := s.now().Add(-uploadWindow).UnixMicro()
	return s.local.TopURLsSince(ctx, since, MaxHistoryUpload)
}

func (s *Store) Wipe(ctx context.Context) error {
	return s.local.RemoveAll(ctx)
}

// FindDupe returns the GUID of the local page with the record's URL,
// assigning one if the page has none.
func (s *Store) FindDupe(ctx context.Context, rec engine.Record) (string, error) {
	r, ok := rec.(*Record)
	if !ok {
		return "", nil
	}
	page, err := s.local.FindByURL(ctx, r.HistURI)
	if errors.Is(err, places.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if page.GUID != "" {
		return page.GUID, nil
	}
	return s.local.EnsureGUID(ctx, page.URL)
}

// CreateRecord builds the outgoing record for guid, or a tombstone when the
// page is gone.
func (s *Store) CreateRecord(ctx context.Context, guid string) (engine.Record, error) {
	page, err := s.local.FindByGUID(ctx, guid)
	if errors.Is(err, places.ErrNotFound) {
		return engine.Tombstone{ID: guid}, nil
	}
	if err != nil {
		return nil, err
	}
	visits, err := s.local.Visits(ctx, page.URL, maxVisits)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		ID:       guid,
		HistURI:  page.URL,
		Title:    page.Title,
		Visits:   make([]Visit, 0, len(visits)),
		Frecency: page.Frecency,
	}
	for _, v := range visits {
		rec.Visits = append(rec.Visits, Visit{Date: float64(v.Date), Type: v.Type})
	}
	return rec, nil
}

// ApplyIncoming applies one record. Applying the same record twice leaves
// the store unchanged the second time.
func (s *Store) ApplyIncoming(ctx context.Context, rec engine.Record) engine.Result {
	if rec.IsDeleted() {
		if _, err := s.local.Remove(ctx, rec.RecordID()); err != nil {
			return engine.FailedResult(err)
		}
		return engine.AppliedResult()
	}
	r, ok := rec.(*Record)
	if !ok {
		return engine.FailedResult(fmt.Errorf("%w: unexpected record type %T", engine.ErrMalformedRecord, rec))
	}

	if err := validateURI(r.HistURI); err != nil {
		return engine.FailedResult(err)
	}
	if !bso.CheckGUID(r.ID) {
		return engine.SkippedResult("invalid guid " + strconv.Quote(r.ID))
	}
	incoming := make([]places.Visit, 0, len(r.Visits))
	for _, v := range r.Visits {
		date := int64(math.Round(v.Date))
		if date == 0 || !places.ValidVisitType(v.Type) {
			return engine.FailedResult(fmt.Errorf("%w: visit date %v type %d", places.ErrInvalidInput, v.Date, v.Type))
		}
		incoming = append(incoming, places.Visit{Date: date, Type: v.Type})
	}

	fresh, err := s.newVisits(ctx, r.HistURI, incoming)
	if err != nil {
		return engine.FailedResult(err)
	}
	if len(fresh) == 0 {
		return s.applyTitle(ctx, r)
	}

	if err := s.local.Upsert(ctx, places.Page{URL: r.HistURI, GUID: r.ID, Title: r.Title}, fresh); err != nil {
		return engine.FailedResult(err)
	}
	return engine.AppliedResult()
}

// applyTitle handles a record that brings no new visits: only a renamed
// title is taken over.
func (s *Store) applyTitle(ctx context.Context, r *Record) engine.Result {
	if r.Title == "" {
		return engine.SkippedResult("no new visits")
	}
	page, err := s.local.FindByURL(ctx, r.HistURI)
	if errors.Is(err, places.ErrNotFound) {
		return engine.SkippedResult("no new visits")
	}
	if err != nil {
		return engine.FailedResult(err)
	}
	if page.Title == r.Title {
		return engine.SkippedResult("no new visits")
	}
	if err := s.local.Upsert(ctx, places.Page{URL: r.HistURI, GUID: r.ID, Title: r.Title}, nil); err != nil {
		return engine.FailedResult(err)
	}
	return engine.AppliedResult()
}

// newVisits drops visits already among the page's most recent ones.
func (s *Store) newVisits(ctx context.Context, rawURL string, incoming []places.Visit) ([]places.Visit, error) {
	existing, err := s.local.Visits(ctx, rawURL, maxVisits)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, v := range existing {
		seen[visitKey(v)] = struct{}{}
	}
	var out []places.Visit
	for _, v := range incoming {
		key := visitKey(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

func visitKey(v places.Visit) string {
	return strconv.FormatInt(v.Date, 10) + "," + strconv.Itoa(v.Type)
}

// ApplyIncomingBatch applies recs in transactions of BatchSize records.
// Record-level failures are collected; any other error aborts the batch.
func (s *Store) ApplyIncomingBatch(ctx context.Context, recs []engine.Record) ([]string, error) {
	var failed []string
	for start := 0; start < len(recs); start += s.batchSize {
		chunk := recs[start:min(start+s.batchSize, len(recs))]
		var chunkFailed []string
		err := s.local.WithTx(ctx, func(ctx context.Context) error {
			for _, rec := range chunk {
				res := s.ApplyIncoming(ctx, rec)
				if res.Status != engine.Failed {
					continue
				}
				if res.Err != nil && !isRecordError(res.Err) {
					return fmt.Errorf("apply %s: %w", rec.RecordID(), res.Err)
				}
				s.logger.Debug(ctx, "incoming record failed", "id", rec.RecordID(), "reason", res.Reason)
				chunkFailed = append(chunkFailed, rec.RecordID())
			}
			return nil
		})
		if err != nil {
			return failed, err
		}
		failed = append(failed, chunkFailed...)
	}
	return failed, nil
}

func isRecordError(err error) bool {
	return errors.Is(err, places.ErrInvalidInput) ||
		errors.Is(err, places.ErrGUIDInUse) ||
		errors.Is(err, places.ErrNotFound) ||
		errors.Is(err, engine.ErrMalformedRecord)
}

// validateURI requires a scheme and a host, an opaque part or an absolute path.
func validateURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: uri %q: %v", places.ErrInvalidInput, raw, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "" && !strings.HasPrefix(u.Path, "/")) {
		return fmt.Errorf("%w: uri %q", places.ErrInvalidInput, raw)
	}
	return nil
}
