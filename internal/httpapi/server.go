// Package httpapi serves the storage wire protocol:
//
//	GET    /<ver>/<user>/info/collections
//	GET    /<ver>/<user>/storage/<coll>            (newer, ids, sort, limit)
//	POST   /<ver>/<user>/storage/<coll>            batch upload
//	DELETE /<ver>/<user>/storage/<coll>[?ids=a,b]
//	GET    /<ver>/<user>/storage/<coll>/<id>
//	PUT    /<ver>/<user>/storage/<coll>/<id>
//	DELETE /<ver>/<user>/storage/<coll>/<id>
//	DELETE /<ver>/<user>/storage
//	GET    /<ver>/<user>/notifications             websocket change feed
//
// Every response carries X-Timestamp. 204, 304, 404 and 412 responses have
// no body and no Content-Type.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/accounts"
	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/storage"
)

const (
	headerTimestamp         = "X-Timestamp"
	headerLastModified      = "X-Last-Modified"
	headerNumRecords        = "X-Num-Records"
	headerIfModifiedSince   = "X-If-Modified-Since"
	headerIfUnmodifiedSince = "X-If-Unmodified-Since"
	headerCorrelationID     = "X-Correlation-Id"
)

var storagePathRE = regexp.MustCompile(`^/([^/]+)/([^/]+)/(storage|info)(?:/([^/]+)(?:/([^/]+))?)?$`)

type ServerConfig struct {
	Users           *accounts.Registry
	Tokens          *accounts.TokenIssuer
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          logging.Logger
}

type Server struct {
	store       *storage.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      logging.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *storage.Store, users *accounts.Registry) *Server {
	return NewServerWithConfig(store, ServerConfig{Users: users})
}

func NewServerWithConfig(store *storage.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logging.OrNop(cfg.Logger),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	route  string
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, route: "unknown"}
	s.serve(rec, r)
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	metrics.ReportHTTPRequest(r.Method, rec.route, rec.status, started)
}

func (s *Server) serve(w *statusRecorder, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		w.route = "health"
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		w.route = "metrics"
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set(headerCorrelationID, correlationID)
	ctx := logging.WithCorrelationID(r.Context(), correlationID)
	r = r.WithContext(ctx)
	w.Header().Set(headerTimestamp, s.store.Now().String())

	if parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/"); len(parts) == 3 && parts[2] == "notifications" {
		w.route = "notifications"
		if !s.admit(w, r, parts[1], correlationID) {
			return
		}
		s.handleNotifications(w, r, parts[1])
		return
	}

	m := storagePathRE.FindStringSubmatch(r.URL.Path)
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	user, kind, coll, id := m[2], m[3], m[4], m[5]

	var route string
	switch {
	case kind == "info" && coll == "collections" && id == "":
		route = "info_collections"
	case kind == "info":
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	case coll == "":
		route = "storage"
	case id == "":
		route = "collection"
	default:
		route = "bso"
	}
	w.route = route

	if !s.admit(w, r, user, correlationID) {
		return
	}

	switch route {
	case "info_collections":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, correlationID, http.MethodGet)
			return
		}
		s.handleInfoCollections(w, r, user, correlationID)
	case "storage":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, correlationID, http.MethodDelete)
			return
		}
		s.handleDeleteAll(w, r, user, correlationID)
	case "collection":
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			s.handleGetCollection(w, r, user, coll, correlationID)
		case http.MethodPost:
			s.handlePostCollection(w, r, user, coll, correlationID)
		case http.MethodDelete:
			s.handleDeleteCollection(w, r, user, coll, correlationID)
		default:
			methodNotAllowed(w, correlationID, http.MethodGet, http.MethodPost, http.MethodDelete)
		}
	case "bso":
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			s.handleGetBSO(w, r, user, coll, id, correlationID)
		case http.MethodPut:
			s.handlePutBSO(w, r, user, coll, id, correlationID)
		case http.MethodDelete:
			s.handleDeleteBSO(w, r, user, coll, id, correlationID)
		default:
			methodNotAllowed(w, correlationID, http.MethodGet, http.MethodPut, http.MethodDelete)
		}
	}
}

// admit authenticates the request for user and applies the rate limit.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, user, correlationID string) bool {
	if authErr := s.authorize(r, user); authErr != nil {
		if authErr.status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="relaysync", Bearer realm="relaysync"`)
		}
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return false
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(user, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return false
	}
	return true
}

func (s *Server) handleInfoCollections(w http.ResponseWriter, r *http.Request, user, correlationID string) {
	info, err := s.store.CollectionInfo(r.Context(), user)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request, user, correlationID string) {
	if err := s.store.DeleteAll(r.Context(), user); err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeEmpty(w, http.StatusNoContent)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request, user, coll, correlationID string) {
	opts, err := parseGetOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	result, err := s.store.GetCollection(r.Context(), user, coll, opts)
	if err != nil {
		if errors.Is(err, storage.ErrNotModified) {
			w.Header().Set(headerLastModified, result.Timestamp.String())
		}
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	views := make([]bsoView, 0, len(result.BSOs))
	for _, item := range result.BSOs {
		views = append(views, newBSOView(item))
	}
	w.Header().Set(headerNumRecords, strconv.Itoa(result.Count))
	w.Header().Set(headerLastModified, result.Timestamp.String())
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePostCollection(w http.ResponseWriter, r *http.Request, user, coll, correlationID string) {
	since, ok := parseTimestampHeader(w, r, headerIfUnmodifiedSince, correlationID)
	if !ok {
		return
	}
	var items []storage.BatchItem
	if !s.decodeJSONBody(w, r, correlationID, &items) {
		return
	}
	result, err := s.store.PostBSOs(r.Context(), user, coll, items, since)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	w.Header().Set(headerTimestamp, result.Modified.String())
	w.Header().Set(headerLastModified, result.Modified.String())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request, user, coll, correlationID string) {
	since, ok := parseTimestampHeader(w, r, headerIfUnmodifiedSince, correlationID)
	if !ok {
		return
	}
	if raw := r.URL.Query().Get("ids"); raw != "" {
		modified, err := s.store.DeleteBSOs(r.Context(), user, coll, splitIDs(raw), since)
		if err != nil {
			s.writeStoreError(w, r, err, correlationID)
			return
		}
		w.Header().Set(headerTimestamp, modified.String())
		writeEmpty(w, http.StatusNoContent)
		return
	}
	if err := s.store.DeleteCollection(r.Context(), user, coll, since); err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	writeEmpty(w, http.StatusNoContent)
}

func (s *Server) handleGetBSO(w http.ResponseWriter, r *http.Request, user, coll, id, correlationID string) {
	since, ok := parseTimestampHeader(w, r, headerIfModifiedSince, correlationID)
	if !ok {
		return
	}
	item, err := s.store.GetBSO(r.Context(), user, coll, id, since)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	w.Header().Set(headerLastModified, item.Modified.String())
	writeJSON(w, http.StatusOK, newBSOView(item))
}

func (s *Server) handlePutBSO(w http.ResponseWriter, r *http.Request, user, coll, id, correlationID string) {
	since, ok := parseTimestampHeader(w, r, headerIfUnmodifiedSince, correlationID)
	if !ok {
		return
	}
	var body struct {
		Payload   *string `json:"payload"`
		SortIndex *int    `json:"sortindex"`
		TTL       *int    `json:"ttl"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	result, err := s.store.PutBSO(r.Context(), user, coll, id, storage.PutRequest{
		Payload:           body.Payload,
		SortIndex:         body.SortIndex,
		TTL:               body.TTL,
		IfUnmodifiedSince: since,
	})
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	w.Header().Set(headerTimestamp, result.Modified.String())
	w.Header().Set(headerLastModified, result.Modified.String())
	if result.Created {
		writeEmpty(w, http.StatusCreated)
		return
	}
	writeEmpty(w, http.StatusNoContent)
}

func (s *Server) handleDeleteBSO(w http.ResponseWriter, r *http.Request, user, coll, id, correlationID string) {
	since, ok := parseTimestampHeader(w, r, headerIfUnmodifiedSince, correlationID)
	if !ok {
		return
	}
	modified, err := s.store.DeleteBSO(r.Context(), user, coll, id, since)
	if err != nil {
		s.writeStoreError(w, r, err, correlationID)
		return
	}
	w.Header().Set(headerTimestamp, modified.String())
	writeEmpty(w, http.StatusNoContent)
}

// bsoView is the wire shape of a BSO; ttl is write-only.
type bsoView struct {
	ID        string        `json:"id"`
	Modified  bso.Timestamp `json:"modified"`
	Payload   string        `json:"payload"`
	SortIndex *int          `json:"sortindex,omitempty"`
}

func newBSOView(item bso.BSO) bsoView {
	return bsoView{ID: item.ID, Modified: item.Modified, Payload: item.Payload, SortIndex: item.SortIndex}
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, correlationID string) {
	var precondition *storage.PreconditionError
	switch {
	case errors.As(err, &precondition):
		w.Header().Set(headerLastModified, precondition.Current.String())
		writeEmpty(w, http.StatusPreconditionFailed)
	case errors.Is(err, storage.ErrNotModified):
		writeEmpty(w, http.StatusNotModified)
	case errors.Is(err, storage.ErrNotFound):
		writeEmpty(w, http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, storage.ErrMethodNotAllowed):
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.logger.Error(r.Context(), "storage request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func parseGetOptions(r *http.Request) (storage.GetOptions, error) {
	var opts storage.GetOptions
	raw := r.Header.Get(headerIfModifiedSince)
	if raw != "" {
		ts, err := bso.ParseTimestamp(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid %s header", headerIfModifiedSince)
		}
		opts.IfModifiedSince = ts
	}
	query := r.URL.Query()
	if raw := query.Get("newer"); raw != "" {
		ts, err := bso.ParseTimestamp(raw)
		if err != nil {
			return opts, errors.New("invalid newer parameter")
		}
		opts.Newer = ts
	}
	if raw := query.Get("ids"); raw != "" {
		opts.IDs = splitIDs(raw)
	}
	opts.Sort = query.Get("sort")
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return opts, errors.New("invalid limit parameter")
		}
		opts.Limit = limit
	}
	return opts, nil
}

func parseTimestampHeader(w http.ResponseWriter, r *http.Request, header, correlationID string) (bso.Timestamp, bool) {
	raw := strings.TrimSpace(r.Header.Get(header))
	if raw == "" {
		return 0, true
	}
	ts, err := bso.ParseTimestamp(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+header+" header", correlationID)
		return 0, false
	}
	return ts, true
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(headerCorrelationID)); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeEmpty writes a status with no body and no Content-Type.
func writeEmpty(w http.ResponseWriter, status int) {
	w.Header().Del("Content-Type")
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func methodNotAllowed(w http.ResponseWriter, correlationID string, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", storage.ErrMethodNotAllowed.Error(), correlationID)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
