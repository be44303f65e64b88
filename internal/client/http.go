// Package client talks to a collection store on behalf of one user, either
// over the wire protocol or in process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/logging"
)

const (
	DefaultVersion = "1.5"

	headerTimestamp         = "X-Timestamp"
	headerLastModified      = "X-Last-Modified"
	headerIfModifiedSince   = "X-If-Modified-Since"
	headerIfUnmodifiedSince = "X-If-Unmodified-Since"
	headerWeaveBackoff      = "X-Weave-Backoff"
	headerCorrelationID     = "X-Correlation-Id"
)

// HTTPError is a non-2xx response that has no more specific meaning.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type HTTPOptions struct {
	BaseURL string
	// Version is the first path segment, DefaultVersion when empty.
	Version string
	User    string
	// Password selects Basic auth. Token, when set, takes precedence.
	Password   string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     logging.Logger
}

// HTTPClient implements engine.Remote over the wire protocol.
type HTTPClient struct {
	baseURL    string
	version    string
	user       string
	password   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     logging.Logger

	mu          sync.Mutex
	token       string
	backoffHint time.Duration
}

var _ engine.Remote = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		version:    opts.Version,
		user:       opts.User,
		password:   opts.Password,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     logging.OrNop(opts.Logger),
	}
	if c.version == "" {
		c.version = DefaultVersion
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	return c
}

// SetToken replaces the bearer token used by later requests.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

// TakeBackoff returns and clears the largest X-Weave-Backoff interval seen
// on a successful response.
func (c *HTTPClient) TakeBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.backoffHint
	c.backoffHint = 0
	return d
}

func (c *HTTPClient) noteBackoff(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	if d > c.backoffHint {
		c.backoffHint = d
	}
	c.mu.Unlock()
}

func (c *HTTPClient) setAuth(req *http.Request) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	req.SetBasicAuth(c.user, c.password)
}

func (c *HTTPClient) userPath() string {
	return "/" + url.PathEscape(c.version) + "/" + url.PathEscape(c.user)
}

func (c *HTTPClient) collectionPath(coll string) string {
	return c.userPath() + "/storage/" + url.PathEscape(coll)
}

func (c *HTTPClient) bsoPath(coll, id string) string {
	return c.collectionPath(coll) + "/" + url.PathEscape(id)
}

func (c *HTTPClient) CollectionInfo(ctx context.Context) (map[string]bso.Timestamp, error) {
	info := map[string]bso.Timestamp{}
	if _, err := c.doJSON(ctx, http.MethodGet, c.userPath()+"/info/collections", nil, nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *HTTPClient) GetCollection(ctx context.Context, coll string, q engine.Query) (engine.CollectionResult, error) {
	values := url.Values{}
	if q.Newer > 0 {
		values.Set("newer", q.Newer.String())
	}
	if len(q.IDs) > 0 {
		values.Set("ids", strings.Join(q.IDs, ","))
	}
	if q.Sort != "" {
		values.Set("sort", q.Sort)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := c.collectionPath(coll)
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	headers := map[string]string{}
	if q.IfModifiedSince > 0 {
		headers[headerIfModifiedSince] = q.IfModifiedSince.String()
	}

	var items []bso.BSO
	resp, err := c.doJSON(ctx, http.MethodGet, path, headers, nil, &items)
	if err != nil {
		return engine.CollectionResult{}, err
	}
	return engine.CollectionResult{BSOs: items, Timestamp: lastModified(resp)}, nil
}

func (c *HTTPClient) GetBSO(ctx context.Context, coll, id string) (bso.BSO, error) {
	var item bso.BSO
	_, err := c.doJSON(ctx, http.MethodGet, c.bsoPath(coll, id), nil, nil, &item)
	return item, err
}

type putBody struct {
	Payload   string `json:"payload"`
	SortIndex *int   `json:"sortindex,omitempty"`
	TTL       *int   `json:"ttl,omitempty"`
}

func (c *HTTPClient) PutBSO(ctx context.Context, coll string, b bso.BSO, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error) {
	body := putBody{Payload: b.Payload, SortIndex: b.SortIndex, TTL: b.TTL}
	resp, err := c.doJSON(ctx, http.MethodPut, c.bsoPath(coll, b.ID), preconditionHeaders(ifUnmodifiedSince), body, nil)
	if err != nil {
		return 0, err
	}
	return lastModified(resp), nil
}

type batchItem struct {
	ID        string `json:"id"`
	Payload   string `json:"payload"`
	SortIndex *int   `json:"sortindex,omitempty"`
	TTL       *int   `json:"ttl,omitempty"`
}

func (c *HTTPClient) PostBSOs(ctx context.Context, coll string, bsos []bso.BSO, ifUnmodifiedSince bso.Timestamp) (engine.BatchResult, error) {
	items := make([]batchItem, 0, len(bsos))
	for _, b := range bsos {
		items = append(items, batchItem{ID: b.ID, Payload: b.Payload, SortIndex: b.SortIndex, TTL: b.TTL})
	}
	var result engine.BatchResult
	_, err := c.doJSON(ctx, http.MethodPost, c.collectionPath(coll), preconditionHeaders(ifUnmodifiedSince), items, &result)
	return result, err
}

func (c *HTTPClient) DeleteBSO(ctx context.Context, coll, id string, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error) {
	resp, err := c.doJSON(ctx, http.MethodDelete, c.bsoPath(coll, id), preconditionHeaders(ifUnmodifiedSince), nil, nil)
	if err != nil {
		return 0, err
	}
	return lastModified(resp), nil
}

func (c *HTTPClient) DeleteBSOs(ctx context.Context, coll string, ids []string, ifUnmodifiedSince bso.Timestamp) (bso.Timestamp, error) {
	path := c.collectionPath(coll) + "?" + url.Values{"ids": {strings.Join(ids, ",")}}.Encode()
	resp, err := c.doJSON(ctx, http.MethodDelete, path, preconditionHeaders(ifUnmodifiedSince), nil, nil)
	if err != nil {
		return 0, err
	}
	return lastModified(resp), nil
}

func (c *HTTPClient) DeleteCollection(ctx context.Context, coll string) error {
	_, err := c.doJSON(ctx, http.MethodDelete, c.collectionPath(coll), nil, nil, nil)
	return err
}

func (c *HTTPClient) DeleteAll(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodDelete, c.userPath()+"/storage", nil, nil, nil)
	return err
}

func preconditionHeaders(since bso.Timestamp) map[string]string {
	if since <= 0 {
		return nil
	}
	return map[string]string{headerIfUnmodifiedSince: since.String()}
}

// lastModified prefers X-Last-Modified and falls back to X-Timestamp.
func lastModified(h http.Header) bso.Timestamp {
	for _, name := range []string{headerLastModified, headerTimestamp} {
		if raw := h.Get(name); raw != "" {
			if ts, err := bso.ParseTimestamp(raw); err == nil {
				return ts
			}
		}
	}
	return 0
}

// doJSON sends one request, retrying transport failures, 429 and 5xx with
// exponential delay. It returns the final response headers.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) (http.Header, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	op := method + " " + requestPath
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		c.setAuth(req)
		req.Header.Set(headerCorrelationID, uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if attempt < c.maxRetries {
				c.logger.Debug(ctx, "request failed, retrying", "op", op, "attempt", attempt+1, "error", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &engine.TransportError{Op: op, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &engine.TransportError{Op: op, Err: readErr}
		}
		weaveBackoff := parseSeconds(resp.Header.Get(headerWeaveBackoff))

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			c.noteBackoff(weaveBackoff)
			if out == nil || len(payloadBytes) == 0 {
				return resp.Header, nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return resp.Header, fmt.Errorf("decode %s response: %w", op, err)
			}
			return resp.Header, nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && weaveBackoff == 0 && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return resp.Header, statusError(resp, payloadBytes, weaveBackoff)
	}
}

func statusError(resp *http.Response, payload []byte, weaveBackoff time.Duration) error {
	switch resp.StatusCode {
	case http.StatusNotModified:
		return engine.ErrNotModified
	case http.StatusNotFound:
		return engine.ErrNotFound
	case http.StatusPreconditionFailed:
		return engine.ErrPreconditionFailed
	case http.StatusUnauthorized, http.StatusForbidden:
		return &engine.AuthError{Status: resp.StatusCode}
	case http.StatusMethodNotAllowed:
		return engine.ErrMethodNotAllowed
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
	wait := weaveBackoff
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		wait = max(wait, parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	if wait > 0 {
		return &engine.BackoffError{Wait: wait, Err: httpErr}
	}
	return httpErr
}

// IsHTTPStatus reports whether err carries an HTTPError with the status.
func IsHTTPStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseSeconds(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if d := parseSeconds(header); d > 0 {
		return d
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
