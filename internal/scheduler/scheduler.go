// Package scheduler decides when the sync engines run: on a jittered
// interval, immediately when local changes pile up, on remote
// notifications, and with backoff after errors.
package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/backoff"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/metrics"
)

const (
	DefaultInterval               = 10 * time.Minute
	DefaultThreshold              = 300
	DefaultMinBackoff             = 15 * time.Minute
	DefaultMaxErrorsBeforeBackoff = 3
	DefaultCheckInterval          = time.Second
)

// Engine is the part of engine.Engine the scheduler drives.
type Engine interface {
	Name() string
	Score() int
	Sync(ctx context.Context) (engine.Report, error)
	Triggered() <-chan struct{}
}

type Options struct {
	Engines []Engine
	// Interval between routine syncs. A random extra of up to a tenth is
	// added each time.
	Interval time.Duration
	// Threshold is the global score above which a sync starts at once.
	Threshold              int
	MinBackoff             time.Duration
	MaxErrorsBeforeBackoff int
	// CheckInterval is how often the global score is polled.
	CheckInterval time.Duration
	// ServerBackoff, when set, reports a backoff requested by the server on
	// an otherwise successful response.
	ServerBackoff func() time.Duration
	Now           func() time.Time
	Logger        logging.Logger
}

// Status is a snapshot of the scheduler.
type Status struct {
	NextSync          time.Time
	ConsecutiveErrors int
	Suspended         bool
	LastError         error
	LastSync          time.Time
}

type Scheduler struct {
	engines       []Engine
	interval      time.Duration
	threshold     int
	maxErrors     int
	checkInterval time.Duration
	serverBackoff func() time.Duration
	now           func() time.Time
	logger        logging.Logger
	policy        *backoff.Policy

	trigger     chan struct{}
	credentials chan struct{}

	mu           sync.Mutex
	nextSync     time.Time
	backoffUntil time.Time
	errors       int
	suspended    bool
	lastErr      error
	lastSync     time.Time
}

func New(opts Options) (*Scheduler, error) {
	if len(opts.Engines) == 0 {
		return nil, errors.New("scheduler needs at least one engine")
	}
	s := &Scheduler{
		engines:       opts.Engines,
		interval:      opts.Interval,
		threshold:     opts.Threshold,
		maxErrors:     opts.MaxErrorsBeforeBackoff,
		checkInterval: opts.CheckInterval,
		serverBackoff: opts.ServerBackoff,
		now:           opts.Now,
		logger:        logging.OrNop(opts.Logger),
		trigger:       make(chan struct{}, 1),
		credentials:   make(chan struct{}, 1),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.maxErrors <= 0 {
		s.maxErrors = DefaultMaxErrorsBeforeBackoff
	}
	if s.checkInterval <= 0 {
		s.checkInterval = DefaultCheckInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = DefaultMinBackoff
	}
	s.policy = backoff.NewPolicy(minBackoff, minBackoff)
	return s, nil
}

// Trigger asks for a sync as soon as backoff allows. Requests coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// CredentialsRefreshed lifts an authentication suspension and syncs.
func (s *Scheduler) CredentialsRefreshed() {
	select {
	case s.credentials <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		NextSync:          s.nextSync,
		ConsecutiveErrors: s.errors,
		Suspended:         s.suspended,
		LastError:         s.lastErr,
		LastSync:          s.lastSync,
	}
}

// GlobalScore is the sum of the engines' tracker scores.
func (s *Scheduler) GlobalScore() int {
	total := 0
	for _, e := range s.engines {
		total += e.Score()
	}
	return total
}

// Run syncs once right away and then until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, e := range s.engines {
		go s.forwardTriggers(ctx, e)
	}
	check := time.NewTicker(s.checkInterval)
	defer check.Stop()

	s.SyncNow(ctx)
	for {
		timer := time.NewTimer(s.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.SyncNow(ctx)
		case <-s.trigger:
			timer.Stop()
			if s.allowed() {
				s.SyncNow(ctx)
			}
		case <-s.credentials:
			timer.Stop()
			s.mu.Lock()
			s.suspended = false
			s.mu.Unlock()
			s.logger.Info(ctx, "credentials refreshed, resuming sync")
			s.SyncNow(ctx)
		case <-check.C:
			timer.Stop()
			if score := s.GlobalScore(); score > s.threshold && s.allowed() {
				s.logger.Debug(ctx, "score above threshold", "score", score, "threshold", s.threshold)
				s.SyncNow(ctx)
			}
		}
	}
}

func (s *Scheduler) forwardTriggers(ctx context.Context, e Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.Triggered():
			s.Trigger()
		}
	}
}

// allowed reports whether an out-of-schedule sync may start now.
func (s *Scheduler) allowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.suspended && !s.now().Before(s.backoffUntil)
}

// untilNext is the wait before the scheduled sync. While suspended the
// wait is effectively unbounded.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return 24 * time.Hour * 365
	}
	return max(s.nextSync.Sub(s.now()), 0)
}

// SyncNow syncs every engine in order and schedules the next run. It
// returns the first error.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	var firstErr error
	for _, e := range s.engines {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := e.Sync(ctx)
		if err == nil || errors.Is(err, engine.ErrSyncInProgress) {
			continue
		}
		s.logger.Warn(ctx, "engine sync failed", "engine", e.Name(), "kind", engine.Classify(err).String(), "error", err)
		if firstErr == nil {
			firstErr = err
		}
		// Nothing else can succeed without credentials or while the
		// server asks us to back off.
		if kind := engine.Classify(err); kind == engine.KindAuth || kind == engine.KindBackoff || kind == engine.KindCanceled {
			break
		}
	}
	s.schedule(ctx, firstErr)
	return firstErr
}

func (s *Scheduler) schedule(ctx context.Context, err error) {
	now := s.now()
	next := now.Add(s.jitteredInterval())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	var backoffErr *engine.BackoffError
	switch kind := engine.Classify(err); {
	case err == nil:
		s.errors = 0
		s.policy.Success()
		s.lastSync = now
	case kind == engine.KindCanceled:
		return
	case kind == engine.KindAuth:
		s.suspended = true
		s.logger.Warn(ctx, "authentication failed, automatic sync suspended")
	case kind == engine.KindMethodNotAllowed:
		s.suspended = true
		s.logger.Warn(ctx, "server refused the request method, automatic sync suspended")
	case errors.As(err, &backoffErr):
		wait := s.policy.ServerBackoff(backoffErr.Wait)
		s.backoffUntil = now.Add(wait)
		next = s.backoffUntil
	default:
		s.errors++
		if s.errors >= s.maxErrors {
			wait := s.policy.Failure()
			s.backoffUntil = now.Add(wait)
			next = s.backoffUntil
		}
	}
	if s.serverBackoff != nil {
		if wait := s.serverBackoff(); wait > 0 {
			until := now.Add(s.policy.ServerBackoff(wait))
			if until.After(s.backoffUntil) {
				s.backoffUntil = until
			}
			if until.After(next) {
				next = until
			}
		}
	}
	s.nextSync = next
	metrics.ReportSchedulerDelay(next.Sub(now))
}

func (s *Scheduler) jitteredInterval() time.Duration {
	extra := int64(s.interval) / 10
	if extra <= 0 {
		return s.interval
	}
	return s.interval + time.Duration(rand.Int64N(extra))
}
