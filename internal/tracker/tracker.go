// Package tracker accumulates the ids of locally changed records and a score
// that tells the scheduler how urgently an engine should sync.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/fsutil"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/metrics"
)

const (
	// ScoreSmall is added for each newly tracked id.
	ScoreSmall = 1
	// ScoreBulk is added when many local records changed at once.
	ScoreBulk = 500
)

type Options struct {
	// Name labels metrics and log entries, usually the engine name.
	Name   string
	Now    func() time.Time
	Logger logging.Logger
}

type Tracker struct {
	name   string
	now    func() time.Time
	logger logging.Logger

	mu        sync.Mutex
	changed   map[string]float64
	score     int
	ignore    int
	listeners []func(int)
}

func New(opts Options) *Tracker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		name:    opts.Name,
		now:     now,
		logger:  logging.OrNop(opts.Logger),
		changed: map[string]float64{},
	}
}

func (t *Tracker) Name() string { return t.name }

// AddChangedID records id as changed at when (seconds since the epoch). It
// returns true only if id was not already tracked. It works while the
// tracker is disabled.
func (t *Tracker) AddChangedID(id string, when float64) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.changed[id]; ok {
		return false
	}
	t.changed[id] = when
	return true
}

// OnLocalChange is the observer hook for a single local mutation.
func (t *Tracker) OnLocalChange(id string) {
	if !t.Enabled() {
		return
	}
	if t.AddChangedID(id, seconds(t.now())) {
		t.addScore(ScoreSmall)
	}
}

// OnBulkChange is the observer hook for a wholesale local change such as
// clearing history.
func (t *Tracker) OnBulkChange() {
	if !t.Enabled() {
		return
	}
	t.addScore(ScoreBulk)
}

func (t *Tracker) RemoveChangedID(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.changed[id]; !ok {
		return false
	}
	delete(t.changed, id)
	return true
}

func (t *Tracker) ClearChangedIDs() {
	t.mu.Lock()
	t.changed = map[string]float64{}
	t.mu.Unlock()
}

// ChangedIDs returns a copy of the tracked ids and their change times.
func (t *Tracker) ChangedIDs() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.changed))
	for id, when := range t.changed {
		out[id] = when
	}
	return out
}

func (t *Tracker) Score() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.score
}

func (t *Tracker) ResetScore() {
	t.setScore(0)
}

// Reset clears the pending set and zeroes the score.
func (t *Tracker) Reset() {
	t.ClearChangedIDs()
	t.ResetScore()
}

func (t *Tracker) Disable() {
	t.mu.Lock()
	t.ignore++
	t.mu.Unlock()
}

func (t *Tracker) Enable() {
	t.mu.Lock()
	if t.ignore > 0 {
		t.ignore--
	}
	t.mu.Unlock()
}

func (t *Tracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ignore == 0
}

// IgnoreAll runs fn with tracking suppressed. Calls nest.
func (t *Tracker) IgnoreAll(fn func() error) error {
	t.Disable()
	defer t.Enable()
	return fn()
}

// OnScoreChanged registers fn to be called with the new score after every
// change.
func (t *Tracker) OnScoreChanged(fn func(score int)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Tracker) addScore(delta int) {
	t.mu.Lock()
	t.score += delta
	score := t.score
	listeners := append([]func(int){}, t.listeners...)
	t.mu.Unlock()
	t.notify(score, listeners)
}

func (t *Tracker) setScore(score int) {
	t.mu.Lock()
	t.score = score
	listeners := append([]func(int){}, t.listeners...)
	t.mu.Unlock()
	t.notify(score, listeners)
}

func (t *Tracker) notify(score int, listeners []func(int)) {
	metrics.ReportTrackerScore(t.name, score)
	for _, fn := range listeners {
		fn(score)
	}
}

type snapshot struct {
	Changed map[string]float64 `json:"changed"`
	Score   int                `json:"score"`
}

// Flush writes the changed set and score to path.
func (t *Tracker) Flush(path string) error {
	t.mu.Lock()
	data, err := json.MarshalIndent(snapshot{Changed: t.changed, Score: t.score}, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("flush tracker %s: %w", t.name, err)
	}
	return nil
}

// Load merges a snapshot written by Flush. A missing file is not an error.
func (t *Tracker) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("load tracker %s: %w", t.name, err)
	}
	t.mu.Lock()
	for id, when := range snap.Changed {
		if _, ok := t.changed[id]; !ok {
			t.changed[id] = when
		}
	}
	if snap.Score > t.score {
		t.score = snap.Score
	}
	t.mu.Unlock()
	t.logger.Debug(context.Background(), "tracker state loaded", "tracker", t.name, "ids", len(snap.Changed))
	return nil
}

func seconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}
