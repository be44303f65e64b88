package history

import (
	"context"

	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/places"
	"github.com/agentworkforce/relaysync/internal/tracker"
)

type guidResolver interface {
	EnsureGUID(ctx context.Context, rawURL string) (string, error)
}

// Tracker feeds places notifications into a change tracker.
type Tracker struct {
	local   guidResolver
	tracker *tracker.Tracker
	logger  logging.Logger
}

var _ places.Observer = (*Tracker)(nil)

func NewTracker(local guidResolver, t *tracker.Tracker, logger logging.Logger) *Tracker {
	return &Tracker{local: local, tracker: t, logger: logging.OrNop(logger)}
}

func (t *Tracker) OnVisit(ctx context.Context, url string) {
	t.track(ctx, url)
}

func (t *Tracker) OnBeforeDeleteURI(ctx context.Context, url string) {
	t.track(ctx, url)
}

func (t *Tracker) OnClearHistory(context.Context) {
	t.tracker.OnBulkChange()
}

func (t *Tracker) track(ctx context.Context, url string) {
	if !t.tracker.Enabled() {
		return
	}
	guid, err := t.local.EnsureGUID(ctx, url)
	if err != nil {
		t.logger.Warn(ctx, "cannot resolve guid for tracked page", "url", url, "error", err)
		return
	}
	t.tracker.OnLocalChange(guid)
}
