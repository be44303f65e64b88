package places

import (
	"context"
	"errors"
)

// Observer receives notifications about user-driven history changes.
// Notifications are delivered outside of any transaction.
type Observer interface {
	OnVisit(ctx context.Context, url string)
	OnBeforeDeleteURI(ctx context.Context, url string)
	OnClearHistory(ctx context.Context)
}

func (d *DB) AddObserver(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

func (d *DB) RemoveObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.observers {
		if existing == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return
		}
	}
}

func (d *DB) snapshotObservers() []Observer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Observer(nil), d.observers...)
}

// AddVisit records a visit made by the user and notifies observers.
func (d *DB) AddVisit(ctx context.Context, rawURL, title string, v Visit) error {
	if v.Date == 0 {
		v.Date = d.now().UnixMicro()
	}
	if v.Type == 0 {
		v.Type = VisitLink
	}
	if err := d.Upsert(ctx, Page{URL: rawURL, Title: title}, []Visit{v}); err != nil {
		return err
	}
	if inTx(ctx) {
		return nil
	}
	for _, o := range d.snapshotObservers() {
		o.OnVisit(ctx, rawURL)
	}
	return nil
}

// DeleteURL removes a page at the user's request. Observers are told before
// the page goes away so they can still resolve its GUID.
func (d *DB) DeleteURL(ctx context.Context, rawURL string) error {
	if _, err := d.FindByURL(ctx, rawURL); err != nil {
		return err
	}
	if !inTx(ctx) {
		for _, o := range d.snapshotObservers() {
			o.OnBeforeDeleteURI(ctx, rawURL)
		}
	}
	res, err := d.conn(ctx).ExecContext(ctx, `DELETE FROM places WHERE url = ?`, rawURL)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Clear removes all history at the user's request.
func (d *DB) Clear(ctx context.Context) error {
	if err := d.RemoveAll(ctx); err != nil {
		return err
	}
	if inTx(ctx) {
		return nil
	}
	for _, o := range d.snapshotObservers() {
		o.OnClearHistory(ctx)
	}
	return nil
}
