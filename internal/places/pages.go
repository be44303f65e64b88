package places

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/relaysync/internal/bso"
)

// Visit transition types.
const (
	VisitLink = iota + 1
	VisitTyped
	VisitBookmark
	VisitEmbed
	VisitRedirectPermanent
	VisitRedirectTemporary
	VisitDownload
	VisitFramedLink
)

// ValidVisitType reports whether t is a known transition type.
func ValidVisitType(t int) bool {
	return t >= VisitLink && t <= VisitFramedLink
}

type Page struct {
	ID        int64
	URL       string
	GUID      string
	Title     string
	Frecency  int
	LastVisit int64
}

// Visit dates are microseconds since the epoch.
type Visit struct {
	Date int64 `json:"date"`
	Type int   `json:"type"`
}

const pageColumns = `id, url, guid, title, frecency, last_visit`

func scanPage(row interface{ Scan(...any) error }) (Page, error) {
	var (
		p    Page
		guid sql.NullString
	)
	if err := row.Scan(&p.ID, &p.URL, &guid, &p.Title, &p.Frecency, &p.LastVisit); err != nil {
		return Page{}, err
	}
	p.GUID = guid.String
	return p, nil
}

func (d *DB) findOne(ctx context.Context, where string, arg any) (Page, error) {
	p, err := scanPage(d.conn(ctx).QueryRowContext(ctx, `SELECT `+pageColumns+` FROM places WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, ErrNotFound
	}
	return p, err
}

func (d *DB) FindByGUID(ctx context.Context, guid string) (Page, error) {
	if guid == "" {
		return Page{}, ErrNotFound
	}
	return d.findOne(ctx, `guid = ?`, guid)
}

// FindByURL looks a page up by its natural key.
func (d *DB) FindByURL(ctx context.Context, rawURL string) (Page, error) {
	return d.findOne(ctx, `url = ?`, rawURL)
}

// EnsureGUID returns the page's GUID, assigning a fresh one first if the
// page has none.
func (d *DB) EnsureGUID(ctx context.Context, rawURL string) (string, error) {
	p, err := d.FindByURL(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if p.GUID != "" {
		return p.GUID, nil
	}
	guid := bso.MakeGUID()
	if _, err := d.conn(ctx).ExecContext(ctx, `UPDATE places SET guid = ? WHERE id = ? AND guid IS NULL`, guid, p.ID); err != nil {
		return "", err
	}
	p, err = d.FindByURL(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return p.GUID, nil
}

// SetGUID assigns guid to the page at rawURL.
func (d *DB) SetGUID(ctx context.Context, rawURL, guid string) error {
	if !bso.CheckGUID(guid) {
		return fmt.Errorf("%w: guid %q", ErrInvalidInput, guid)
	}
	if other, err := d.FindByGUID(ctx, guid); err == nil && other.URL != rawURL {
		return ErrGUIDInUse
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	res, err := d.conn(ctx).ExecContext(ctx, `UPDATE places SET guid = ? WHERE url = ?`, guid, rawURL)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ChangeGUID re-keys the page holding oldGUID.
func (d *DB) ChangeGUID(ctx context.Context, oldGUID, newGUID string) error {
	p, err := d.FindByGUID(ctx, oldGUID)
	if err != nil {
		return err
	}
	return d.SetGUID(ctx, p.URL, newGUID)
}

// Upsert creates or updates the page at p.URL and adds visits. A non-empty
// title replaces the stored one; a non-empty GUID is assigned to the page.
// Visits already present are ignored.
func (d *DB) Upsert(ctx context.Context, p Page, visits []Visit) error {
	if err := validateURL(p.URL); err != nil {
		return err
	}
	return d.WithTx(ctx, func(ctx context.Context) error {
		conn := d.conn(ctx)
		existing, err := d.FindByURL(ctx, p.URL)
		switch {
		case errors.Is(err, ErrNotFound):
			res, err := conn.ExecContext(ctx, `INSERT INTO places (url, guid, title) VALUES (?, ?, ?)`,
				p.URL, nullString(p.GUID), p.Title)
			if err != nil {
				return err
			}
			if existing.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if p.GUID != "" && p.GUID != existing.GUID {
				if err := d.SetGUID(ctx, p.URL, p.GUID); err != nil {
					return err
				}
			}
			if p.Title != "" && p.Title != existing.Title {
				if _, err := conn.ExecContext(ctx, `UPDATE places SET title = ? WHERE id = ?`, p.Title, existing.ID); err != nil {
					return err
				}
			}
		}

		for _, v := range visits {
			if !ValidVisitType(v.Type) || v.Date <= 0 {
				return fmt.Errorf("%w: visit %d/%d", ErrInvalidInput, v.Date, v.Type)
			}
			if _, err := conn.ExecContext(ctx, `INSERT OR IGNORE INTO visits (place_id, visit_date, visit_type) VALUES (?, ?, ?)`,
				existing.ID, v.Date, v.Type); err != nil {
				return err
			}
		}
		return d.refresh(ctx, existing.ID)
	})
}

// Visits returns up to limit visits for the page, newest first. limit <= 0
// returns all of them.
func (d *DB) Visits(ctx context.Context, rawURL string, limit int) ([]Visit, error) {
	query := `SELECT v.visit_date, v.visit_type FROM visits v JOIN places p ON p.id = v.place_id
		WHERE p.url = ? ORDER BY v.visit_date DESC, v.visit_type`
	args := []any{rawURL}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Visit
	for rows.Next() {
		var v Visit
		if err := rows.Scan(&v.Date, &v.Type); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Remove deletes the page with guid and its visits. It reports whether a
// page was removed.
func (d *DB) Remove(ctx context.Context, guid string) (bool, error) {
	res, err := d.conn(ctx).ExecContext(ctx, `DELETE FROM places WHERE guid = ?`, guid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DB) RemoveAll(ctx context.Context) error {
	_, err := d.conn(ctx).ExecContext(ctx, `DELETE FROM places`)
	return err
}

// ChangedSince returns the GUIDs of pages visited after since (µs),
// assigning GUIDs where missing.
func (d *DB) ChangedSince(ctx context.Context, since int64) ([]string, error) {
	return d.guidsFor(ctx, `SELECT url, guid FROM places WHERE last_visit > ? ORDER BY last_visit`, since)
}

// TopURLsSince returns the GUIDs of up to limit pages visited after since
// (µs), highest frecency first.
func (d *DB) TopURLsSince(ctx context.Context, since int64, limit int) ([]string, error) {
	return d.guidsFor(ctx, `SELECT url, guid FROM places WHERE last_visit > ? ORDER BY frecency DESC, url LIMIT ?`, since, limit)
}

func (d *DB) guidsFor(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := d.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	type entry struct {
		url  string
		guid string
	}
	var entries []entry
	for rows.Next() {
		var (
			e    entry
			guid sql.NullString
		)
		if err := rows.Scan(&e.url, &guid); err != nil {
			rows.Close()
			return nil, err
		}
		e.guid = guid.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.guid == "" {
			if e.guid, err = d.EnsureGUID(ctx, e.url); err != nil {
				return nil, err
			}
		}
		out = append(out, e.guid)
	}
	return out, nil
}

func (d *DB) refresh(ctx context.Context, placeID int64) error {
	rows, err := d.conn(ctx).QueryContext(ctx,
		`SELECT visit_date, visit_type FROM visits WHERE place_id = ? ORDER BY visit_date DESC LIMIT ?`,
		placeID, frecencySampleSize)
	if err != nil {
		return err
	}
	var recent []Visit
	for rows.Next() {
		var v Visit
		if err := rows.Scan(&v.Date, &v.Type); err != nil {
			rows.Close()
			return err
		}
		recent = append(recent, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	var lastVisit int64
	if len(recent) > 0 {
		lastVisit = recent[0].Date
	}
	_, err = d.conn(ctx).ExecContext(ctx, `UPDATE places SET last_visit = ?, frecency = ? WHERE id = ?`,
		lastVisit, frecency(recent, d.now()), placeID)
	return err
}

// validateURL requires a scheme and a host or opaque part.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: url %q: %v", ErrInvalidInput, raw, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "" && !strings.HasPrefix(u.Path, "/")) {
		return fmt.Errorf("%w: url %q", ErrInvalidInput, raw)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
