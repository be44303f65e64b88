// Package places is the local browsing-history database synced by the
// history engine. Pages are keyed by URL and carry a lazily assigned sync
// GUID; visits hang off pages.
package places

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/relaysync/internal/dbx"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/places/migrations"
)

var (
	ErrNotFound     = errors.New("place not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrGUIDInUse    = errors.New("guid already assigned to another page")
)

type Options struct {
	Now    func() time.Time
	Logger logging.Logger
}

// DB is a handle on one history database. Methods called with a context
// returned inside WithTx run in that transaction.
type DB struct {
	db     *sql.DB
	now    func() time.Time
	logger logging.Logger

	mu        sync.RWMutex
	observers []Observer
}

type txKey struct{}

// Open opens (creating if needed) the sqlite database at path and migrates
// it. ":memory:" keeps the database in process memory.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON;", "PRAGMA busy_timeout = 5000;"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL;")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate places: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &DB{db: db, now: now, logger: logging.OrNop(opts.Logger)}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// WithTx runs fn in a transaction. Methods called with the context passed to
// fn join it. Nested calls reuse the outer transaction.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(dbx.DBTX); ok {
		return fn(ctx)
	}
	return dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (d *DB) conn(ctx context.Context) dbx.DBTX {
	if tx, ok := ctx.Value(txKey{}).(dbx.DBTX); ok {
		return tx
	}
	return d.db
}

func inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(dbx.DBTX)
	return ok
}
