package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/relaysync/internal/bso"
	"github.com/agentworkforce/relaysync/internal/dbx"
	"github.com/agentworkforce/relaysync/internal/storage/migrations"
)

const sqlOperationTimeout = 5 * time.Second

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLBackend stores collections and BSOs in sqlite or postgres. The schema is
// migrated with goose on first use.
type SQLBackend struct {
	dialect Dialect
	dsn     string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewSQLiteBackend opens a sqlite database at path; ":memory:" keeps it in
// process memory.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{dialect: DialectSQLite, dsn: path, openDB: sql.Open}, nil
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{dialect: DialectPostgres, dsn: dsn, openDB: sql.Open}, nil
}

func (b *SQLBackend) Collections(ctx context.Context, user string) ([]CollectionMeta, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, b.q(`SELECT name, created, modified FROM collections WHERE user_id = ? ORDER BY name`), user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CollectionMeta
	for rows.Next() {
		var (
			meta              CollectionMeta
			created, modified int64
		)
		if err := rows.Scan(&meta.Name, &created, &modified); err != nil {
			return nil, err
		}
		meta.Created = bso.Timestamp(created)
		meta.Modified = bso.Timestamp(modified)
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (b *SQLBackend) Collection(ctx context.Context, user, name string) (CollectionMeta, error) {
	if err := b.ensureReady(); err != nil {
		return CollectionMeta{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return b.collection(ctx, b.db, user, name)
}

func (b *SQLBackend) collection(ctx context.Context, db dbx.DBTX, user, name string) (CollectionMeta, error) {
	var created, modified int64
	err := db.QueryRowContext(ctx, b.q(`SELECT created, modified FROM collections WHERE user_id = ? AND name = ?`), user, name).
		Scan(&created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return CollectionMeta{}, ErrNotFound
	}
	if err != nil {
		return CollectionMeta{}, err
	}
	return CollectionMeta{Name: name, Created: bso.Timestamp(created), Modified: bso.Timestamp(modified)}, nil
}

func (b *SQLBackend) EnsureCollection(ctx context.Context, user, name string, created bso.Timestamp) (CollectionMeta, error) {
	if err := b.ensureReady(); err != nil {
		return CollectionMeta{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var meta CollectionMeta
	err := dbx.WithTx(ctx, b.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, b.q(`
			INSERT INTO collections (user_id, name, created, modified)
			VALUES (?, ?, ?, 0)
			ON CONFLICT (user_id, name) DO NOTHING`), user, name, int64(created)); err != nil {
			return err
		}
		var err error
		meta, err = b.collection(ctx, tx, user, name)
		return err
	})
	return meta, err
}

func (b *SQLBackend) ListBSOs(ctx context.Context, user, coll string, newer bso.Timestamp) ([]bso.BSO, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, b.q(`
		SELECT id, sortindex, payload, modified, ttl, deleted
		FROM bso
		WHERE user_id = ? AND collection = ? AND modified > ?`), user, coll, int64(newer))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bso.BSO
	for rows.Next() {
		item, err := scanBSO(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (b *SQLBackend) GetBSO(ctx context.Context, user, coll, id string) (bso.BSO, error) {
	if err := b.ensureReady(); err != nil {
		return bso.BSO{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	row := b.db.QueryRowContext(ctx, b.q(`
		SELECT id, sortindex, payload, modified, ttl, deleted
		FROM bso
		WHERE user_id = ? AND collection = ? AND id = ?`), user, coll, id)
	item, err := scanBSO(row)
	if errors.Is(err, sql.ErrNoRows) {
		return bso.BSO{}, ErrNotFound
	}
	return item, err
}

func (b *SQLBackend) Apply(ctx context.Context, user, coll string, modified bso.Timestamp, items []bso.BSO) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	return dbx.WithTx(ctx, b.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, b.q(`
			INSERT INTO collections (user_id, name, created, modified)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, name)
			DO UPDATE SET modified = excluded.modified`), user, coll, int64(modified), int64(modified)); err != nil {
			return err
		}
		upsert := b.q(`
			INSERT INTO bso (user_id, collection, id, sortindex, payload, payload_size, modified, ttl, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, collection, id)
			DO UPDATE SET sortindex = excluded.sortindex,
				payload = excluded.payload,
				payload_size = excluded.payload_size,
				modified = excluded.modified,
				ttl = excluded.ttl,
				deleted = excluded.deleted`)
		for _, item := range items {
			if _, err := tx.ExecContext(ctx, upsert,
				user, coll, item.ID,
				nullableInt(item.SortIndex),
				item.Payload, len(item.Payload),
				int64(item.Modified),
				nullableInt(item.TTL),
				item.Deleted,
			); err != nil {
				return fmt.Errorf("upsert bso %s: %w", item.ID, err)
			}
		}
		return nil
	})
}

func (b *SQLBackend) DeleteCollection(ctx context.Context, user, coll string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	return dbx.WithTx(ctx, b.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, b.q(`DELETE FROM bso WHERE user_id = ? AND collection = ?`), user, coll); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, b.q(`DELETE FROM collections WHERE user_id = ? AND name = ?`), user, coll)
		return err
	})
}

func (b *SQLBackend) DeleteUser(ctx context.Context, user string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	return dbx.WithTx(ctx, b.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, b.q(`DELETE FROM bso WHERE user_id = ?`), user); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, b.q(`DELETE FROM collections WHERE user_id = ?`), user)
		return err
	})
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) q(query string) string {
	return dbx.Rebind(b.dialect == DialectPostgres, query)
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		driver := string(b.dialect)
		db, err := b.openDB(driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 4*sqlOperationTimeout)
		defer cancel()

		gooseDialect := goose.DialectPostgres
		if b.dialect == DialectSQLite {
			// :memory: databases live and die with their connection.
			db.SetMaxOpenConns(1)
			db.SetConnMaxLifetime(0)
			pragmas := []string{"PRAGMA busy_timeout = 5000;"}
			if b.dsn != ":memory:" {
				pragmas = append(pragmas, "PRAGMA journal_mode = WAL;")
			}
			for _, pragma := range pragmas {
				if _, err := db.ExecContext(ctx, pragma); err != nil {
					_ = db.Close()
					b.initErr = err
					return
				}
			}
			gooseDialect = goose.DialectSQLite3
		}

		provider, err := goose.NewProvider(gooseDialect, db, migrations.FS)
		if err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		if _, err := provider.Up(ctx); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("migrate %s storage: %w", b.dialect, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBSO(row rowScanner) (bso.BSO, error) {
	var (
		item      bso.BSO
		sortIndex sql.NullInt64
		ttl       sql.NullInt64
		modified  int64
	)
	if err := row.Scan(&item.ID, &sortIndex, &item.Payload, &modified, &ttl, &item.Deleted); err != nil {
		return bso.BSO{}, err
	}
	item.Modified = bso.Timestamp(modified)
	if sortIndex.Valid {
		v := int(sortIndex.Int64)
		item.SortIndex = &v
	}
	if ttl.Valid {
		v := int(ttl.Int64)
		item.TTL = &v
	}
	return item, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
