// Package sqlite implements a backend on an embedded SQLite database. It is
// thread-safe and is typically registered as the METADATA backend, although
// it can hold fragment payloads as well.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"

	_ "modernc.org/sqlite"
)

// Type is the configuration type name of this backend.
const Type = "sqlite"

const version = "1.0"

var migrations = []string{`
CREATE TABLE IF NOT EXISTS containers (
    name       TEXT PRIMARY KEY,
    metadata   TEXT,
    created_at INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS datasets (
    container  TEXT NOT NULL,
    name       TEXT NOT NULL,
    shape      TEXT NOT NULL,
    dtype      TEXT NOT NULL,
    elem_size  INTEGER NOT NULL,
    next_seq   INTEGER NOT NULL DEFAULT 0,
    fragments  TEXT,
    orphans    TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (container, name)
)`, `
CREATE TABLE IF NOT EXISTS fragments (
    container TEXT NOT NULL,
    dataset   TEXT NOT NULL,
    id        TEXT NOT NULL,
    seq       INTEGER NOT NULL,
    data      BLOB,
    PRIMARY KEY (container, dataset, id)
)`,
}

// Options are the variant-specific settings accepted in backend.Config.
type Options struct {
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// Backend stores entities in a SQLite database.
type Backend struct {
	name     string
	category model.Category
	dsn      string
	opts     Options

	mu sync.Mutex
	db *sql.DB
}

var _ backend.Backend = (*Backend)(nil)

// New creates a backend on the database at dsn. The database is opened by
// Init. Use ":memory:" for a private in-memory database.
func New(name string, category model.Category, dsn string) *Backend {
	return &Backend{
		name:     name,
		category: category,
		dsn:      dsn,
		opts:     Options{BusyTimeout: 5 * time.Second},
	}
}

// NewFromConfig creates a backend from configuration. Target is the path of
// the database file.
func NewFromConfig(cfg backend.Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, fmt.Errorf("%w: sqlite backend %q requires a database path", model.ErrConfig, cfg.Name)
	}
	b := New(cfg.Name, cfg.Category, cfg.Target)
	if err := cfg.DecodeOptions(&b.opts); err != nil {
		return nil, err
	}
	return b, nil
}

// Init opens the database and runs migrations.
func (b *Backend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		db, err := sql.Open("sqlite", b.dsn)
		if err != nil {
			return fmt.Errorf("%w: open database: %v", model.ErrBackendUnavailable, err)
		}
		if b.dsn == ":memory:" {
			// Every connection to :memory: is a distinct database.
			db.SetMaxOpenConns(1)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return fmt.Errorf("%w: set WAL mode: %v", model.ErrBackendUnavailable, err)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", b.opts.BusyTimeout.Milliseconds())); err != nil {
			db.Close()
			return fmt.Errorf("%w: set busy timeout: %v", model.ErrBackendUnavailable, err)
		}
		b.db = db
	}

	for _, stmt := range migrations {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: create tables: %v", model.ErrBackendUnavailable, err)
		}
	}
	return nil
}

// Finalize closes the database.
func (b *Backend) Finalize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       b.name,
		Type:       Type,
		Version:    version,
		Category:   b.category,
		ThreadSafe: true,
	}
}

func (b *Backend) PerformanceEstimate(_ int64) time.Duration { return 0 }

func (b *Backend) conn() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, fmt.Errorf("%w: sqlite backend %q is not initialized", model.ErrBackendUnavailable, b.name)
	}
	return b.db, nil
}

func (b *Backend) ContainerCreate(ctx context.Context, c *model.Container) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal container metadata: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO containers (name, metadata, created_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`,
		c.Name, string(metadata), toNanos(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: insert container: %v", model.ErrIOFailure, err)
	}
	return expectOne(res, fmt.Errorf("container %q: %w", c.Name, model.ErrAlreadyExists))
}

func (b *Backend) ContainerRetrieve(ctx context.Context, name string) (*model.Container, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	var (
		metadata sql.NullString
		created  int64
	)
	err = db.QueryRowContext(ctx,
		`SELECT metadata, created_at FROM containers WHERE name = ?`, name,
	).Scan(&metadata, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("container %q: %w", name, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get container: %v", model.ErrIOFailure, err)
	}
	c := &model.Container{Name: name, CreatedAt: fromNanos(created)}
	if err := decodeJSON(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Backend) ContainerUpdate(ctx context.Context, c *model.Container) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal container metadata: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE containers SET metadata = ?, created_at = ? WHERE name = ?`,
		string(metadata), toNanos(c.CreatedAt), c.Name,
	)
	if err != nil {
		return fmt.Errorf("%w: update container: %v", model.ErrIOFailure, err)
	}
	return expectOne(res, fmt.Errorf("container %q: %w", c.Name, model.ErrNotFound))
}

func (b *Backend) ContainerDestroy(ctx context.Context, name string) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", model.ErrIOFailure, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM containers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("%w: delete container: %v", model.ErrIOFailure, err)
	}
	if err := expectOne(res, fmt.Errorf("container %q: %w", name, model.ErrNotFound)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE container = ?`, name); err != nil {
		return fmt.Errorf("%w: delete datasets: %v", model.ErrIOFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrIOFailure, err)
	}
	return nil
}

func (b *Backend) DatasetCreate(ctx context.Context, d *model.Dataset) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	row, err := encodeDataset(d)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO datasets (
			container, name, shape, dtype, elem_size, next_seq, fragments, orphans, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		d.Container, d.Name, row.shape, d.Type.Name, d.Type.Size, int64(d.NextSeq),
		row.index, row.orphans, toNanos(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: insert dataset: %v", model.ErrIOFailure, err)
	}
	return expectOne(res, fmt.Errorf("dataset %q: %w", d.Path(), model.ErrAlreadyExists))
}

func (b *Backend) DatasetRetrieve(ctx context.Context, container, name string) (*model.Dataset, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	d := &model.Dataset{Container: container, Name: name}
	var (
		shape            string
		index, orphans   sql.NullString
		nextSeq, created int64
	)
	err = db.QueryRowContext(ctx,
		`SELECT shape, dtype, elem_size, next_seq, fragments, orphans, created_at
		FROM datasets WHERE container = ? AND name = ?`, container, name,
	).Scan(&shape, &d.Type.Name, &d.Type.Size, &nextSeq, &index, &orphans, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %q: %w", d.Path(), model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get dataset: %v", model.ErrIOFailure, err)
	}
	d.NextSeq = uint64(nextSeq)
	d.CreatedAt = fromNanos(created)
	if err := decodeJSON(sql.NullString{String: shape, Valid: true}, &d.Shape); err != nil {
		return nil, err
	}
	if err := decodeJSON(index, &d.Index); err != nil {
		return nil, err
	}
	if err := decodeJSON(orphans, &d.Orphans); err != nil {
		return nil, err
	}
	return d, nil
}

func (b *Backend) DatasetUpdate(ctx context.Context, d *model.Dataset) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	row, err := encodeDataset(d)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE datasets SET shape = ?, dtype = ?, elem_size = ?, next_seq = ?,
			fragments = ?, orphans = ?, created_at = ?
		WHERE container = ? AND name = ?`,
		row.shape, d.Type.Name, d.Type.Size, int64(d.NextSeq), row.index, row.orphans,
		toNanos(d.CreatedAt), d.Container, d.Name,
	)
	if err != nil {
		return fmt.Errorf("%w: update dataset: %v", model.ErrIOFailure, err)
	}
	return expectOne(res, fmt.Errorf("dataset %q: %w", d.Path(), model.ErrNotFound))
}

func (b *Backend) DatasetDestroy(ctx context.Context, container, name string) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM datasets WHERE container = ? AND name = ?`, container, name)
	if err != nil {
		return fmt.Errorf("%w: delete dataset: %v", model.ErrIOFailure, err)
	}
	return expectOne(res, fmt.Errorf("dataset %q: %w", container+"/"+name, model.ErrNotFound))
}

func (b *Backend) FragmentCreate(ctx context.Context, f *model.Fragment) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO fragments (container, dataset, id, seq, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		f.Container, f.Dataset, f.ID, int64(f.Seq), payload(f.Data),
	)
	if err != nil {
		return fmt.Errorf("%w: insert fragment: %v", model.ErrIOFailure, err)
	}
	return expectOne(res, fmt.Errorf("fragment %s: %w", f.ID, model.ErrAlreadyExists))
}

func (b *Backend) FragmentRetrieve(ctx context.Context, f *model.Fragment) ([]byte, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	var data []byte
	err = db.QueryRowContext(ctx,
		`SELECT data FROM fragments WHERE container = ? AND dataset = ? AND id = ?`,
		f.Container, f.Dataset, f.ID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fragment %s: %w", f.ID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get fragment: %v", model.ErrIOFailure, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (b *Backend) FragmentUpdate(ctx context.Context, f *model.Fragment) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE fragments SET data = ? WHERE container = ? AND dataset = ? AND id = ?`,
		payload(f.Data), f.Container, f.Dataset, f.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: update fragment: %v", model.ErrIOFailure, err)
	}
	return expectOne(res, fmt.Errorf("fragment %s: %w", f.ID, model.ErrNotFound))
}

func (b *Backend) FragmentDestroy(ctx context.Context, f *model.Fragment) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM fragments WHERE container = ? AND dataset = ? AND id = ?`,
		f.Container, f.Dataset, f.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: delete fragment: %v", model.ErrIOFailure, err)
	}
	return expectOne(res, fmt.Errorf("fragment %s: %w", f.ID, model.ErrNotFound))
}

type datasetRow struct {
	shape   string
	index   sql.NullString
	orphans sql.NullString
}

func encodeDataset(d *model.Dataset) (datasetRow, error) {
	var row datasetRow
	shape, err := json.Marshal(d.Shape)
	if err != nil {
		return row, fmt.Errorf("marshal shape: %w", err)
	}
	row.shape = string(shape)
	if d.Index != nil {
		index, err := json.Marshal(d.Index)
		if err != nil {
			return row, fmt.Errorf("marshal fragment index: %w", err)
		}
		row.index = sql.NullString{String: string(index), Valid: true}
	}
	if d.Orphans != nil {
		orphans, err := json.Marshal(d.Orphans)
		if err != nil {
			return row, fmt.Errorf("marshal orphans: %w", err)
		}
		row.orphans = sql.NullString{String: string(orphans), Valid: true}
	}
	return row, nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("%w: decode column: %v", model.ErrIOFailure, err)
	}
	return nil
}

// payload keeps empty fragments distinguishable from NULL.
func payload(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

func expectOne(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", model.ErrIOFailure, err)
	}
	if n == 0 {
		return missing
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
