// Package mirror keeps a local SQLite copy of triage partitions, one JSON blob
// per partition key, used when the entity store is unreachable.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"github.com/linnemanlabs/winnow/internal/triage"
)

const table = "mirror_entries"

const schema = `
CREATE TABLE IF NOT EXISTS mirror_entries (
	key        TEXT PRIMARY KEY,
	blob       TEXT NOT NULL,
	dirty      INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_mirror_entries_dirty ON mirror_entries(dirty);
`

// Mirror is a SQLite backed triage.Mirror.
type Mirror struct {
	db  *sql.DB
	now func() time.Time
}

var _ triage.Mirror = (*Mirror)(nil)

type blob struct {
	Kept     []triage.Item `json:"kept"`
	Rejected []triage.Item `json:"rejected"`
}

// Open opens or creates the mirror database at path and applies the schema.
func Open(ctx context.Context, path string) (*Mirror, error) {
	if path == "" {
		return nil, errors.New("mirror path is empty")
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open mirror %s: %w", path, err)
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply mirror schema: %w", err)
	}
	return &Mirror{db: db, now: time.Now}, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Close closes the database.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// Get returns the mirrored partition and whether one exists.
func (m *Mirror) Get(ctx context.Context, key string) (triage.Partition, bool, error) {
	query, args, err := sq.Select("blob").From(table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return triage.Partition{}, false, fmt.Errorf("build mirror get: %w", err)
	}

	var raw string
	err = m.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return triage.Partition{}, false, nil
	}
	if err != nil {
		return triage.Partition{}, false, fmt.Errorf("mirror get %s: %w", key, err)
	}

	p, err := decode(key, raw)
	if err != nil {
		return triage.Partition{}, false, err
	}
	return p, true, nil
}

// Put replaces the mirrored copy of p. dirty marks a copy the store has not
// acknowledged.
func (m *Mirror) Put(ctx context.Context, p triage.Partition, dirty bool) error {
	if p.Key == "" {
		return triage.ErrNoPartition
	}
	raw, err := json.Marshal(blob{Kept: nonNil(p.Kept), Rejected: nonNil(p.Rejected)})
	if err != nil {
		return fmt.Errorf("marshal mirror %s: %w", p.Key, err)
	}

	query, args, err := sq.Insert(table).
		Columns("key", "blob", "dirty", "updated_at").
		Values(p.Key, string(raw), boolInt(dirty), m.now().UTC()).
		Suffix("ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, dirty = excluded.dirty, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build mirror put: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mirror put %s: %w", p.Key, err)
	}
	return nil
}

// Refresh stores p as a clean copy unless the existing entry is dirty, and
// reports whether it wrote.
func (m *Mirror) Refresh(ctx context.Context, p triage.Partition) (bool, error) {
	if p.Key == "" {
		return false, triage.ErrNoPartition
	}
	raw, err := json.Marshal(blob{Kept: nonNil(p.Kept), Rejected: nonNil(p.Rejected)})
	if err != nil {
		return false, fmt.Errorf("marshal mirror %s: %w", p.Key, err)
	}

	query, args, err := sq.Insert(table).
		Columns("key", "blob", "dirty", "updated_at").
		Values(p.Key, string(raw), 0, m.now().UTC()).
		Suffix("ON CONFLICT(key) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at WHERE " + table + ".dirty = 0").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build mirror refresh: %w", err)
	}
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mirror refresh %s: %w", p.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mirror refresh %s: %w", p.Key, err)
	}
	return n > 0, nil
}

// Delete drops the mirrored copy of key.
func (m *Mirror) Delete(ctx context.Context, key string) error {
	query, args, err := sq.Delete(table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("build mirror delete: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mirror delete %s: %w", key, err)
	}
	return nil
}

// Dirty lists partitions waiting to be pushed back to the store, by key.
func (m *Mirror) Dirty(ctx context.Context) ([]triage.Partition, error) {
	query, args, err := sq.Select("key", "blob").From(table).
		Where(sq.Eq{"dirty": 1}).
		OrderBy("key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build mirror dirty: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mirror dirty: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []triage.Partition
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan mirror row: %w", err)
		}
		p, err := decode(key, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mirror rows: %w", err)
	}
	return out, nil
}

// MarkClean clears the dirty flag on key.
func (m *Mirror) MarkClean(ctx context.Context, key string) error {
	query, args, err := sq.Update(table).
		Set("dirty", 0).
		Set("updated_at", m.now().UTC()).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mirror mark clean: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mirror mark clean %s: %w", key, err)
	}
	return nil
}

// DirtyCount reports how many partitions await resync.
func (m *Mirror) DirtyCount(ctx context.Context) (int, error) {
	query, args, err := sq.Select("COUNT(*)").From(table).Where(sq.Eq{"dirty": 1}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build mirror count: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("mirror count: %w", err)
	}
	return n, nil
}

func decode(key, raw string) (triage.Partition, error) {
	var b blob
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return triage.Partition{}, fmt.Errorf("decode mirror %s: %w", key, err)
	}
	return triage.NormalizePartition(triage.Partition{Key: key, Kept: b.Kept, Rejected: b.Rejected}), nil
}

func nonNil(items []triage.Item) []triage.Item {
	if items == nil {
		return []triage.Item{}
	}
	return items
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
