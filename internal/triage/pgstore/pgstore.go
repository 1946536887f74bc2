// Package pgstore provides a PostgreSQL implementation of triage.Store and
// triage.OffsetStore. Each partition is one row; every write is a single
// statement touching only that row.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/winnow/internal/postgres"
	"github.com/linnemanlabs/winnow/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/winnow/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists partitions and resume offsets in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ triage.Store       = (*Store)(nil)
	_ triage.OffsetStore = (*Store)(nil)
)

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Get returns the partition, or an empty one if it has never been written.
func (s *Store) Get(ctx context.Context, key string) (triage.Partition, error) {
	ctx, span := s.start(ctx, "pgstore.Get", "SELECT", key)
	defer span.End()

	var keptJSON, rejectedJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT kept, rejected FROM partitions WHERE partition_key = $1`, key,
	).Scan(&keptJSON, &rejectedJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return triage.Partition{Key: key, Kept: []triage.Item{}, Rejected: []triage.Item{}}, nil
	}
	if err != nil {
		return triage.Partition{}, fail(span, classify("get partition "+key, err))
	}

	p, err := decodePartition(key, keptJSON, rejectedJSON)
	if err != nil {
		return triage.Partition{}, fail(span, err)
	}
	return p, nil
}

// PutOne upserts only the named partition and returns the committed row.
func (s *Store) PutOne(ctx context.Context, key string, kept, rejected []triage.Item) (triage.Partition, error) {
	ctx, span := s.start(ctx, "pgstore.PutOne", "UPSERT", key)
	defer span.End()

	kept, rejected = triage.Normalize(kept, rejected)
	span.SetAttributes(
		attribute.Int("winnow.kept", len(kept)),
		attribute.Int("winnow.rejected", len(rejected)),
	)

	keptJSON, err := json.Marshal(kept)
	if err != nil {
		return triage.Partition{}, fail(span, fmt.Errorf("marshal kept: %w", err))
	}
	rejectedJSON, err := json.Marshal(rejected)
	if err != nil {
		return triage.Partition{}, fail(span, fmt.Errorf("marshal rejected: %w", err))
	}

	query := `INSERT INTO partitions (partition_key, kept, rejected, updated_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (partition_key) DO UPDATE SET
		kept       = EXCLUDED.kept,
		rejected   = EXCLUDED.rejected,
		updated_at = EXCLUDED.updated_at
	RETURNING kept, rejected`

	var gotKept, gotRejected []byte
	if err := s.pool.QueryRow(ctx, query, key, keptJSON, rejectedJSON).Scan(&gotKept, &gotRejected); err != nil {
		return triage.Partition{}, fail(span, classify("upsert partition "+key, err))
	}

	p, err := decodePartition(key, gotKept, gotRejected)
	if err != nil {
		return triage.Partition{}, fail(span, err)
	}
	return p, nil
}

// DeleteOne removes the partition row and its resume offset.
func (s *Store) DeleteOne(ctx context.Context, key string) error {
	ctx, span := s.start(ctx, "pgstore.DeleteOne", "DELETE", key)
	defer span.End()

	query := `WITH dropped_cursor AS (DELETE FROM partition_cursors WHERE partition_key = $1)
	DELETE FROM partitions WHERE partition_key = $1`
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fail(span, classify("delete partition "+key, err))
	}
	return nil
}

// GetOffset returns the partition's resume offset, 0 when unset.
func (s *Store) GetOffset(ctx context.Context, key string) (int, error) {
	ctx, span := s.start(ctx, "pgstore.GetOffset", "SELECT", key)
	defer span.End()

	var off int
	err := s.pool.QueryRow(ctx,
		`SELECT next_offset FROM partition_cursors WHERE partition_key = $1`, key,
	).Scan(&off)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fail(span, classify("get offset "+key, err))
	}
	return off, nil
}

// PutOffset upserts the partition's resume offset.
func (s *Store) PutOffset(ctx context.Context, key string, offset int) error {
	ctx, span := s.start(ctx, "pgstore.PutOffset", "UPSERT", key)
	defer span.End()

	if offset < 0 {
		return fail(span, fmt.Errorf("offset %d for %s: must be >= 0", offset, key))
	}
	query := `INSERT INTO partition_cursors (partition_key, next_offset, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (partition_key) DO UPDATE SET
		next_offset = EXCLUDED.next_offset,
		updated_at  = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, key, offset); err != nil {
		return fail(span, classify("put offset "+key, err))
	}
	return nil
}

// Keys lists every stored partition key in order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	ctx, span := s.start(ctx, "pgstore.Keys", "SELECT", "")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT partition_key FROM partitions ORDER BY partition_key`)
	if err != nil {
		return nil, fail(span, classify("list partitions", err))
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fail(span, classify("list partitions", err))
	}
	return keys, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return triage.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) start(ctx context.Context, name, op, key string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	}
	if key != "" {
		attrs = append(attrs, attribute.String("winnow.partition", key))
		ctx = postgres.WithPartition(ctx, key)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// classify wraps connectivity failures as ErrUpstreamUnavailable. Errors the
// server itself reported, and the caller's own cancellation or deadline, are
// returned as plain wrapped errors.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return triage.Unavailable(op, err)
}

func decodePartition(key string, keptJSON, rejectedJSON []byte) (triage.Partition, error) {
	p := triage.Partition{Key: key, Kept: []triage.Item{}, Rejected: []triage.Item{}}
	if len(keptJSON) > 0 {
		if err := json.Unmarshal(keptJSON, &p.Kept); err != nil {
			return triage.Partition{}, fmt.Errorf("unmarshal kept %s: %w", key, err)
		}
	}
	if len(rejectedJSON) > 0 {
		if err := json.Unmarshal(rejectedJSON, &p.Rejected); err != nil {
			return triage.Partition{}, fmt.Errorf("unmarshal rejected %s: %w", key, err)
		}
	}
	return triage.NormalizePartition(p), nil
}
