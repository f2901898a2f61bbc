package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

const defaultRetain = 5

// SnapshotRepository stores context cache backups taken during recovery.
type SnapshotRepository struct {
	db     *sql.DB
	retain int
}

func NewSnapshotRepository(db *sql.DB, retain int) *SnapshotRepository {
	if retain <= 0 {
		retain = defaultRetain
	}
	return &SnapshotRepository{db: db, retain: retain}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *SnapshotRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across replicas.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS context_cache_snapshots (
	id TEXT PRIMARY KEY,
	taken_at TIMESTAMPTZ NOT NULL,
	entry_count INTEGER NOT NULL,
	payload JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_context_cache_snapshots_taken_at ON context_cache_snapshots(taken_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SaveSnapshot writes the snapshot and keeps only the newest r.retain rows.
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, snapshot domain.CacheSnapshot) error {
	payload, err := json.Marshal(snapshot.Entries)
	if err != nil {
		return fmt.Errorf("marshal snapshot entries: %w", err)
	}
	takenAt := snapshot.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO context_cache_snapshots (id, taken_at, entry_count, payload)
VALUES ($1, $2, $3, $4)
`, uuid.NewString(), takenAt, len(snapshot.Entries), payload); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM context_cache_snapshots
WHERE id NOT IN (
	SELECT id FROM context_cache_snapshots ORDER BY taken_at DESC LIMIT $1
)
`, r.retain); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// LatestSnapshot returns nil without error when no snapshot exists.
func (r *SnapshotRepository) LatestSnapshot(ctx context.Context) (*domain.CacheSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT taken_at, payload
FROM context_cache_snapshots
ORDER BY taken_at DESC
LIMIT 1
`)

	var snapshot domain.CacheSnapshot
	var payload []byte
	if err := row.Scan(&snapshot.TakenAt, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select latest snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &snapshot.Entries); err != nil {
		return nil, domain.WrapError(domain.ErrCacheCorrupted, "decode snapshot", err)
	}
	return &snapshot, nil
}
