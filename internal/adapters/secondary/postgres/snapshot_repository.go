// Package postgres keeps the development hub's entity status in
// PostgreSQL for hubs that share state or outlive a restart.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
)

// Config holds the pool settings.
type Config struct {
	URL      string
	MaxConns int32
}

// SnapshotRepository persists domain.StoredSnapshot rows keyed by entity.
type SnapshotRepository struct {
	pool *pgxpool.Pool
	tx   *TransactionManager
}

var _ ports.SnapshotStore = (*SnapshotRepository)(nil)

// Open migrates the schema and connects a pool.
func Open(ctx context.Context, cfg Config) (*SnapshotRepository, error) {
	if err := Migrate(cfg.URL); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSnapshotRepository(pool), nil
}

func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool, tx: NewTransactionManager(pool)}
}

// Close releases the pool.
func (r *SnapshotRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping reports whether the database answers.
func (r *SnapshotRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Get returns the stored status of ref or apperrors.ErrNotFound.
func (r *SnapshotRepository) Get(ctx context.Context, ref domain.EntityRef) (domain.StoredSnapshot, error) {
	stored, found, err := r.read(ctx, GetDBTX(ctx, r.pool), ref, false)
	if err != nil {
		return domain.StoredSnapshot{}, err
	}
	if !found {
		return domain.StoredSnapshot{}, fmt.Errorf("%w: %s", apperrors.ErrNotFound, ref)
	}
	return stored, nil
}

// Apply merges next into the stored status of ref. An update older than
// what is stored leaves it unchanged and reports false. The row is locked
// for the merge so concurrent publishers cannot lose fields.
func (r *SnapshotRepository) Apply(ctx context.Context, ref domain.EntityRef, next domain.StatusSnapshot, at time.Time, sequence int64) (domain.StoredSnapshot, bool, error) {
	at = at.UTC().Truncate(time.Microsecond)

	var (
		stored  domain.StoredSnapshot
		applied bool
	)
	err := r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		db := GetDBTX(ctx, r.pool)

		current, found, err := r.read(ctx, db, ref, true)
		if err != nil {
			return err
		}
		if found && at.Before(current.UpdatedAt) {
			stored = current
			return nil
		}

		stored = domain.StoredSnapshot{
			Snapshot:  current.Snapshot.Merge(next),
			UpdatedAt: at,
			Sequence:  sequence,
		}
		data, err := json.Marshal(stored.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}

		const upsert = `
			INSERT INTO entity_snapshots (kind, entity_id, snapshot, updated_at, sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (kind, entity_id) DO UPDATE
			SET snapshot = EXCLUDED.snapshot,
			    updated_at = EXCLUDED.updated_at,
			    sequence = EXCLUDED.sequence`
		if _, err := db.Exec(ctx, upsert, string(ref.Kind), ref.ID, data, at, sequence); err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return domain.StoredSnapshot{}, false, err
	}
	return stored, applied, nil
}

// Count returns the number of stored entities.
func (r *SnapshotRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := GetDBTX(ctx, r.pool).QueryRow(ctx, `SELECT count(*) FROM entity_snapshots`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

func (r *SnapshotRepository) read(ctx context.Context, db DBTX, ref domain.EntityRef, forUpdate bool) (domain.StoredSnapshot, bool, error) {
	query := `
		SELECT snapshot, updated_at, sequence
		FROM entity_snapshots
		WHERE kind = $1 AND entity_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		data   []byte
		stored domain.StoredSnapshot
	)
	err := db.QueryRow(ctx, query, string(ref.Kind), ref.ID).Scan(&data, &stored.UpdatedAt, &stored.Sequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StoredSnapshot{}, false, nil
	}
	if err != nil {
		return domain.StoredSnapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &stored.Snapshot); err != nil {
		return domain.StoredSnapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	return stored, true, nil
}
