// Package badgerstore keeps the development hub's entity status in an
// embedded BadgerDB so the snapshot endpoint answers what was published.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
)

const snapshotKeyPrefix = "snapshot:"

// SnapshotStore persists domain.StoredSnapshot values keyed by entity.
type SnapshotStore struct {
	db *badger.DB
}

var _ ports.SnapshotStore = (*SnapshotStore)(nil)

// Open opens a store at path. An empty path keeps everything in memory.
func Open(path string) (*SnapshotStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Suppress BadgerDB logs

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for snapshots: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the store is usable.
func (s *SnapshotStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("snapshot store is closed")
	}
	return nil
}

func snapshotKey(ref domain.EntityRef) []byte {
	return []byte(snapshotKeyPrefix + string(ref.Kind) + ":" + ref.ID)
}

// Get returns the stored status of ref or apperrors.ErrNotFound.
func (s *SnapshotStore) Get(_ context.Context, ref domain.EntityRef) (domain.StoredSnapshot, error) {
	var stored domain.StoredSnapshot

	err := s.db.View(func(txn *badger.Txn) error {
		found, err := read(txn, ref, &stored)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", apperrors.ErrNotFound, ref)
		}
		return nil
	})
	if err != nil {
		return domain.StoredSnapshot{}, err
	}
	return stored, nil
}

// Apply merges next into the stored status of ref. An update older than
// what is stored leaves it unchanged and reports false.
func (s *SnapshotStore) Apply(_ context.Context, ref domain.EntityRef, next domain.StatusSnapshot, at time.Time, sequence int64) (domain.StoredSnapshot, bool, error) {
	var (
		stored  domain.StoredSnapshot
		applied bool
	)

	err := s.db.Update(func(txn *badger.Txn) error {
		var current domain.StoredSnapshot
		found, err := read(txn, ref, &current)
		if err != nil {
			return err
		}
		if found && at.Before(current.UpdatedAt) {
			stored = current
			return nil
		}

		stored = domain.StoredSnapshot{
			Snapshot:  current.Snapshot.Merge(next),
			UpdatedAt: at.UTC(),
			Sequence:  sequence,
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if err := txn.Set(snapshotKey(ref), data); err != nil {
			return fmt.Errorf("set snapshot: %w", err)
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
func (s *SnapshotStore) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(snapshotKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func read(txn *badger.Txn, ref domain.EntityRef, out *domain.StoredSnapshot) (bool, error) {
	item, err := txn.Get(snapshotKey(ref))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get snapshot: %w", err)
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	}); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}
	return true, nil
}
