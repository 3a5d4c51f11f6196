package badgerstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/lorrc/workshop-sync/internal/adapters/secondary/badgerstore"
	"github.com/lorrc/workshop-sync/internal/core/domain"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *badgerstore.SnapshotStore {
	t.Helper()
	store, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSnapshotStore_GetMissing(t *testing.T) {
	store := openStore(t)

	_, err := store.Get(context.Background(), domain.JobRef("J1"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSnapshotStore_ApplyMerges(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	ref := domain.JobRef("J1")
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	_, applied, err := store.Apply(ctx, ref, domain.StatusSnapshot{Status: "Assigned", AssigneeID: "T1"}, t0, 1)
	require.NoError(t, err)
	assert.True(t, applied)

	stored, applied, err := store.Apply(ctx, ref, domain.StatusSnapshot{Status: "InProgress"}, t0.Add(time.Minute), 2)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "InProgress", stored.Snapshot.Status)
	assert.Equal(t, "T1", stored.Snapshot.AssigneeID)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, stored, got)
	assert.Equal(t, int64(2), got.Sequence)
}

func TestSnapshotStore_IgnoresOlderUpdates(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	ref := domain.PaymentRef("P1")
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	_, _, err := store.Apply(ctx, ref, domain.StatusSnapshot{Status: "Paid"}, t0, 0)
	require.NoError(t, err)

	stored, applied, err := store.Apply(ctx, ref, domain.StatusSnapshot{Status: "Unpaid"}, t0.Add(-time.Second), 0)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "Paid", stored.Snapshot.Status)
}

func TestSnapshotStore_CountAndPing(t *testing.T) {
	store, err := badgerstore.Open("")
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	for _, ref := range []domain.EntityRef{domain.JobRef("J1"), domain.JobRef("J2"), domain.QuotationRef("Q1")} {
		_, _, err := store.Apply(ctx, ref, domain.StatusSnapshot{Status: "Pending"}, now, 0)
		require.NoError(t, err)
	}

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, store.Ping(ctx))

	require.NoError(t, store.Close())
	assert.Error(t, store.Ping(ctx))
}
