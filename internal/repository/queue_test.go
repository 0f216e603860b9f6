package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/folio/internal/domain"
)

func mustField(t *testing.T, data json.RawMessage, name string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	v, ok := fields[name]
	require.True(t, ok, "field %q missing from %s", name, data)
	return v
}

func pendingRecord(id string) *domain.Record {
	rec := domain.NewRecord(id, map[string]any{"name": id})
	rec.PendingSync = true
	return rec
}

func TestQueueOrdering(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	repo := newTestRepo(t, nil, WithClock(clock.Now))

	// A frozen clock must still yield distinct, ordered timestamps.
	for _, id := range []string{"p-b", "p-a", "p-c"} {
		_, err := repo.Put(ctx, domain.CollectionPortfolios, pendingRecord(id), true)
		require.NoError(t, err)
	}

	entries, err := repo.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "p-b", entries[0].RecordID)
	assert.Equal(t, "p-a", entries[1].RecordID)
	assert.Equal(t, "p-c", entries[2].RecordID)
	assert.True(t, entries[0].Timestamp.Before(entries[1].Timestamp))
	assert.True(t, entries[1].Timestamp.Before(entries[2].Timestamp))
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestMarkSynced(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, nil)

	_, err := repo.Put(ctx, domain.CollectionPortfolios, pendingRecord("p-1"), true)
	require.NoError(t, err)
	_, err = repo.Put(ctx, domain.CollectionPortfolios, pendingRecord("p-1"), true)
	require.NoError(t, err)

	entries, err := repo.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	t.Run("KeepsMarkerWhileEntriesRemain", func(t *testing.T) {
		require.NoError(t, repo.MarkSynced(ctx, entries[0]))

		rec, err := repo.GetByID(ctx, domain.CollectionPortfolios, "p-1")
		require.NoError(t, err)
		assert.True(t, rec.PendingSync)
	})

	t.Run("ClearsMarkerWithLastEntry", func(t *testing.T) {
		require.NoError(t, repo.MarkSynced(ctx, entries[1]))

		rec, err := repo.GetByID(ctx, domain.CollectionPortfolios, "p-1")
		require.NoError(t, err)
		assert.False(t, rec.PendingSync)

		n, err := repo.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("DeletedRecordIsFine", func(t *testing.T) {
		require.NoError(t, repo.Remove(ctx, domain.CollectionPortfolios, "p-1", true))
		entries, err := repo.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.NoError(t, repo.MarkSynced(ctx, entries[0]))
	})
}

func TestMarkFailed(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, nil)

	require.NoError(t, repo.Enqueue(ctx, domain.CollectionCompanies, domain.OpCreate, "c-1", map[string]any{"id": "c-1"}))
	entries, err := repo.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, repo.MarkFailed(ctx, entries[0].ID, "503 Service Unavailable"))
	require.NoError(t, repo.MarkFailed(ctx, entries[0].ID, "connection reset"))

	entries, err = repo.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].RetryCount)
	assert.Equal(t, "connection reset", entries[0].LastError)

	err = repo.MarkFailed(ctx, "missing", "boom")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, nil)

	err := repo.Enqueue(ctx, "invoices", domain.OpCreate, "i-1", nil)
	require.ErrorIs(t, err, domain.ErrUnknownCollection)

	err = repo.Enqueue(ctx, domain.CollectionCompanies, domain.Operation("upsert"), "c-1", nil)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDeadLetters(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	repo := newTestRepo(t, nil, WithClock(clock.Now))

	_, err := repo.Put(ctx, domain.CollectionGuarantees, pendingRecord("g-1"), true)
	require.NoError(t, err)
	entries, err := repo.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]

	for i := 0; i < domain.MaxRetryCount; i++ {
		require.NoError(t, repo.MarkFailed(ctx, entry.ID, "timeout"))
	}
	entries, err = repo.Pending(ctx)
	require.NoError(t, err)
	entry = entries[0]
	require.True(t, entry.Exhausted(domain.MaxRetryCount))

	t.Run("Abandon", func(t *testing.T) {
		clock.Advance(time.Minute)
		require.NoError(t, repo.Abandon(ctx, entry, "retry limit reached"))

		n, err := repo.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		letters, err := repo.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, entry.ID, letters[0].ID)
		assert.Equal(t, domain.MaxRetryCount, letters[0].RetryCount)
		assert.Equal(t, "timeout", letters[0].LastError)
		assert.Equal(t, "retry limit reached", letters[0].Reason)
		assert.False(t, letters[0].AbandonedAt.IsZero())

		rec, err := repo.GetByID(ctx, domain.CollectionGuarantees, "g-1")
		require.NoError(t, err)
		assert.True(t, rec.PendingSync, "abandoned records keep their pending marker")
	})

	t.Run("AbandonTwiceFails", func(t *testing.T) {
		err := repo.Abandon(ctx, entry, "again")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Replay", func(t *testing.T) {
		replayed, err := repo.Replay(ctx, entry.ID)
		require.NoError(t, err)
		assert.Zero(t, replayed.RetryCount)
		assert.Empty(t, replayed.LastError)
		assert.True(t, replayed.Timestamp.After(entry.Timestamp))

		entries, err := repo.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, entry.ID, entries[0].ID)
		assert.Equal(t, domain.OpUpdate, entries[0].Operation)

		letters, err := repo.DeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, letters)
	})

	t.Run("ReplayMissing", func(t *testing.T) {
		_, err := repo.Replay(ctx, "missing")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}
