package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/domain"
)

func TestLegacyBlobs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, nil)

	got, err := repo.GetLegacy(ctx, "finance_portfolios")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.SetLegacy(ctx, "finance_portfolios", []byte(`[{"id":"p-1"}]`)))
	require.NoError(t, repo.SetLegacy(ctx, "finance_companies", []byte(`[]`)))
	require.NoError(t, repo.SetLegacy(ctx, "finance_portfolios", []byte(`[{"id":"p-2"}]`)))

	got, err = repo.GetLegacy(ctx, "finance_portfolios")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"p-2"}]`, string(got))

	keys, err := repo.ListLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"finance_companies", "finance_portfolios"}, keys)

	require.NoError(t, repo.DeleteLegacy(ctx, "finance_companies"))
	keys, err = repo.ListLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"finance_portfolios"}, keys)
}

// mockRepo wires a repository to sqlmock so driver failures can be injected.
func mockRepo(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite"}, zap.NewNop())
	require.NoError(t, err)
	repo.db = db
	return repo, mock
}

func TestDriverErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	diskErr := errors.New("disk I/O error")

	t.Run("GetByID", func(t *testing.T) {
		repo, mock := mockRepo(t)
		mock.ExpectQuery("SELECT collection, id, data").
			WithArgs(domain.CollectionPortfolios, "p-1").
			WillReturnError(diskErr)

		_, err := repo.GetByID(ctx, domain.CollectionPortfolios, "p-1")
		require.ErrorIs(t, err, diskErr)
		assert.Contains(t, err.Error(), "failed to get portfolios[p-1]")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("PutRollsBack", func(t *testing.T) {
		repo, mock := mockRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT created_at, updated_at, pending_sync FROM records").
			WillReturnError(diskErr)
		mock.ExpectRollback()

		_, err := repo.Put(ctx, domain.CollectionPortfolios, domain.NewRecord("p-1", nil), true)
		require.ErrorIs(t, err, diskErr)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MarkFailedMissingEntry", func(t *testing.T) {
		repo, mock := mockRepo(t)
		mock.ExpectExec("UPDATE sync_queue").
			WithArgs("boom", "e-1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.MarkFailed(ctx, "e-1", "boom")
		require.ErrorIs(t, err, domain.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Sweep", func(t *testing.T) {
		repo, mock := mockRepo(t)
		mock.ExpectExec("DELETE FROM cache_items").
			WillReturnResult(sqlmock.NewResult(0, 4))

		n, err := repo.SweepCacheItems(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}
