//go:build unit || !integration

package bus

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchColumns() []string {
	return []string{
		"domain", "batch_id", "name", "custom_data", "status", "total_count",
		"completed_count", "failed_count", "canceled_count", "in_troubleshooting_count",
		"created_at", "started_at", "completed_at",
	}
}

func TestBatchRepositoryGet(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	created := time.Now().Add(-time.Hour)
	started := time.Now().Add(-30 * time.Minute)
	mock.ExpectQuery("FROM batches WHERE").
		WithArgs("payments", "batch-1").
		WillReturnRows(sqlmock.NewRows(batchColumns()).
			AddRow("payments", "batch-1", "nightly run", []byte(`{"source":"cron"}`),
				string(BatchInProgress), 10, 4, 0, 1, 2, created, started, nil))

	repo := NewBatchRepository(sqlDB)
	batch, err := repo.Get(context.Background(), nil, "payments", "batch-1")

	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, "nightly run", batch.Name)
	assert.Equal(t, BatchInProgress, batch.Status)
	assert.Equal(t, 10, batch.TotalCount)
	assert.Equal(t, 4, batch.CompletedCount)
	assert.Equal(t, 1, batch.CanceledCount)
	assert.Equal(t, 2, batch.InTroubleshootingCount)
	assert.Equal(t, "cron", batch.CustomData["source"])
	assert.False(t, batch.StartedAt.IsZero())
	assert.True(t, batch.CompletedAt.IsZero())
}

func TestBatchRepositoryGetMissing(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery("FROM batches WHERE").
		WithArgs("payments", "missing").
		WillReturnRows(sqlmock.NewRows(batchColumns()))

	repo := NewBatchRepository(sqlDB)
	batch, err := repo.Get(context.Background(), nil, "payments", "missing")

	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestBatchRepositoryListFiltersByStatus(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	created := time.Now().Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta(`AND status = $2 ORDER BY created_at DESC LIMIT $3`)).
		WithArgs("payments", string(BatchInProgress), 20).
		WillReturnRows(sqlmock.NewRows(batchColumns()).
			AddRow("payments", "batch-1", nil, nil,
				string(BatchInProgress), 3, 1, 0, 0, 1, created, created, nil))

	repo := NewBatchRepository(sqlDB)
	batches, err := repo.List(context.Background(), nil, "payments", BatchInProgress, 20, 0)

	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "batch-1", batches[0].BatchID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRepositoryUpdateOnComplete(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery("SELECT sp_update_batch_on_complete").
		WithArgs("payments", "batch-1").
		WillReturnRows(sqlmock.NewRows([]string{"sp_update_batch_on_complete"}).AddRow(true))

	repo := NewBatchRepository(sqlDB)
	terminal, err := repo.UpdateOnComplete(context.Background(), nil, "payments", "batch-1")

	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestBatchRepositoryUpdateOnTSQCancelNotTerminal(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery("SELECT sp_update_batch_on_tsq_cancel").
		WithArgs("payments", "batch-1").
		WillReturnRows(sqlmock.NewRows([]string{"sp_update_batch_on_tsq_cancel"}).AddRow(false))

	repo := NewBatchRepository(sqlDB)
	terminal, err := repo.UpdateOnTSQCancel(context.Background(), nil, "payments", "batch-1")

	require.NoError(t, err)
	assert.False(t, terminal)
}
