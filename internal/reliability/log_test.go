package reliability_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/reliability"
)

// TestSQLLogRecordExecutesInsert mirrors
// jordigilh-kubernaut's workflow_repository_test.go pattern: sqlx.NewDb
// wrapping a go-sqlmock connection, asserting the exact statement and args
// a repository method issues rather than hitting a real database.
func TestSQLLogRecordExecutesInsert(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := sqlx.NewDb(mockDB, "sqlmock")
	sqlLog := reliability.NewSQLLog(db)

	recordedAt := time.Now()
	mock.ExpectExec(`INSERT INTO reliability_log`).
		WithArgs("msg-1", string(model.MilestoneDelivered), recordedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = sqlLog.Record(context.Background(), reliability.LogRow{
		MessageID:  "msg-1",
		Milestone:  model.MilestoneDelivered,
		RecordedAt: recordedAt,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
