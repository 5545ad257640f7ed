package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytask-manager/engine/internal/models"
)

func TestCreateSerialized_NoPriorExecution(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewForTesting(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE executions").
		WithArgs(sqlmock.AnyArg(), interruptedByNewRun, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO executions").
		WithArgs(int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), models.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	exec, err := s.CreateSerialized(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), exec.ID)
	assert.Equal(t, models.StatusPending, exec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewForTesting(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE executions").
		WithArgs(models.StatusSuccess, sqlmock.AnyArg(), "hello\n", "", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.MarkSuccess(ctx, 7, "hello\n")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunningFor_None(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewForTesting(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM executions").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "script_id", "schedule_id", "started_at", "completed_at", "status", "log_output", "error_message"}))

	exec, err := s.GetRunningFor(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, exec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanUnterminated(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewForTesting(db)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "script_id", "schedule_id", "started_at", "completed_at", "status", "log_output", "error_message"}).
		AddRow(int64(1), int64(10), nil, now, nil, models.StatusRunning, "", "").
		AddRow(int64(2), int64(11), nil, now, nil, models.StatusPending, "", "")

	mock.ExpectQuery("SELECT (.+) FROM executions").WillReturnRows(rows)

	execs, err := s.ScanUnterminated(ctx)
	require.NoError(t, err)
	assert.Len(t, execs, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}
