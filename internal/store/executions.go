package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pytask-manager/engine/internal/errors"
	"github.com/pytask-manager/engine/internal/models"
)

const interruptedByNewRun = "Execution interrupted by new execution request"

// CreateSerialized enforces invariant I1 (spec §4.E step 1-2): any prior
// PENDING/RUNNING execution for scriptID is marked FAILURE as interrupted,
// then a new PENDING execution is inserted, both in one transaction. The
// partial unique index idx_executions_one_active_per_script is the
// backstop against two coordinator goroutines racing this same sequence;
// a unique-violation from the INSERT is surfaced as errors.ExecutionAlreadyRunning
// so the caller can retry rather than silently losing the race.
func (s *Store) CreateSerialized(ctx context.Context, scriptID int64, scheduleID *int64) (*models.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.StoreError(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE executions
		SET status = 'FAILURE', completed_at = $1, error_message = $2
		WHERE script_id = $3 AND status IN ('PENDING', 'RUNNING')`,
		now, interruptedByNewRun, scriptID,
	)
	if err != nil {
		return nil, errors.StoreError(err)
	}

	exec := &models.Execution{
		ScriptID:   scriptID,
		ScheduleID: scheduleID,
		StartedAt:  now,
		Status:     models.StatusPending,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO executions (script_id, schedule_id, started_at, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		exec.ScriptID, exec.ScheduleID, exec.StartedAt, exec.Status,
	).Scan(&exec.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, errors.ExecutionAlreadyRunning(scriptID)
		}
		return nil, errors.StoreError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.StoreError(err)
	}

	return exec, nil
}

// MarkRunning transitions an execution from PENDING to RUNNING.
func (s *Store) MarkRunning(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE executions SET status = $1 WHERE id = $2`, models.StatusRunning, id)
	if err != nil {
		return errors.StoreError(err)
	}
	return nil
}

// MarkSuccess sets a terminal SUCCESS status with the full final log text.
func (s *Store) MarkSuccess(ctx context.Context, id int64, logOutput string) error {
	return s.markTerminal(ctx, id, models.StatusSuccess, logOutput, "")
}

// MarkFailure sets a terminal FAILURE status with an explanatory message.
func (s *Store) MarkFailure(ctx context.Context, id int64, logOutput, errMessage string) error {
	return s.markTerminal(ctx, id, models.StatusFailure, logOutput, errMessage)
}

func (s *Store) markTerminal(ctx context.Context, id int64, status models.ExecutionStatus, logOutput, errMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $1, completed_at = $2, log_output = $3, error_message = $4
		WHERE id = $5`,
		status, time.Now().UTC(), logOutput, errMessage, id,
	)
	if err != nil {
		return errors.StoreError(err)
	}
	return nil
}

// GetRunningFor returns the PENDING or RUNNING execution for scriptID, if
// any.
func (s *Store) GetRunningFor(ctx context.Context, scriptID int64) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, script_id, schedule_id, started_at, completed_at, status, log_output, error_message
		FROM executions
		WHERE script_id = $1 AND status IN ('PENDING', 'RUNNING')`,
		scriptID,
	)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreError(err)
	}
	return exec, nil
}

// ScanUnterminated returns every PENDING/RUNNING execution, used by crash
// recovery (spec §4.G) on startup and graceful shutdown.
func (s *Store) ScanUnterminated(ctx context.Context) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script_id, schedule_id, started_at, completed_at, status, log_output, error_message
		FROM executions
		WHERE status IN ('PENDING', 'RUNNING')`,
	)
	if err != nil {
		return nil, errors.StoreError(err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.StoreError(err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError(err)
	}
	return out, nil
}

// GetExecution fetches a single execution by ID.
func (s *Store) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, script_id, schedule_id, started_at, completed_at, status, log_output, error_message
		FROM executions
		WHERE id = $1`,
		id,
	)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(fmt.Sprintf("execution %d", id))
	}
	if err != nil {
		return nil, errors.StoreError(err)
	}
	return exec, nil
}

// ListExecutions returns the most recent executions for a script, newest
// first.
func (s *Store) ListExecutions(ctx context.Context, scriptID int64, limit, offset int) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script_id, schedule_id, started_at, completed_at, status, log_output, error_message
		FROM executions
		WHERE script_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`,
		scriptID, limit, offset,
	)
	if err != nil {
		return nil, errors.StoreError(err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.StoreError(err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StoreError(err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	exec := &models.Execution{}
	var scheduleID sql.NullInt64
	var completedAt sql.NullTime

	if err := row.Scan(
		&exec.ID, &exec.ScriptID, &scheduleID, &exec.StartedAt, &completedAt,
		&exec.Status, &exec.LogOutput, &exec.ErrorMessage,
	); err != nil {
		return nil, err
	}

	if scheduleID.Valid {
		exec.ScheduleID = &scheduleID.Int64
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}

	return exec, nil
}
