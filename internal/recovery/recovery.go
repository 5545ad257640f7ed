// Package recovery implements Crash Recovery (spec §4.G): on process
// start, before the Cron Scheduler accepts its first tick, it marks every
// Execution left PENDING or RUNNING by a prior process as FAILURE with a
// sentinel message, restoring invariant I1 across restarts. The same sweep
// runs again after the graceful-shutdown quiescence grace period for
// whatever the Execution Coordinator couldn't wind down in time.
//
// Grounded on the teacher's internal/tracker.ConnectionTracker startup
// reconciliation pass (scan persisted state, correct anything left
// inconsistent by an unclean exit) re-purposed from session/connection
// rows to Execution rows.
package recovery

import (
	"context"

	"github.com/pytask-manager/engine/internal/logger"
	"github.com/pytask-manager/engine/internal/models"
)

// ExecutionStore is the subset of *store.Store the sweep needs.
type ExecutionStore interface {
	ScanUnterminated(ctx context.Context) ([]*models.Execution, error)
	MarkFailure(ctx context.Context, id int64, logOutput, errMessage string) error
}

// InterruptedByRestart is the sentinel error_message spec §4.G mandates for
// every execution this sweep terminates, at both startup and shutdown.
const InterruptedByRestart = "Execution interrupted by server restart"

// Sweep marks every PENDING/RUNNING execution as FAILURE with
// InterruptedByRestart and returns how many unterminated executions it
// found; one whose MarkFailure call fails is logged, skipped, and still
// counted. Idempotent: a second call with nothing left unterminated is a
// no-op.
func Sweep(ctx context.Context, st ExecutionStore) (int, error) {
	log := logger.Coordinator()

	unterminated, err := st.ScanUnterminated(ctx)
	if err != nil {
		return 0, err
	}

	for _, exec := range unterminated {
		if err := st.MarkFailure(ctx, exec.ID, exec.LogOutput, InterruptedByRestart); err != nil {
			log.Error().Err(err).Int64("execution_id", exec.ID).Msg("crash recovery: failed to mark execution failed")
			continue
		}
		log.Warn().Int64("execution_id", exec.ID).Int64("script_id", exec.ScriptID).
			Str("status", string(exec.Status)).Msg("crash recovery: closed out unterminated execution")
	}

	if len(unterminated) > 0 {
		log.Info().Int("count", len(unterminated)).Msg("crash recovery sweep complete")
	}
	return len(unterminated), nil
}
