package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytask-manager/engine/internal/models"
)

// fakeStore is a narrow in-memory stand-in for *store.Store, scoped to the
// two methods Sweep depends on.
type fakeStore struct {
	unterminated []*models.Execution
	failed       map[int64]string
	failErr      error
}

func (f *fakeStore) ScanUnterminated(ctx context.Context) ([]*models.Execution, error) {
	return f.unterminated, nil
}

func (f *fakeStore) MarkFailure(ctx context.Context, id int64, logOutput, errMessage string) error {
	if f.failErr != nil {
		return f.failErr
	}
	if f.failed == nil {
		f.failed = make(map[int64]string)
	}
	f.failed[id] = errMessage
	return nil
}

func TestSweep_ClosesOutEveryUnterminatedExecution(t *testing.T) {
	store := &fakeStore{
		unterminated: []*models.Execution{
			{ID: 1, ScriptID: 10, Status: models.StatusRunning},
			{ID: 2, ScriptID: 11, Status: models.StatusPending},
		},
	}

	closed, err := Sweep(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 2, closed)
	assert.Equal(t, InterruptedByRestart, store.failed[1])
	assert.Equal(t, InterruptedByRestart, store.failed[2])
}

func TestSweep_NothingUnterminatedIsANoop(t *testing.T) {
	store := &fakeStore{}

	closed, err := Sweep(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
	assert.Empty(t, store.failed)
}

func TestSweep_ContinuesPastIndividualMarkFailureErrors(t *testing.T) {
	store := &fakeStore{
		unterminated: []*models.Execution{{ID: 1, ScriptID: 10, Status: models.StatusRunning}},
		failErr:      assert.AnError,
	}

	closed, err := Sweep(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
}
