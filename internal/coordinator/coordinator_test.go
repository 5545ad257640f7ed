package coordinator

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytask-manager/engine/internal/broker"
	"github.com/pytask-manager/engine/internal/models"
	"github.com/pytask-manager/engine/internal/runner"
)

func TestOutcome(t *testing.T) {
	status, msg := outcome(runner.Result{Cancelled: true}, 300)
	assert.Equal(t, models.StatusFailure, status)
	assert.Equal(t, "Execution cancelled", msg)

	status, msg = outcome(runner.Result{TimedOut: true}, 2)
	assert.Equal(t, models.StatusFailure, status)
	assert.Equal(t, "Script execution timed out after 2 seconds", msg)

	status, msg = outcome(runner.Result{ExitCode: 2}, 300)
	assert.Equal(t, models.StatusFailure, status)
	assert.Equal(t, "Script exited with return code 2", msg)

	status, msg = outcome(runner.Result{ExitCode: 0}, 300)
	assert.Equal(t, models.StatusSuccess, status)
	assert.Equal(t, "", msg)
}

func TestDrainInto_PublishesLinesThenDrainsBacklog(t *testing.T) {
	dir := t.TempDir()
	m := broker.New(dir)
	require.NoError(t, os.MkdirAll(dir+"/1", 0o755))
	stream, err := m.Open(1, 100)
	require.NoError(t, err)

	sub := stream.Subscribe(false)

	lines := make(chan runner.Line, 4)
	resultCh := make(chan runner.Result, 1)

	lines <- runner.Line{Text: "one"}
	lines <- runner.Line{Text: "two", IsStderr: true}
	resultCh <- runner.Result{ExitCode: 0}
	// A line racing the result message must still be drained before
	// drainInto returns, mirroring a slow pump goroutine.
	lines <- runner.Line{Text: "three"}

	result := drainInto(stream, lines, resultCh)
	assert.Equal(t, 0, result.ExitCode)

	stream.Finish(models.StatusSuccess, 0, false)

	var got []string
	for line := range sub.Lines {
		got = append(got, line)
	}
	assert.Contains(t, got, "one")
	assert.Contains(t, got, "ERROR: two")
	assert.Equal(t, []string{"STATUS: SUCCESS", "Execution finished."}, got[len(got)-2:])
}
