package broker

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytask-manager/engine/internal/models"
	"github.com/pytask-manager/engine/internal/runner"
)

func TestStream_PublishAndSubscribeFromStart(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	require.NoError(t, os.MkdirAll(dir+"/1", 0o755))

	s, err := m.Open(1, 100)
	require.NoError(t, err)

	s.Publish(runner.Line{Text: "hello"})
	s.Publish(runner.Line{Text: "boom", IsStderr: true})

	sub := s.Subscribe(true)
	assert.Equal(t, "hello", <-sub.Lines)
	assert.Equal(t, "ERROR: boom", <-sub.Lines)

	s.Finish(models.StatusSuccess, 0, false)

	var got []string
	for line := range sub.Lines {
		got = append(got, line)
	}
	assert.Equal(t, []string{"STATUS: SUCCESS", "Execution finished."}, got)

	err2, ok := <-sub.Err
	assert.False(t, ok)
	assert.Nil(t, err2)
}

func TestStream_SubscribeLiveOnly(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	require.NoError(t, os.MkdirAll(dir+"/2", 0o755))

	s, err := m.Open(2, 200)
	require.NoError(t, err)

	s.Publish(runner.Line{Text: "before subscribe"})
	sub := s.Subscribe(false)
	s.Publish(runner.Line{Text: "after subscribe"})

	assert.Equal(t, "after subscribe", <-sub.Lines)

	s.Finish(models.StatusFailure, 1, false)
	var got []string
	for line := range sub.Lines {
		got = append(got, line)
	}
	assert.Equal(t, []string{runner.ExitCodeFooter(1), "STATUS: FAILURE", "Execution finished."}, got)
}

func TestStream_SlowSubscriberOverflow(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	require.NoError(t, os.MkdirAll(dir+"/3", 0o755))

	s, err := m.Open(3, 300)
	require.NoError(t, err)

	sub := s.Subscribe(false)
	for i := 0; i < subscriberQueueSize+1; i++ {
		s.Publish(runner.Line{Text: "line"})
	}

	overflowErr := <-sub.Err
	assert.Error(t, overflowErr)

	// The lines queued before the overflow stay readable; the channel is
	// closed right after them.
	for i := 0; i < subscriberQueueSize; i++ {
		<-sub.Lines
	}
	_, ok := <-sub.Lines
	assert.False(t, ok)
}

func TestStream_SubscribeFromStart_OverflowsOnOversizedBacklog(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	require.NoError(t, os.MkdirAll(dir+"/5", 0o755))

	s, err := m.Open(5, 500)
	require.NoError(t, err)

	for i := 0; i < subscriberQueueSize+1; i++ {
		s.Publish(runner.Line{Text: "line"})
	}

	done := make(chan *Subscriber, 1)
	go func() {
		done <- s.Subscribe(true)
	}()

	select {
	case sub := <-done:
		overflowErr := <-sub.Err
		assert.Error(t, overflowErr)

		for i := 0; i < subscriberQueueSize; i++ {
			<-sub.Lines
		}
		_, ok := <-sub.Lines
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Subscribe(true) blocked on an oversized backlog instead of disconnecting with overflow")
	}
}

func TestManager_OpenAndRelease(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	require.NoError(t, os.MkdirAll(dir+"/4", 0o755))

	s, err := m.Open(4, 400)
	require.NoError(t, err)

	got, ok := m.Get(400)
	assert.True(t, ok)
	assert.Same(t, s, got)

	m.Release(400)
	_, ok = m.Get(400)
	assert.False(t, ok)
}
