package tasktracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, tr *Tracker, id string, want State) Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := tr.Status(id)
		require.True(t, ok)
		if task.State == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", id, want)
	return Task{}
}

func TestSubmitRunsToSuccess(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 2}, nil)
	id, err := tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		return "done", nil
	})
	require.NoError(t, err)

	task := waitForState(t, tr, id, StateSucceeded)
	assert.Equal(t, "done", task.Result)
	assert.NoError(t, task.Err)
}

func TestSubmitRunsToFailure(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 2}, nil)
	wantErr := errors.New("boom")
	id, err := tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		return nil, wantErr
	})
	require.NoError(t, err)

	task := waitForState(t, tr, id, StateFailed)
	assert.Equal(t, wantErr, task.Err)
}

func TestSubmitRecoversPanic(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1}, nil)
	id, err := tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	task := waitForState(t, tr, id, StateFailed)
	require.Error(t, task.Err)
	assert.Contains(t, task.Err.Error(), "kaboom")
}

func TestStatusUnknownID(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1}, nil)
	_, ok := tr.Status("does-not-exist")
	assert.False(t, ok)
}

func TestCancelPendingTaskNeverRuns(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1}, nil)
	blockerStarted := make(chan struct{})
	release := make(chan struct{})
	_, err := tr.Submit("blocker", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		close(blockerStarted)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-blockerStarted

	ran := make(chan struct{}, 1)
	id, err := tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		ran <- struct{}{}
		return nil, nil
	})
	require.NoError(t, err)

	ok := tr.Cancel(id)
	assert.True(t, ok)

	task, found := tr.Status(id)
	require.True(t, found)
	assert.Equal(t, StateCancelled, task.State)

	close(release)

	select {
	case <-ran:
		t.Fatal("cancelled pending task should never run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelRunningTaskSignalsContext(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1}, nil)
	started := make(chan struct{})
	id, err := tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	<-started
	ok := tr.Cancel(id)
	assert.True(t, ok)

	task := waitForState(t, tr, id, StateCancelled)
	assert.Error(t, task.Err)
}

func TestCancelAlreadyTerminalTaskIsNoOp(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1}, nil)
	id, err := tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	waitForState(t, tr, id, StateSucceeded)

	assert.False(t, tr.Cancel(id))
}

func TestCancelUnknownIDReturnsFalse(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1}, nil)
	assert.False(t, tr.Cancel("nonexistent"))
}

func TestSubmitRejectsOverCapacity(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1, MaxPending: 1}, nil)
	blockerStarted := make(chan struct{})
	release := make(chan struct{})
	_, err := tr.Submit("blocker", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		close(blockerStarted)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-blockerStarted
	defer close(release)

	_, err = tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity")
}

func TestPruneEvictsOldTerminalTasks(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1, Retention: time.Millisecond}, nil)
	id, err := tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	waitForState(t, tr, id, StateSucceeded)

	time.Sleep(10 * time.Millisecond)
	evicted := tr.Prune()
	assert.Equal(t, 1, evicted)

	_, ok := tr.Status(id)
	assert.False(t, ok)
}

func TestPruneKeepsRecentTerminalTasks(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1, Retention: time.Hour}, nil)
	id, err := tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	waitForState(t, tr, id, StateSucceeded)

	evicted := tr.Prune()
	assert.Equal(t, 0, evicted)
}

func TestReportUpdatesProgress(t *testing.T) {
	tr := New(context.Background(), Config{Workers: 1}, nil)
	release := make(chan struct{})
	id, err := tr.Submit("test", PriorityNormal, func(ctx context.Context, report func(string)) (interface{}, error) {
		report("halfway")
		<-release
		return "done", nil
	})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, _ := tr.Status(id)
		if task.Progress == "halfway" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, ok := tr.Status(id)
	require.True(t, ok)
	assert.Equal(t, "halfway", task.Progress)
	close(release)
}
