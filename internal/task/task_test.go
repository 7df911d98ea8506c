package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

// stepWork completes one tile per step received on steps, and returns when
// steps is closed or tick asks it to stop.
type stepWork struct {
	total int64
	steps chan struct{}
	err   error
}

func newStepWork(total int64) *stepWork {
	return &stepWork{total: total, steps: make(chan struct{})}
}

func (w *stepWork) Total() int64 { return w.total }

func (w *stepWork) Run(ctx context.Context, tick func(int64) bool) error {
	for range w.steps {
		if !tick(1) {
			return nil
		}
	}
	return w.err
}

// instantWork finishes every tile in a single call.
type instantWork struct {
	total int64
	err   error
}

func (w instantWork) Total() int64 { return w.total }

func (w instantWork) Run(ctx context.Context, tick func(int64) bool) error {
	if w.err != nil {
		return w.err
	}
	tick(w.total)
	return nil
}

// ============================================================================
// State Machine
// ============================================================================

func TestNewTaskIsUnset(t *testing.T) {
	tk := New(1, 0, "node-a", types.OpSeed, instantWork{total: 10})

	assert.Equal(t, types.StateUnset, tk.State())
	st := tk.Snapshot()
	assert.Equal(t, types.JobID(1), st.JobID)
	assert.Equal(t, types.NodeID("node-a"), st.NodeID)
	assert.Equal(t, int64(10), st.TilesTotal)
	assert.Zero(t, st.TimeSpentMs)
}

func TestRunToDone(t *testing.T) {
	tk := New(1, 0, "node-a", types.OpSeed, instantWork{total: 4})
	require.NoError(t, tk.MarkReady())
	require.NoError(t, tk.Run(context.Background()))

	st := tk.Snapshot()
	assert.Equal(t, types.StateDone, st.State)
	assert.Equal(t, int64(4), st.TilesDone)
	assert.False(t, st.Terminated)
}

func TestRunFailureIsDead(t *testing.T) {
	boom := errors.New("storage unavailable")
	tk := New(1, 0, "node-a", types.OpSeed, instantWork{total: 4, err: boom})
	require.NoError(t, tk.MarkReady())

	err := tk.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, types.StateDead, tk.State())
	assert.Contains(t, tk.Snapshot().Error, "storage unavailable")
}

func TestRunRequiresReady(t *testing.T) {
	tk := New(1, 0, "node-a", types.OpSeed, instantWork{total: 1})
	err := tk.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Equal(t, types.StateUnset, tk.State())
}

func TestTransitionsNeverMoveBackward(t *testing.T) {
	tk := New(1, 0, "node-a", types.OpSeed, instantWork{total: 1})
	require.NoError(t, tk.MarkReady())
	assert.ErrorIs(t, tk.MarkReady(), ErrInvalidTransition)

	require.NoError(t, tk.Run(context.Background()))
	assert.ErrorIs(t, tk.MarkDead(errors.New("late")), ErrInvalidTransition)
	assert.Equal(t, types.StateDone, tk.State())
}

func TestNewDeadCarriesCreationError(t *testing.T) {
	cause := errors.New("layer not found")
	tk := NewDead(7, 2, "node-b", types.OpReseed, cause)

	assert.Equal(t, types.StateDead, tk.State())
	var tce *TaskCreationError
	require.ErrorAs(t, tk.Err(), &tce)
	assert.Equal(t, types.JobID(7), tce.JobID)
	assert.ErrorIs(t, tk.Err(), cause)

	// Running a dead task does nothing.
	assert.Error(t, tk.Run(context.Background()))
	assert.Equal(t, types.StateDead, tk.State())
}

// ============================================================================
// Cooperative Stop
// ============================================================================

func TestStopBeforeStart(t *testing.T) {
	tk := New(1, 0, "node-a", types.OpSeed, instantWork{total: 5})
	require.NoError(t, tk.MarkReady())

	tk.RequestStop()
	st := tk.Snapshot()
	assert.Equal(t, types.StateDone, st.State)
	assert.True(t, st.Terminated)

	// A worker that picks it up later must not run it.
	require.NoError(t, tk.Run(context.Background()))
	assert.Zero(t, tk.Snapshot().TilesDone)
}

func TestStopWhileRunning(t *testing.T) {
	work := newStepWork(100)
	tk := New(1, 0, "node-a", types.OpSeed, work)
	require.NoError(t, tk.MarkReady())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tk.Run(context.Background())
	}()

	work.steps <- struct{}{}
	work.steps <- struct{}{}
	require.Eventually(t, func() bool { return tk.Snapshot().TilesDone == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.StateRunning, tk.State())

	tk.RequestStop()
	tk.RequestStop() // idempotent
	assert.Equal(t, types.StateRunning, tk.State(), "stop is observed at the next checkpoint, not pre-empted")

	work.steps <- struct{}{}
	wg.Wait()

	st := tk.Snapshot()
	assert.Equal(t, types.StateDone, st.State)
	assert.True(t, st.Terminated)
	assert.Equal(t, int64(3), st.TilesDone)
}

func TestStopOpenEndedWork(t *testing.T) {
	run := func(t *testing.T, tk *Task) *sync.WaitGroup {
		require.NoError(t, tk.MarkReady())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tk.Run(context.Background())
		}()
		return &wg
	}

	t.Run("cut at checkpoint", func(t *testing.T) {
		work := newStepWork(0)
		tk := New(1, 0, "node-a", types.OpSeed, work)
		wg := run(t, tk)

		work.steps <- struct{}{}
		require.Eventually(t, func() bool { return tk.Snapshot().TilesDone == 1 }, time.Second, 5*time.Millisecond)
		tk.RequestStop()
		work.steps <- struct{}{}
		wg.Wait()

		st := tk.Snapshot()
		assert.Equal(t, types.StateDone, st.State)
		assert.True(t, st.Terminated)
		assert.Zero(t, st.TilesTotal)
	})

	t.Run("ran out before the stop was seen", func(t *testing.T) {
		work := newStepWork(0)
		tk := New(1, 0, "node-a", types.OpSeed, work)
		wg := run(t, tk)

		work.steps <- struct{}{}
		require.Eventually(t, func() bool { return tk.Snapshot().TilesDone == 1 }, time.Second, 5*time.Millisecond)
		tk.RequestStop()
		close(work.steps)
		wg.Wait()

		assert.False(t, tk.Snapshot().Terminated)
	})
}

func TestStopAfterFinishIsNoop(t *testing.T) {
	tk := New(1, 0, "node-a", types.OpSeed, instantWork{total: 1})
	require.NoError(t, tk.MarkReady())
	require.NoError(t, tk.Run(context.Background()))

	tk.RequestStop()
	assert.Equal(t, types.StateDone, tk.State())
	assert.False(t, tk.Snapshot().Terminated)
}

// ============================================================================
// Progress Timing
// ============================================================================

func TestSnapshotTimeEstimates(t *testing.T) {
	mock := clock.NewMock()
	work := newStepWork(10)
	tk := New(1, 0, "node-a", types.OpSeed, work, WithClock(mock))
	require.NoError(t, tk.MarkReady())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tk.Run(context.Background())
	}()

	require.Eventually(t, func() bool { return tk.State() == types.StateRunning }, time.Second, time.Millisecond)
	ch := work.steps
	ch <- struct{}{}
	ch <- struct{}{}
	require.Eventually(t, func() bool { return tk.Snapshot().TilesDone == 2 }, time.Second, time.Millisecond)

	mock.Add(4 * time.Second)
	st := tk.Snapshot()
	assert.Equal(t, int64(4000), st.TimeSpentMs)
	// 2s per tile, 8 tiles left.
	assert.Equal(t, int64(16000), st.TimeRemainingMs)

	close(work.steps)
	<-done
	mock.Add(time.Minute)
	st = tk.Snapshot()
	assert.Equal(t, types.StateDone, st.State)
	assert.Equal(t, int64(4000), st.TimeSpentMs, "time spent freezes when the task finishes")
	assert.Zero(t, st.TimeRemainingMs)
}
