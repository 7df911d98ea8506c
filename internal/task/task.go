// ============================================================================
// tilebreeder Task - node-local unit of work
// ============================================================================
//
// Package: internal/task
// File: task.go
// Purpose: A bounded iteration over one partition of a tile range, owned by
//          exactly one node.
//
// State machine (forward only):
//   UNSET --MarkReady--> READY --Run--> RUNNING --> DONE | DEAD
//
//   - RequestStop on a READY/UNSET task finishes it as DONE (terminated).
//   - RequestStop on a RUNNING task raises a flag the work observes at its
//     next tile checkpoint; the task then finishes as DONE (terminated).
//   - Work returning an error finishes the task as DEAD.
//
// Concurrency:
//   Status reads race with progress updates, so every field is guarded by
//   the per-task mutex. The work itself runs without the lock held.
//
// ============================================================================

package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

var (
	// ErrInvalidTransition is returned when a transition would move a task backward.
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrAlreadyStarted is returned by Run when the task left READY already.
	ErrAlreadyStarted = errors.New("task already started")
)

// TaskCreationError records why the local engine could not build a task. The
// task still exists, as DEAD, so aggregate status surfaces the failure.
type TaskCreationError struct {
	JobID types.JobID
	Node  types.NodeID
	Err   error
}

func (e *TaskCreationError) Error() string {
	return fmt.Sprintf("create task for job %d on %s: %v", e.JobID, e.Node, e.Err)
}

func (e *TaskCreationError) Unwrap() error { return e.Err }

// Work is the engine side of a task: it iterates its partition and calls tick
// after each tile (or metatile) with the number of tiles just completed. When
// tick returns false the work must return at that checkpoint. Total is zero
// when the share is only known once the work has run.
type Work interface {
	Total() int64
	Run(ctx context.Context, tick func(done int64) bool) error
}

// Task is a node-local, mutable unit of work.
type Task struct {
	mu sync.Mutex

	jobID types.JobID
	id    types.TaskID
	node  types.NodeID
	op    types.OperationType

	state      types.TaskState
	work       Work
	done       int64
	total      int64
	startedAt  time.Time
	finishedAt time.Time
	stopping   bool
	cut        bool // work was told to stop at a checkpoint
	terminated bool
	err        error

	clock clock.Clock
}

// Option configures a Task.
type Option func(*Task)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(t *Task) { t.clock = c }
}

// New builds a task in UNSET state around the given work.
func New(jobID types.JobID, id types.TaskID, node types.NodeID, op types.OperationType, work Work, opts ...Option) *Task {
	t := &Task{
		jobID: jobID,
		id:    id,
		node:  node,
		op:    op,
		state: types.StateUnset,
		work:  work,
		clock: clock.New(),
	}
	if work != nil {
		t.total = work.Total()
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewDead builds a task that failed construction. It is DEAD from the start.
func NewDead(jobID types.JobID, id types.TaskID, node types.NodeID, op types.OperationType, cause error, opts ...Option) *Task {
	t := New(jobID, id, node, op, nil, opts...)
	t.state = types.StateDead
	t.err = &TaskCreationError{JobID: jobID, Node: node, Err: cause}
	t.finishedAt = t.clock.Now()
	return t
}

func (t *Task) JobID() types.JobID        { return t.jobID }
func (t *Task) ID() types.TaskID          { return t.id }
func (t *Task) Node() types.NodeID        { return t.node }
func (t *Task) Type() types.OperationType { return t.op }

// State returns the current state.
func (t *Task) State() types.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure cause of a DEAD task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// transition must be called with mu held.
func (t *Task) transition(to types.TaskState) error {
	if t.state.Finished() || to.Order() <= t.state.Order() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, to)
	}
	t.state = to
	if to.Finished() {
		t.finishedAt = t.clock.Now()
	}
	return nil
}

// MarkReady moves an UNSET task to READY.
func (t *Task) MarkReady() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(types.StateReady)
}

// MarkDead fails the task. It is a no-op error on a task that already finished.
func (t *Task) MarkDead(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(types.StateDead); err != nil {
		return err
	}
	t.err = cause
	return nil
}

// Run executes the work on the calling goroutine. The task must be READY; a
// task that already finished returns its recorded error without running.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.state.Finished() {
		// Stopped or failed before a worker picked it up.
		err := t.err
		t.mu.Unlock()
		return err
	}
	if t.state != types.StateReady {
		t.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, t.state)
	}
	_ = t.transition(types.StateRunning)
	t.startedAt = t.clock.Now()
	work := t.work
	t.mu.Unlock()

	err := work.Run(ctx, t.tick)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Finished() {
		return t.err
	}
	if err != nil && !t.stopping {
		_ = t.transition(types.StateDead)
		t.err = err
		return err
	}
	t.terminated = t.stopping && (t.cut || t.done < t.total)
	_ = t.transition(types.StateDone)
	return nil
}

// tick is the cooperative checkpoint handed to the work.
func (t *Task) tick(done int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done += done
	if t.stopping {
		t.cut = true
	}
	return !t.stopping
}

// RequestStop asks the task to stop at its next checkpoint. A task that has not
// started yet finishes immediately. Calling it more than once is harmless.
func (t *Task) RequestStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopping || t.state.Finished() {
		return
	}
	t.stopping = true
	if t.state == types.StateUnset || t.state == types.StateReady {
		t.terminated = true
		_ = t.transition(types.StateDone)
	}
}

// FinishedAt returns when the task reached DONE or DEAD, or the zero time.
func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Snapshot returns a serialisable copy of the task's progress.
func (t *Task) Snapshot() types.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := types.TaskStatus{
		JobID:      t.jobID,
		TaskID:     t.id,
		NodeID:     t.node,
		Type:       t.op,
		State:      t.state,
		TilesDone:  t.done,
		TilesTotal: t.total,
		Terminated: t.terminated,
	}
	if t.err != nil {
		st.Error = t.err.Error()
	}
	if t.startedAt.IsZero() {
		return st
	}

	end := t.clock.Now()
	if !t.finishedAt.IsZero() {
		end = t.finishedAt
	}
	spent := end.Sub(t.startedAt)
	st.TimeSpentMs = spent.Milliseconds()

	// Linear estimate from the rate so far.
	if t.state == types.StateRunning && t.done > 0 && t.total > t.done {
		perTile := spent / time.Duration(t.done)
		st.TimeRemainingMs = (perTile * time.Duration(t.total-t.done)).Milliseconds()
	}
	return st
}
