// ============================================================================
// tilebreeder Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine that runs local tasks to completion, one at a time.
//
// Loop:
//   1. Receive a Runnable from taskCh (blocking)
//   2. Run it under the pool context
//   3. Report a Result on resultCh
//   4. Repeat until taskCh is closed
//
// A task is long lived (it iterates a whole partition), so there is no
// per-task timeout here. Cancellation comes from the pool context on Stop, or
// cooperatively from the task's own stop flag.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"time"
)

// deadMarker is implemented by runnables that can record a failure the worker
// observed on their behalf.
type deadMarker interface {
	MarkDead(cause error) error
}

// Worker executes Runnables from a shared channel.
type Worker struct {
	id       int
	taskCh   <-chan Runnable
	resultCh chan<- Result
	stopCh   <-chan struct{}
	log      *slog.Logger
}

func newWorker(id int, taskCh <-chan Runnable, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		log:      slog.With("component", "worker", "worker", id),
	}
}

// Run is the worker main loop.
func (w *Worker) Run(ctx context.Context) {
	for r := range w.taskCh {
		result := w.execute(ctx, r)

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			// Nobody drains results after Stop.
		}
	}
}

func (w *Worker) execute(ctx context.Context, r Runnable) (res Result) {
	start := time.Now()
	res = Result{JobID: r.JobID(), TaskID: r.ID()}
	defer func() {
		if p := recover(); p != nil {
			w.log.Error("task panicked", "jobID", r.JobID(), "taskID", r.ID(), "panic", p)
			res.Err = &PanicError{Value: p}
			if d, ok := r.(deadMarker); ok {
				_ = d.MarkDead(res.Err)
			}
		}
		res.State = r.State()
		res.Duration = time.Since(start)
	}()

	res.Err = r.Run(ctx)
	return res
}
