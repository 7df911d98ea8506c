package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// Runnable is a unit the pool executes on one worker goroutine. *task.Task
// satisfies it.
type Runnable interface {
	JobID() types.JobID
	ID() types.TaskID
	Run(ctx context.Context) error
	State() types.TaskState
}

// Result is reported once per Runnable after it returns.
type Result struct {
	JobID    types.JobID
	TaskID   types.TaskID
	State    types.TaskState // state after Run returned
	Err      error
	Duration time.Duration
}
