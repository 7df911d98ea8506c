package breeder

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

var (
	ErrNotStarted     = errors.New("breeder not started")
	ErrStopped        = errors.New("breeder stopped")
	ErrAlreadyStarted = errors.New("breeder already started")
	// ErrInvalidDescriptor is returned for a descriptor without an id or with
	// an unknown operation type.
	ErrInvalidDescriptor = errors.New("invalid job descriptor")
	// ErrJobReaped is returned when a descriptor shows up again for a job this
	// node already finished and forgot.
	ErrJobReaped = errors.New("job already reaped on this node")
)

// AllocationError means the job could not be created in the cluster: the id
// could not be allocated or the descriptor could not be published. No job
// exists and nothing stays registered; the caller retries the whole creation.
type AllocationError struct {
	Op    string
	JobID types.JobID // zero when the id itself was not allocated
	Err   error
}

func (e *AllocationError) Error() string {
	if e.JobID == 0 {
		return fmt.Sprintf("allocate job: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("allocate job %d: %s: %v", e.JobID, e.Op, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }
