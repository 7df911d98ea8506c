package job

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

var (
	// ErrNotFound means the queried node has no local instance of the job. It
	// may be transient (descriptor not processed yet) or permanent (reaped).
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when registering an id twice.
	ErrDuplicateJob = errors.New("job already registered")
)

// RemoteUnreachableError is a status or terminate sub-request to another
// member that failed or timed out. It never fails a whole Status call; the
// member is reported DEAD instead.
type RemoteUnreachableError struct {
	Node types.NodeID
	Err  error
}

func (e *RemoteUnreachableError) Error() string {
	return fmt.Sprintf("member %s unreachable: %v", e.Node, e.Err)
}

func (e *RemoteUnreachableError) Unwrap() error { return e.Err }

func notFound(id types.JobID) error {
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}
