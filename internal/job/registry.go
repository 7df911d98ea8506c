package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// Registry indexes this node's Job instances by id. It is in-memory only.
type Registry struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*Job
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[types.JobID]*Job)}
}

// Register adds j under id.
func (r *Registry) Register(id types.JobID, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateJob, id)
	}
	r.jobs[id] = j
	return nil
}

// Lookup returns the job or an error wrapping ErrNotFound.
func (r *Registry) Lookup(id types.JobID) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	return j, nil
}

// Unregister removes id. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// List returns the registered jobs ordered by id.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return out[i].ID() < out[k].ID() })
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// LookupWithRetry retries Lookup while it reports ErrNotFound, for requests
// that may arrive before this node processed the job's descriptor.
func LookupWithRetry(ctx context.Context, r *Registry, id types.JobID, b backoff.BackOff) (*Job, error) {
	j, err := backoff.RetryWithData(func() (*Job, error) {
		return r.Lookup(id)
	}, backoff.WithContext(b, ctx))
	if err != nil && !errors.Is(err, ErrNotFound) {
		// Gave up because ctx ended; the job is still unknown here.
		return nil, fmt.Errorf("%w: %w", notFound(id), err)
	}
	return j, err
}
