// ============================================================================
// tilebreeder Breeder - node-local job coordinator
// ============================================================================
//
// Package: internal/breeder
// File: breeder.go
// Purpose: One per node. Creates jobs, watches the fabric for descriptors
//          written by other nodes, creates this node's tasks for every job
//          and runs them on the worker pool.
//
// Job creation (originator):
//   1. Increment the cluster sequence       -> job id (AllocationError on failure)
//   2. Build local tasks per type policy    -> register the Job
//   3. Create the descriptor key (once)     -> on failure unregister, AllocationError
//   4. Submit READY tasks to the pool
//
// Loops (started by Start, stopped by Stop):
//   1. Descriptor loop - PUT: OnDescriptorObserved; DELETE: mark descriptor gone
//   2. Terminate loop  - retained terminate broadcasts, applied to local tasks
//   3. Member loop     - join/leave tracking for status fan-out
//   4. Result loop     - task results from the pool
//   5. Reaper loop     - forget finished jobs, originator deletes descriptors
//
// Idempotence:
//   A descriptor is applied at most once per node: registration happens under
//   createMu, and a job already registered (or already reaped) is skipped.
//   A terminate seen before its descriptor is kept as a marker so the tasks
//   are created stopped.
//
// ============================================================================

package breeder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/tilebreeder/internal/engine"
	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/internal/job"
	"github.com/ChuLiYu/tilebreeder/internal/task"
	"github.com/ChuLiYu/tilebreeder/internal/worker"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

const (
	DefaultPoolSize     = 8
	DefaultQueueSize    = 256
	DefaultRetention    = 10 * time.Minute
	DefaultReapInterval = 30 * time.Second

	leaveTimeout   = 5 * time.Second
	retractTimeout = 5 * time.Second
)

// Recorder receives breeder measurements. metrics.Collector implements it.
type Recorder interface {
	job.Recorder
	JobCreated(op types.OperationType)
	AllocationFailed()
	DescriptorObserved()
	TasksCreated(op types.OperationType, n int)
	TaskCreationFailed(op types.OperationType)
	TaskFinished(state types.TaskState)
	TerminateReceived()
	MemberChanged(ev fabric.MemberEventType)
	JobsRegistered(n int)
}

type nopRecorder struct{}

func (nopRecorder) StatusFanout(time.Duration)             {}
func (nopRecorder) RemoteUnreachable(types.NodeID)         {}
func (nopRecorder) JobCreated(types.OperationType)         {}
func (nopRecorder) AllocationFailed()                      {}
func (nopRecorder) DescriptorObserved()                    {}
func (nopRecorder) TasksCreated(types.OperationType, int)  {}
func (nopRecorder) TaskCreationFailed(types.OperationType) {}
func (nopRecorder) TaskFinished(types.TaskState)           {}
func (nopRecorder) TerminateReceived()                     {}
func (nopRecorder) MemberChanged(fabric.MemberEventType)   {}
func (nopRecorder) JobsRegistered(int)                     {}

// Config holds the node settings.
type Config struct {
	NodeID  types.NodeID
	RPCAddr string // advertised to other members for status requests

	// Parallelism is the SEED/RESEED task count this node runs for jobs other
	// nodes originate. Zero uses the descriptor's parallelism.
	Parallelism int
	Metatile    int
	PoolSize    int
	QueueSize   int

	StatusTimeout time.Duration
	Retention     time.Duration // how long finished jobs stay queryable
	ReapInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Metatile <= 0 {
		c.Metatile = engine.DefaultMetatile
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = job.DefaultStatusTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
}

// Deps are the collaborators a breeder drives.
type Deps struct {
	Fabric      fabric.Fabric
	Keys        fabric.Keys
	Factory     engine.TaskFactory
	Partitioner engine.Partitioner // default: SharedPartitioner with Config.Metatile
	Peers       job.Peers          // nil: status stays local
	Recorder    Recorder
	Clock       clock.Clock
}

// Breeder coordinates this node's share of every job.
type Breeder struct {
	cfg     Config
	fab     fabric.Fabric
	keys    fabric.Keys
	factory engine.TaskFactory
	parts   engine.Partitioner
	peers   job.Peers
	rec     Recorder
	clock   clock.Clock
	log     *slog.Logger

	registry *job.Registry
	pool     *worker.Pool

	// createMu serialises descriptor application with terminate markers.
	createMu   sync.Mutex
	terminated map[types.JobID]struct{}
	gone       map[types.JobID]struct{} // descriptor deleted from the fabric
	reaped     map[types.JobID]struct{}

	departedMu sync.RWMutex
	departed   map[types.NodeID]fabric.Member

	ctx      context.Context
	cancel   context.CancelFunc
	loopWg   sync.WaitGroup
	submitWg sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a breeder. Start must be called before it creates or observes jobs.
func New(cfg Config, deps Deps) (*Breeder, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("breeder: node id is required")
	}
	if deps.Fabric == nil {
		return nil, errors.New("breeder: fabric is required")
	}
	if deps.Factory == nil {
		return nil, errors.New("breeder: task factory is required")
	}
	cfg.applyDefaults()
	if deps.Keys.Root() == "" {
		deps.Keys = fabric.NewKeys("")
	}
	if deps.Partitioner == nil {
		deps.Partitioner = engine.SharedPartitioner{Metatile: cfg.Metatile}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Breeder{
		cfg:        cfg,
		fab:        deps.Fabric,
		keys:       deps.Keys,
		factory:    deps.Factory,
		parts:      deps.Partitioner,
		peers:      deps.Peers,
		rec:        deps.Recorder,
		clock:      deps.Clock,
		log:        slog.With("component", "breeder", "node", cfg.NodeID),
		registry:   job.NewRegistry(),
		pool:       worker.NewPool(cfg.QueueSize),
		terminated: make(map[types.JobID]struct{}),
		gone:       make(map[types.JobID]struct{}),
		reaped:     make(map[types.JobID]struct{}),
		departed:   make(map[types.NodeID]fabric.Member),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (b *Breeder) NodeID() types.NodeID    { return b.cfg.NodeID }
func (b *Breeder) Registry() *job.Registry { return b.registry }

// Start joins the cluster, starts the worker pool and the loops. A breeder
// that failed to start cannot be restarted.
func (b *Breeder) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	if b.stopped {
		return ErrStopped
	}

	self := fabric.Member{ID: b.cfg.NodeID, RPCAddr: b.cfg.RPCAddr}
	if err := b.fab.Join(ctx, self); err != nil {
		b.abortLocked()
		return fmt.Errorf("join cluster: %w", err)
	}
	if err := b.pool.Start(b.cfg.PoolSize); err != nil {
		b.abortLocked()
		return fmt.Errorf("start worker pool: %w", err)
	}

	// Subscribe before watching descriptors so retained terminate markers
	// are usually in place when old descriptors replay.
	terms, err := b.fab.Subscribe(b.ctx, TopicTerminate)
	if err != nil {
		b.abortLocked()
		return fmt.Errorf("subscribe %s: %w", TopicTerminate, err)
	}
	members, err := b.fab.WatchMembers(b.ctx)
	if err != nil {
		b.abortLocked()
		return fmt.Errorf("watch members: %w", err)
	}
	descs, err := b.fab.Watch(b.ctx, b.keys.JobsPrefix())
	if err != nil {
		b.abortLocked()
		return fmt.Errorf("watch descriptors: %w", err)
	}

	b.started = true
	b.loopWg.Add(5)
	go b.terminateLoop(terms)
	go b.memberLoop(members)
	go b.descriptorLoop(descs)
	go b.resultLoop()
	go b.reaperLoop()

	b.log.Info("breeder started", "rpcAddr", b.cfg.RPCAddr, "workers", b.cfg.PoolSize)
	return nil
}

// abortLocked undoes a partial Start.
func (b *Breeder) abortLocked() {
	b.stopped = true
	b.cancel()
	b.pool.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := b.fab.Leave(ctx); err != nil && !errors.Is(err, fabric.ErrNotJoined) {
		b.log.Warn("leave after failed start", "error", err)
	}
}

// Stop ends the loops, cancels running tasks and leaves the cluster. Running
// tasks end DEAD; queued tasks that never ran are marked DEAD too. Jobs stay
// registered so their final status can still be read locally.
func (b *Breeder) Stop() error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.log.Info("stopping breeder")
	b.cancel()
	b.pool.Stop()
	b.submitWg.Wait()
	b.loopWg.Wait()

	var errs error
	for _, j := range b.registry.List() {
		for _, t := range j.LocalTasks() {
			if t.State().Finished() {
				continue
			}
			if err := t.MarkDead(ErrStopped); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
				errs = multierr.Append(errs, err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := b.fab.Leave(ctx); err != nil && !errors.Is(err, fabric.ErrNotJoined) {
		errs = multierr.Append(errs, fmt.Errorf("leave cluster: %w", err))
	}

	b.log.Info("breeder stopped")
	return errs
}

func (b *Breeder) running() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.stopped:
		return ErrStopped
	case !b.started:
		return ErrNotStarted
	}
	return nil
}

// CreateJob allocates a cluster-unique id, creates this node's tasks and
// publishes the descriptor. A returned job is guaranteed to be in the fabric.
// Invalid input is rejected before anything is allocated.
func (b *Breeder) CreateJob(ctx context.Context, op types.OperationType, rng types.TileRange, parallelism int, filterUpdate bool) (*job.Job, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownOperation, op)
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if parallelism < 1 {
		return nil, fmt.Errorf("%w: got %d", engine.ErrInvalidParallelism, parallelism)
	}
	if err := b.running(); err != nil {
		return nil, err
	}

	seq, err := b.fab.Increment(ctx, b.keys.JobSequence())
	if err != nil {
		b.rec.AllocationFailed()
		return nil, &AllocationError{Op: "allocate id", Err: err}
	}
	desc := types.Descriptor{
		ID:           types.JobID(seq),
		Type:         op,
		Layer:        rng.LayerName,
		Range:        rng,
		Parallelism:  parallelism,
		FilterUpdate: filterUpdate,
		Originator:   b.cfg.NodeID,
		CreatedAt:    b.clock.Now().UnixMilli(),
	}
	data, err := json.Marshal(desc)
	if err != nil {
		b.rec.AllocationFailed()
		return nil, &AllocationError{Op: "encode descriptor", JobID: desc.ID, Err: err}
	}

	b.createMu.Lock()
	j := b.buildJob(desc)
	err = b.registry.Register(desc.ID, j)
	b.createMu.Unlock()
	if err != nil {
		b.rec.AllocationFailed()
		return nil, &AllocationError{Op: "register", JobID: desc.ID, Err: err}
	}

	if err := b.fab.Create(ctx, b.keys.Job(desc.ID), data); err != nil {
		ambiguous := !errors.Is(err, fabric.ErrKeyExists)
		b.createMu.Lock()
		b.registry.Unregister(desc.ID)
		if ambiguous {
			// The write may have landed anyway; never let the watch bring it back.
			b.reaped[desc.ID] = struct{}{}
		}
		b.createMu.Unlock()
		j.TerminateLocal()
		if ambiguous {
			b.retract(ctx, desc.ID)
		}
		b.rec.AllocationFailed()
		return nil, &AllocationError{Op: "publish descriptor", JobID: desc.ID, Err: err}
	}

	b.rec.JobCreated(op)
	b.rec.JobsRegistered(b.registry.Len())
	b.log.Info("job created", "jobID", desc.ID, "type", op, "layer", desc.Layer,
		"parallelism", parallelism, "localTasks", len(j.LocalTasks()))
	b.submit(j)
	return j, nil
}

// retract removes a descriptor whose publication failed in a way that leaves
// open whether it was written, and stops any node that already picked it up.
// Both steps are best effort: the caller has been told the job does not exist.
func (b *Breeder) retract(ctx context.Context, id types.JobID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), retractTimeout)
	defer cancel()
	if err := b.fab.Delete(ctx, b.keys.Job(id)); err != nil {
		b.log.Warn("retract descriptor", "jobID", id, "error", err)
	}
	if err := b.fab.Broadcast(ctx, TopicTerminate, encodeJobID(id)); err != nil {
		b.log.Warn("retract terminate", "jobID", id, "error", err)
	}
}

// OnDescriptorObserved creates this node's instance of a job. It is safe to
// call any number of times for the same descriptor: the job is created once
// and later calls return the registered instance.
func (b *Breeder) OnDescriptorObserved(desc types.Descriptor) (*job.Job, error) {
	if desc.ID <= 0 || !desc.Type.Valid() {
		return nil, fmt.Errorf("%w: id %d type %q", ErrInvalidDescriptor, desc.ID, desc.Type)
	}
	if err := b.running(); err != nil {
		return nil, err
	}

	b.createMu.Lock()
	if j, err := b.registry.Lookup(desc.ID); err == nil {
		b.createMu.Unlock()
		return j, nil
	}
	if _, ok := b.reaped[desc.ID]; ok {
		b.createMu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrJobReaped, desc.ID)
	}

	b.rec.DescriptorObserved()
	j := b.buildJob(desc)
	if err := b.registry.Register(desc.ID, j); err != nil {
		b.createMu.Unlock()
		return nil, err
	}
	_, stop := b.terminated[desc.ID]
	b.createMu.Unlock()

	if stop {
		b.log.Info("descriptor observed after terminate", "jobID", desc.ID)
		j.TerminateLocal()
	}
	b.rec.JobsRegistered(b.registry.Len())
	b.log.Info("descriptor observed", "jobID", desc.ID, "type", desc.Type,
		"originator", desc.Originator, "localTasks", len(j.LocalTasks()))
	b.submit(j)
	return j, nil
}

// GetJob returns this node's instance of the job, or an error wrapping
// job.ErrNotFound.
func (b *Breeder) GetJob(id types.JobID) (*job.Job, error) {
	return b.registry.Lookup(id)
}

// Jobs lists the jobs registered on this node, ordered by id.
func (b *Breeder) Jobs() []*job.Job {
	return b.registry.List()
}

// buildJob creates the local tasks of desc and wraps them in a Job.
func (b *Breeder) buildJob(desc types.Descriptor) *job.Job {
	tasks := b.createTasks(desc)
	return job.New(desc, tasks, job.Config{
		Self:          b.cfg.NodeID,
		Cluster:       clusterView{b: b},
		Peers:         b.peers,
		StatusTimeout: b.cfg.StatusTimeout,
		Recorder:      b.rec,
		Clock:         b.clock,
	})
}

// createTasks never omits a task it planned: a task whose work could not be
// built is kept as DEAD so status shows the failure.
func (b *Breeder) createTasks(desc types.Descriptor) []*task.Task {
	plan := Plan(desc, b.cfg.NodeID, b.cfg.Parallelism)
	if plan.Count == 0 {
		return nil
	}
	opt := task.WithClock(b.clock)

	parts, err := plan.Partitions(desc.Range, b.parts, b.cfg.Metatile, b.cursor(desc.ID))
	if err != nil {
		b.log.Warn("partition failed", "jobID", desc.ID, "error", err)
		b.rec.TaskCreationFailed(desc.Type)
		return []*task.Task{task.NewDead(desc.ID, 0, b.cfg.NodeID, desc.Type, err, opt)}
	}

	tasks := make([]*task.Task, 0, len(parts))
	for i, p := range parts {
		id := types.TaskID(i)
		work, err := b.factory.CreateLocalTask(desc, p)
		if err != nil {
			b.log.Warn("task creation failed", "jobID", desc.ID, "taskID", id, "error", err)
			b.rec.TaskCreationFailed(desc.Type)
			tasks = append(tasks, task.NewDead(desc.ID, id, b.cfg.NodeID, desc.Type, err, opt))
			continue
		}
		t := task.New(desc.ID, id, b.cfg.NodeID, desc.Type, work, opt)
		_ = t.MarkReady()
		tasks = append(tasks, t)
	}
	b.rec.TasksCreated(desc.Type, len(tasks))
	return tasks
}

// submit queues the job's READY tasks without blocking the caller.
func (b *Breeder) submit(j *job.Job) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.submitWg.Add(1)
	b.mu.Unlock()

	tasks := j.LocalTasks()
	go func() {
		defer b.submitWg.Done()
		for _, t := range tasks {
			if t.State() != types.StateReady {
				continue
			}
			if err := b.pool.Submit(t); err != nil {
				if !errors.Is(err, worker.ErrPoolClosed) {
					b.log.Error("submit task", "jobID", t.JobID(), "taskID", t.ID(), "error", err)
				}
				return
			}
		}
	}()
}

// onTerminate applies a terminate request to the local tasks of id, or
// remembers it until the descriptor arrives.
func (b *Breeder) onTerminate(id types.JobID) {
	b.createMu.Lock()
	b.terminated[id] = struct{}{}
	j, err := b.registry.Lookup(id)
	b.createMu.Unlock()

	b.rec.TerminateReceived()
	if err != nil {
		b.log.Debug("terminate before descriptor", "jobID", id)
		return
	}
	b.log.Info("terminating local tasks", "jobID", id)
	j.TerminateLocal()
}

func (b *Breeder) onDescriptorDeleted(id types.JobID) {
	b.createMu.Lock()
	defer b.createMu.Unlock()
	if _, ok := b.reaped[id]; ok {
		// Ids are never reused, so the marker is no longer needed.
		delete(b.reaped, id)
		return
	}
	b.gone[id] = struct{}{}
}

// forget unregisters a finished job for good.
func (b *Breeder) forget(id types.JobID) {
	b.createMu.Lock()
	b.registry.Unregister(id)
	delete(b.terminated, id)
	if _, ok := b.gone[id]; ok {
		delete(b.gone, id)
	} else {
		b.reaped[id] = struct{}{}
	}
	b.createMu.Unlock()
	b.rec.JobsRegistered(b.registry.Len())
}

func (b *Breeder) descriptorGone(id types.JobID) bool {
	b.createMu.Lock()
	defer b.createMu.Unlock()
	_, ok := b.gone[id]
	return ok
}
