// ============================================================================
// tilebreeder Job - cross-node job aggregate
// ============================================================================
//
// Package: internal/job
// File: job.go
// Purpose: The handle callers use for one job. Every node that observed the
//          descriptor holds a Job with that node's own tasks; the originator's
//          Job also reaches the other members for status and termination.
//
// Status (originator):
//   local snapshots
//     + for every other member ever seen, in parallel, bounded by the status
//       timeout: the member's local snapshots (status request by job id)
//   A member that fails, times out or has departed contributes DEAD: its
//   last-known snapshots with the state forced to DEAD, or a single empty
//   DEAD placeholder if it never answered. NotFound from a reachable member
//   means it has not created its tasks yet and contributes nothing.
//
// Termination:
//   Stop local tasks, then (originator) broadcast a terminate message that
//   every node applies to its own tasks. Repeat calls after a successful
//   broadcast are no-ops.
//
// ============================================================================

package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/internal/task"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// DefaultStatusTimeout bounds each remote status request.
const DefaultStatusTimeout = 2 * time.Second

// Peers fetches another member's local task snapshots for a job. It returns
// an error wrapping ErrNotFound when the member has no instance of the job.
type Peers interface {
	JobStatus(ctx context.Context, member fabric.Member, id types.JobID) ([]types.TaskStatus, error)
}

// Cluster is the node's view of the cluster a Job needs.
type Cluster interface {
	// Members returns the current members.
	Members(ctx context.Context) ([]fabric.Member, error)
	// Departed returns members this node has seen leave.
	Departed() []fabric.Member
	// BroadcastTerminate asks every node to stop its tasks of the job.
	BroadcastTerminate(ctx context.Context, id types.JobID) error
}

// Recorder receives status fan-out measurements.
type Recorder interface {
	StatusFanout(d time.Duration)
	RemoteUnreachable(node types.NodeID)
}

type nopRecorder struct{}

func (nopRecorder) StatusFanout(time.Duration)     {}
func (nopRecorder) RemoteUnreachable(types.NodeID) {}

// Config wires a Job to its node.
type Config struct {
	Self          types.NodeID
	Cluster       Cluster
	Peers         Peers
	StatusTimeout time.Duration
	Recorder      Recorder
	Clock         clock.Clock
}

// Job is one node's instance of a distributed job.
type Job struct {
	desc  types.Descriptor
	self  types.NodeID
	tasks []*task.Task

	cluster       Cluster
	peers         Peers
	statusTimeout time.Duration
	rec           Recorder
	clock         clock.Clock
	createdAt     time.Time
	log           *slog.Logger

	mu          sync.Mutex
	known       map[types.NodeID]fabric.Member
	lastSeen    map[types.NodeID][]types.TaskStatus
	terminated  bool
	broadcasted bool
}

// New builds a Job around tasks already created for this node.
func New(desc types.Descriptor, tasks []*task.Task, cfg Config) *Job {
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Job{
		desc:          desc,
		self:          cfg.Self,
		tasks:         tasks,
		cluster:       cfg.Cluster,
		peers:         cfg.Peers,
		statusTimeout: cfg.StatusTimeout,
		rec:           cfg.Recorder,
		clock:         cfg.Clock,
		createdAt:     cfg.Clock.Now(),
		log:           slog.With("component", "job", "jobID", desc.ID, "node", cfg.Self),
		known:         make(map[types.NodeID]fabric.Member),
		lastSeen:      make(map[types.NodeID][]types.TaskStatus),
	}
}

func (j *Job) ID() types.JobID              { return j.desc.ID }
func (j *Job) Type() types.OperationType    { return j.desc.Type }
func (j *Job) Descriptor() types.Descriptor { return j.desc }
func (j *Job) IsOriginator() bool           { return j.desc.Originator == j.self }
func (j *Job) LocalTasks() []*task.Task     { return append([]*task.Task(nil), j.tasks...) }
func (j *Job) Originator() types.NodeID     { return j.desc.Originator }

// LocalStatus returns snapshots of this node's tasks only. This is what a
// remote status request reads.
func (j *Job) LocalStatus() []types.TaskStatus {
	out := make([]types.TaskStatus, 0, len(j.tasks))
	for _, t := range j.tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// Done reports whether every local task finished. A node with no local tasks
// is done from the start.
func (j *Job) Done() bool {
	for _, t := range j.tasks {
		if !t.State().Finished() {
			return false
		}
	}
	return true
}

// FinishedAt returns when the last local task finished, and false while any
// local task is still live.
func (j *Job) FinishedAt() (time.Time, bool) {
	at := j.createdAt
	for _, t := range j.tasks {
		if !t.State().Finished() {
			return time.Time{}, false
		}
		if f := t.FinishedAt(); f.After(at) {
			at = f
		}
	}
	return at, true
}

// Terminated reports whether Terminate or TerminateLocal ran.
func (j *Job) Terminated() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.terminated
}

// Status aggregates the job. On the originator it queries every other known
// member; elsewhere it covers only this node's tasks.
func (j *Job) Status(ctx context.Context) (types.JobStatus, error) {
	local := j.LocalStatus()
	selfReport := types.NodeReport{NodeID: j.self, Reachable: true, TaskCount: len(local)}

	if !j.IsOriginator() || j.cluster == nil || j.peers == nil {
		return types.Aggregate(j.desc, local, []types.NodeReport{selfReport}), nil
	}

	start := j.clock.Now()
	targets, current := j.targets(ctx)

	var (
		mu      sync.Mutex
		tasks   = local
		reports = []types.NodeReport{selfReport}
		g       errgroup.Group
	)
	for _, m := range targets {
		g.Go(func() error {
			snaps, report := j.queryMember(ctx, m, current[m.ID])
			mu.Lock()
			tasks = append(tasks, snaps...)
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	j.rec.StatusFanout(j.clock.Since(start))

	sort.SliceStable(tasks[len(local):], func(a, b int) bool {
		rest := tasks[len(local):]
		if rest[a].NodeID != rest[b].NodeID {
			return rest[a].NodeID < rest[b].NodeID
		}
		return rest[a].TaskID < rest[b].TaskID
	})
	sort.Slice(reports[1:], func(a, b int) bool { return reports[1+a].NodeID < reports[1+b].NodeID })

	return types.Aggregate(j.desc, tasks, reports), nil
}

// targets returns every member other than self this job has ever known, and
// which of them are current members.
func (j *Job) targets(ctx context.Context) ([]fabric.Member, map[types.NodeID]bool) {
	current := make(map[types.NodeID]bool)
	members, err := j.cluster.Members(ctx)
	if err != nil {
		// Fall back to what was seen before; everyone counts as departed.
		j.log.Warn("list members failed", "error", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, m := range members {
		current[m.ID] = true
		j.known[m.ID] = m
	}
	for _, m := range j.cluster.Departed() {
		if _, ok := j.known[m.ID]; !ok {
			j.known[m.ID] = m
		}
	}

	out := make([]fabric.Member, 0, len(j.known))
	for id, m := range j.known {
		if id != j.self {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, current
}

func (j *Job) queryMember(ctx context.Context, m fabric.Member, isMember bool) ([]types.TaskStatus, types.NodeReport) {
	report := types.NodeReport{NodeID: m.ID}

	var err error
	if isMember {
		cctx, cancel := context.WithTimeout(ctx, j.statusTimeout)
		var snaps []types.TaskStatus
		snaps, err = j.peers.JobStatus(cctx, m, j.desc.ID)
		cancel()

		switch {
		case err == nil:
			j.remember(m.ID, snaps)
			report.Reachable = true
			report.TaskCount = len(snaps)
			return snaps, report
		case errors.Is(err, ErrNotFound):
			// Reachable but the descriptor has not been processed there yet.
			report.Reachable = true
			return nil, report
		}
		err = &RemoteUnreachableError{Node: m.ID, Err: err}
	} else {
		err = &RemoteUnreachableError{Node: m.ID, Err: errors.New("member departed")}
	}

	j.rec.RemoteUnreachable(m.ID)
	j.log.Warn("member contributes DEAD", "member", m.ID, "error", err)
	report.Error = err.Error()
	snaps := j.lastKnownDead(m.ID)
	report.TaskCount = len(snaps)
	return snaps, report
}

func (j *Job) remember(node types.NodeID, snaps []types.TaskStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastSeen[node] = append([]types.TaskStatus(nil), snaps...)
}

// lastKnownDead returns the member's last snapshots forced to DEAD, or one
// empty DEAD placeholder if it never reported any.
func (j *Job) lastKnownDead(node types.NodeID) []types.TaskStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	last := j.lastSeen[node]
	if len(last) == 0 {
		return []types.TaskStatus{{
			JobID:  j.desc.ID,
			TaskID: -1,
			NodeID: node,
			Type:   j.desc.Type,
			State:  types.StateDead,
			Error:  "no status received",
		}}
	}
	out := make([]types.TaskStatus, len(last))
	for i, s := range last {
		s.State = types.StateDead
		s.TimeRemainingMs = 0
		out[i] = s
	}
	return out
}

// Tasks returns the task snapshots of every node, with the same semantics as
// Status.
func (j *Job) Tasks(ctx context.Context) ([]types.TaskStatus, error) {
	st, err := j.Status(ctx)
	if err != nil {
		return nil, err
	}
	return st.Tasks, nil
}

// TerminateLocal asks every local task to stop. It is what a node does on a
// terminate broadcast.
func (j *Job) TerminateLocal() {
	j.mu.Lock()
	j.terminated = true
	j.mu.Unlock()

	for _, t := range j.tasks {
		t.RequestStop()
	}
}

// Terminate stops local tasks and, on the originator, asks every node to
// stop theirs. A failed broadcast leaves the job eligible for another call.
func (j *Job) Terminate(ctx context.Context) error {
	j.mu.Lock()
	done := j.terminated && (j.broadcasted || !j.IsOriginator())
	j.mu.Unlock()
	if done {
		return nil
	}

	j.TerminateLocal()
	if !j.IsOriginator() || j.cluster == nil {
		return nil
	}
	if err := j.cluster.BroadcastTerminate(ctx, j.desc.ID); err != nil {
		return fmt.Errorf("broadcast terminate for job %d: %w", j.desc.ID, err)
	}

	j.mu.Lock()
	j.broadcasted = true
	j.mu.Unlock()
	return nil
}
