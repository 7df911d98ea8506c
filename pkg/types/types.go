// Package types defines the core domain model shared by every tilebreeder node.
// All values here are serialisable; they are what travels through the fabric and
// across node RPCs.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// JobID is unique across the whole cluster for the lifetime of the cluster.
type JobID int64

// NodeID identifies a cluster member.
type NodeID string

// TaskID is unique within a job on one node.
type TaskID int64

// OperationType is the kind of bulk cache operation a job performs.
type OperationType string

const (
	OpSeed     OperationType = "SEED"     // render tiles missing from the cache
	OpReseed   OperationType = "RESEED"   // render every tile, replacing cached ones
	OpTruncate OperationType = "TRUNCATE" // delete cached tiles
)

var (
	ErrUnknownOperation = errors.New("unknown operation type")
	ErrInvalidRange     = errors.New("invalid tile range")
)

// ParseOperationType accepts the operation name in any case.
func ParseOperationType(s string) (OperationType, error) {
	switch op := OperationType(strings.ToUpper(strings.TrimSpace(s))); op {
	case OpSeed, OpReseed, OpTruncate:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
}

// Valid reports whether op is one of the known operation types.
func (op OperationType) Valid() bool {
	return op == OpSeed || op == OpReseed || op == OpTruncate
}

// Bounds is an inclusive tile coordinate rectangle: minX, minY, maxX, maxY.
type Bounds [4]int64

// Width returns the number of tile columns.
func (b Bounds) Width() int64 { return b[2] - b[0] + 1 }

// Height returns the number of tile rows.
func (b Bounds) Height() int64 { return b[3] - b[1] + 1 }

// TileRange selects the tiles of one layer a job operates on.
type TileRange struct {
	LayerName string         `json:"layer_name" yaml:"layer_name"`
	GridSetID string         `json:"gridset_id" yaml:"gridset_id"`
	Format    string         `json:"format" yaml:"format"`
	ZoomStart int            `json:"zoom_start" yaml:"zoom_start"`
	ZoomStop  int            `json:"zoom_stop" yaml:"zoom_stop"`
	Bounds    map[int]Bounds `json:"bounds,omitempty" yaml:"bounds,omitempty"` // per zoom level; missing levels are empty
}

// Validate checks the range is well formed. It does not check the layer exists.
func (r TileRange) Validate() error {
	if r.LayerName == "" {
		return fmt.Errorf("%w: layer name is required", ErrInvalidRange)
	}
	if r.ZoomStart < 0 || r.ZoomStop < r.ZoomStart {
		return fmt.Errorf("%w: zoom %d..%d", ErrInvalidRange, r.ZoomStart, r.ZoomStop)
	}
	for z, b := range r.Bounds {
		if z < r.ZoomStart || z > r.ZoomStop {
			return fmt.Errorf("%w: bounds for zoom %d outside %d..%d", ErrInvalidRange, z, r.ZoomStart, r.ZoomStop)
		}
		if b.Width() <= 0 || b.Height() <= 0 {
			return fmt.Errorf("%w: empty bounds %v at zoom %d", ErrInvalidRange, b, z)
		}
	}
	return nil
}

// TileCount returns the number of tiles covered by the range.
func (r TileRange) TileCount() int64 {
	var n int64
	for z := r.ZoomStart; z <= r.ZoomStop; z++ {
		if b, ok := r.Bounds[z]; ok {
			n += b.Width() * b.Height()
		}
	}
	return n
}

// Descriptor is the immutable, replicated definition of a job. It is written once
// by the originating node and never mutated afterwards.
type Descriptor struct {
	ID           JobID         `json:"id"`
	Type         OperationType `json:"type"`
	Layer        string        `json:"layer"`
	Range        TileRange     `json:"range"`
	Parallelism  int           `json:"parallelism"`   // thread count requested by the caller
	FilterUpdate bool          `json:"filter_update"` // update parameter filters after the job
	Originator   NodeID        `json:"originator"`
	CreatedAt    int64         `json:"created_at"` // unix milliseconds
}

// TaskState is the lifecycle state of a task. Transitions only move forward:
// UNSET -> READY -> RUNNING -> DONE|DEAD.
type TaskState string

const (
	StateUnset   TaskState = "UNSET"
	StateReady   TaskState = "READY"
	StateRunning TaskState = "RUNNING"
	StateDone    TaskState = "DONE"
	StateDead    TaskState = "DEAD"
)

// Order returns the position of the state in the forward lifecycle.
// DONE and DEAD share the terminal position.
func (s TaskState) Order() int {
	switch s {
	case StateUnset:
		return 0
	case StateReady:
		return 1
	case StateRunning:
		return 2
	case StateDone, StateDead:
		return 3
	default:
		return -1
	}
}

// Finished reports whether the state is terminal.
func (s TaskState) Finished() bool {
	return s == StateDone || s == StateDead
}

// severity ranks states for worst-case aggregation.
func (s TaskState) severity() int {
	switch s {
	case StateDone:
		return 0
	case StateUnset:
		return 1
	case StateReady:
		return 2
	case StateRunning:
		return 3
	case StateDead:
		return 4
	default:
		return 4
	}
}

// Worst returns the more severe of two states.
func Worst(a, b TaskState) TaskState {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// TaskStatus is a read-only snapshot of one task.
type TaskStatus struct {
	JobID           JobID         `json:"job_id"`
	TaskID          TaskID        `json:"task_id"`
	NodeID          NodeID        `json:"node_id"`
	Type            OperationType `json:"type"`
	State           TaskState     `json:"state"`
	TilesDone       int64         `json:"tiles_done"`
	TilesTotal      int64         `json:"tiles_total"`
	TimeSpentMs     int64         `json:"time_spent_ms"`
	TimeRemainingMs int64         `json:"time_remaining_ms"`
	Terminated      bool          `json:"terminated,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// NodeReport describes how one node contributed to an aggregate status.
type NodeReport struct {
	NodeID    NodeID `json:"node_id"`
	Reachable bool   `json:"reachable"`
	TaskCount int    `json:"task_count"`
	Error     string `json:"error,omitempty"`
}

// JobStatus is the aggregate of every task of a job across the nodes that answered.
type JobStatus struct {
	JobID           JobID         `json:"job_id"`
	Type            OperationType `json:"type"`
	Layer           string        `json:"layer"`
	Originator      NodeID        `json:"originator"`
	State           TaskState     `json:"state"`
	TilesDone       int64         `json:"tiles_done"`
	TilesTotal      int64         `json:"tiles_total"`
	TimeSpentMs     int64         `json:"time_spent_ms"`
	TimeRemainingMs int64         `json:"time_remaining_ms"`
	Tasks           []TaskStatus  `json:"tasks"`
	Nodes           []NodeReport  `json:"nodes,omitempty"`
}

// Aggregate folds task snapshots into a job status: counts and times are summed
// and the state is the worst state of any task. No tasks aggregates to UNSET.
//
// Tasks that claim their metatiles while running report no total of their
// own, so the job total is never below the tile count of the range. When the
// tasks give no estimate of their own, the remaining time is extrapolated from
// the tiles done so far, spread over the tasks still running.
func Aggregate(desc Descriptor, tasks []TaskStatus, nodes []NodeReport) JobStatus {
	st := JobStatus{
		JobID:      desc.ID,
		Type:       desc.Type,
		Layer:      desc.Layer,
		Originator: desc.Originator,
		State:      StateUnset,
		Tasks:      tasks,
		Nodes:      nodes,
	}
	for i, t := range tasks {
		st.TilesDone += t.TilesDone
		st.TilesTotal += t.TilesTotal
		st.TimeSpentMs += t.TimeSpentMs
		st.TimeRemainingMs += t.TimeRemainingMs
		if i == 0 {
			st.State = t.State
			continue
		}
		st.State = Worst(st.State, t.State)
	}
	if n := desc.Range.TileCount(); n > st.TilesTotal {
		st.TilesTotal = n
	}
	if st.TimeRemainingMs == 0 && st.TilesDone > 0 && st.TilesTotal > st.TilesDone {
		var running int64
		for _, t := range tasks {
			if t.State == StateRunning {
				running++
			}
		}
		if running > 0 {
			st.TimeRemainingMs = st.TimeSpentMs * (st.TilesTotal - st.TilesDone) / st.TilesDone / running
		}
	}
	return st
}

// Active reports whether any task may still do work.
func (s JobStatus) Active() bool {
	for _, t := range s.Tasks {
		if !t.State.Finished() {
			return true
		}
	}
	return false
}
