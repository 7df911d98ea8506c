package breeder

import (
	"github.com/ChuLiYu/tilebreeder/internal/engine"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// TaskPlan is what one node creates locally for a job.
type TaskPlan struct {
	// Count is the number of local tasks. Zero is a valid plan.
	Count int
	// Whole means a single task iterates the full range instead of claiming
	// metatiles from the job's cluster-wide cursor.
	Whole bool
}

// Plan decides a node's share of a job from the operation type alone.
//
// TRUNCATE is destructive and runs exactly once in the cluster, on the
// originator. SEED and RESEED fan out to every node: the originator runs the
// parallelism the caller asked for, other nodes run their own configured
// parallelism, or the descriptor's when they have none. Every task of a
// SEED/RESEED job pulls metatiles from the same cursor, so the nodes split
// the range between them instead of each covering all of it.
func Plan(desc types.Descriptor, self types.NodeID, localParallelism int) TaskPlan {
	switch desc.Type {
	case types.OpTruncate:
		if desc.Originator == self {
			return TaskPlan{Count: 1, Whole: true}
		}
		return TaskPlan{}
	case types.OpSeed, types.OpReseed:
		n := desc.Parallelism
		if desc.Originator != self && localParallelism > 0 {
			n = localParallelism
		}
		return TaskPlan{Count: max(n, 1)}
	default:
		return TaskPlan{}
	}
}

// Partitions splits rng according to the plan. Shared partitions draw from cur.
func (p TaskPlan) Partitions(rng types.TileRange, parts engine.Partitioner, metatile int, cur engine.Cursor) ([]engine.Partition, error) {
	switch {
	case p.Count == 0:
		return nil, nil
	case p.Whole:
		if err := rng.Validate(); err != nil {
			return nil, err
		}
		return []engine.Partition{engine.Whole(rng, metatile)}, nil
	default:
		return parts.Partition(rng, p.Count, cur)
	}
}
