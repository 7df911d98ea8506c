package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// DefaultMetatile is the metatiling factor used when none is configured.
const DefaultMetatile = 4

// SharedPartitioner hands every partition the same cursor, so tasks pull
// metatiles from one queue instead of owning a fixed slice. Given a cursor
// shared by the whole cluster, every metatile is rendered once no matter how
// many nodes take part. A nil cursor is replaced by a LocalCursor.
type SharedPartitioner struct {
	Metatile int
}

// Partition implements Partitioner.
func (s SharedPartitioner) Partition(rng types.TileRange, count int, cur Cursor) ([]Partition, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidParallelism, count)
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	m := s.Metatile
	if m < 1 {
		m = DefaultMetatile
	}
	if cur == nil {
		cur = &LocalCursor{}
	}
	parts := make([]Partition, count)
	for i := range parts {
		parts[i] = Partition{Index: i, Count: count, Metatile: m, Range: rng, Cursor: cur}
	}
	return parts, nil
}

// Whole returns a single partition covering the full range.
func Whole(rng types.TileRange, metatile int) Partition {
	if metatile < 1 {
		metatile = DefaultMetatile
	}
	return Partition{Index: 0, Count: 1, Metatile: metatile, Range: rng}
}

// LocalCursor is a Cursor for tasks of one process.
type LocalCursor struct {
	next atomic.Int64
}

// Next implements Cursor.
func (c *LocalCursor) Next(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.next.Add(1) - 1, nil
}
