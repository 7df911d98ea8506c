// ============================================================================
// tilebreeder Engine - seeding engine boundary
// ============================================================================
//
// Package: internal/engine
// File: engine.go
// Purpose: What the breeder needs from the tile engine: split a range into
//          per-task partitions and turn one partition into runnable work.
//
// The breeder never renders or deletes a tile itself. A Partitioner decides
// how a task finds its metatiles, a TaskFactory binds a partition to the
// storage-facing work. Both are pluggable; Simulated ships an in-process
// implementation used by `run` and the tests.
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/tilebreeder/internal/task"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

var (
	// ErrLayerNotFound is returned when the descriptor names a layer this node does not serve.
	ErrLayerNotFound = errors.New("layer not found")
	// ErrInvalidParallelism is returned for a partition count below one.
	ErrInvalidParallelism = errors.New("parallelism must be at least 1")
)

// Cursor hands out the global metatile indexes of one job, starting at zero.
// Every index is handed out once, to whichever task asks first, on any node.
type Cursor interface {
	Next(ctx context.Context) (int64, error)
}

// Partitioner splits a tile range into count partitions that draw their
// metatiles from cur. Partitions drawing from the same cursor are disjoint
// wherever they run. The result is ordered by partition index and always has
// exactly count entries.
type Partitioner interface {
	Partition(rng types.TileRange, count int, cur Cursor) ([]Partition, error)
}

// TaskFactory builds the work for one partition of a job.
type TaskFactory interface {
	CreateLocalTask(desc types.Descriptor, p Partition) (task.Work, error)
}

// Metatile is a block of adjacent tiles at one zoom level that the engine
// renders in a single pass. Coordinates are inclusive.
type Metatile struct {
	Zoom                   int
	MinX, MinY, MaxX, MaxY int64
}

// Tiles returns the number of tiles in the metatile.
func (m Metatile) Tiles() int64 {
	return (m.MaxX - m.MinX + 1) * (m.MaxY - m.MinY + 1)
}

// Partition is the share of a range one task iterates. Without a Cursor it
// covers every metatile of the range; with one it covers the metatiles it
// claims while running, so its size is only known afterwards.
type Partition struct {
	Index    int
	Count    int
	Metatile int
	Range    types.TileRange
	Cursor   Cursor
}

func (p Partition) side() int64 {
	if p.Metatile < 1 {
		return DefaultMetatile
	}
	return int64(p.Metatile)
}

func span(lo, hi, m int64) int64 {
	return (hi - lo + m) / m
}

// MetatileCount returns the number of metatiles in the range.
func (p Partition) MetatileCount() int64 {
	m := p.side()
	var n int64
	for z := p.Range.ZoomStart; z <= p.Range.ZoomStop; z++ {
		if b, ok := p.Range.Bounds[z]; ok {
			n += span(b[0], b[2], m) * span(b[1], b[3], m)
		}
	}
	return n
}

// At returns the metatile with global index idx in zoom, row, column order.
func (p Partition) At(idx int64) (Metatile, bool) {
	if idx < 0 {
		return Metatile{}, false
	}
	m := p.side()
	for z := p.Range.ZoomStart; z <= p.Range.ZoomStop; z++ {
		b, ok := p.Range.Bounds[z]
		if !ok {
			continue
		}
		cols := span(b[0], b[2], m)
		n := cols * span(b[1], b[3], m)
		if idx >= n {
			idx -= n
			continue
		}
		x := b[0] + (idx%cols)*m
		y := b[1] + (idx/cols)*m
		return Metatile{
			Zoom: z,
			MinX: x, MinY: y,
			MaxX: min(x+m-1, b[2]),
			MaxY: min(y+m-1, b[3]),
		}, true
	}
	return Metatile{}, false
}

// Walk calls fn for every metatile of the partition and stops early when fn
// returns false. With a Cursor each metatile is claimed before fn sees it and
// the walk ends once the cursor runs past the range.
func (p Partition) Walk(ctx context.Context, fn func(Metatile) bool) error {
	if p.Cursor == nil {
		total := p.MetatileCount()
		for i := int64(0); i < total; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			mt, _ := p.At(i)
			if !fn(mt) {
				return nil
			}
		}
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx, err := p.Cursor.Next(ctx)
		if err != nil {
			return fmt.Errorf("claim metatile: %w", err)
		}
		mt, ok := p.At(idx)
		if !ok {
			return nil
		}
		if !fn(mt) {
			return nil
		}
	}
}

// TileCount returns the number of tiles the partition is known to cover: the
// whole range without a Cursor, zero with one.
func (p Partition) TileCount() int64 {
	if p.Cursor != nil {
		return 0
	}
	return p.Range.TileCount()
}
