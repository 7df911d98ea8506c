package breeder

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/ChuLiYu/tilebreeder/internal/engine"
	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// TopicTerminate carries job ids whose tasks every node must stop.
const TopicTerminate = "terminate"

// clusterView is the job.Cluster a breeder hands to its jobs.
type clusterView struct {
	b *Breeder
}

func (c clusterView) Members(ctx context.Context) ([]fabric.Member, error) {
	return c.b.fab.Members(ctx)
}

func (c clusterView) Departed() []fabric.Member {
	return c.b.departedMembers()
}

func (c clusterView) BroadcastTerminate(ctx context.Context, id types.JobID) error {
	return c.b.fab.Broadcast(ctx, TopicTerminate, encodeJobID(id))
}

// jobCursor hands out the metatile indexes of one job from a fabric counter,
// so tasks on every node draw from one sequence.
type jobCursor struct {
	fab fabric.Fabric
	key string
}

func (c jobCursor) Next(ctx context.Context) (int64, error) {
	n, err := c.fab.Increment(ctx, c.key)
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

func (b *Breeder) cursor(id types.JobID) engine.Cursor {
	return jobCursor{fab: b.fab, key: b.keys.JobCursor(id)}
}

func encodeJobID(id types.JobID) []byte {
	return strconv.AppendInt(nil, int64(id), 10)
}

func decodeJobID(b []byte) (types.JobID, error) {
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad job id %q: %w", b, err)
	}
	return types.JobID(id), nil
}

func (b *Breeder) memberLeft(m fabric.Member) {
	b.departedMu.Lock()
	defer b.departedMu.Unlock()
	b.departed[m.ID] = m
}

func (b *Breeder) memberJoined(m fabric.Member) {
	b.departedMu.Lock()
	defer b.departedMu.Unlock()
	delete(b.departed, m.ID)
}

func (b *Breeder) isDeparted(id types.NodeID) bool {
	b.departedMu.RLock()
	defer b.departedMu.RUnlock()
	_, ok := b.departed[id]
	return ok
}

func (b *Breeder) departedMembers() []fabric.Member {
	b.departedMu.RLock()
	out := make([]fabric.Member, 0, len(b.departed))
	for _, m := range b.departed {
		out = append(out, m)
	}
	b.departedMu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}
