package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/tilebreeder/internal/breeder"
	"github.com/ChuLiYu/tilebreeder/internal/engine"
	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/internal/fabric/memory"
	"github.com/ChuLiYu/tilebreeder/internal/job"
	"github.com/ChuLiYu/tilebreeder/internal/task"
	"github.com/ChuLiYu/tilebreeder/internal/transport"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// holdFactory keeps every task RUNNING until release is called or the task
// is asked to stop.
type holdFactory struct {
	gate chan struct{}
	once sync.Once
}

func newHoldFactory() *holdFactory { return &holdFactory{gate: make(chan struct{})} }

func (f *holdFactory) release() { f.once.Do(func() { close(f.gate) }) }

func (f *holdFactory) CreateLocalTask(_ types.Descriptor, p engine.Partition) (task.Work, error) {
	return &holdWork{part: p, gate: f.gate}, nil
}

type holdWork struct {
	part engine.Partition
	gate <-chan struct{}
}

func (w *holdWork) Total() int64 { return w.part.TileCount() }

func (w *holdWork) Run(ctx context.Context, tick func(int64) bool) error {
	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-w.gate:
			return w.part.Walk(ctx, func(m engine.Metatile) bool { return tick(m.Tiles()) })
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if !tick(0) {
				return nil
			}
		}
	}
}

type testNode struct {
	breeder *breeder.Breeder
	addr    string
	grpc    *grpc.Server
}

type testCluster struct {
	t       *testing.T
	hub     *memory.Hub
	client  *transport.Client
	factory *holdFactory
}

func newTestCluster(t *testing.T) *testCluster {
	c := &testCluster{
		t:       t,
		hub:     memory.NewHub(),
		client:  transport.NewClient(time.Second),
		factory: newHoldFactory(),
	}
	t.Cleanup(func() {
		c.factory.release()
		assert.NoError(t, c.client.Close())
	})
	return c
}

func (c *testCluster) node(id types.NodeID) *testNode {
	c.t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(c.t, err)

	b, err := breeder.New(breeder.Config{
		NodeID:        id,
		RPCAddr:       lis.Addr().String(),
		StatusTimeout: 500 * time.Millisecond,
		ReapInterval:  time.Hour,
	}, breeder.Deps{
		Fabric:  c.hub.Node(id),
		Keys:    fabric.NewKeys("server-test"),
		Factory: c.factory,
		Peers:   c.client,
	})
	require.NoError(c.t, err)
	require.NoError(c.t, b.Start(context.Background()))

	gs := transport.NewServer()
	NewServer(b, 50*time.Millisecond).Register(gs)
	go func() { _ = gs.Serve(lis) }()

	c.t.Cleanup(func() {
		gs.Stop()
		assert.NoError(c.t, b.Stop())
	})
	return &testNode{breeder: b, addr: lis.Addr().String(), grpc: gs}
}

func testRange() types.TileRange {
	return types.TileRange{
		LayerName: "roads",
		GridSetID: "EPSG:4326",
		Format:    "image/png",
		ZoomStart: 0,
		ZoomStop:  1,
		Bounds: map[int]types.Bounds{
			0: {0, 0, 1, 0},
			1: {0, 0, 3, 1},
		},
	}
}

func submit(t *testing.T, c *testCluster, n *testNode, parallelism int) types.JobID {
	t.Helper()
	id, err := c.client.SubmitJob(context.Background(), n.addr, transport.SubmitRequest{
		Type:        types.OpSeed,
		Range:       testRange(),
		Parallelism: parallelism,
	})
	require.NoError(t, err)
	return id
}

func waitRegistered(t *testing.T, n *testNode, id types.JobID) *job.Job {
	t.Helper()
	var j *job.Job
	require.Eventually(t, func() bool {
		var err error
		j, err = n.breeder.GetJob(id)
		return err == nil
	}, waitFor, tick)
	return j
}

// ============================================================================
// Tests
// ============================================================================

func TestSubmitAndAggregatedStatus(t *testing.T) {
	c := newTestCluster(t)
	a := c.node("a")
	b := c.node("b")

	id := submit(t, c, a, 2)
	waitRegistered(t, b, id)

	ctx := context.Background()
	st, err := c.client.GetJobStatus(ctx, a.addr, id, false)
	require.NoError(t, err)
	assert.Equal(t, id, st.JobID)
	assert.Equal(t, types.NodeID("a"), st.Originator)
	assert.Len(t, st.Tasks, 4)
	require.Len(t, st.Nodes, 2)
	for _, r := range st.Nodes {
		assert.True(t, r.Reachable, r.NodeID)
		assert.Equal(t, 2, r.TaskCount, r.NodeID)
	}
	assert.NotEqual(t, types.StateDone, st.State)

	c.factory.release()
	require.Eventually(t, func() bool {
		st, err := c.client.GetJobStatus(ctx, a.addr, id, false)
		return err == nil && st.State == types.StateDone && st.TilesDone == st.TilesTotal
	}, waitFor, tick)

	st, err = c.client.GetJobStatus(ctx, a.addr, id, false)
	require.NoError(t, err)
	assert.Equal(t, testRange().TileCount(), st.TilesTotal, "two nodes share the range")
}

func TestLocalStatusCoversOnlyOwnTasks(t *testing.T) {
	c := newTestCluster(t)
	a := c.node("a")
	b := c.node("b")

	id := submit(t, c, a, 3)
	waitRegistered(t, b, id)

	st, err := c.client.GetJobStatus(context.Background(), b.addr, id, true)
	require.NoError(t, err)
	require.Len(t, st.Tasks, 3)
	for _, ts := range st.Tasks {
		assert.Equal(t, types.NodeID("b"), ts.NodeID)
	}
	require.Len(t, st.Nodes, 1)
	assert.Equal(t, types.NodeID("b"), st.Nodes[0].NodeID)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	c := newTestCluster(t)
	a := c.node("a")
	ctx := context.Background()

	_, err := c.client.GetJobStatus(ctx, a.addr, 99, true)
	assert.ErrorIs(t, err, job.ErrNotFound)

	_, err = c.client.GetJobStatus(ctx, a.addr, 99, false)
	assert.ErrorIs(t, err, job.ErrNotFound)

	err = c.client.TerminateJob(ctx, a.addr, 99)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	c := newTestCluster(t)
	a := c.node("a")
	ctx := context.Background()

	_, err := c.client.SubmitJob(ctx, a.addr, transport.SubmitRequest{Type: types.OpSeed, Range: testRange()})
	assert.ErrorIs(t, err, transport.ErrInvalidArgument)

	_, err = c.client.SubmitJob(ctx, a.addr, transport.SubmitRequest{Type: "RENDER", Range: testRange(), Parallelism: 1})
	assert.ErrorIs(t, err, transport.ErrInvalidArgument)

	bad := testRange()
	bad.ZoomStop = -1
	_, err = c.client.SubmitJob(ctx, a.addr, transport.SubmitRequest{Type: types.OpSeed, Range: bad, Parallelism: 1})
	assert.ErrorIs(t, err, transport.ErrInvalidArgument)
}

func TestTerminateOnFollowerStopsOnlyItsTasks(t *testing.T) {
	c := newTestCluster(t)
	a := c.node("a")
	b := c.node("b")

	id := submit(t, c, a, 2)
	jb := waitRegistered(t, b, id)
	ja, err := a.breeder.GetJob(id)
	require.NoError(t, err)

	require.NoError(t, c.client.TerminateJob(context.Background(), b.addr, id))
	require.Eventually(t, jb.Done, waitFor, tick)
	assert.False(t, ja.Done())

	require.NoError(t, c.client.TerminateJob(context.Background(), a.addr, id))
	require.Eventually(t, ja.Done, waitFor, tick)
	assert.True(t, ja.Terminated())
}

func TestListJobs(t *testing.T) {
	c := newTestCluster(t)
	a := c.node("a")
	b := c.node("b")

	first := submit(t, c, a, 1)
	second := submit(t, c, a, 1)
	waitRegistered(t, b, second)

	resp, err := c.client.ListJobs(context.Background(), b.addr)
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("b"), resp.Node)
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, first, resp.Jobs[0].JobID)
	assert.Equal(t, second, resp.Jobs[1].JobID)
	for _, s := range resp.Jobs {
		assert.Equal(t, types.NodeID("a"), s.Originator)
		assert.False(t, s.IsOriginator)
		assert.Equal(t, "roads", s.Layer)
		assert.Equal(t, 1, s.LocalTasks)
	}
}

func TestUnreachablePeerCountsDead(t *testing.T) {
	c := newTestCluster(t)
	a := c.node("a")
	b := c.node("b")

	id := submit(t, c, a, 2)
	waitRegistered(t, b, id)

	ctx := context.Background()
	st, err := c.client.GetJobStatus(ctx, a.addr, id, false)
	require.NoError(t, err)
	require.Len(t, st.Tasks, 4)

	// b stays a member but stops answering.
	b.grpc.Stop()

	st, err = c.client.GetJobStatus(ctx, a.addr, id, false)
	require.NoError(t, err)
	assert.Equal(t, types.StateDead, st.State)
	require.Len(t, st.Tasks, 4)
	for _, ts := range st.Tasks {
		if ts.NodeID == "b" {
			assert.Equal(t, types.StateDead, ts.State)
		}
	}
	for _, r := range st.Nodes {
		if r.NodeID == "b" {
			assert.False(t, r.Reachable)
			assert.NotEmpty(t, r.Error)
		}
	}
}
