package breeder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/tilebreeder/internal/engine"
	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/internal/fabric/memory"
	"github.com/ChuLiYu/tilebreeder/internal/job"
	"github.com/ChuLiYu/tilebreeder/internal/task"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// ============================================================================
// Test Helpers
// ============================================================================

// gateFactory builds work that holds its task RUNNING until the gate opens,
// checking the stop flag while it waits, then claims its share of the range.
type gateFactory struct {
	gate chan struct{}
	once sync.Once
}

func newGateFactory() *gateFactory {
	return &gateFactory{gate: make(chan struct{})}
}

func (f *gateFactory) open() { f.once.Do(func() { close(f.gate) }) }

func (f *gateFactory) CreateLocalTask(desc types.Descriptor, p engine.Partition) (task.Work, error) {
	return &gateWork{part: p, gate: f.gate}, nil
}

type gateWork struct {
	part engine.Partition
	gate <-chan struct{}
}

func (w *gateWork) Total() int64 { return w.part.TileCount() }

func (w *gateWork) Run(ctx context.Context, tick func(int64) bool) error {
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

// directPeers answers status requests from the other breeders in the process.
type directPeers struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*Breeder
}

func (p *directPeers) add(b *Breeder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[b.NodeID()] = b
}

func (p *directPeers) JobStatus(ctx context.Context, m fabric.Member, id types.JobID) ([]types.TaskStatus, error) {
	p.mu.Lock()
	b := p.nodes[m.ID]
	p.mu.Unlock()
	if b == nil {
		return nil, errors.New("no route to " + string(m.ID))
	}
	j, err := b.GetJob(id)
	if err != nil {
		return nil, err
	}
	return j.LocalStatus(), nil
}

type cluster struct {
	t     testing.TB
	hub   *memory.Hub
	peers *directPeers
}

func newCluster(t testing.TB) *cluster {
	return &cluster{t: t, hub: memory.NewHub(), peers: &directPeers{nodes: make(map[types.NodeID]*Breeder)}}
}

type nodeOption func(*Config, *Deps)

func withParallelism(n int) nodeOption {
	return func(c *Config, _ *Deps) { c.Parallelism = n }
}

func withFactory(f engine.TaskFactory) nodeOption {
	return func(_ *Config, d *Deps) { d.Factory = f }
}

func withFabric(f fabric.Fabric) nodeOption {
	return func(_ *Config, d *Deps) { d.Fabric = f }
}

func withClock(c clock.Clock) nodeOption {
	return func(_ *Config, d *Deps) { d.Clock = c }
}

func (c *cluster) node(id types.NodeID, opts ...nodeOption) *Breeder {
	c.t.Helper()
	cfg := Config{
		NodeID:        id,
		RPCAddr:       string(id) + ":7000",
		PoolSize:      8,
		StatusTimeout: 200 * time.Millisecond,
		Retention:     time.Minute,
		ReapInterval:  time.Hour,
	}
	deps := Deps{
		Fabric:  c.hub.Node(id),
		Keys:    fabric.NewKeys("test"),
		Factory: newGateFactory(),
		Peers:   c.peers,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	b, err := New(cfg, deps)
	require.NoError(c.t, err)
	require.NoError(c.t, b.Start(context.Background()))
	c.peers.add(b)
	c.t.Cleanup(func() {
		c.hub.Heal(id)
		assert.NoError(c.t, b.Stop())
	})
	return b
}

func testRange() types.TileRange {
	return types.TileRange{
		LayerName: "roads",
		GridSetID: "EPSG:4326",
		Format:    "image/png",
		ZoomStart: 0,
		ZoomStop:  2,
		Bounds: map[int]types.Bounds{
			0: {0, 0, 1, 0},
			1: {0, 0, 5, 1},
			2: {0, 0, 7, 3},
		},
	}
}

func waitJob(t *testing.T, b *Breeder, id types.JobID) *job.Job {
	t.Helper()
	var j *job.Job
	require.Eventually(t, func() bool {
		var err error
		j, err = b.GetJob(id)
		return err == nil
	}, waitFor, tick, "job %d never reached %s", id, b.NodeID())
	return j
}

func states(j *job.Job) []types.TaskState {
	var out []types.TaskState
	for _, t := range j.LocalTasks() {
		out = append(out, t.State())
	}
	return out
}

func allStopped(j *job.Job) bool {
	for _, t := range j.LocalTasks() {
		s := t.Snapshot()
		if s.State != types.StateDone || !s.Terminated {
			return false
		}
	}
	return true
}

// ============================================================================
// Creation and fan-out
// ============================================================================

func TestSeedJobOneTaskPerNode(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", withParallelism(1))
	b := c.node("b", withParallelism(1))

	ja, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 1, false)
	require.NoError(t, err)
	assert.True(t, ja.IsOriginator())
	assert.Equal(t, types.OpSeed, ja.Type())
	require.Len(t, ja.LocalTasks(), 1)

	jb := waitJob(t, b, ja.ID())
	assert.False(t, jb.IsOriginator())
	require.Len(t, jb.LocalTasks(), 1)
	assert.Equal(t, types.NodeID("b"), jb.LocalTasks()[0].Node())
	for _, s := range append(states(ja), states(jb)...) {
		assert.Contains(t, []types.TaskState{types.StateReady, types.StateRunning}, s)
	}

	require.Eventually(t, func() bool {
		tasks, err := ja.Tasks(context.Background())
		return err == nil && len(tasks) == 2
	}, waitFor, tick)

	st, err := ja.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testRange().TileCount(), st.TilesTotal, "the range is counted once, not once per node")
}

func TestSeedNodesSplitTheRange(t *testing.T) {
	for _, op := range []types.OperationType{types.OpSeed, types.OpReseed} {
		t.Run(string(op), func(t *testing.T) {
			c := newCluster(t)
			engA := engine.NewSimulated(engine.SimulatedConfig{Metatile: 2})
			engB := engine.NewSimulated(engine.SimulatedConfig{Metatile: 2})
			fb := newGateFactory()
			a := c.node("a", withFactory(engA), withParallelism(1))
			b := c.node("b", withFactory(delayedFactory{gate: fb.gate, eng: engB}), withParallelism(2))

			ja, err := a.CreateJob(context.Background(), op, testRange(), 1, false)
			require.NoError(t, err)
			waitJob(t, b, ja.ID())
			fb.open()

			var st types.JobStatus
			require.Eventually(t, func() bool {
				st, err = ja.Status(context.Background())
				return err == nil && len(st.Tasks) == 3 && st.State == types.StateDone
			}, waitFor, tick)

			total := testRange().TileCount()
			assert.Equal(t, total, st.TilesTotal)
			assert.Equal(t, total, st.TilesDone)
			assert.Equal(t, total, engA.CachedTiles("roads")+engB.CachedTiles("roads"),
				"every tile rendered exactly once across the cluster")
		})
	}
}

// delayedFactory holds the engine's work until the gate opens, so the other
// node has already started claiming when these tasks join in.
type delayedFactory struct {
	gate <-chan struct{}
	eng  *engine.Simulated
}

func (f delayedFactory) CreateLocalTask(desc types.Descriptor, p engine.Partition) (task.Work, error) {
	w, err := f.eng.CreateLocalTask(desc, p)
	if err != nil {
		return nil, err
	}
	return delayedWork{Work: w, gate: f.gate}, nil
}

type delayedWork struct {
	task.Work
	gate <-chan struct{}
}

func (w delayedWork) Run(ctx context.Context, tick func(int64) bool) error {
	select {
	case <-w.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.Work.Run(ctx, tick)
}

func TestSeedFanOutFollowsEachNodesParallelism(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", withParallelism(4))
	b := c.node("b", withParallelism(3))
	d := c.node("d")

	ja, err := a.CreateJob(context.Background(), types.OpReseed, testRange(), 2, false)
	require.NoError(t, err)
	// The originator runs what the caller asked for.
	assert.Len(t, ja.LocalTasks(), 2)
	assert.Len(t, waitJob(t, b, ja.ID()).LocalTasks(), 3)
	// No local setting falls back to the descriptor.
	assert.Len(t, waitJob(t, d, ja.ID()).LocalTasks(), 2)

	require.Eventually(t, func() bool {
		tasks, err := ja.Tasks(context.Background())
		return err == nil && len(tasks) == 7
	}, waitFor, tick)
}

func TestTruncateRunsOnlyOnOriginator(t *testing.T) {
	c := newCluster(t)
	a := c.node("a")
	b := c.node("b")

	ja, err := a.CreateJob(context.Background(), types.OpTruncate, testRange(), 4, false)
	require.NoError(t, err)
	require.Len(t, ja.LocalTasks(), 1)
	assert.Equal(t, testRange().TileCount(), ja.LocalTasks()[0].Snapshot().TilesTotal)

	jb := waitJob(t, b, ja.ID())
	assert.Equal(t, ja.ID(), jb.ID())
	assert.Empty(t, jb.LocalTasks())
	assert.True(t, jb.Done())

	tasks, err := ja.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.NodeID("a"), tasks[0].NodeID)
}

func TestConcurrentCreateJobIDsAreUnique(t *testing.T) {
	c := newCluster(t)
	nodes := []*Breeder{c.node("a"), c.node("b"), c.node("c")}

	var (
		mu  sync.Mutex
		ids = make(map[types.JobID]int)
		wg  sync.WaitGroup
	)
	for _, n := range nodes {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				j, err := n.CreateJob(context.Background(), types.OpTruncate, testRange(), 1, false)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[j.ID()]++
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	assert.Len(t, ids, 15)
	for id, n := range ids {
		assert.Equal(t, 1, n, "job %d returned twice", id)
	}
}

func TestDescriptorRedeliveryIsIdempotent(t *testing.T) {
	c := newCluster(t)
	a := c.node("a")
	b := c.node("b", withParallelism(2))

	ja, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 1, false)
	require.NoError(t, err)
	jb := waitJob(t, b, ja.ID())

	again, err := b.OnDescriptorObserved(ja.Descriptor())
	require.NoError(t, err)
	assert.Same(t, jb, again)
	assert.Len(t, again.LocalTasks(), 2)

	// Replaying the whole fabric state changes nothing either.
	c.hub.Partition("b")
	c.hub.Heal("b")
	time.Sleep(50 * time.Millisecond)
	assert.Same(t, jb, waitJob(t, b, ja.ID()))
	assert.Equal(t, 1, b.Registry().Len())
}

func TestObservedDescriptorIsValidated(t *testing.T) {
	c := newCluster(t)
	a := c.node("a")

	_, err := a.OnDescriptorObserved(types.Descriptor{ID: 0, Type: types.OpSeed})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
	_, err = a.OnDescriptorObserved(types.Descriptor{ID: 3, Type: "SMUDGE"})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

// ============================================================================
// Failures
// ============================================================================

func TestCreateJobRejectsInvalidInputBeforeAllocating(t *testing.T) {
	c := newCluster(t)
	a := c.node("a")
	ctx := context.Background()

	_, err := a.CreateJob(ctx, "SMUDGE", testRange(), 1, false)
	assert.ErrorIs(t, err, types.ErrUnknownOperation)

	bad := testRange()
	bad.LayerName = ""
	_, err = a.CreateJob(ctx, types.OpSeed, bad, 1, false)
	assert.ErrorIs(t, err, types.ErrInvalidRange)

	_, err = a.CreateJob(ctx, types.OpSeed, testRange(), 0, false)
	assert.ErrorIs(t, err, engine.ErrInvalidParallelism)

	j, err := a.CreateJob(ctx, types.OpSeed, testRange(), 1, false)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(1), j.ID())
}

func TestAllocationFailureWhenFabricUnavailable(t *testing.T) {
	c := newCluster(t)
	a := c.node("a")
	view := c.hub.Node("a")

	view.SetUnavailable(true)
	j, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 1, false)
	view.SetUnavailable(false)

	require.Error(t, err)
	assert.Nil(t, j)
	var alloc *AllocationError
	require.ErrorAs(t, err, &alloc)
	assert.Equal(t, "allocate id", alloc.Op)
	assert.ErrorIs(t, err, fabric.ErrUnavailable)
	assert.Zero(t, a.Registry().Len())
}

// createFails lets Increment through but fails the descriptor write.
type createFails struct {
	fabric.Fabric
}

func (createFails) Create(context.Context, string, []byte) error {
	return fabric.ErrUnavailable
}

func TestAllocationFailureLeavesNothingRegistered(t *testing.T) {
	c := newCluster(t)
	factory := newGateFactory()
	a := c.node("a", withFabric(createFails{Fabric: c.hub.Node("a")}), withFactory(factory))
	b := c.node("b")

	j, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 2, false)
	require.Error(t, err)
	assert.Nil(t, j)
	var alloc *AllocationError
	require.ErrorAs(t, err, &alloc)
	assert.Equal(t, types.JobID(1), alloc.JobID)
	assert.Zero(t, a.Registry().Len())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, b.Registry().Len())
}

// createLands writes the descriptor but reports failure, like a commit whose
// response was lost.
type createLands struct {
	fabric.Fabric
}

func (f createLands) Create(ctx context.Context, key string, value []byte) error {
	if err := f.Fabric.Create(ctx, key, value); err != nil {
		return err
	}
	return fabric.ErrUnavailable
}

func TestAmbiguousPublishFailureIsRetracted(t *testing.T) {
	for _, op := range []types.OperationType{types.OpTruncate, types.OpSeed} {
		t.Run(string(op), func(t *testing.T) {
			c := newCluster(t)
			ctx := context.Background()
			a := c.node("a", withFabric(createLands{Fabric: c.hub.Node("a")}), withFactory(newGateFactory()))
			b := c.node("b", withParallelism(1))

			j, err := a.CreateJob(ctx, op, testRange(), 1, false)
			assert.Nil(t, j)
			var alloc *AllocationError
			require.ErrorAs(t, err, &alloc)
			assert.Equal(t, "publish descriptor", alloc.Op)

			key := fabric.NewKeys("test").Job(alloc.JobID)
			require.Eventually(t, func() bool {
				_, ok, err := b.fab.Get(ctx, key)
				return err == nil && !ok
			}, waitFor, tick)

			// Give the descriptor watch time to deliver the write it saw.
			time.Sleep(50 * time.Millisecond)
			_, err = a.GetJob(alloc.JobID)
			assert.ErrorIs(t, err, job.ErrNotFound)
			assert.Zero(t, a.Registry().Len())

			if jb, err := b.GetJob(alloc.JobID); err == nil {
				require.Eventually(t, func() bool { return allStopped(jb) }, waitFor, tick)
			}
		})
	}
}

func TestKeyExistsIsNotRetracted(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	a := c.node("a", withFabric(createExists{Fabric: c.hub.Node("a")}))

	_, err := a.CreateJob(ctx, types.OpSeed, testRange(), 1, false)
	var alloc *AllocationError
	require.ErrorAs(t, err, &alloc)
	assert.ErrorIs(t, err, fabric.ErrKeyExists)

	a.createMu.Lock()
	_, reaped := a.reaped[alloc.JobID]
	a.createMu.Unlock()
	assert.False(t, reaped, "a definite refusal leaves nothing to retract")
}

type createExists struct {
	fabric.Fabric
}

func (createExists) Create(context.Context, string, []byte) error {
	return fabric.ErrKeyExists
}

func TestUnknownLayerGivesDeadTask(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", withFactory(engine.NewSimulated(engine.SimulatedConfig{Layers: []string{"roads"}, TilesPerSecond: 1})))
	b := c.node("b", withParallelism(2), withFactory(engine.NewSimulated(engine.SimulatedConfig{Layers: []string{"water"}})))

	ja, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 1, false)
	require.NoError(t, err)

	jb := waitJob(t, b, ja.ID())
	require.Len(t, jb.LocalTasks(), 2)
	for _, tk := range jb.LocalTasks() {
		assert.Equal(t, types.StateDead, tk.State())
		var creation *task.TaskCreationError
		require.ErrorAs(t, tk.Err(), &creation)
		assert.ErrorIs(t, tk.Err(), engine.ErrLayerNotFound)
	}

	require.Eventually(t, func() bool {
		st, err := ja.Status(context.Background())
		return err == nil && len(st.Tasks) == 3 && st.State == types.StateDead
	}, waitFor, tick)
}

func TestDepartedMemberReportsDead(t *testing.T) {
	c := newCluster(t)
	a := c.node("a")
	b := c.node("b", withParallelism(1))

	ja, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 1, false)
	require.NoError(t, err)
	waitJob(t, b, ja.ID())
	require.Eventually(t, func() bool {
		st, err := ja.Status(context.Background())
		return err == nil && len(st.Tasks) == 2 && st.State != types.StateDead
	}, waitFor, tick)

	c.hub.Partition("b")
	require.Eventually(t, func() bool {
		st, err := ja.Status(context.Background())
		if err != nil || len(st.Tasks) != 2 {
			return false
		}
		return st.Tasks[1].NodeID == "b" && st.Tasks[1].State == types.StateDead
	}, waitFor, tick)

	// The lost work is not moved to a.
	assert.Len(t, ja.LocalTasks(), 1)
}

// ============================================================================
// Termination
// ============================================================================

func TestTerminateReachesEveryNode(t *testing.T) {
	c := newCluster(t)
	a := c.node("a")
	b := c.node("b", withParallelism(2))

	ja, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 2, false)
	require.NoError(t, err)
	jb := waitJob(t, b, ja.ID())
	require.Eventually(t, func() bool {
		for _, s := range append(states(ja), states(jb)...) {
			if s != types.StateRunning {
				return false
			}
		}
		return true
	}, waitFor, tick)

	require.NoError(t, ja.Terminate(context.Background()))
	require.Eventually(t, func() bool { return allStopped(ja) && allStopped(jb) }, waitFor, tick)
	assert.NoError(t, ja.Terminate(context.Background()))

	st, err := ja.Status(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Tasks, 4)
	assert.Equal(t, types.StateDone, st.State)
}

func TestTerminateMarkerStopsLateNode(t *testing.T) {
	c := newCluster(t)
	a := c.node("a")

	ja, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 1, false)
	require.NoError(t, err)
	require.NoError(t, ja.Terminate(context.Background()))

	late := c.node("late", withParallelism(2))
	jl := waitJob(t, late, ja.ID())
	require.Len(t, jl.LocalTasks(), 2)
	require.Eventually(t, func() bool { return allStopped(jl) }, waitFor, tick)
}

func TestTerminateBeforeDescriptor(t *testing.T) {
	c := newCluster(t)
	a := c.node("a", withParallelism(1))

	desc := types.Descriptor{ID: 42, Type: types.OpSeed, Layer: "roads", Range: testRange(), Parallelism: 1, Originator: "elsewhere"}
	a.onTerminate(42)
	j, err := a.OnDescriptorObserved(desc)
	require.NoError(t, err)
	require.Len(t, j.LocalTasks(), 1)
	assert.True(t, allStopped(j))
	assert.True(t, j.Terminated())
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestSeedCompletesWithSimulatedEngine(t *testing.T) {
	c := newCluster(t)
	eng := engine.NewSimulated(engine.SimulatedConfig{})
	a := c.node("a", withFactory(eng))

	ja, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 3, false)
	require.NoError(t, err)
	require.Eventually(t, ja.Done, waitFor, tick)

	st, err := ja.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, st.State)
	assert.Equal(t, testRange().TileCount(), st.TilesDone)
	assert.Equal(t, testRange().TileCount(), eng.CachedTiles("roads"))
}

func TestReaperForgetsFinishedJobs(t *testing.T) {
	c := newCluster(t)
	mock := clock.NewMock()
	fa, fb := newGateFactory(), newGateFactory()
	a := c.node("a", withFactory(fa), withClock(mock))
	b := c.node("b", withFactory(fb), withClock(mock))

	ja, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 1, false)
	require.NoError(t, err)
	jb := waitJob(t, b, ja.ID())

	// Unfinished jobs stay.
	mock.Add(2 * time.Minute)
	a.reap()
	b.reap()
	_, err = a.GetJob(ja.ID())
	require.NoError(t, err)

	fa.open()
	fb.open()
	require.Eventually(t, func() bool { return ja.Done() && jb.Done() }, waitFor, tick)

	// Within retention.
	a.reap()
	_, err = a.GetJob(ja.ID())
	require.NoError(t, err)

	mock.Add(2 * time.Minute)
	a.reap()
	_, err = a.GetJob(ja.ID())
	assert.ErrorIs(t, err, job.ErrNotFound)

	_, ok, err := c.hub.Node("a").Get(context.Background(), fabric.NewKeys("test").Job(ja.ID()))
	require.NoError(t, err)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		b.reap()
		_, err := b.GetJob(ja.ID())
		return errors.Is(err, job.ErrNotFound)
	}, waitFor, tick)
}

func TestStopMarksUnfinishedTasksDead(t *testing.T) {
	c := newCluster(t)
	a := c.node("a")

	ja, err := a.CreateJob(context.Background(), types.OpSeed, testRange(), 2, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, s := range states(ja) {
			if s != types.StateRunning {
				return false
			}
		}
		return true
	}, waitFor, tick)

	require.NoError(t, a.Stop())
	for _, s := range states(ja) {
		assert.Equal(t, types.StateDead, s)
	}

	_, err = a.CreateJob(context.Background(), types.OpSeed, testRange(), 1, false)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
}

func TestCreateJobBeforeStart(t *testing.T) {
	hub := memory.NewHub()
	b, err := New(Config{NodeID: "a"}, Deps{Fabric: hub.Node("a"), Factory: newGateFactory()})
	require.NoError(t, err)

	_, err = b.CreateJob(context.Background(), types.OpSeed, testRange(), 1, false)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, b.Stop())
}

func TestNewRequiresCollaborators(t *testing.T) {
	hub := memory.NewHub()
	_, err := New(Config{}, Deps{Fabric: hub.Node("a"), Factory: newGateFactory()})
	assert.Error(t, err)
	_, err = New(Config{NodeID: "a"}, Deps{Factory: newGateFactory()})
	assert.Error(t, err)
	_, err = New(Config{NodeID: "a"}, Deps{Fabric: hub.Node("a")})
	assert.Error(t, err)
}
