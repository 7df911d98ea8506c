package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/tilebreeder/internal/breeder"
	"github.com/ChuLiYu/tilebreeder/internal/engine"
	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/internal/fabric/etcd"
	"github.com/ChuLiYu/tilebreeder/internal/fabric/memory"
	"github.com/ChuLiYu/tilebreeder/internal/metrics"
	"github.com/ChuLiYu/tilebreeder/internal/server"
	"github.com/ChuLiYu/tilebreeder/internal/transport"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// node is one running tilebreeder process.
type node struct {
	cfg      *Config
	fab      fabric.Fabric
	breeder  *breeder.Breeder
	client   *transport.Client
	grpc     *grpc.Server
	lis      net.Listener
	registry *prometheus.Registry
}

func openFabric(cfg *Config, keys fabric.Keys, collector *metrics.Collector) (fabric.Fabric, error) {
	switch cfg.Fabric.Kind {
	case FabricEtcd:
		f, err := etcd.New(etcd.Config{
			Endpoints:   cfg.Fabric.Etcd.Endpoints,
			DialTimeout: cfg.Fabric.Etcd.DialTimeout,
			LeaseTTL:    cfg.Fabric.Etcd.LeaseTTLSeconds,
			MessageTTL:  cfg.Fabric.MessageTTLSeconds,
			Keys:        keys,
			OnRejoin:    collector.MemberRejoined,
		})
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		// A private hub: the node is a cluster of one.
		var opts []memory.HubOption
		if cfg.Fabric.MessageTTLSeconds > 0 {
			opts = append(opts, memory.WithRetention(time.Duration(cfg.Fabric.MessageTTLSeconds)*time.Second))
		}
		return memory.NewHub(opts...).Node(types.NodeID(cfg.Node.ID)), nil
	}
}

// newNode wires the fabric, engine, breeder and RPC server. Nothing runs
// until start.
func newNode(cfg *Config) (*node, error) {
	keys := fabric.NewKeys(cfg.Node.Cluster)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	fab, err := openFabric(cfg, keys, collector)
	if err != nil {
		return nil, fmt.Errorf("open %s fabric: %w", cfg.Fabric.Kind, err)
	}

	client := transport.NewClient(cfg.RPC.CallTimeout)
	b, err := breeder.New(breeder.Config{
		NodeID:        types.NodeID(cfg.Node.ID),
		RPCAddr:       cfg.RPC.Advertise,
		Parallelism:   cfg.Seed.Parallelism,
		Metatile:      cfg.Seed.Metatile,
		PoolSize:      cfg.Worker.PoolSize,
		QueueSize:     cfg.Worker.QueueSize,
		StatusTimeout: cfg.Job.StatusTimeout,
		Retention:     cfg.Job.Retention,
		ReapInterval:  cfg.Job.ReapInterval,
	}, breeder.Deps{
		Fabric: fab,
		Keys:   keys,
		Factory: engine.NewSimulated(engine.SimulatedConfig{
			Layers:         cfg.Seed.Layers,
			TilesPerSecond: cfg.Seed.TilesPerSecond,
			Metatile:       cfg.Seed.Metatile,
		}),
		Peers:    client,
		Recorder: collector,
	})
	if err != nil {
		return nil, multierr.Append(err, fab.Close())
	}

	lis, err := net.Listen("tcp", cfg.RPC.Listen)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("listen on %s: %w", cfg.RPC.Listen, err), fab.Close())
	}
	gs := transport.NewServer()
	server.NewServer(b, 0).Register(gs)

	return &node{cfg: cfg, fab: fab, breeder: b, client: client, grpc: gs, lis: lis, registry: reg}, nil
}

// run serves until ctx is done, then shuts everything down.
func (n *node) run(ctx context.Context) error {
	if err := n.breeder.Start(ctx); err != nil {
		return multierr.Combine(err, n.lis.Close(), n.fab.Close())
	}
	slog.Info("node started",
		"node", n.cfg.Node.ID,
		"cluster", n.cfg.Node.Cluster,
		"fabric", n.cfg.Fabric.Kind,
		"rpc", n.lis.Addr().String(),
		"advertise", n.cfg.RPC.Advertise)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := n.grpc.Serve(n.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	if n.cfg.Metrics.Enabled {
		addr := ":" + strconv.Itoa(n.cfg.Metrics.Port)
		slog.Info("metrics server listening", "addr", addr)
		g.Go(func() error { return metrics.Serve(gctx, addr, n.registry) })
	}
	g.Go(func() error {
		<-gctx.Done()
		n.shutdown()
		return nil
	})

	err := g.Wait()
	return multierr.Combine(err, n.breeder.Stop(), n.client.Close(), n.fab.Close())
}

func (n *node) shutdown() {
	done := make(chan struct{})
	go func() {
		n.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("rpc drain timed out, closing connections")
		n.grpc.Stop()
	}
}
