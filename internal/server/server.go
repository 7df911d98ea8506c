package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/tilebreeder/internal/job"
	"github.com/ChuLiYu/tilebreeder/internal/transport"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// Node is the part of a breeder the RPC handlers drive.
type Node interface {
	NodeID() types.NodeID
	Registry() *job.Registry
	Jobs() []*job.Job
	CreateJob(ctx context.Context, op types.OperationType, rng types.TileRange, parallelism int, filterUpdate bool) (*job.Job, error)
}

// Lookups for a job this node has not applied yet are retried this long, so a
// status request that overtakes the descriptor watch still finds the job.
const DefaultLookupWait = 500 * time.Millisecond

// Server implements transport.NodeServer.
type Server struct {
	node       Node
	lookupWait time.Duration
	log        *slog.Logger
}

var _ transport.NodeServer = (*Server)(nil)

// NewServer creates the RPC handlers for node. A zero lookupWait uses
// DefaultLookupWait.
func NewServer(node Node, lookupWait time.Duration) *Server {
	if lookupWait <= 0 {
		lookupWait = DefaultLookupWait
	}
	return &Server{
		node:       node,
		lookupWait: lookupWait,
		log:        slog.With("component", "server", "node", node.NodeID()),
	}
}

// Register adds the handlers to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&transport.ServiceDesc, s)
}

func (s *Server) lookup(ctx context.Context, id types.JobID) (*job.Job, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = s.lookupWait
	return job.LookupWithRetry(ctx, s.node.Registry(), id, b)
}

// GetJobStatus answers with this node's tasks when Local is set, the way
// peers ask, and with the full aggregated status otherwise.
func (s *Server) GetJobStatus(ctx context.Context, req *transport.JobStatusRequest) (*transport.JobStatusResponse, error) {
	if req.Local {
		// Peers must see NotFound right away; the originator reports it as
		// a reachable node without tasks.
		j, err := s.node.Registry().Lookup(req.JobID)
		if err != nil {
			return nil, transport.ToStatus(err)
		}
		local := j.LocalStatus()
		self := types.NodeReport{NodeID: s.node.NodeID(), Reachable: true, TaskCount: len(local)}
		return &transport.JobStatusResponse{
			Status: types.Aggregate(j.Descriptor(), local, []types.NodeReport{self}),
		}, nil
	}

	j, err := s.lookup(ctx, req.JobID)
	if err != nil {
		return nil, transport.ToStatus(err)
	}
	st, err := j.Status(ctx)
	if err != nil {
		return nil, transport.ToStatus(err)
	}
	return &transport.JobStatusResponse{Status: st}, nil
}

func (s *Server) TerminateJob(ctx context.Context, req *transport.TerminateRequest) (*transport.TerminateResponse, error) {
	j, err := s.lookup(ctx, req.JobID)
	if err != nil {
		return nil, transport.ToStatus(err)
	}
	if err := j.Terminate(ctx); err != nil {
		s.log.Warn("terminate failed", "job", req.JobID, "error", err)
		return nil, transport.ToStatus(err)
	}
	s.log.Info("job terminated", "job", req.JobID)
	return &transport.TerminateResponse{}, nil
}

func (s *Server) SubmitJob(ctx context.Context, req *transport.SubmitRequest) (*transport.SubmitResponse, error) {
	j, err := s.node.CreateJob(ctx, req.Type, req.Range, req.Parallelism, req.FilterUpdate)
	if err != nil {
		return nil, transport.ToStatus(err)
	}
	return &transport.SubmitResponse{JobID: j.ID()}, nil
}

func (s *Server) ListJobs(ctx context.Context, _ *transport.ListJobsRequest) (*transport.ListJobsResponse, error) {
	jobs := s.node.Jobs()
	resp := &transport.ListJobsResponse{
		Node: s.node.NodeID(),
		Jobs: make([]transport.JobSummary, 0, len(jobs)),
	}
	for _, j := range jobs {
		desc := j.Descriptor()
		resp.Jobs = append(resp.Jobs, transport.JobSummary{
			JobID:        desc.ID,
			Type:         desc.Type,
			Layer:        desc.Layer,
			Originator:   desc.Originator,
			IsOriginator: j.IsOriginator(),
			LocalTasks:   len(j.LocalTasks()),
			Done:         j.Done(),
			Terminated:   j.Terminated(),
		})
	}
	return resp, nil
}
