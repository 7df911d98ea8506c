package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/tilebreeder/internal/fabric"
	"github.com/ChuLiYu/tilebreeder/internal/job"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// DefaultCallTimeout bounds one RPC when the caller's context has no earlier deadline.
const DefaultCallTimeout = 5 * time.Second

// Client calls other nodes. Connections are cached per address and reused.
type Client struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	timeout  time.Duration
	dialOpts []grpc.DialOption
}

var _ job.Peers = (*Client)(nil)

// NewClient builds a client. Extra dial options are appended to the
// defaults (plaintext, JSON codec).
func NewClient(timeout time.Duration, opts ...grpc.DialOption) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}
	return &Client{
		conns:    make(map[string]*grpc.ClientConn),
		timeout:  timeout,
		dialOpts: append(dialOpts, opts...),
	}
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}

	// Members advertise host:port; skip name resolution.
	cc, err := grpc.NewClient("passthrough:///"+addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conns[addr] = cc
	return cc, nil
}

func (c *Client) invoke(ctx context.Context, addr, method string, req, resp any) error {
	cc, err := c.conn(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return FromStatus(cc.Invoke(ctx, fullMethod(method), req, resp))
}

// GetJobStatus asks the node at addr for a job's status.
func (c *Client) GetJobStatus(ctx context.Context, addr string, id types.JobID, local bool) (types.JobStatus, error) {
	var resp JobStatusResponse
	if err := c.invoke(ctx, addr, "GetJobStatus", &JobStatusRequest{JobID: id, Local: local}, &resp); err != nil {
		return types.JobStatus{}, err
	}
	return resp.Status, nil
}

// JobStatus implements job.Peers.
func (c *Client) JobStatus(ctx context.Context, m fabric.Member, id types.JobID) ([]types.TaskStatus, error) {
	if m.RPCAddr == "" {
		return nil, fmt.Errorf("member %s has no rpc address", m.ID)
	}
	st, err := c.GetJobStatus(ctx, m.RPCAddr, id, true)
	if err != nil {
		return nil, err
	}
	return st.Tasks, nil
}

func (c *Client) TerminateJob(ctx context.Context, addr string, id types.JobID) error {
	return c.invoke(ctx, addr, "TerminateJob", &TerminateRequest{JobID: id}, &TerminateResponse{})
}

func (c *Client) SubmitJob(ctx context.Context, addr string, req SubmitRequest) (types.JobID, error) {
	var resp SubmitResponse
	if err := c.invoke(ctx, addr, "SubmitJob", &req, &resp); err != nil {
		return 0, err
	}
	return resp.JobID, nil
}

func (c *Client) ListJobs(ctx context.Context, addr string) (*ListJobsResponse, error) {
	var resp ListJobsResponse
	if err := c.invoke(ctx, addr, "ListJobs", &ListJobsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs error
	for addr, cc := range c.conns {
		errs = multierr.Append(errs, cc.Close())
		delete(c.conns, addr)
	}
	return errs
}
