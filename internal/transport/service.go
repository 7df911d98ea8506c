// ============================================================================
// tilebreeder Transport - node-to-node RPC
// ============================================================================
//
// Package: internal/transport
// File: service.go
// Purpose: The request/response surface every node serves: job status by id
//          (local-only for peers, aggregated for callers), terminate, submit
//          and listing. Messages are plain structs carried by a JSON codec,
//          so no generated code is involved.
//
// Methods of tilebreeder.v1.Node:
//   GetJobStatus  JobStatusRequest  -> JobStatusResponse
//   TerminateJob  TerminateRequest  -> TerminateResponse
//   SubmitJob     SubmitRequest     -> SubmitResponse
//   ListJobs      ListJobsRequest   -> ListJobsResponse
//
// ============================================================================

package transport

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tilebreeder.v1.Node"

// JobStatusRequest asks a node for a job's status. Local restricts the answer
// to the node's own tasks; peers always set it.
type JobStatusRequest struct {
	JobID types.JobID `json:"job_id"`
	Local bool        `json:"local,omitempty"`
}

type JobStatusResponse struct {
	Status types.JobStatus `json:"status"`
}

type TerminateRequest struct {
	JobID types.JobID `json:"job_id"`
}

type TerminateResponse struct{}

type SubmitRequest struct {
	Type         types.OperationType `json:"type"`
	Range        types.TileRange     `json:"range"`
	Parallelism  int                 `json:"parallelism"`
	FilterUpdate bool                `json:"filter_update,omitempty"`
}

type SubmitResponse struct {
	JobID types.JobID `json:"job_id"`
}

type ListJobsRequest struct{}

// JobSummary describes one job registered on the answering node.
type JobSummary struct {
	JobID        types.JobID         `json:"job_id"`
	Type         types.OperationType `json:"type"`
	Layer        string              `json:"layer"`
	Originator   types.NodeID        `json:"originator"`
	IsOriginator bool                `json:"is_originator"`
	LocalTasks   int                 `json:"local_tasks"`
	Done         bool                `json:"done"`
	Terminated   bool                `json:"terminated"`
}

type ListJobsResponse struct {
	Node types.NodeID `json:"node"`
	Jobs []JobSummary `json:"jobs"`
}

// NodeServer is implemented by the node's RPC handlers.
type NodeServer interface {
	GetJobStatus(context.Context, *JobStatusRequest) (*JobStatusResponse, error)
	TerminateJob(context.Context, *TerminateRequest) (*TerminateResponse, error)
	SubmitJob(context.Context, *SubmitRequest) (*SubmitResponse, error)
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
}

// ServiceDesc registers a NodeServer on a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetJobStatus", Handler: unary("GetJobStatus", NodeServer.GetJobStatus)},
		{MethodName: "TerminateJob", Handler: unary("TerminateJob", NodeServer.TerminateJob)},
		{MethodName: "SubmitJob", Handler: unary("SubmitJob", NodeServer.SubmitJob)},
		{MethodName: "ListJobs", Handler: unary("ListJobs", NodeServer.ListJobs)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tilebreeder/v1/node",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(NodeServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NodeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(NodeServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Codec carries the plain message structs as JSON.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return "json" }

// NewServer returns a grpc.Server that speaks the JSON codec.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	return grpc.NewServer(append(opts, grpc.ForceServerCodec(Codec{}))...)
}
