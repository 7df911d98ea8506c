package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/tilebreeder/internal/breeder"
	"github.com/ChuLiYu/tilebreeder/internal/engine"
	"github.com/ChuLiYu/tilebreeder/internal/job"
	"github.com/ChuLiYu/tilebreeder/pkg/types"
)

// ToStatus converts a handler error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var alloc *breeder.AllocationError
	code := codes.Internal
	switch {
	case errors.Is(err, job.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, types.ErrInvalidRange),
		errors.Is(err, types.ErrUnknownOperation),
		errors.Is(err, engine.ErrInvalidParallelism),
		errors.Is(err, breeder.ErrInvalidDescriptor):
		code = codes.InvalidArgument
	case errors.As(err, &alloc),
		errors.Is(err, breeder.ErrStopped),
		errors.Is(err, breeder.ErrNotStarted):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// FromStatus maps a gRPC error back onto the package sentinels callers check.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", job.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, st.Message())
	}
	return err
}

// ErrInvalidArgument is returned when the remote node rejected the request.
var ErrInvalidArgument = errors.New("invalid argument")
