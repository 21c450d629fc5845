package grpcclient

import (
	"context"
	"fmt"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/joshsmithxrm/ppds-sdk/internal/clientsource"
	"github.com/joshsmithxrm/ppds-sdk/internal/detector"
)

// DirectRequest is the opaque unit a DirectHandle dispatches: a
// protoreflect method descriptor (resolved once via server reflection
// or a compiled descriptor set, and reused across calls) plus the
// request message to dynamically marshal against it.
type DirectRequest struct {
	Method  *desc.MethodDescriptor
	Message proto.Message
	MD      metadata.MD
}

// DirectHandle is the §9 "Design Notes" DirectHandle Dispatchable
// variant: a single externally-managed gRPC connection backing a
// PreAuthenticatedHandleSource, dispatching via jhump/protoreflect's
// dynamic stub rather than generated client stubs. It never
// re-authenticates its own seed; InvalidateSeed against a source
// wrapping one is a no-op surfaced by internal/pool as
// SeedUnrecreatableError.
type DirectHandle struct {
	conn *grpc.ClientConn
	stub grpcdynamic.Stub
	dop  int
}

// NewDirectHandle wraps an already-dialed connection. dop is the
// server-advertised recommended degree of parallelism for this
// connection, fed into the Rate Controller's floor the same way
// httpclient.Handle.RecommendedDOP is.
func NewDirectHandle(conn *grpc.ClientConn, dop int) *DirectHandle {
	if dop <= 0 {
		dop = 2
	}
	return &DirectHandle{conn: conn, stub: grpcdynamic.NewStub(conn), dop: dop}
}

func (h *DirectHandle) Ready(ctx context.Context) bool {
	return h.conn != nil
}

// Clone returns a handle sharing the same connection and stub; the
// gRPC channel already multiplexes concurrent RPCs so no new dial is
// needed per checkout.
func (h *DirectHandle) Clone(ctx context.Context) (clientsource.Handle, error) {
	return &DirectHandle{conn: h.conn, stub: h.stub, dop: h.dop}, nil
}

func (h *DirectHandle) RecommendedDOP() int { return h.dop }

// Close is a no-op: the connection is owned by whoever dialed it and
// supplied it to clientsource.NewExternal, not by individual handles.
func (h *DirectHandle) Close() error { return nil }

// Execute invokes req.Method dynamically via grpcdynamic.Stub,
// classifying any non-OK gRPC status into a *detector.Fault the same
// way httpclient.Handle classifies HTTP responses with status 400 or above.
func (h *DirectHandle) Execute(ctx context.Context, request any) (any, error) {
	req, ok := request.(*DirectRequest)
	if !ok {
		return nil, fmt.Errorf("grpcclient: Execute expects *DirectRequest, got %T", request)
	}

	if len(req.MD) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, req.MD)
	}

	resp, err := h.stub.InvokeRpc(ctx, req.Method, req.Message)
	if err != nil {
		return nil, faultFromStatus(err)
	}
	return resp, nil
}

func faultFromStatus(err error) *detector.Fault {
	st, ok := status.FromError(err)
	if !ok {
		return &detector.Fault{Message: err.Error()}
	}

	httpStatus := 0
	switch st.Code() {
	case codes.ResourceExhausted:
		httpStatus = 429
	case codes.Unauthenticated:
		httpStatus = 401
	case codes.PermissionDenied:
		httpStatus = 403
	}

	return &detector.Fault{
		HTTPStatus: httpStatus,
		Message:    st.Message(),
	}
}
