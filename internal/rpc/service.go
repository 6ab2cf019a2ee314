package rpc

import (
	"context"

	skiff "github.com/go-skiff/skiff"
	"google.golang.org/grpc"
)

// ExecutorClient is the client API for the skiff.Executor service
type ExecutorClient interface {
	SubmitTask(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error)
	CancelTask(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error)
	FetchPartition(ctx context.Context, in *FetchRequest, opts ...grpc.CallOption) (*FetchResponse, error)
	ReleasePartition(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error)
	Capacity(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (*CapacitySummary, error)
	WatchCompletions(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (Executor_WatchCompletionsClient, error)
	WatchCapacity(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (Executor_WatchCapacityClient, error)
}

type executorClient struct {
	cc *grpc.ClientConn
}

// NewExecutorClient produces a client for the skiff.Executor service.
// All calls use the registered JSON codec.
func NewExecutorClient(cc *grpc.ClientConn) ExecutorClient {
	return &executorClient{cc}
}

func (c *executorClient) SubmitTask(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	err := c.cc.Invoke(ctx, "/skiff.Executor/SubmitTask", in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *executorClient) CancelTask(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	out := new(CancelResponse)
	err := c.cc.Invoke(ctx, "/skiff.Executor/CancelTask", in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *executorClient) FetchPartition(ctx context.Context, in *FetchRequest, opts ...grpc.CallOption) (*FetchResponse, error) {
	out := new(FetchResponse)
	err := c.cc.Invoke(ctx, "/skiff.Executor/FetchPartition", in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *executorClient) ReleasePartition(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	out := new(ReleaseResponse)
	err := c.cc.Invoke(ctx, "/skiff.Executor/ReleasePartition", in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *executorClient) Capacity(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (*CapacitySummary, error) {
	out := new(CapacitySummary)
	err := c.cc.Invoke(ctx, "/skiff.Executor/Capacity", in, out, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *executorClient) WatchCompletions(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (Executor_WatchCompletionsClient, error) {
	stream, err := c.cc.NewStream(ctx, &ExecutorServiceDesc.Streams[0], "/skiff.Executor/WatchCompletions", withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &executorWatchCompletionsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Executor_WatchCompletionsClient receives task completion events
type Executor_WatchCompletionsClient interface {
	Recv() (*CompletionEvent, error)
	grpc.ClientStream
}

type executorWatchCompletionsClient struct {
	grpc.ClientStream
}

func (x *executorWatchCompletionsClient) Recv() (*CompletionEvent, error) {
	m := new(CompletionEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *executorClient) WatchCapacity(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (Executor_WatchCapacityClient, error) {
	stream, err := c.cc.NewStream(ctx, &ExecutorServiceDesc.Streams[1], "/skiff.Executor/WatchCapacity", withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &executorWatchCapacityClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Executor_WatchCapacityClient receives capacity advertisements
type Executor_WatchCapacityClient interface {
	Recv() (*CapacitySummary, error)
	grpc.ClientStream
}

type executorWatchCapacityClient struct {
	grpc.ClientStream
}

func (x *executorWatchCapacityClient) Recv() (*CapacitySummary, error) {
	m := new(CapacitySummary)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// ExecutorServer is the server API for the skiff.Executor service
type ExecutorServer interface {
	SubmitTask(ctx context.Context, in *SubmitRequest) (*SubmitResponse, error)
	CancelTask(ctx context.Context, in *CancelRequest) (*CancelResponse, error)
	FetchPartition(ctx context.Context, in *FetchRequest) (*FetchResponse, error)
	ReleasePartition(ctx context.Context, in *ReleaseRequest) (*ReleaseResponse, error)
	Capacity(ctx context.Context, in *WatchRequest) (*CapacitySummary, error)
	WatchCompletions(in *WatchRequest, stream Executor_WatchCompletionsServer) error
	WatchCapacity(in *WatchRequest, stream Executor_WatchCapacityServer) error
}

// Executor_WatchCompletionsServer sends task completion events
type Executor_WatchCompletionsServer interface {
	Send(*CompletionEvent) error
	grpc.ServerStream
}

type executorWatchCompletionsServer struct {
	grpc.ServerStream
}

func (x *executorWatchCompletionsServer) Send(m *CompletionEvent) error {
	return x.ServerStream.SendMsg(m)
}

// Executor_WatchCapacityServer sends capacity advertisements
type Executor_WatchCapacityServer interface {
	Send(*CapacitySummary) error
	grpc.ServerStream
}

type executorWatchCapacityServer struct {
	grpc.ServerStream
}

func (x *executorWatchCapacityServer) Send(m *CapacitySummary) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterExecutorServer wires an ExecutorServer implementation into a
// grpc server
func RegisterExecutorServer(s *grpc.Server, srv ExecutorServer) {
	s.RegisterService(&ExecutorServiceDesc, srv)
}

func executorSubmitTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).SubmitTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/skiff.Executor/SubmitTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).SubmitTask(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executorCancelTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).CancelTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/skiff.Executor/CancelTask"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).CancelTask(ctx, req.(*CancelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executorFetchPartitionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FetchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).FetchPartition(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/skiff.Executor/FetchPartition"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).FetchPartition(ctx, req.(*FetchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executorReleasePartitionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReleaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).ReleasePartition(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/skiff.Executor/ReleasePartition"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).ReleasePartition(ctx, req.(*ReleaseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executorCapacityHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(WatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Capacity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/skiff.Executor/Capacity"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServer).Capacity(ctx, req.(*WatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executorWatchCompletionsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(WatchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ExecutorServer).WatchCompletions(m, &executorWatchCompletionsServer{stream})
}

func executorWatchCapacityHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(WatchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ExecutorServer).WatchCapacity(m, &executorWatchCapacityServer{stream})
}

// ExecutorServiceDesc is the grpc service descriptor for skiff.Executor.
// Hand-maintained: the wire format is the registered JSON codec rather
// than generated protobuf messages.
var ExecutorServiceDesc = grpc.ServiceDesc{
	ServiceName: "skiff.Executor",
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitTask", Handler: executorSubmitTaskHandler},
		{MethodName: "CancelTask", Handler: executorCancelTaskHandler},
		{MethodName: "FetchPartition", Handler: executorFetchPartitionHandler},
		{MethodName: "ReleasePartition", Handler: executorReleasePartitionHandler},
		{MethodName: "Capacity", Handler: executorCapacityHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchCompletions", Handler: executorWatchCompletionsHandler, ServerStreams: true},
		{StreamName: "WatchCapacity", Handler: executorWatchCapacityHandler, ServerStreams: true},
	},
}

// DescriptorWireName returns the registry key under which a descriptor
// travels. Descriptors with many dynamic instances (e.g. fused chains)
// implement WireName to share one registry entry.
func DescriptorWireName(d skiff.ComputeDescriptor) string {
	if w, ok := d.(interface{ WireName() string }); ok {
		return w.WireName()
	}
	return d.Name()
}
