package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	skiff "github.com/go-skiff/skiff"
	serrors "github.com/go-skiff/skiff/errors"
	"github.com/go-skiff/skiff/logging"
	"google.golang.org/grpc"
)

// Server exposes a task-executing Backend as a skiff.Executor service.
// One executor process runs one Server; a cluster backend on the driver
// side connects to many of them.
type Server struct {
	executor   skiff.Backend
	codec      skiff.PartitionCodec
	grpcServer *grpc.Server
	logger     *logging.Logger
}

// NewServer wraps an executing backend and its partition codec in a grpc
// service
func NewServer(executor skiff.Backend, codec skiff.PartitionCodec) *Server {
	s := &Server{
		executor:   executor,
		codec:      codec,
		grpcServer: grpc.NewServer(),
		logger:     logging.New("executor", logging.InfoLevel),
	}
	RegisterExecutorServer(s.grpcServer, s)
	return s
}

// Serve blocks serving the executor service on the given listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infof("serving on %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the grpc server and shuts the executor down
func (s *Server) Stop() error {
	s.grpcServer.GracefulStop()
	return s.executor.Stop()
}

// SubmitTask revives the task's descriptor and hands the attempt to the
// executing backend
func (s *Server) SubmitTask(ctx context.Context, in *SubmitRequest) (*SubmitResponse, error) {
	desc, err := DecodeDescriptor(in.DescriptorName, in.DescriptorPayload)
	if err != nil {
		return nil, err
	}
	inputs := make([]*skiff.PartitionRef, len(in.Inputs))
	for i, ref := range in.Inputs {
		inputs[i] = ref.ToRef()
	}
	spec := &skiff.TaskSpec{
		ID:        in.TaskID,
		StageID:   in.StageID,
		Attempt:   in.Attempt,
		Inputs:    inputs,
		OutputIDs: in.OutputIDs,
		Resources: skiff.ResourceRequest{
			NumCPUs:     in.Resources.NumCPUs,
			NumGPUs:     in.Resources.NumGPUs,
			MemoryBytes: in.Resources.MemoryBytes,
		},
		Descriptor: desc,
		Timeout:    in.Timeout(),
	}
	if err := s.executor.Submit(ctx, spec); err != nil {
		return nil, err
	}
	return &SubmitResponse{}, nil
}

// CancelTask best-effort aborts an in-flight task
func (s *Server) CancelTask(ctx context.Context, in *CancelRequest) (*CancelResponse, error) {
	s.executor.Cancel(in.TaskID)
	return &CancelResponse{}, nil
}

// FetchPartition encodes a materialized partition for transfer
func (s *Server) FetchPartition(ctx context.Context, in *FetchRequest) (*FetchResponse, error) {
	part, err := s.executor.Fetch(ctx, &skiff.PartitionRef{ID: in.PartitionID})
	if err != nil {
		return nil, err
	}
	data, err := s.codec.Encode(part)
	if err != nil {
		return nil, fmt.Errorf("unable to encode partition %s: %w", in.PartitionID, err)
	}
	return &FetchResponse{PartitionID: in.PartitionID, Data: data}, nil
}

// ReleasePartition drops a partition no longer referenced by the driver
func (s *Server) ReleasePartition(ctx context.Context, in *ReleaseRequest) (*ReleaseResponse, error) {
	s.executor.Release(in.PartitionID)
	return &ReleaseResponse{}, nil
}

// Capacity returns the executor's current resource advertisement
func (s *Server) Capacity(ctx context.Context, in *WatchRequest) (*CapacitySummary, error) {
	return SummaryMsg(s.executor.Capacity()), nil
}

// WatchCompletions streams task completion events to the driver until the
// driver disconnects or the executor stops
func (s *Server) WatchCompletions(in *WatchRequest, stream Executor_WatchCompletionsServer) error {
	for {
		select {
		case res, ok := <-s.executor.Completions():
			if !ok {
				return nil
			}
			if err := stream.Send(completionMsg(res)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// WatchCapacity streams capacity advertisements to the driver. Executors
// with static capacity send one advertisement and then hold the stream
// open.
func (s *Server) WatchCapacity(in *WatchRequest, stream Executor_WatchCapacityServer) error {
	if err := stream.Send(SummaryMsg(s.executor.Capacity())); err != nil {
		return err
	}
	changes := s.executor.CapacityChanges()
	for {
		select {
		case sum, ok := <-changes:
			if !ok {
				return nil
			}
			if err := stream.Send(SummaryMsg(sum)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func completionMsg(res skiff.TaskResult) *CompletionEvent {
	ev := &CompletionEvent{
		TaskID:     res.TaskID,
		Attempt:    res.Attempt,
		LostInputs: res.LostInputs,
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
		ev.FailureKind = failureKind(res.Err)
		return ev
	}
	for _, ref := range res.Outputs {
		ev.Outputs = append(ev.Outputs, RefMsg(ref))
	}
	return ev
}

func failureKind(err error) string {
	var te serrors.TaskTransientError
	if errors.As(err, &te) {
		if te.WorkerLost {
			return FailureWorkerLost
		}
		return FailureTransient
	}
	return FailureTerminal
}
