// Package hostserver hosts WorkerService: the inbound surface the
// orchestrator calls on this worker (Attach, ExecutePips, Heartbeat,
// Exit). It is the worker-side Server Host (C7) and the handler logic
// that C6's interceptor wraps.
package hostserver

import (
	"context"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildmesh-io/buildmesh/shared/transport"
	"github.com/buildmesh-io/buildmesh/worker/internal/execsvc"
	"github.com/buildmesh-io/buildmesh/worker/internal/sysmetrics"

	proto "github.com/buildmesh-io/buildmesh/shared/proto"
)

// ExitHandler is notified when the orchestrator calls Exit, so main can
// tear the process down cleanly instead of waiting for the channel to
// drop.
type ExitHandler func(reason string)

// Service implements proto.WorkerServiceServer.
type Service struct {
	proto.UnimplementedWorkerServiceServer

	logger   *zap.Logger
	runner   execsvc.Runner
	sampler  *sysmetrics.Sampler
	onExit   ExitHandler
	attached atomic.Bool
}

// New builds a Service. sampler may be nil, in which case Heartbeat
// always reports zeroed resource metrics.
func New(logger *zap.Logger, runner execsvc.Runner, sampler *sysmetrics.Sampler, onExit ExitHandler) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger:  logger.Named("hostserver"),
		runner:  runner,
		sampler: sampler,
		onExit:  onExit,
	}
}

func (s *Service) Attach(ctx context.Context, req *proto.AttachRequest) (*proto.AttachResponse, error) {
	s.attached.Store(true)
	s.logger.Info("attach received", zap.String("sender", transport.SenderFromContext(ctx)))
	return &proto.AttachResponse{Accepted: true}, nil
}

func (s *Service) ExecutePips(ctx context.Context, req *proto.ExecutePipsRequest) (*proto.ExecutePipsResponse, error) {
	if !s.attached.Load() {
		return nil, status.Error(codes.FailedPrecondition, "worker is not attached")
	}
	accepted, err := s.dispatch(ctx, req.GetPips())
	if err != nil {
		return nil, err
	}
	return &proto.ExecutePipsResponse{AcceptedCount: uint32(accepted)}, nil
}

func (s *Service) StreamExecutePips(stream proto.WorkerService_StreamExecutePipsServer) error {
	var total uint32
	for {
		req, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return stream.SendAndClose(&proto.ExecutePipsResponse{AcceptedCount: total})
			}
			return err
		}
		accepted, dispErr := s.dispatch(stream.Context(), req.GetPips())
		if dispErr != nil {
			return dispErr
		}
		total += uint32(accepted)
	}
}

func (s *Service) dispatch(ctx context.Context, descriptors []*proto.PipDescriptor) (int, error) {
	accepted := 0
	for _, d := range descriptors {
		if err := s.runner.Enqueue(ctx, execsvc.Pip{ID: d.GetPipId(), Payload: d.GetPayload()}); err != nil {
			s.logger.Warn("failed to enqueue pip", zap.String("pip_id", d.GetPipId()), zap.Error(err))
			continue
		}
		accepted++
	}
	return accepted, nil
}

func (s *Service) Heartbeat(ctx context.Context, req *proto.HeartbeatRequest) (*proto.HeartbeatResponse, error) {
	resp := &proto.HeartbeatResponse{HasPendingPips: s.runner.Pending() > 0}
	if s.sampler != nil {
		snap := s.sampler.Collect(ctx)
		resp.CpuPercent = snap.CPUPercent
		resp.MemPercent = snap.MemPercent
		resp.DiskPercent = snap.DiskPercent
	}
	return resp, nil
}

func (s *Service) Exit(ctx context.Context, req *proto.ExitRequest) (*proto.ExitResponse, error) {
	s.logger.Info("exit requested by orchestrator", zap.String("reason", req.GetReason()))
	if s.onExit != nil {
		s.onExit(req.GetReason())
	}
	return &proto.ExitResponse{Ok: true}, nil
}
