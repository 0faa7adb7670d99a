// Package hostserver hosts OrchestratorService: the inbound surface
// workers call on this orchestrator (Hello, AttachCompleted,
// ReportPipResults, ReportExecutionLog).
package hostserver

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/buildmesh-io/buildmesh/orchestrator/internal/workerpool"
	"github.com/buildmesh-io/buildmesh/shared/transport"

	proto "github.com/buildmesh-io/buildmesh/shared/proto"
)

// HelloHandler reacts to a worker's initial Hello call — usually by
// dialing the worker back as a WorkerService client and attaching it.
type HelloHandler func(ctx context.Context, workerLocation, version string) error

// Service implements proto.OrchestratorServiceServer. It only tracks
// that results/log lines arrived (for pool liveness and received
// counts) — their payloads (pip success, log text) are opaque business
// data the transport layer has no business persisting; per-call
// transport outcomes are what the audit trail records instead, in
// workerclient's Orchestrator→Worker façade.
type Service struct {
	proto.UnimplementedOrchestratorServiceServer

	logger  *zap.Logger
	pool    *workerpool.Pool
	onHello HelloHandler
}

// New builds a Service.
func New(logger *zap.Logger, pool *workerpool.Pool, onHello HelloHandler) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger:  logger.Named("hostserver"),
		pool:    pool,
		onHello: onHello,
	}
}

func (s *Service) Hello(ctx context.Context, req *proto.HelloRequest) (*proto.HelloResponse, error) {
	s.logger.Info("hello received",
		zap.String("worker_location", req.GetWorkerLocation()),
		zap.String("version", req.GetVersion()),
	)
	if s.onHello != nil {
		if err := s.onHello(ctx, req.GetWorkerLocation(), req.GetVersion()); err != nil {
			s.logger.Warn("hello handler failed", zap.Error(err))
			return &proto.HelloResponse{Ok: false}, nil
		}
	}
	return &proto.HelloResponse{Ok: true}, nil
}

func (s *Service) AttachCompleted(ctx context.Context, req *proto.AttachCompletedRequest) (*proto.AttachCompletedResponse, error) {
	s.pool.Touch(req.GetWorkerLocation())
	return &proto.AttachCompletedResponse{Ok: true}, nil
}

func (s *Service) ReportPipResults(ctx context.Context, req *proto.ReportPipResultsRequest) (*proto.ReportPipResultsResponse, error) {
	location := transport.SenderFromContext(ctx)
	count := s.recordResults(ctx, location, req.GetResults())
	return &proto.ReportPipResultsResponse{ReceivedCount: uint32(count)}, nil
}

func (s *Service) StreamPipResults(stream proto.OrchestratorService_StreamPipResultsServer) error {
	var total uint32
	location := transport.SenderFromContext(stream.Context())
	for {
		req, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return stream.SendAndClose(&proto.ReportPipResultsResponse{ReceivedCount: total})
			}
			return err
		}
		total += uint32(s.recordResults(stream.Context(), location, req.GetResults()))
	}
}

func (s *Service) recordResults(ctx context.Context, location string, results []*proto.PipResult) int {
	s.pool.Touch(location)
	return len(results)
}

func (s *Service) ReportExecutionLog(ctx context.Context, req *proto.ReportExecutionLogRequest) (*proto.ReportExecutionLogResponse, error) {
	location := transport.SenderFromContext(ctx)
	count := s.recordLines(ctx, location, req.GetLines())
	return &proto.ReportExecutionLogResponse{ReceivedCount: uint32(count)}, nil
}

func (s *Service) StreamExecutionLog(stream proto.OrchestratorService_StreamExecutionLogServer) error {
	var total uint32
	location := transport.SenderFromContext(stream.Context())
	for {
		req, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return stream.SendAndClose(&proto.ReportExecutionLogResponse{ReceivedCount: total})
			}
			return err
		}
		total += uint32(s.recordLines(stream.Context(), location, req.GetLines()))
	}
}

func (s *Service) recordLines(ctx context.Context, location string, lines []*proto.LogLine) int {
	return len(lines)
}
