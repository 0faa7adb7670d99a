// Package orchestratorclient is the worker-side client façade (C8) for
// OrchestratorService: Hello, AttachCompleted, ReportPipResults, and
// ReportExecutionLog. It owns the Connection Manager and Retrying
// Caller pointed at the orchestrator's address.
package orchestratorclient

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/buildmesh-io/buildmesh/shared/credentials"
	"github.com/buildmesh-io/buildmesh/shared/identity"
	"github.com/buildmesh-io/buildmesh/shared/transport"
	"github.com/buildmesh-io/buildmesh/worker/internal/execsvc"

	proto "github.com/buildmesh-io/buildmesh/shared/proto"
)

// Config carries what the façade needs to reach the orchestrator.
type Config struct {
	Address          string
	WorkerLocation   string
	Version          string
	LocalID          identity.ID
	Token            string
	StreamingEnabled bool

	CallTimeout         time.Duration
	WorkerAttachTimeout time.Duration
	MaxAttempts         int

	Logger *zap.Logger
}

// Client is the OrchestratorService façade.
type Client struct {
	cfg     Config
	manager *transport.Manager
	caller  *transport.Caller
	client  proto.OrchestratorServiceClient
	logger  *zap.Logger

	mu            sync.Mutex
	resultsStream proto.OrchestratorService_StreamPipResultsClient
	logStream     proto.OrchestratorService_StreamExecutionLogClient
}

// New dials the orchestrator and builds the façade. It does not block
// on connectivity — the Connection Manager's monitor loop handles that.
func New(cfg Config, resolved credentials.Resolved) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	manager, err := transport.NewManager(transport.ManagerConfig{
		Address:                    cfg.Address,
		InvocationID:               cfg.LocalID,
		Credentials:                resolved,
		DistributionConnectTimeout: 5 * time.Minute,
		CallTimeout:                cfg.CallTimeout,
		MaxAttempts:                cfg.MaxAttempts,
		Logger:                     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	caller := transport.NewCaller(transport.CallerConfig{
		CallTimeout:         cfg.CallTimeout,
		WorkerAttachTimeout: cfg.WorkerAttachTimeout,
		MaxAttempts:         cfg.MaxAttempts,
		Logger:              cfg.Logger,
	})

	return &Client{
		cfg:     cfg,
		manager: manager,
		caller:  caller,
		client:  proto.NewOrchestratorServiceClient(manager.Channel().ClientConn()),
		logger:  cfg.Logger.Named("orchestratorclient"),
	}, nil
}

// Manager exposes the Connection Manager so main can subscribe to
// failures and drive shutdown.
func (c *Client) Manager() *transport.Manager {
	return c.manager
}

// Hello announces this worker to the orchestrator before Attach
// completes on the orchestrator's side.
func (c *Client) Hello(ctx context.Context) error {
	result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
		_, err := c.client.Hello(opts.Context, &proto.HelloRequest{
			WorkerLocation: c.cfg.WorkerLocation,
			Version:        c.cfg.Version,
		}, opts.CallOptions...)
		return err
	}, "Hello", true)
	return resultError(result, "Hello")
}

// AttachCompleted confirms the Attach handshake from the worker's side.
func (c *Client) AttachCompleted(ctx context.Context) error {
	result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
		_, err := c.client.AttachCompleted(opts.Context, &proto.AttachCompletedRequest{
			WorkerLocation: c.cfg.WorkerLocation,
		}, opts.CallOptions...)
		return err
	}, "AttachCompleted", false)
	if err := resultError(result, "AttachCompleted"); err != nil {
		return err
	}
	c.manager.OnAttachmentCompleted()
	return nil
}

// ReportResult sends one pip result, using the client-stream if
// StreamingEnabled, or a unary call otherwise (spec §4's execute/notify
// façade).
func (c *Client) ReportResult(ctx context.Context, r execsvc.Result) error {
	pb := &proto.PipResult{PipId: r.PipID, Succeeded: r.Succeeded, Payload: r.Payload}

	if !c.cfg.StreamingEnabled {
		result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
			_, err := c.client.ReportPipResults(opts.Context, &proto.ReportPipResultsRequest{
				Results: []*proto.PipResult{pb},
			}, opts.CallOptions...)
			return err
		}, "ReportPipResults", false)
		return resultError(result, "ReportPipResults")
	}

	result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
		stream, err := c.openResultsStream(opts.Context)
		if err != nil {
			return err
		}
		return stream.Send(&proto.ReportPipResultsRequest{Results: []*proto.PipResult{pb}})
	}, "StreamPipResults", false)
	return resultError(result, "StreamPipResults")
}

func (c *Client) openResultsStream(ctx context.Context) (proto.OrchestratorService_StreamPipResultsClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resultsStream != nil {
		return c.resultsStream, nil
	}
	stream, err := c.client.StreamPipResults(ctx)
	if err != nil {
		return nil, err
	}
	c.resultsStream = stream
	return stream, nil
}

// ReportLog sends one execution-log line, unary or streamed per
// StreamingEnabled, mirroring ReportResult.
func (c *Client) ReportLog(ctx context.Context, pipID, level, message string) error {
	line := &proto.LogLine{
		PipId:     pipID,
		Level:     level,
		Message:   message,
		Timestamp: timestamppb.Now(),
	}

	if !c.cfg.StreamingEnabled {
		result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
			_, err := c.client.ReportExecutionLog(opts.Context, &proto.ReportExecutionLogRequest{
				Lines: []*proto.LogLine{line},
			}, opts.CallOptions...)
			return err
		}, "ReportExecutionLog", false)
		return resultError(result, "ReportExecutionLog")
	}

	result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
		stream, err := c.openLogStream(opts.Context)
		if err != nil {
			return err
		}
		return stream.Send(&proto.ReportExecutionLogRequest{Lines: []*proto.LogLine{line}})
	}, "StreamExecutionLog", false)
	return resultError(result, "StreamExecutionLog")
}

func (c *Client) openLogStream(ctx context.Context) (proto.OrchestratorService_StreamExecutionLogClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logStream != nil {
		return c.logStream, nil
	}
	stream, err := c.client.StreamExecutionLog(ctx)
	if err != nil {
		return nil, err
	}
	c.logStream = stream
	return stream, nil
}

// DrainResults ranges over runner's result channel and reports each one
// to the orchestrator until ctx is cancelled. Run this as a goroutine.
func (c *Client) DrainResults(ctx context.Context, runner execsvc.Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-runner.Results():
			if !ok {
				return
			}
			if err := c.ReportResult(ctx, r); err != nil {
				c.logger.Warn("failed to report pip result", zap.String("pip_id", r.PipID), zap.Error(err))
			}
		}
	}
}

// Close finalizes any open streams and shuts the Connection Manager
// down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.resultsStream != nil {
		resp, err := c.resultsStream.CloseAndRecv()
		_ = resp
		if err != nil && err != io.EOF {
			c.logger.Warn("error closing results stream", zap.Error(err))
		}
	}
	if c.logStream != nil {
		resp, err := c.logStream.CloseAndRecv()
		_ = resp
		if err != nil && err != io.EOF {
			c.logger.Warn("error closing log stream", zap.Error(err))
		}
	}
	c.mu.Unlock()

	c.manager.ReadyForExit()
	return c.manager.Close()
}

func resultError(result transport.Result, description string) error {
	if result.State == transport.CallSucceeded {
		return nil
	}
	if result.LastFailure != nil {
		return &transportError{description: description, failure: *result.LastFailure}
	}
	return &transportError{description: description}
}

type transportError struct {
	description string
	failure     transport.Failure
}

func (e *transportError) Error() string {
	if e.failure.Details != "" {
		return e.description + ": " + e.failure.Details
	}
	return e.description + ": call did not succeed"
}
