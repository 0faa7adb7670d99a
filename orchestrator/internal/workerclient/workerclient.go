// Package workerclient is the orchestrator-side client façade (C8) for
// WorkerService: one Client per attached worker, owning that worker's
// Connection Manager and Retrying Caller.
package workerclient

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/buildmesh-io/buildmesh/shared/credentials"
	"github.com/buildmesh-io/buildmesh/shared/identity"
	"github.com/buildmesh-io/buildmesh/shared/transport"

	proto "github.com/buildmesh-io/buildmesh/shared/proto"
)

// CallResultRecorder persists the outcome of each call the façade
// makes, keyed by the worker it was addressed to. Implemented by
// orchestrator/internal/audit.Store; optional.
type CallResultRecorder interface {
	RecordCallResult(ctx context.Context, workerLocation, method string, invocationID identity.ID, result transport.Result) error
}

// Config carries what the façade needs to reach one worker.
type Config struct {
	Address             string
	LocalID             identity.ID
	Token               string
	StreamingEnabled    bool
	CallTimeout         time.Duration
	WorkerAttachTimeout time.Duration
	MaxAttempts         int
	Recorder            CallResultRecorder
	Logger              *zap.Logger
}

// Client is the WorkerService façade for one worker.
type Client struct {
	cfg     Config
	manager *transport.Manager
	caller  *transport.Caller
	client  proto.WorkerServiceClient
	logger  *zap.Logger

	mu         sync.Mutex
	pipsStream proto.WorkerService_StreamExecutePipsClient
}

// New dials one worker and builds its façade.
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
		client:  proto.NewWorkerServiceClient(manager.Channel().ClientConn()),
		logger:  cfg.Logger.Named("workerclient"),
	}, nil
}

// Manager exposes the Connection Manager so the pool can subscribe to
// failures.
func (c *Client) Manager() *transport.Manager {
	return c.manager
}

// record persists result with the configured Recorder, if any, logging
// a warning rather than failing the call on a recorder error.
func (c *Client) record(ctx context.Context, method string, result transport.Result) {
	if c.cfg.Recorder == nil {
		return
	}
	if err := c.cfg.Recorder.RecordCallResult(ctx, c.cfg.Address, method, c.cfg.LocalID, result); err != nil {
		c.logger.Warn("failed to record call result", zap.String("method", method), zap.Error(err))
	}
}

// Attach performs the one-time handshake establishing the worker is
// ready to accept pips.
func (c *Client) Attach(ctx context.Context) error {
	result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
		_, err := c.client.Attach(opts.Context, &proto.AttachRequest{
			WorkerLocation: c.cfg.Address,
		}, opts.CallOptions...)
		return err
	}, "Attach", true)
	c.record(ctx, "Attach", result)
	if err := resultError(result, "Attach"); err != nil {
		return err
	}
	c.manager.OnAttachmentCompleted()
	return nil
}

// DispatchPip implements workerpool.Dispatcher: sends one pip, unary or
// streamed per StreamingEnabled.
func (c *Client) DispatchPip(pipID string, payload []byte) error {
	ctx := context.Background()
	descriptor := &proto.PipDescriptor{PipId: pipID, Payload: payload}

	if !c.cfg.StreamingEnabled {
		result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
			_, err := c.client.ExecutePips(opts.Context, &proto.ExecutePipsRequest{
				Pips: []*proto.PipDescriptor{descriptor},
			}, opts.CallOptions...)
			return err
		}, "ExecutePips", false)
		c.record(ctx, "ExecutePips", result)
		return resultError(result, "ExecutePips")
	}

	result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
		stream, err := c.openPipsStream(opts.Context)
		if err != nil {
			return err
		}
		return stream.Send(&proto.ExecutePipsRequest{Pips: []*proto.PipDescriptor{descriptor}})
	}, "StreamExecutePips", false)
	c.record(ctx, "StreamExecutePips", result)
	return resultError(result, "StreamExecutePips")
}

func (c *Client) openPipsStream(ctx context.Context) (proto.WorkerService_StreamExecutePipsClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipsStream != nil {
		return c.pipsStream, nil
	}
	stream, err := c.client.StreamExecutePips(ctx)
	if err != nil {
		return nil, err
	}
	c.pipsStream = stream
	return stream, nil
}

// Heartbeat probes liveness and returns the worker-reported resource
// snapshot and pending-pip flag.
func (c *Client) Heartbeat(ctx context.Context) (*proto.HeartbeatResponse, error) {
	var resp *proto.HeartbeatResponse
	result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
		r, err := c.client.Heartbeat(opts.Context, &proto.HeartbeatRequest{}, opts.CallOptions...)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, "Heartbeat", false)
	c.record(ctx, "Heartbeat", result)
	if err := resultError(result, "Heartbeat"); err != nil {
		return nil, err
	}
	return resp, nil
}

// Exit notifies the worker that this orchestrator is tearing the
// session down deliberately.
func (c *Client) Exit(ctx context.Context, reason string) error {
	c.manager.ReadyForExit()
	result := c.caller.Call(ctx, c.manager, c.cfg.LocalID, c.cfg.Token, func(opts transport.CallOptions) error {
		_, err := c.client.Exit(opts.Context, &proto.ExitRequest{Reason: reason}, opts.CallOptions...)
		return err
	}, "Exit", false)
	c.record(ctx, "Exit", result)
	return resultError(result, "Exit")
}

// Close finalizes any open pips stream and shuts the Connection
// Manager down. Implements workerpool.Dispatcher.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.pipsStream != nil {
		resp, err := c.pipsStream.CloseAndRecv()
		_ = resp
		if err != nil && err != io.EOF {
			c.logger.Warn("error closing pips stream", zap.Error(err))
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
		return &transportError{description: description, details: result.LastFailure.Details}
	}
	return &transportError{description: description}
}

type transportError struct {
	description string
	details     string
}

func (e *transportError) Error() string {
	if e.details != "" {
		return e.description + ": " + e.details
	}
	return e.description + ": call did not succeed"
}
