package transport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/buildmesh-io/buildmesh/shared/identity"
)

var tracer = otel.Tracer("github.com/buildmesh-io/buildmesh/shared/transport")

// CallOptions is what the Retrying Caller hands to the user-supplied
// RPC closure on each attempt (spec §4.5): a context carrying the
// per-attempt deadline and outbound headers, plus the gRPC call options
// (wait-for-ready, trailer capture) the closure must pass through to
// the generated client method.
type CallOptions struct {
	Context     context.Context
	CallOptions []grpc.CallOption
}

// AttemptFunc performs one RPC attempt using the given options. The
// closure is responsible for passing opts.CallOptions through to the
// generated client call so trailers and wait-for-ready take effect.
type AttemptFunc func(CallOptions) error

// CallerConfig are the retry/timeout tunables spec §6 lists.
type CallerConfig struct {
	CallTimeout         time.Duration
	WorkerAttachTimeout time.Duration
	MaxAttempts         int
	Logger              *zap.Logger
	Metrics             *Metrics
}

// Caller is the Retrying Caller, C5. It is stateless with respect to
// individual calls — it only reads Manager-held state (spec §3's
// Caller lifecycle).
type Caller struct {
	cfg CallerConfig
}

// NewCaller builds a Caller. MaxAttempts below 1 is normalized to 1.
func NewCaller(cfg CallerConfig) *Caller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Caller{cfg: cfg}
}

// Call drives op with deadlines, retries, and trailer inspection per
// spec §4.5. manager supplies the Channel and the single-shot failure
// broadcaster; localID/token are attached to every attempt's headers.
func (c *Caller) Call(
	ctx context.Context,
	manager *Manager,
	localID identity.ID,
	token string,
	op AttemptFunc,
	description string,
	waitForConnection bool,
) Result {
	start := time.Now()

	if waitForConnection {
		waitStart := time.Now()
		if err := manager.Channel().Connect(ctx, c.cfg.WorkerAttachTimeout); err != nil {
			return Result{
				State:                     CallCancelled,
				Attempts:                  1,
				CallDuration:              0,
				WaitForConnectionDuration: time.Since(waitStart),
			}
		}
	}

	traceID := uuid.New()
	headers := identity.BuildHeaders(localID, traceID, token)

	spanCtx, span := tracer.Start(ctx, description, otelTrace.WithAttributes(
		attribute.String("buildmesh.trace_id", traceID.String()),
		attribute.String("buildmesh.invocation_id", localID.String()),
	))
	defer span.End()

	var (
		result   Result
		timeouts int
	)

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if spanCtx.Err() != nil {
			result = Result{State: CallCancelled, Attempts: attempt}
			break
		}

		attemptCtx, cancel := context.WithTimeout(spanCtx, c.cfg.CallTimeout)
		attemptCtx = metadata.NewOutgoingContext(attemptCtx, headers)

		var trailer metadata.MD
		err := op(CallOptions{
			Context:     attemptCtx,
			CallOptions: []grpc.CallOption{grpc.WaitForReady(true), grpc.Trailer(&trailer)},
		})
		cancel()

		if err == nil {
			result = Result{State: CallSucceeded, Attempts: attempt}
			recordSpanOutcome(span, result, nil)
			result.CallDuration = time.Since(start)
			c.cfg.Metrics.ObserveResult(description, result)
			return result
		}

		st, _ := status.FromError(err)
		failure := &Failure{Kind: FailureCallDeadlineExceeded, Details: err.Error()}

		switch {
		case st.Code() == grpcCodes.Canceled || errors.Is(err, context.Canceled):
			result = Result{State: CallCancelled, Attempts: attempt, LastFailure: failure}
			recordSpanOutcome(span, result, err)
			result.CallDuration = time.Since(start)
			c.cfg.Metrics.ObserveResult(description, result)
			return result

		case st.Code() == grpcCodes.DeadlineExceeded:
			timeouts++
			result = Result{State: CallFailed, Attempts: attempt, LastFailure: failure}
			// fall through to retry below

		case trailer.Get(identity.TrailerUnrecoverable) != nil &&
			trailer.Get(identity.TrailerUnrecoverable)[0] == identity.TrailerTrue:
			unrecoverable := Failure{Kind: FailureUnrecoverable, Details: err.Error()}
			manager.emitFailure(unrecoverable)
			result = Result{State: CallFailed, Attempts: attempt, LastFailure: &unrecoverable}
			recordSpanOutcome(span, result, err)
			result.CallDuration = time.Since(start)
			c.cfg.Metrics.ObserveResult(description, result)
			return result

		case st.Code() == grpcCodes.InvalidArgument &&
			trailer.Get(identity.TrailerInvocationMismatch) != nil &&
			trailer.Get(identity.TrailerInvocationMismatch)[0] == identity.TrailerTrue:
			result = Result{State: CallFailed, Attempts: attempt, LastFailure: failure}
			recordSpanOutcome(span, result, err)
			result.CallDuration = time.Since(start)
			c.cfg.Metrics.ObserveResult(description, result)
			return result

		default:
			result = Result{State: CallFailed, Attempts: attempt, LastFailure: failure}
			if manager.ShutdownInitiated() {
				recordSpanOutcome(span, result, err)
				result.CallDuration = time.Since(start)
				c.cfg.Metrics.ObserveResult(description, result)
				return result
			}
			// retry unless this was the last attempt
		}
	}

	if result.State == CallSucceeded {
		result.CallDuration = time.Since(start)
		c.cfg.Metrics.ObserveResult(description, result)
		return result
	}

	if manager.Attached() && timeouts == c.cfg.MaxAttempts {
		manager.emitFailure(Failure{Kind: FailureCallDeadlineExceeded, Details: "peer presumed dead: " + description})
	}

	recordSpanOutcome(span, result, errors.New(description+" exhausted retries"))
	result.CallDuration = time.Since(start)
	c.cfg.Metrics.ObserveResult(description, result)
	return result
}

func recordSpanOutcome(span otelTrace.Span, result Result, err error) {
	span.SetAttributes(
		attribute.String("buildmesh.call_state", result.State.String()),
		attribute.Int("buildmesh.attempts", result.Attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
