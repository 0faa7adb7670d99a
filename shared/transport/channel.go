package transport

import (
	"context"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/buildmesh-io/buildmesh/shared/credentials"
)

// keepalive tuning from spec §4.3/§6: ping every 5 minutes, 1 minute ack
// timeout, permitted with no active calls.
const (
	keepaliveTime    = 5 * time.Minute
	keepaliveTimeout = 1 * time.Minute
)

// Channel wraps a single underlying gRPC transport to one peer (C3).
// It exposes connectivity state, connect, and shutdown — nothing else;
// RPC invocation itself is the Retrying Caller's job (C5).
type Channel struct {
	addr string
	conn *grpc.ClientConn
}

// Dial constructs a Channel. It does not block waiting for a connection
// to be established — the underlying grpc.ClientConn is lazy by
// default, matching the teacher's agent/internal/connection/manager.go
// use of grpc.NewClient (non-blocking dial).
func Dial(addr string, resolved credentials.Resolved) (*Channel, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(resolved.TransportCredentials),
		// Message size limits are effectively unlimited per spec §4.3/§6.
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.MaxCallSendMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	if resolved.AuthenticationEnabled {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerToken{token: resolved.CallToken, requireTLS: resolved.EncryptionEnabled}))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &Channel{addr: addr, conn: conn}, nil
}

// Target returns the human-readable peer address.
func (c *Channel) Target() string {
	return c.addr
}

// ClientConn exposes the underlying *grpc.ClientConn so callers can
// construct generated service clients against it.
func (c *Channel) ClientConn() *grpc.ClientConn {
	return c.conn
}

// State returns the current channel state.
func (c *Channel) State() ChannelState {
	return c.conn.GetState()
}

// WaitForStateChange completes when the observed state differs from
// from, or when ctx is cancelled (the cancellable future of spec §4.3).
// It returns the new state and true, or the zero state and false if ctx
// was cancelled first — the Manager's monitor loop treats the latter as
// an externally-requested shutdown (spec §4.4 step 5).
func (c *Channel) WaitForStateChange(ctx context.Context, from ChannelState) (ChannelState, bool) {
	if !c.conn.WaitForStateChange(ctx, from) {
		return StateIdle, false
	}
	return c.conn.GetState(), true
}

// Connect forces an active connection attempt, failing if deadline
// elapses before the channel reaches Ready.
func (c *Channel) Connect(ctx context.Context, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	c.conn.Connect()
	for {
		state := c.conn.GetState()
		if state == StateReady {
			return nil
		}
		if isNonRecoverable(state) {
			return fmt.Errorf("transport: channel to %s in non-recoverable state %s", c.addr, state)
		}
		if !c.conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("transport: connect to %s timed out: %w", c.addr, ctx.Err())
		}
	}
}

// Shutdown closes the channel. Idempotent: grpc.ClientConn.Close()
// itself tolerates repeated calls; every call after the first returns
// grpc.ErrClientConnClosing.
func (c *Channel) Shutdown() error {
	return c.conn.Close()
}

// bearerToken implements credentials.PerRPCCredentials for the static
// token the Credential Provider resolves, grounded on the same pattern
// other_examples/73374864_Chris-Alexander-Pop-microservices-library
// uses for its tokenAuth type.
type bearerToken struct {
	token      string
	requireTLS bool
}

func (t bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": t.token}, nil
}

func (t bearerToken) RequireTransportSecurity() bool {
	return t.requireTLS
}
