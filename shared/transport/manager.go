package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/buildmesh-io/buildmesh/shared/credentials"
	"github.com/buildmesh-io/buildmesh/shared/identity"
)

// ManagerConfig carries the tunables and identity a Manager needs to
// construct and monitor its Channel (spec §4.4 construction contract).
type ManagerConfig struct {
	Address string
	// InvocationID is the local build's identity. The Manager itself
	// does not read it — the Retrying Caller is what actually attaches
	// it to outbound headers.
	InvocationID identity.ID
	Credentials  credentials.Resolved

	// DistributionConnectTimeout bounds how long the channel may spend
	// reconnecting (Connecting/TransientFailure) once attached before the
	// monitor gives up and emits ReconnectionTimeout (spec §4.4 step 3).
	DistributionConnectTimeout time.Duration
	// CallTimeout is the per-attempt connect deadline tryReconnect uses.
	CallTimeout time.Duration
	// MaxAttempts bounds tryReconnect's synchronous connect attempts.
	MaxAttempts int

	Logger  *zap.Logger
	Metrics *Metrics
}

// Manager owns one Channel, one background monitor task, and the
// attached/exitRequested/shutdownInitiated flags (spec §4.4). It is the
// Connection Manager, C4.
type Manager struct {
	cfg     ManagerConfig
	channel *Channel
	logger  *zap.Logger

	attached          atomicBool
	exitRequested     atomicBool
	shutdownInitiated atomicBool

	failures *failureBroadcaster

	group      *errgroup.Group
	groupCtx   context.Context
	cancelRoot context.CancelFunc
}

// NewManager builds the Channel via the Credential Provider's resolved
// transport credentials and starts the monitor loop. Construction never
// blocks on connectivity — spec §4.4 describes the monitor as
// deferring timeout-based detection until the first successful attach.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	channel, err := Dial(cfg.Address, cfg.Credentials)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	m := &Manager{
		cfg:        cfg,
		channel:    channel,
		logger:     cfg.Logger.Named("transport.manager"),
		failures:   &failureBroadcaster{},
		group:      group,
		groupCtx:   groupCtx,
		cancelRoot: cancel,
	}

	m.group.Go(func() error {
		m.monitorLoop(m.groupCtx)
		return nil
	})

	return m, nil
}

// Channel returns the underlying Channel, for the Retrying Caller and
// client façades to build service clients against.
func (m *Manager) Channel() *Channel {
	return m.channel
}

// OnFailure registers fn to be called at most once, the first time this
// Manager emits a Connection Failure. Subscribers should register
// before issuing calls (spec §9: "Subscribers register before the
// manager starts" — here, before any call that could race the monitor).
func (m *Manager) OnFailure(fn func(Failure)) {
	m.failures.Subscribe(fn)
}

// OnAttachmentCompleted transitions the manager from "unattached" to
// "attached" exactly once (spec §3 invariant). Called by the client
// façade after a successful Attach RPC (spec §4.8).
func (m *Manager) OnAttachmentCompleted() {
	m.attached.Set()
}

// Attached reports whether OnAttachmentCompleted has ever been called.
func (m *Manager) Attached() bool {
	return m.attached.Get()
}

// ReadyForExit sets exitRequested so a subsequent Idle state is not
// misread as an unexpected disconnect (spec §4.4, §4.8's exit()).
func (m *Manager) ReadyForExit() {
	m.exitRequested.Set()
}

// Close shuts the channel down and awaits the monitor task, exactly as
// spec §4.4 describes. Idempotent.
func (m *Manager) Close() error {
	if !m.shutdownInitiated.Set() {
		// Already shutting down — still wait for the monitor to finish
		// so Close is not just idempotent but also a clean join point.
		_ = m.group.Wait()
		return nil
	}
	err := m.channel.Shutdown()
	m.cancelRoot()
	_ = m.group.Wait()
	return err
}

// ShutdownInitiated reports whether Close has been called.
func (m *Manager) ShutdownInitiated() bool {
	return m.shutdownInitiated.Get()
}

// monitorLoop is spec §4.4's core state machine. It runs until the
// channel reaches Shutdown or an unrecoverable decision is made.
func (m *Manager) monitorLoop(ctx context.Context) {
	var reconnectStart time.Time

	last := m.channel.State()
	for {
		state, ok := m.channel.WaitForStateChange(ctx, last)
		if !ok {
			// ObjectDisposed-equivalent: externally-requested shutdown,
			// exit silently (spec §4.4 step 5).
			return
		}
		last = state

		if state == StateShutdown {
			return
		}

		if (state == StateConnecting || state == StateTransientFailure) && m.attached.Get() {
			if reconnectStart.IsZero() {
				reconnectStart = time.Now()
			}
		} else {
			reconnectStart = time.Time{}
		}

		if !reconnectStart.IsZero() && time.Since(reconnectStart) > m.cfg.DistributionConnectTimeout {
			m.logger.Warn("reconnect watchdog exceeded, giving up on peer",
				zap.String("addr", m.cfg.Address),
				zap.Duration("elapsed", time.Since(reconnectStart)),
			)
			m.emitFailure(Failure{Kind: FailureReconnectionTimeout, Details: "reconnect watchdog exceeded"})
			return
		}

		if state == StateIdle && !m.exitRequested.Get() {
			if !m.tryReconnect(ctx) {
				m.emitFailure(Failure{Kind: FailureReconnectionTimeout, Details: "reconnection attempts from Idle failed"})
				return
			}
		}
	}
}

// emitFailure broadcasts f to subscribers and, if Metrics was configured,
// records it as a connection_failures_total sample.
func (m *Manager) emitFailure(f Failure) {
	m.failures.Emit(f)
	m.cfg.Metrics.ObserveFailure(f)
}

// tryReconnect attempts up to MaxAttempts synchronous Connect calls,
// abandoning early if the channel settles into a non-recoverable state
// (spec §4.4's reconnection policy).
func (m *Manager) tryReconnect(ctx context.Context) bool {
	for i := 0; i < m.cfg.MaxAttempts; i++ {
		if err := m.channel.Connect(ctx, m.cfg.CallTimeout); err == nil {
			m.cfg.Metrics.ObserveReconnect()
			return true
		}
		if isNonRecoverable(m.channel.State()) {
			return false
		}
	}
	return false
}
