package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ServerHostConfig configures the Server Host (C7, spec §4.7).
type ServerHostConfig struct {
	ListenAddr string

	// mTLS material. CertPEMPath/KeyPEMPath are the server's own
	// identity; ClientCAPath, if set, makes the server verify presented
	// client certificates against that chain. If unset but the server
	// cert is configured, the server still requests a client certificate
	// and accepts it without verifying it against any chain —
	// "RequestAndRequireButDontVerify" per spec §4.3/§4.7.
	CertPEMPath  string
	KeyPEMPath   string
	ClientCAPath string

	Interceptor *Interceptor
	Logger      *zap.Logger
}

// ServerHost binds one or more service definitions to an address,
// installs the interceptor, enforces unlimited message sizes, and
// manages graceful, idempotent shutdown (spec §4.7). It wraps a plain
// *grpc.Server — that is the "native RPC server" path of spec §4.7's
// two mutually-exclusive transports; this repo's second, web-hosted
// path lives in orchestrator/internal/httpapi instead of here (see
// SPEC_FULL.md §6 / DESIGN.md open question (b)).
type ServerHost struct {
	cfg    ServerHostConfig
	logger *zap.Logger
	server *grpc.Server

	mu        sync.Mutex
	stopped   bool
	servingWg sync.WaitGroup
}

// NewServerHost builds the underlying grpc.Server with the interceptor
// and size-limit/TLS configuration already installed. Register service
// implementations on Server() before calling Serve.
func NewServerHost(cfg ServerHostConfig) (*ServerHost, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	creds, err := serverTransportCredentials(cfg)
	if err != nil {
		return nil, err
	}

	opts := []grpc.ServerOption{
		grpc.Creds(creds),
		grpc.MaxRecvMsgSize(math.MaxInt32),
		grpc.MaxSendMsgSize(math.MaxInt32),
	}
	if cfg.Interceptor != nil {
		opts = append(opts,
			grpc.UnaryInterceptor(cfg.Interceptor.Unary()),
			grpc.StreamInterceptor(cfg.Interceptor.Stream()),
		)
	}

	return &ServerHost{
		cfg:    cfg,
		logger: cfg.Logger.Named("transport.serverhost"),
		server: grpc.NewServer(opts...),
	}, nil
}

// Server exposes the underlying *grpc.Server so callers can register
// their generated service implementations before calling Serve.
func (h *ServerHost) Server() *grpc.Server {
	return h.server
}

// Serve binds ListenAddr and blocks accepting connections until ctx is
// cancelled, at which point it gracefully stops (draining in-flight
// RPCs) and returns.
func (h *ServerHost) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", h.cfg.ListenAddr, err)
	}

	h.servingWg.Add(1)
	go func() {
		defer h.servingWg.Done()
		<-ctx.Done()
		h.logger.Info("server host shutting down gracefully", zap.String("addr", h.cfg.ListenAddr))
		h.Shutdown()
	}()

	h.logger.Info("server host listening", zap.String("addr", h.cfg.ListenAddr))
	if err := h.server.Serve(lis); err != nil {
		return fmt.Errorf("transport: server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server. Idempotent — repeated calls
// swallow the "already stopped" condition rather than panicking or
// erroring, per spec §4.7.
func (h *ServerHost) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	h.server.GracefulStop()
}

func serverTransportCredentials(cfg ServerHostConfig) (credentials.TransportCredentials, error) {
	if cfg.CertPEMPath == "" || cfg.KeyPEMPath == "" {
		return insecure.NewCredentials(), nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPEMPath, cfg.KeyPEMPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load server key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
	}

	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("transport: read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: no certificates found in %s", cfg.ClientCAPath)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return credentials.NewTLS(tlsConfig), nil
}
