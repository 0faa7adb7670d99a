// Package main is the entry point for the buildmesh worker binary.
// It wires the hosted WorkerService, the OrchestratorService client
// façade, and the pip runner together and starts both sides of the
// connection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/buildmesh-io/buildmesh/shared/credentials"
	"github.com/buildmesh-io/buildmesh/shared/identity"
	"github.com/buildmesh-io/buildmesh/shared/transport"
	"github.com/buildmesh-io/buildmesh/worker/internal/execsvc"
	"github.com/buildmesh-io/buildmesh/worker/internal/hostserver"
	"github.com/buildmesh-io/buildmesh/worker/internal/orchestratorclient"
	"github.com/buildmesh-io/buildmesh/worker/internal/sysmetrics"

	proto "github.com/buildmesh-io/buildmesh/shared/proto"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	listenAddr       string
	orchestratorAddr string
	workerLocation   string
	certSubjectName  string
	tokenPath        string
	rootPEMPath      string
	certPEMPath      string
	keyPEMPath       string
	streamingEnabled bool
	logLevel         string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "buildmesh-worker",
		Short: "buildmesh worker — runs pips dispatched by an orchestrator",
		Long: `buildmesh-worker accepts remote procedure calls from a build
orchestrator over a bidirectional gRPC channel, executes the pips it is
handed, and streams results and logs back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("BUILDMESH_WORKER_LISTEN", ":7090"), "address this worker's WorkerService listens on")
	root.PersistentFlags().StringVar(&cfg.orchestratorAddr, "orchestrator-addr", envOrDefault("BUILDMESH_ORCHESTRATOR_ADDR", "localhost:7080"), "orchestrator OrchestratorService address")
	root.PersistentFlags().StringVar(&cfg.workerLocation, "worker-location", envOrDefault("BUILDMESH_WORKER_LOCATION", ""), "address the orchestrator should use to reach this worker (defaults to listen-addr)")
	root.PersistentFlags().StringVar(&cfg.certSubjectName, "cert-subject-name", envOrDefault("BUILDMESH_CERT_SUBJECT", ""), "expected TLS certificate subject name (empty disables transport encryption)")
	root.PersistentFlags().StringVar(&cfg.tokenPath, "token-path", envOrDefault("BUILDMESH_TOKEN_PATH", ""), "path to a bearer token file (empty disables call authentication)")
	root.PersistentFlags().StringVar(&cfg.rootPEMPath, "root-pem", envOrDefault("BUILDMESH_ROOT_PEM", ""), "root CA PEM bundle")
	root.PersistentFlags().StringVar(&cfg.certPEMPath, "cert-pem", envOrDefault("BUILDMESH_CERT_PEM", ""), "this worker's certificate PEM")
	root.PersistentFlags().StringVar(&cfg.keyPEMPath, "key-pem", envOrDefault("BUILDMESH_KEY_PEM", ""), "this worker's private key PEM")
	root.PersistentFlags().BoolVar(&cfg.streamingEnabled, "streaming", true, "use client-streamed result/log reporting instead of unary calls")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BUILDMESH_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("buildmesh-worker %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.workerLocation == "" {
		cfg.workerLocation = cfg.listenAddr
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	localID := identity.ID{
		RelatedActivityID: cfg.workerLocation,
		Environment:       "buildmesh",
		EngineVersion:     version,
	}

	credProvider := credentials.New(logger)
	resolved := credProvider.Resolve(credentials.Config{
		CertificateSubjectName: cfg.certSubjectName,
		TokenPath:              cfg.tokenPath,
		RootPEMPath:            cfg.rootPEMPath,
		CertPEMPath:            cfg.certPEMPath,
		KeyPEMPath:             cfg.keyPEMPath,
	})

	runner := execsvc.NewInMemoryRunner(64)
	sampler := sysmetrics.NewSampler("/")

	// --- Host our own WorkerService for the orchestrator to call. ---
	interceptor := transport.NewInterceptor(transport.InterceptorConfig{
		LocalID:               localID,
		AuthenticationEnabled: resolved.AuthenticationEnabled,
		ExpectedToken:         resolved.CallToken,
		Logger:                logger,
	})

	host, err := transport.NewServerHost(transport.ServerHostConfig{
		ListenAddr:   cfg.listenAddr,
		CertPEMPath:  cfg.certPEMPath,
		KeyPEMPath:   cfg.keyPEMPath,
		ClientCAPath: cfg.rootPEMPath,
		Interceptor:  interceptor,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build server host: %w", err)
	}

	svc := hostserver.New(logger, runner, sampler, func(reason string) {
		logger.Info("orchestrator requested exit", zap.String("reason", reason))
		cancel()
	})
	proto.RegisterWorkerServiceServer(host.Server(), svc)

	go func() {
		if err := host.Serve(ctx); err != nil {
			logger.Error("server host stopped with error", zap.Error(err))
		}
	}()

	// --- Dial the orchestrator back as a client. ---
	client, err := orchestratorclient.New(orchestratorclient.Config{
		Address:             cfg.orchestratorAddr,
		WorkerLocation:      cfg.workerLocation,
		Version:             version,
		LocalID:             localID,
		Token:               resolved.CallToken,
		StreamingEnabled:    cfg.streamingEnabled,
		CallTimeout:         30 * time.Second,
		WorkerAttachTimeout: 2 * time.Minute,
		MaxAttempts:         5,
		Logger:              logger,
	}, resolved)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator client: %w", err)
	}

	client.Manager().OnFailure(func(f transport.Failure) {
		logger.Error("connection failure, shutting down", zap.String("kind", f.Kind.String()), zap.String("details", f.Details))
		cancel()
	})

	if err := client.Hello(ctx); err != nil {
		logger.Warn("Hello failed", zap.Error(err))
	}

	go client.DrainResults(ctx, runner)

	logger.Info("buildmesh worker started",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("orchestrator_addr", cfg.orchestratorAddr),
	)

	<-ctx.Done()

	logger.Info("buildmesh worker shutting down")
	if err := client.Close(); err != nil {
		logger.Warn("error during client shutdown", zap.Error(err))
	}
	host.Shutdown()

	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
