// Package main is the entry point for the buildmesh orchestrator
// binary. It hosts OrchestratorService for workers to call back into,
// dials each worker's WorkerService once it says Hello, and serves an
// HTTP admin/metrics surface alongside the gRPC one.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/buildmesh-io/buildmesh/orchestrator/internal/audit"
	"github.com/buildmesh-io/buildmesh/orchestrator/internal/hostserver"
	"github.com/buildmesh-io/buildmesh/orchestrator/internal/httpapi"
	"github.com/buildmesh-io/buildmesh/orchestrator/internal/workerclient"
	"github.com/buildmesh-io/buildmesh/orchestrator/internal/workerpool"
	"github.com/buildmesh-io/buildmesh/shared/credentials"
	"github.com/buildmesh-io/buildmesh/shared/identity"
	"github.com/buildmesh-io/buildmesh/shared/transport"

	proto "github.com/buildmesh-io/buildmesh/shared/proto"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	grpcListenAddr   string
	httpListenAddr   string
	environment      string
	certSubjectName  string
	tokenPath        string
	rootPEMPath      string
	certPEMPath      string
	keyPEMPath       string
	streamingEnabled bool
	dbDriver         string
	dbDSN            string
	auditRetention   time.Duration
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
		Use:   "buildmesh-orchestrator",
		Short: "buildmesh orchestrator — dispatches pips to attached workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&cfg.grpcListenAddr, "grpc-listen-addr", envOrDefault("BUILDMESH_GRPC_LISTEN", ":7080"), "address OrchestratorService listens on")
	root.PersistentFlags().StringVar(&cfg.httpListenAddr, "http-listen-addr", envOrDefault("BUILDMESH_HTTP_LISTEN", ":7081"), "address the admin/metrics HTTP surface listens on")
	root.PersistentFlags().StringVar(&cfg.environment, "environment", envOrDefault("BUILDMESH_ENV", "default"), "build environment identity component")
	root.PersistentFlags().StringVar(&cfg.certSubjectName, "cert-subject-name", envOrDefault("BUILDMESH_CERT_SUBJECT", ""), "expected TLS certificate subject name (empty disables transport encryption)")
	root.PersistentFlags().StringVar(&cfg.tokenPath, "token-path", envOrDefault("BUILDMESH_TOKEN_PATH", ""), "path to a bearer token file (empty disables call authentication)")
	root.PersistentFlags().StringVar(&cfg.rootPEMPath, "root-pem", envOrDefault("BUILDMESH_ROOT_PEM", ""), "root CA PEM bundle")
	root.PersistentFlags().StringVar(&cfg.certPEMPath, "cert-pem", envOrDefault("BUILDMESH_CERT_PEM", ""), "this orchestrator's certificate PEM")
	root.PersistentFlags().StringVar(&cfg.keyPEMPath, "key-pem", envOrDefault("BUILDMESH_KEY_PEM", ""), "this orchestrator's private key PEM")
	root.PersistentFlags().BoolVar(&cfg.streamingEnabled, "streaming", true, "use client-streamed pip dispatch instead of unary calls")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BUILDMESH_DB_DRIVER", "sqlite"), "audit database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BUILDMESH_DB_DSN", "buildmesh-audit.db"), "audit database DSN")
	root.PersistentFlags().DurationVar(&cfg.auditRetention, "audit-retention", 7*24*time.Hour, "how long audit records are kept before pruning")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BUILDMESH_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	localID := identity.ID{
		RelatedActivityID: "orchestrator",
		Environment:       cfg.environment,
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

	db, err := audit.Open(audit.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open audit database: %w", err)
	}
	auditStore := audit.New(db, logger, cfg.auditRetention)

	pruner := cron.New()
	if _, err := pruner.AddFunc("@hourly", func() {
		if err := auditStore.Prune(ctx); err != nil {
			logger.Warn("audit prune failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule audit pruning: %w", err)
	}
	pruner.Start()
	defer pruner.Stop()

	pool := workerpool.New(logger)

	onHello := func(ctx context.Context, workerLocation, workerVersion string) error {
		if _, attached := pool.Get(workerLocation); attached {
			pool.Touch(workerLocation)
			return nil
		}

		client, err := workerclient.New(workerclient.Config{
			Address:             workerLocation,
			LocalID:             localID,
			Token:               resolved.CallToken,
			StreamingEnabled:    cfg.streamingEnabled,
			CallTimeout:         30 * time.Second,
			WorkerAttachTimeout: 2 * time.Minute,
			MaxAttempts:         5,
			Recorder:            auditStore,
			Logger:              logger,
		}, resolved)
		if err != nil {
			return fmt.Errorf("failed to dial worker %s: %w", workerLocation, err)
		}

		if err := client.Attach(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to attach worker %s: %w", workerLocation, err)
		}

		client.Manager().OnFailure(func(f transport.Failure) {
			logger.Warn("worker connection failure, detaching",
				zap.String("worker_location", workerLocation),
				zap.String("kind", f.Kind.String()),
			)
			pool.Detach(workerLocation)
		})

		pool.Attach(workerLocation, client)
		logger.Info("worker attached", zap.String("worker_location", workerLocation), zap.String("version", workerVersion))
		return nil
	}

	svc := hostserver.New(logger, pool, onHello)

	interceptor := transport.NewInterceptor(transport.InterceptorConfig{
		LocalID:               localID,
		AuthenticationEnabled: resolved.AuthenticationEnabled,
		ExpectedToken:         resolved.CallToken,
		Logger:                logger,
	})

	host, err := transport.NewServerHost(transport.ServerHostConfig{
		ListenAddr:   cfg.grpcListenAddr,
		CertPEMPath:  cfg.certPEMPath,
		KeyPEMPath:   cfg.keyPEMPath,
		ClientCAPath: cfg.rootPEMPath,
		Interceptor:  interceptor,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build server host: %w", err)
	}
	proto.RegisterOrchestratorServiceServer(host.Server(), svc)

	go func() {
		if err := host.Serve(ctx); err != nil {
			logger.Error("grpc server host stopped with error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.httpListenAddr,
		Handler: httpapi.NewRouter(httpapi.Config{Pool: pool, Audit: auditStore, Logger: logger}),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped with error", zap.Error(err))
		}
	}()

	logger.Info("buildmesh orchestrator started",
		zap.String("version", version),
		zap.String("grpc_addr", cfg.grpcListenAddr),
		zap.String("http_addr", cfg.httpListenAddr),
	)

	<-ctx.Done()

	logger.Info("buildmesh orchestrator shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, e := range pool.List() {
		if e.Dispatcher != nil {
			if err := e.Dispatcher.Exit(shutdownCtx, "orchestrator shutting down"); err != nil {
				logger.Warn("failed to notify worker of shutdown", zap.String("worker_location", e.Location), zap.Error(err))
			}
			_ = e.Dispatcher.Close()
		}
	}
	_ = httpServer.Shutdown(shutdownCtx)
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
