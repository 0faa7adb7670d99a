// Package credentials resolves the TLS key material and bearer token a
// Channel needs to dial its peer (spec §4.2). It is a pure lookup over
// configuration — no network calls, no side effects beyond reading the
// files the configuration points at.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Config mirrors the tunables spec §6 lists for encryption/auth.
type Config struct {
	// CertificateSubjectName, if non-empty, enables TLS. The server name
	// override used for certificate verification.
	CertificateSubjectName string
	// TokenPath, if it resolves to a non-empty file, enables bearer-token
	// authentication (only meaningful when encryption is also enabled).
	TokenPath string

	// RootPEMPath / CertPEMPath / KeyPEMPath point at the CA root, the
	// local leaf certificate, and its private key respectively. All three
	// are required for mTLS; RootPEMPath alone is enough for server-auth
	// only TLS.
	RootPEMPath string
	CertPEMPath string
	KeyPEMPath  string
}

// Resolved is what the Channel actually dials with.
type Resolved struct {
	// TransportCredentials is either insecure.NewCredentials() or a TLS
	// credential built from the configured PEM material.
	TransportCredentials credentials.TransportCredentials
	// EncryptionEnabled mirrors spec §4.2's definition: true iff a
	// subject name is configured and the certificate material loaded.
	EncryptionEnabled bool
	// AuthenticationEnabled is true iff encryption is enabled AND a
	// non-empty token was read from TokenPath.
	AuthenticationEnabled bool
	// CallToken is the bearer token attached to every outgoing call's
	// "authorization" header when AuthenticationEnabled is true.
	CallToken string
}

// Provider resolves credentials for a given peer configuration. The
// zero value is usable.
type Provider struct {
	logger *zap.Logger
}

// New creates a Provider. A nil logger falls back to zap.NewNop().
func New(logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{logger: logger.Named("credentials")}
}

// Resolve implements spec §4.2 exactly: a missing certificate or
// unreadable token downgrades to insecure with a warning, never fatal
// at this layer — callers that require encryption enforce that at a
// higher level (e.g. refusing to start without CertificateSubjectName
// in a production config).
func (p *Provider) Resolve(cfg Config) Resolved {
	if cfg.CertificateSubjectName == "" {
		return Resolved{TransportCredentials: insecure.NewCredentials()}
	}

	tlsConfig, err := p.buildTLSConfig(cfg)
	if err != nil {
		p.logger.Warn("falling back to insecure transport: failed to load TLS material",
			zap.String("subject_name", cfg.CertificateSubjectName),
			zap.Error(err),
		)
		return Resolved{TransportCredentials: insecure.NewCredentials()}
	}

	resolved := Resolved{
		TransportCredentials: credentials.NewTLS(tlsConfig),
		EncryptionEnabled:    true,
	}

	token, err := p.loadToken(cfg.TokenPath)
	if err != nil {
		p.logger.Warn("authentication disabled: failed to read token file",
			zap.String("token_path", cfg.TokenPath),
			zap.Error(err),
		)
		return resolved
	}
	if token == "" {
		return resolved
	}

	resolved.AuthenticationEnabled = true
	resolved.CallToken = token
	return resolved
}

func (p *Provider) buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName: cfg.CertificateSubjectName,
	}

	if cfg.RootPEMPath != "" {
		rootPEM, err := os.ReadFile(cfg.RootPEMPath)
		if err != nil {
			return nil, fmt.Errorf("credentials: read root PEM: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(rootPEM) {
			return nil, fmt.Errorf("credentials: no certificates found in %s", cfg.RootPEMPath)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertPEMPath != "" && cfg.KeyPEMPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPEMPath, cfg.KeyPEMPath)
		if err != nil {
			return nil, fmt.Errorf("credentials: load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// loadToken reads and validates the bearer token file. The token is
// expected to be a signed JWT whose claims are opaque to this layer —
// Resolve only checks that it parses as well-formed. The signature is
// not verified anywhere: the server-side token check in shared/transport
// compares the raw string, not the JWT claims, per spec §4.6's
// "provided token != expected token" wording.
func (p *Provider) loadToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("credentials: read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", nil
	}
	if _, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{}); err != nil {
		return "", fmt.Errorf("credentials: token is not a well-formed JWT: %w", err)
	}
	return token, nil
}
