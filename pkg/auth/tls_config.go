package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"

	"socialbox/pkg/config"
)

// TLSConfigBuilder builds the TLS configurations for the RPC listener and
// for calls to remote servers.
type TLSConfigBuilder struct {
	config config.SecurityConfig
}

// NewTLSConfigBuilder creates a builder from the security settings.
func NewTLSConfigBuilder(cfg config.SecurityConfig) (*TLSConfigBuilder, error) {
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("tls certificate and key must be configured together")
	}
	switch cfg.MinTLSVersion {
	case "", "1.2", "1.3":
	default:
		return nil, fmt.Errorf("unsupported minimum TLS version %q", cfg.MinTLSVersion)
	}
	return &TLSConfigBuilder{config: cfg}, nil
}

// ServerEnabled reports whether the listener should use TLS.
func (b *TLSConfigBuilder) ServerEnabled() bool {
	return b.config.TLSCertFile != ""
}

// BuildServerConfig returns nil when no certificate is configured; TLS is
// then expected to terminate in front of the server.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	if !b.ServerEnabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(b.config.TLSCertFile, b.config.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   b.getTLSVersion(),
		CipherSuites: b.getCipherSuites(),
	}, nil
}

// ServerCredentials wraps BuildServerConfig for grpc. It returns nil when
// TLS is not configured.
func (b *TLSConfigBuilder) ServerCredentials() (credentials.TransportCredentials, error) {
	cfg, err := b.BuildServerConfig()
	if err != nil || cfg == nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// BuildClientConfig returns the config for dialing https endpoints. The
// system roots are used, plus the configured CA file if any.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:   b.getTLSVersion(),
		CipherSuites: b.getCipherSuites(),
	}

	if b.config.TLSCAFile != "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if err := b.appendCA(pool, b.config.TLSCAFile); err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func (b *TLSConfigBuilder) appendCA(pool *x509.CertPool, path string) error {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	return nil
}

func (b *TLSConfigBuilder) getTLSVersion() uint16 {
	if b.config.MinTLSVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// getCipherSuites only affects TLS 1.2; TLS 1.3 suites are fixed.
func (b *TLSConfigBuilder) getCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}
