// Package tls builds server TLS configuration for the public and gRPC
// listeners.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotConfigured is returned when no certificate is configured.
var ErrNotConfigured = errors.New("tls certificate and key files are required")

// Config holds TLS configuration options.
type Config struct {
	// CertFile is the path to the PEM certificate chain.
	CertFile string `mapstructure:"cert_file"`
	// KeyFile is the path to the PEM private key.
	KeyFile string `mapstructure:"key_file"`
	// CAFile enables client certificate verification against this bundle.
	CAFile string `mapstructure:"ca_file"`
	// ClientAuth is one of none, request, verify_if_given or require.
	ClientAuth string `mapstructure:"client_auth"`
	// MinVersion is "1.2" or "1.3". Empty means TLS 1.2.
	MinVersion string `mapstructure:"min_version"`
}

// Enabled reports whether a certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// ServerConfig creates a tls.Config for HTTP servers.
func ServerConfig(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, ErrNotConfigured
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	minVersion, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	clientAuth, err := parseClientAuth(cfg.ClientAuth)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   clientAuth,
		CipherSuites: preferredCipherSuites(),
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}

		tlsConfig.ClientCAs = caPool
		if tlsConfig.ClientAuth == tls.NoClientCert {
			tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
	}

	return tlsConfig, nil
}

// GRPCServerConfig creates a tls.Config for gRPC servers.
func GRPCServerConfig(cfg Config) (*tls.Config, error) {
	tlsConfig, err := ServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	tlsConfig.NextProtos = []string{"h2"}
	return tlsConfig, nil
}

func parseVersion(v string) (uint16, error) {
	switch strings.TrimSpace(v) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS min_version %q", v)
	}
}

func parseClientAuth(v string) (tls.ClientAuthType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "verify_if_given":
		return tls.VerifyClientCertIfGiven, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("unsupported TLS client_auth %q", v)
	}
}

// preferredCipherSuites returns the TLS 1.2 suites offered. TLS 1.3 suites
// are not configurable.
func preferredCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}
}
