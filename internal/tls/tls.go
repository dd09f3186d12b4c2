package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrIncompleteKeyPair is returned when only one of CertFile and KeyFile is set.
var ErrIncompleteKeyPair = errors.New("tls: cert file and key file must be set together")

// Config names the certificate material for one side of a connection.
type Config struct {
	CertFile string
	KeyFile  string
	// CAFile is the trust bundle: client CAs for a listener, root CAs for a client.
	CAFile     string
	ServerName string
}

// Enabled reports whether any TLS material is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.CAFile != "" || c.ServerName != ""
}

// Server builds the listener configuration. Setting CAFile makes client
// certificates mandatory.
func Server(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, ErrIncompleteKeyPair
	}
	certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = pool
		serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return serverConfig, nil
}

// Client builds the configuration for calls to upstream services.
func Client(cfg Config) (*tls.Config, error) {
	clientConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, ErrIncompleteKeyPair
		}
		certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		clientConfig.Certificates = []tls.Certificate{certificate}
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		clientConfig.RootCAs = pool
	}
	return clientConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("ca bundle path must be absolute: %q", path)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", cleanPath)
	}
	return pool, nil
}
