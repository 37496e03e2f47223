package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"peerlend/services/lendingd/config"
)

// TLSConfig builds the listener TLS configuration. It returns nil when the
// daemon is allowed to serve plaintext and no certificate is configured.
func TLSConfig(cfg config.TLSConfig, allowedClientCNs []string) (*tls.Config, error) {
	certPath := strings.TrimSpace(cfg.CertPath)
	keyPath := strings.TrimSpace(cfg.KeyPath)
	clientCAPath := strings.TrimSpace(cfg.ClientCAPath)

	if certPath == "" || keyPath == "" {
		if len(allowedClientCNs) > 0 {
			return nil, fmt.Errorf("mtls requires server certificate, key, and client ca configuration")
		}
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls certificate and key are required")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	if clientCAPath != "" {
		pem, err := os.ReadFile(clientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
	}

	switch {
	case len(allowedClientCNs) > 0:
		if tlsCfg.ClientCAs == nil {
			return nil, fmt.Errorf("client ca bundle required for mtls")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		tlsCfg.VerifyConnection = commonNameVerifier(allowedClientCNs)
	case tlsCfg.ClientCAs != nil:
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	default:
		tlsCfg.ClientAuth = tls.NoClientCert
	}
	return tlsCfg, nil
}

func commonNameVerifier(names []string) func(tls.ConnectionState) error {
	allowed := make(map[string]struct{}, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return func(cs tls.ConnectionState) error {
		for _, chain := range cs.VerifiedChains {
			if len(chain) == 0 {
				continue
			}
			if _, ok := allowed[strings.TrimSpace(chain[0].Subject.CommonName)]; ok {
				return nil
			}
		}
		return fmt.Errorf("client certificate common name not allowed")
	}
}
