// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	errLoadCerts    = errors.New("failed to load certificates")
	errLoadClientCA = errors.New("failed to load client CA")
	errAppendCA     = errors.New("failed to append CA certificate")
)

// LoadTLSConfig builds a server TLS configuration. clientAuth is one of
// "none", "request" or "require"; the latter two need caFile.
func LoadTLSConfig(certFile, keyFile, caFile, clientAuth string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	switch clientAuth {
	case "", "none":
		return cfg, nil
	case "request":
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	case "require":
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unknown client auth mode %q", clientAuth)
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Join(errLoadClientCA, err)
	}
	cfg.ClientCAs = x509.NewCertPool()
	if !cfg.ClientCAs.AppendCertsFromPEM(pem) {
		return nil, errAppendCA
	}
	return cfg, nil
}
