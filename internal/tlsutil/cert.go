// SPDX-License-Identifier: MIT

// Package tlsutil generates the self-signed certificate pair used when the
// proxy serves HTTPS without operator-provided certificates. Licensing
// clients on isolated networks are typically configured to trust it.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultCertPath is where a generated certificate lands.
	DefaultCertPath = "certs/frlproxy.crt"
	// DefaultKeyPath is where a generated private key lands.
	DefaultKeyPath = "certs/frlproxy.key"

	validityYears = 10
)

// EnsureCertificates returns an existing certificate pair, generating a
// self-signed one when either file is missing. An incomplete pair is
// regenerated as a whole.
func EnsureCertificates(certPath, keyPath string, logger zerolog.Logger) (string, string, error) {
	if certPath == "" {
		certPath = DefaultCertPath
	}
	if keyPath == "" {
		keyPath = DefaultKeyPath
	}

	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)
	if certExists && keyExists {
		return certPath, keyPath, nil
	}
	if certExists || keyExists {
		logger.Warn().
			Bool("cert_exists", certExists).
			Bool("key_exists", keyExists).
			Msg("incomplete certificate pair, regenerating both")
	}

	logger.Info().
		Str("event", "tls.generate").
		Str("cert", certPath).
		Str("key", keyPath).
		Msg("generating self-signed certificate")

	if err := GenerateSelfSigned(certPath, keyPath, hostnames()); err != nil {
		return "", "", fmt.Errorf("generate self-signed certificate: %w", err)
	}
	return certPath, keyPath, nil
}

// GenerateSelfSigned writes an ECDSA P-256 certificate and key valid for
// localhost plus the given DNS names.
func GenerateSelfSigned(certPath, keyPath string, dnsNames []string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o750); err != nil {
		return fmt.Errorf("create cert directory: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"frlproxy Self-Signed"},
			CommonName:   "frlproxy",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(validityYears, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			net.ParseIP("127.0.0.1"),
			net.ParseIP("::1"),
		},
		DNSNames: dedupe(append([]string{"localhost", "frlproxy"}, dnsNames...)),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return writePEM(keyPath, "EC PRIVATE KEY", keyBytes, 0o600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	// #nosec G304 -- paths come from operator configuration
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// hostnames returns the machine's hostname for the certificate SANs.
// Licensing clients address the proxy by the hostname baked into their
// operating configuration.
func hostnames() []string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return nil
	}
	return []string{name}
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
