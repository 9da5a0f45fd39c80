package security

import (
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecurity is returned when a peer certificate check fails. The offending
// operation must be abandoned without state changes.
var ErrSecurity = errors.New("security: peer certificate check failed")

// NormalizePEM parses a PEM certificate and re-encodes it, so that two
// encodings of the same certificate compare equal regardless of line
// wrapping or surrounding text.
func NormalizePEM(cert string) (string, error) {
	block, _ := pem.Decode([]byte(cert))
	if block == nil || block.Type != "CERTIFICATE" {
		return "", fmt.Errorf("security: no certificate PEM block found")
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("security: failed to parse certificate: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: parsed.Raw,
	})), nil
}

// CertToPEM encodes a parsed certificate as PEM.
func CertToPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}))
}

// StripHeaderCert undoes the proxy header encoding of a forwarded PEM
// certificate. Nginx prefixes continuation lines with tabs to fit the
// certificate into a header value; a PEM certificate never contains tabs,
// so removing them is safe.
func StripHeaderCert(headerValue string) string {
	return strings.ReplaceAll(headerValue, "\t", "")
}

// CertsDiffer compares two PEM certificates after normalization using a
// constant-time byte comparison. With enforce false (TLS disabled) it always
// reports equality. With enforce true, an empty certificate on either side
// is a security error.
func CertsDiffer(certA, certB string, enforce bool) (bool, error) {
	if !enforce {
		return false, nil
	}
	if len(certA) == 0 || len(certB) == 0 {
		return true, ErrSecurity
	}

	normA, err := NormalizePEM(certA)
	if err != nil {
		return true, err
	}
	normB, err := NormalizePEM(certB)
	if err != nil {
		return true, err
	}

	return !constantTimeEqual(normA, normB), nil
}

// constantTimeEqual reports string equality in time independent of the
// position of the first mismatching byte. It short-circuits on length, which
// is acceptable for certificates of known encoding.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ClientTLSConfig builds the TLS configuration for outbound RESTQP requests:
// it presents the local certificate and trusts the configured CA list.
func ClientTLSConfig(certPath, keyPath, caListPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("security: failed to load client key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	if caListPath != "" {
		pool, err := loadCertPool(caListPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// ServerTLSConfig builds the TLS configuration for the ingress: it serves
// the local certificate and requests (and verifies, when a CA list is
// given) the client certificate.
func ServerTLSConfig(certPath, keyPath, caListPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("security: failed to load server key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
	}
	if caListPath != "" {
		pool, err := loadCertPool(caListPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("security: failed to read CA list: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("security: no certificates found in CA list %s", path)
	}
	return pool, nil
}
