// =============================================================================
// TLS - TRANSPORT SECURITY FOR THE MANAGEMENT AND HEALTH LISTENERS
// =============================================================================
//
// ┌─────────────────────────────────────────────────────────────────────────────┐
// │ One TLSConfig serves both listeners: the HTTP management API and the gRPC   │
// │ health service. API keys travel in headers, so any deployment that turns    │
// │ on authentication should turn this on too.                                  │
// │                                                                             │
// │ CERTIFICATE SOURCES (first match wins):                                     │
// │   1. CertFile + KeyFile                                                     │
// │   2. SelfSigned: an in-memory ECDSA P-256 certificate for development       │
// │                                                                             │
// │ CLIENT AUTH:                                                                │
// │   none | request | require | verify | require-verify                        │
// │   The verify modes need CAFile.                                             │
// └─────────────────────────────────────────────────────────────────────────────┘
//
// =============================================================================

package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// TLSConfig holds listener TLS settings.
type TLSConfig struct {
	Enabled bool

	CertFile string
	KeyFile  string

	// CAFile verifies client certificates.
	CAFile string

	// ClientAuth is one of none, request, require, verify, require-verify.
	ClientAuth string

	// MinVersion is "1.2" or "1.3". TLS 1.2 is the floor regardless.
	MinVersion string

	// SelfSigned generates a certificate when no files are given.
	SelfSigned bool

	// Hosts are the DNS names and IPs of a self-signed certificate.
	Hosts []string
}

// ParseClientAuth maps a config string to a tls.ClientAuthType.
func ParseClientAuth(s string) (tls.ClientAuthType, error) {
	switch s {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAnyClientCert, nil
	case "verify":
		return tls.VerifyClientCertIfGiven, nil
	case "require-verify":
		return tls.RequireAndVerifyClientCert, nil
	}
	return tls.NoClientCert, fmt.Errorf("unknown client auth %q", s)
}

// ServerTLS builds the listener tls.Config. A disabled config returns nil.
func (c TLSConfig) ServerTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	clientAuth, err := ParseClientAuth(c.ClientAuth)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: clientAuth,
	}
	switch c.MinVersion {
	case "", "1.2":
	case "1.3":
		cfg.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS min version %q", c.MinVersion)
	}

	var cert tls.Certificate
	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
	case c.SelfSigned:
		cert, err = SelfSignedCert(c.Hosts, 365*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
	default:
		return nil, errors.New("TLS enabled but no certificate provided")
	}
	cfg.Certificates = []tls.Certificate{cert}

	if c.CAFile != "" {
		caPEM, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("failed to parse CA cert")
		}
		cfg.ClientCAs = pool
	} else if clientAuth == tls.VerifyClientCertIfGiven || clientAuth == tls.RequireAndVerifyClientCert {
		return nil, fmt.Errorf("client auth %q needs a CA file", c.ClientAuth)
	}

	return cfg, nil
}

// SelfSignedCert creates an ECDSA P-256 certificate for hosts. localhost and
// the loopback addresses are always included.
func SelfSignedCert(hosts []string, validFor time.Duration) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"addrbroker development"},
			CommonName:   "addrbroker",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
}
