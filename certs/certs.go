// Package certs generates and maintains the self-signed certificate pair
// used by the secure dispatcher transport: a local CA plus a server leaf
// signed by it. Material is persisted as PEM files and regenerated when
// missing, unreadable, or close to expiry.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// File names inside the certificate directory.
const (
	CAKeyFile  = "ca-key.pem"
	CACertFile = "ca.pem"
	KeyFile    = "key.pem"
	CertFile   = "cert.pem"
)

// Validity covers a year; a pair within RenewWindow of expiry is rebuilt.
const (
	Validity    = 365 * 24 * time.Hour
	RenewWindow = 30 * 24 * time.Hour
	keyBits     = 2048
)

// ErrNoCertificate is returned by Load when no usable pair exists on disk.
var ErrNoCertificate = errors.New("certs: no usable certificate pair")

// Config locates and labels the generated material.
type Config struct {
	// Dir holds the four PEM files.
	Dir string
	// Organization appears in both subjects.
	Organization string
	// Hosts are the DNS names and IP literals the leaf is valid for.
	Hosts  []string
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Dir == "" {
		c.Dir = "certs"
	}
	if c.Organization == "" {
		c.Organization = "VeilCrawl"
	}
	if len(c.Hosts) == 0 {
		c.Hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pair is a loaded server certificate with its issuing CA.
type Pair struct {
	Certificate tls.Certificate
	CACertPEM   []byte
	NotAfter    time.Time
}

// Ensure returns a valid certificate pair, generating or regenerating the
// on-disk material when needed.
func Ensure(cfg Config) (*Pair, error) {
	cfg.defaults()

	pair, err := Load(cfg.Dir)
	switch {
	case err == nil && time.Until(pair.NotAfter) > RenewWindow:
		return pair, nil
	case err == nil:
		cfg.Logger.Info("certificate near expiry, regenerating",
			"dir", cfg.Dir, "notAfter", pair.NotAfter)
	case errors.Is(err, ErrNoCertificate):
		cfg.Logger.Info("no certificate pair found, generating", "dir", cfg.Dir)
	default:
		return nil, err
	}

	if err := Generate(cfg); err != nil {
		return nil, err
	}
	return Load(cfg.Dir)
}

// Load reads the pair from dir. Missing or unparsable files yield
// ErrNoCertificate so callers can fall through to Generate.
func Load(dir string) (*Pair, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, CertFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCertificate, err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, KeyFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCertificate, err)
	}
	caPEM, err := os.ReadFile(filepath.Join(dir, CACertFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCertificate, err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCertificate, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCertificate, err)
	}
	if time.Now().After(leaf.NotAfter) {
		return nil, fmt.Errorf("%w: expired %s", ErrNoCertificate, leaf.NotAfter)
	}
	cert.Leaf = leaf

	return &Pair{Certificate: cert, CACertPEM: caPEM, NotAfter: leaf.NotAfter}, nil
}

// Generate writes a fresh CA and server leaf under cfg.Dir. Private keys
// are written with 0600 permissions.
func Generate(cfg Config) error {
	cfg.defaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("certs: mkdir: %w", err)
	}

	now := time.Now()

	caKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("certs: ca key: %w", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			CommonName:   cfg.Organization + " Local CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("certs: create ca: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return fmt.Errorf("certs: parse ca: %w", err)
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("certs: server key: %w", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			CommonName:   cfg.Hosts[0],
		},
		NotBefore:   now.Add(-time.Hour),
		NotAfter:    now.Add(Validity),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range cfg.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			leafTemplate.IPAddresses = append(leafTemplate.IPAddresses, ip)
		} else {
			leafTemplate.DNSNames = append(leafTemplate.DNSNames, h)
		}
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("certs: create server cert: %w", err)
	}

	files := []struct {
		name string
		blk  *pem.Block
		mode os.FileMode
	}{
		{CAKeyFile, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(caKey)}, 0o600},
		{CACertFile, &pem.Block{Type: "CERTIFICATE", Bytes: caDER}, 0o644},
		{KeyFile, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)}, 0o600},
		{CertFile, &pem.Block{Type: "CERTIFICATE", Bytes: leafDER}, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(cfg.Dir, f.name)
		if err := os.WriteFile(path, pem.EncodeToMemory(f.blk), f.mode); err != nil {
			return fmt.Errorf("certs: write %s: %w", f.name, err)
		}
	}

	cfg.Logger.Info("certificate pair generated",
		"dir", cfg.Dir, "hosts", cfg.Hosts, "notAfter", leafTemplate.NotAfter)
	return nil
}

func randomSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		panic("certs: crypto/rand failed: " + err.Error())
	}
	return serial
}
