// Package tls builds the server TLS configuration from certificate files, ACME or,
// outside production, a self-signed development certificate.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

type TLSConfig struct {
	CertFile    string
	KeyFile     string
	AutoCert    bool
	Domain      string
	AutoCertDir string
	Email       string
	Production  bool
}

// TLSManager serves the current certificate. File certificates are reloaded when the
// certificate file changes on disk.
type TLSManager struct {
	config   TLSConfig
	autoCert *autocert.Manager
	logger   *zap.Logger

	mu       sync.Mutex
	cert     *tls.Certificate
	loadedAt time.Time
}

func NewTLSManager(config TLSConfig, logger *zap.Logger) (*TLSManager, error) {
	m := &TLSManager{config: config, logger: logger}

	switch {
	case config.AutoCert:
		if config.Domain == "" {
			return nil, errors.New("autocert requires a domain")
		}
		if err := os.MkdirAll(config.AutoCertDir, 0700); err != nil {
			return nil, fmt.Errorf("could not create autocert directory: %w", err)
		}
		m.autoCert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(config.Domain),
			Cache:      autocert.DirCache(config.AutoCertDir),
			Email:      config.Email,
		}
		logger.Info("AutoCert configured",
			zap.String("domain", config.Domain),
			zap.String("cache_dir", config.AutoCertDir))
	case config.CertFile != "" && config.KeyFile != "":
		if _, err := m.fileCertificate(); err != nil {
			return nil, err
		}
	case config.Production:
		return nil, errors.New("TLS certificate files are required in production")
	default:
		cert, err := selfSignedCert([]string{"localhost", "127.0.0.1", "::1"})
		if err != nil {
			return nil, err
		}
		m.cert = &cert
		logger.Warn("Using a generated self-signed certificate")
	}
	return m, nil
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		return m.autoCert.GetCertificate(hello)
	}
	if m.config.CertFile != "" {
		return m.fileCertificate()
	}
	return m.cert, nil
}

// fileCertificate returns the cached file certificate, reloading it after rotation.
// A failed reload keeps serving the previous certificate.
func (m *TLSManager) fileCertificate() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := os.Stat(m.config.CertFile)
	if err != nil {
		if m.cert != nil {
			return m.cert, nil
		}
		return nil, fmt.Errorf("failed to stat certificate: %w", err)
	}
	if m.cert != nil && !info.ModTime().After(m.loadedAt) {
		return m.cert, nil
	}

	cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		if m.cert != nil {
			m.logger.Error("Failed to reload certificate, keeping previous one", zap.Error(err))
			return m.cert, nil
		}
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	m.cert = &cert
	m.loadedAt = info.ModTime()
	m.logger.Info("TLS certificate loaded", zap.String("cert_file", m.config.CertFile))
	return m.cert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	nextProtos := []string{"h2", "http/1.1"}
	if m.autoCert != nil {
		nextProtos = append(nextProtos, acme.ALPNProto)
	}
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     nextProtos,
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func selfSignedCert(hosts []string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"Outbound Rate Limiter Development"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(30 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
