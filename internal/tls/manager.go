package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/util"
)

var ErrNoCertificate = errors.New("no TLS certificate available")

// TLSManager picks a certificate source: ACME, configured files, or (outside
// production only) a generated self-signed pair.
type TLSManager struct {
	cfg        config.ServerConfig
	production bool
	autoCert   *autocert.Manager

	once sync.Once
	cert *tls.Certificate
	err  error
}

func NewTLSManager(cfg config.ServerConfig, production bool) *TLSManager {
	manager := &TLSManager{cfg: cfg, production: production}
	if cfg.AutoCert && cfg.EnableTLS {
		manager.setupAutoCert()
	}
	return manager
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0o700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.cfg.Domain),
		zap.String("cache_dir", m.cfg.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert lookup failed, using static certificate",
			zap.String("server_name", hello.ServerName),
			zap.Error(err))
	}
	return m.staticCertificate()
}

// staticCertificate is loaded once; file rotation needs a restart.
func (m *TLSManager) staticCertificate() (*tls.Certificate, error) {
	m.once.Do(func() {
		if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
			if err == nil {
				m.cert = &cert
				return
			}
			util.Warn("Failed to load TLS key pair", zap.String("cert_file", m.cfg.CertFile), zap.Error(err))
		}

		if m.production {
			m.err = ErrNoCertificate
			return
		}

		hosts := []string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"}
		cert, err := NewDevCertGenerator(m.cfg.AutoCertDir).GenerateCert(hosts)
		if err != nil {
			m.err = fmt.Errorf("failed to generate self-signed certificate: %w", err)
			return
		}
		m.cert = &cert
	})
	return m.cert, m.err
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
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

// GetAutocertManager returns nil unless ACME is enabled. The server mounts
// its HTTPHandler on the plain port for http-01 challenges.
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
