package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
)

func TestGenerateSelfSignedCertProducesUsableConfig(t *testing.T) {
	cfg, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly 1 certificate, got %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("expected the config to require at least TLS 1.2, got min=%x", cfg.MinVersion)
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse generated leaf certificate: %v", err)
	}
	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("expected common name localhost, got %q", leaf.Subject.CommonName)
	}
}

func TestGenerateSelfSignedCertHandshakesAsServer(t *testing.T) {
	cfg, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}

	clientCfg := &tls.Config{InsecureSkipVerify: true}
	cpipe, spipe := net.Pipe()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- tls.Server(spipe, cfg).Handshake()
	}()

	clientErr := tls.Client(cpipe, clientCfg).Handshake()
	if clientErr != nil {
		t.Fatalf("client handshake failed: %v", clientErr)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}
}
