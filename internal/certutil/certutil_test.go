package certutil

import (
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSelfSigned(t *testing.T) {
	cert, err := SelfSigned("shell.example", []string{"10.1.2.3", "alt.example"}, time.Hour)
	if err != nil {
		t.Fatalf("SelfSigned failed: %v", err)
	}

	if cert.Certificate == nil || cert.PrivateKey == nil {
		t.Fatal("certificate or key is nil")
	}
	if len(cert.CertPEM) == 0 || len(cert.KeyPEM) == 0 {
		t.Fatal("PEM output is empty")
	}
	if cert.Certificate.Subject.CommonName != "shell.example" {
		t.Errorf("CommonName = %q", cert.Certificate.Subject.CommonName)
	}
	if cert.Certificate.IsCA {
		t.Error("server certificate should not be a CA")
	}

	if err := cert.Certificate.VerifyHostname("alt.example"); err != nil {
		t.Errorf("VerifyHostname(alt.example) error = %v", err)
	}
	if err := cert.Certificate.VerifyHostname("localhost"); err != nil {
		t.Errorf("VerifyHostname(localhost) error = %v", err)
	}

	foundIP := false
	for _, ip := range cert.Certificate.IPAddresses {
		if ip.Equal(net.ParseIP("10.1.2.3")) {
			foundIP = true
		}
	}
	if !foundIP {
		t.Errorf("IP SAN missing: %v", cert.Certificate.IPAddresses)
	}

	hasServerAuth := false
	for _, u := range cert.Certificate.ExtKeyUsage {
		if u == x509.ExtKeyUsageServerAuth {
			hasServerAuth = true
		}
	}
	if !hasServerAuth {
		t.Error("ServerAuth ext key usage missing")
	}
}

func TestSelfSigned_DefaultValidity(t *testing.T) {
	cert, err := SelfSigned("localhost", nil, 0)
	if err != nil {
		t.Fatalf("SelfSigned failed: %v", err)
	}
	if left := time.Until(cert.Certificate.NotAfter); left < DefaultValidity-time.Hour {
		t.Errorf("validity = %v, want about %v", left, DefaultValidity)
	}
}

func TestSaveAndLoadCert(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "tls", "node.crt")
	keyPath := filepath.Join(tmpDir, "tls", "node.key")

	cert, err := SelfSigned("localhost", nil, time.Hour)
	if err != nil {
		t.Fatalf("SelfSigned failed: %v", err)
	}
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles failed: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat key file failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Key file permissions = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadCert(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadCert failed: %v", err)
	}
	if loaded.Fingerprint() != cert.Fingerprint() {
		t.Error("Loaded certificate fingerprint mismatch")
	}
	if len(cert.Fingerprint()) < 10 || cert.Fingerprint()[:7] != "sha256:" {
		t.Errorf("Fingerprint format invalid: %s", cert.Fingerprint())
	}
}

func TestParseCert_Errors(t *testing.T) {
	cert, err := SelfSigned("localhost", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		certPEM []byte
		keyPEM  []byte
	}{
		{"empty cert", nil, cert.KeyPEM},
		{"empty key", cert.CertPEM, nil},
		{"garbage cert", []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), cert.KeyPEM},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseCert(tc.certPEM, tc.keyPEM); err == nil {
				t.Error("ParseCert() should fail")
			}
		})
	}
}

func TestServerTLSConfig(t *testing.T) {
	cfg, cert, err := ServerTLSConfig("", "", "localhost")
	if err != nil {
		t.Fatalf("ServerTLSConfig() self-signed error = %v", err)
	}
	if len(cfg.Certificates) != 1 || cert == nil {
		t.Fatalf("config = %+v", cfg)
	}

	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatal(err)
	}
	_, loaded, err := ServerTLSConfig(certPath, keyPath, "ignored")
	if err != nil {
		t.Fatalf("ServerTLSConfig() from files error = %v", err)
	}
	if loaded.Fingerprint() != cert.Fingerprint() {
		t.Error("loaded a different certificate")
	}

	if _, _, err := ServerTLSConfig(certPath, "", ""); err == nil {
		t.Error("ServerTLSConfig() with only a cert file should fail")
	}
}
