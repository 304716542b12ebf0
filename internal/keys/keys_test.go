package keys

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestEnsureGeneratesAndSigns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "p3d_key")
	m := NewManager(path, nil)

	if _, err := m.Sign([]byte("x")); !errors.Is(err, ErrNoKey) {
		t.Fatalf("Sign before Ensure: %v", err)
	}

	if err := m.Ensure(false); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
		}
	}

	pubPEM, err := m.PublicKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(pubPEM, "-----BEGIN PUBLIC KEY-----") {
		t.Fatalf("unexpected public key PEM: %q", pubPEM)
	}
	block, _ := pem.Decode([]byte(pubPEM))
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	pub := parsed.(*rsa.PublicKey)

	challenge := []byte("welcome-nonce")
	sig64, err := m.Sign(challenge)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := base64.StdEncoding.DecodeString(sig64)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256(challenge)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}

	if !strings.HasPrefix(m.Fingerprint(), "SHA256:") {
		t.Errorf("fingerprint = %q", m.Fingerprint())
	}
}

func TestEnsureReusesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p3d_key")
	first := NewManager(path, nil)
	if err := first.Ensure(false); err != nil {
		t.Fatal(err)
	}
	second := NewManager(path, nil)
	if err := second.Ensure(false); err != nil {
		t.Fatal(err)
	}
	if first.Fingerprint() != second.Fingerprint() {
		t.Error("reloading the key file produced a different key")
	}
}

func TestEnsureWithRetryReplacesEmptyKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p3d_key")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path, nil)
	if err := m.Ensure(false); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Ensure on empty file = %v, want ErrInvalidKey", err)
	}
	if m.Loaded() {
		t.Fatal("empty key reported as loaded")
	}

	if err := m.EnsureWithRetry(); err != nil {
		t.Fatalf("EnsureWithRetry: %v", err)
	}
	if !m.Loaded() {
		t.Error("key not loaded after regeneration")
	}
}
