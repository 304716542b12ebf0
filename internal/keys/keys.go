// Package keys owns the printer's RSA identity key: generation, loading
// from disk, public key export and challenge signing.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
)

const keyBits = 2048

var (
	ErrNoKey      = errors.New("signing key unavailable")
	ErrInvalidKey = errors.New("key file does not contain an RSA private key")
)

type Manager struct {
	mu        sync.RWMutex
	path      string
	key       *rsa.PrivateKey
	publicPEM string
	logger    *slog.Logger
}

func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{path: path, logger: logger}
}

// Ensure loads the key file, generating it first when it is missing or when
// forceRegen is set. An empty file found during a forced regeneration is
// replaced.
func (m *Manager) Ensure(forceRegen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if forceRegen || !fileExists(m.path) {
		if err := m.generate(); err != nil {
			m.key = nil
			return err
		}
	}

	key, err := readKey(m.path)
	if err != nil {
		m.key = nil
		m.publicPEM = ""
		return err
	}

	pub, err := exportPublic(&key.PublicKey)
	if err != nil {
		m.key = nil
		m.publicPEM = ""
		return err
	}

	m.key = key
	m.publicPEM = pub
	m.logger.Debug("signing key loaded", "path", m.path, "fingerprint", fingerprint(&key.PublicKey))
	return nil
}

// EnsureWithRetry is the registration path: load, and regenerate once if the
// existing key is unusable.
func (m *Manager) EnsureWithRetry() error {
	err := m.Ensure(false)
	if err == nil {
		return nil
	}
	m.logger.Warn("signing key unreadable, generating a new one", "error", err)
	return m.Ensure(true)
}

func (m *Manager) generate() error {
	m.logger.Info("generating key pair", "bits", keyBits)

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(m.path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(m.path, 0o600); err != nil {
		return fmt.Errorf("chmod key: %w", err)
	}
	return nil
}

func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key != nil
}

// PublicKeyPEM returns the SubjectPublicKeyInfo PEM sent at registration.
func (m *Manager) PublicKeyPEM() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return "", ErrNoKey
	}
	return m.publicPEM, nil
}

// Sign returns the base64 PKCS#1 v1.5 signature of the SHA-256 digest of challenge.
func (m *Manager) Sign(challenge []byte) (string, error) {
	m.mu.RLock()
	key := m.key
	m.mu.RUnlock()
	if key == nil {
		return "", ErrNoKey
	}

	digest := sha256.Sum256(challenge)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (m *Manager) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return ""
	}
	return fingerprint(&m.key.PublicKey)
}

func readKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func exportPublic(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("export public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func fingerprint(pub *rsa.PublicKey) string {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(sshPub)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
