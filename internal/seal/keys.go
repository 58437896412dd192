package seal

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const (
	sealKeyFile = "seal.key"
	sealPubFile = "seal.pub"

	hkdfInfo = "trustsubstrate evidence seal v1"
)

// KeyManager holds the platform sealing key. The key is either persisted as
// PKCS#8 PEM in a directory, created on first run, or derived from a secret.
type KeyManager struct {
	dir  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewKeyManager returns a KeyManager that stores the key files in dir.
func NewKeyManager(dir string) *KeyManager {
	return &KeyManager{dir: dir}
}

// DeriveKeyManager deterministically derives the sealing key from secret
// with HKDF-SHA256. The same secret always yields the same key.
func DeriveKeyManager(secret []byte) (*KeyManager, error) {
	if len(secret) < 16 {
		return nil, errors.New("seal secret must be at least 16 bytes")
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), seed); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyManager{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrCreate loads the key from disk if it exists; creates a new one otherwise.
func (m *KeyManager) LoadOrCreate() error {
	if err := m.Load(); err == nil {
		return nil
	}
	return m.Create()
}

// Load reads an existing private key from the configured directory.
func (m *KeyManager) Load() error {
	keyPEM, err := os.ReadFile(filepath.Join(m.dir, sealKeyFile))
	if err != nil {
		return fmt.Errorf("read seal key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return errors.New("seal key: no PRIVATE KEY block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse seal key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("seal key is %T, want ed25519", parsed)
	}
	m.priv = priv
	m.pub = priv.Public().(ed25519.PublicKey)
	return nil
}

// Create generates a new Ed25519 key, saves it to disk, and activates it.
func (m *KeyManager) Create() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create seal key dir %q: %w", m.dir, err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate seal key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal seal key: %w", err)
	}
	m.priv, m.pub = priv, pub

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(m.dir, sealKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write seal key: %w", err)
	}
	pubPEM, err := m.PublicKeyPEM()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(m.dir, sealPubFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("write seal public key: %w", err)
	}
	return nil
}

// PublicKey returns the verification key.
func (m *KeyManager) PublicKey() ed25519.PublicKey { return m.pub }

// KeyID identifies the key: the first 16 hex characters of SHA-256 over the
// raw public key.
func (m *KeyManager) KeyID() string { return KeyID(m.pub) }

// PublicKeyPEM returns the public key as PKIX PEM, for auditors.
func (m *KeyManager) PublicKeyPEM() ([]byte, error) {
	if m.pub == nil {
		return nil, errors.New("seal key not loaded")
	}
	der, err := x509.MarshalPKIXPublicKey(m.pub)
	if err != nil {
		return nil, fmt.Errorf("marshal seal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (m *KeyManager) loaded() bool { return m.priv != nil }

// KeyID returns the identifier of pub.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// ParsePublicKeyPEM decodes a PKIX PEM Ed25519 public key.
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("no PUBLIC KEY block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ed25519", parsed)
	}
	return pub, nil
}
