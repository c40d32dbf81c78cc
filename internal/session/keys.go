package session

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// KeyPair is the server's long-term RSA identity.
type KeyPair struct {
	Private *rsa.PrivateKey
}

// GenerateKeyPair creates a fresh key pair.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{Private: priv}, nil
}

// LoadOrCreateKeyPair loads the PEM key at path, or generates one and writes
// it there. created reports whether a new key was generated.
func LoadOrCreateKeyPair(path string, bits int) (kp *KeyPair, created bool, err error) {
	kp, err = loadKeyPair(path)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	kp, err = GenerateKeyPair(bits)
	if err != nil {
		return nil, false, err
	}
	if err := kp.save(path); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

func loadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("no RSA private key in %s", path)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key %s: %w", path, err)
	}
	return &KeyPair{Private: priv}, nil
}

func (k *KeyPair) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k.Private)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}
	return nil
}

// PublicDER is the PKIX encoding sent to clients in the first handshake step.
func (k *KeyPair) PublicDER() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&k.Private.PublicKey)
}

// ParsePublicKey decodes a PKIX RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("server key is %T, not RSA", pub)
	}
	return rsaPub, nil
}

// Fingerprint is a short hex digest of a public key for display and pinning.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:32]
}
