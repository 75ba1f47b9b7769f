// Package identity manages the daemon's long-lived Ed25519 key pair.
//
// The key backs the mesh substrate's TLS certificate, so the
// fingerprint of the public key is the stable remote identity other
// daemons see for this one.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const pemType = "ED25519 PRIVATE KEY"

// EnsureKeys loads the Ed25519 key pair stored at keyPath, generating
// and persisting a fresh pair if the file does not exist.
//
// The private key is stored as a PKCS8-encoded PEM file with 0600
// permissions; the parent directory is created with 0700 if missing.
func EnsureKeys(keyPath string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, nil, fmt.Errorf("create key directory: %w", err)
	}

	if _, err := os.Stat(keyPath); err == nil {
		pub, priv, err := loadKeys(keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load identity keys: %w", err)
		}
		return pub, priv, nil
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("stat key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	if err := saveKeys(keyPath, priv); err != nil {
		return nil, nil, fmt.Errorf("save identity keys: %w", err)
	}
	return pub, priv, nil
}

// Fingerprint returns the stable identity string for an Ed25519 public
// key: the lowercase hex SHA256 of the raw key bytes.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func loadKeys(keyPath string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pemData, err := os.ReadFile(keyPath) //nolint:gosec // G304 - path from the private state directory
	if err != nil {
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode PEM block")
	}
	if block.Type != pemType {
		return nil, nil, fmt.Errorf("unexpected PEM block type: %s (expected %s)", block.Type, pemType)
	}

	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse PKCS8 private key: %w", err)
	}

	priv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("private key is not Ed25519 (got %T)", privKey)
	}

	return priv.Public().(ed25519.PublicKey), priv, nil
}

func saveKeys(keyPath string, priv ed25519.PrivateKey) error {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal PKCS8 private key: %w", err)
	}

	pemData := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: pkcs8})

	if err := os.WriteFile(keyPath, pemData, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
