// Package vault stores secrets encrypted at rest and derives the redaction
// table used to scrub query history and LLM traffic. Plaintext exists only
// inside this package's decryption boundary.
package vault

import (
	"crypto/sha256"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"aishell/internal/fault"
)

const (
	saltLength = 32
	keyLength  = chacha20poly1305.KeySize

	// MinKDFIterations is the floor for PBKDF2-SHA256. Configs may raise
	// it, never lower it.
	MinKDFIterations = 100_000
)

// Keystore resolves the named OS keystore entry to master-key material.
// The vault fails closed when the entry is absent: it never generates key
// material silently, because a silently generated key would decrypt nothing
// written before it and mask the misconfiguration.
type Keystore interface {
	Secret(entry string) ([]byte, error)
}

// FileKeystore reads entries from owner-only files under a directory,
// standing in for a platform keychain on headless systems.
type FileKeystore struct {
	dir string
}

// NewFileKeystore creates a keystore rooted at dir.
func NewFileKeystore(dir string) *FileKeystore {
	return &FileKeystore{dir: dir}
}

// Secret returns the raw entry bytes, or KeystoreUnavailable if missing.
func (k *FileKeystore) Secret(entry string) ([]byte, error) {
	if entry == "" {
		return nil, fault.New(fault.KindKeystoreUnavailable, "keystore entry name is empty")
	}
	data, err := os.ReadFile(filepath.Join(k.dir, entry))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Errorf(fault.KindKeystoreUnavailable,
				"keystore entry %q not found; create it before first use", entry)
		}
		return nil, fault.Wrap(fault.KindKeystoreUnavailable, err, "reading keystore entry")
	}
	if len(data) == 0 {
		return nil, fault.Errorf(fault.KindKeystoreUnavailable, "keystore entry %q is empty", entry)
	}
	return data, nil
}

// deriveKey stretches the keystore secret into the vault master key.
// The salt persists beside the vault file so the same key is derived on
// every start.
func deriveKey(secret, salt []byte, iterations int) []byte {
	if iterations < MinKDFIterations {
		iterations = MinKDFIterations
	}
	return pbkdf2.Key(secret, salt, iterations, keyLength, sha256.New)
}
