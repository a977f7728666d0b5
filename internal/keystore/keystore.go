package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrKeyMissing is returned when no storage key exists for an identity. The
// caller decides whether creating one is legitimate (fresh account) or a
// fatal login failure (database exists but its key is gone). The keystore
// itself never generates a replacement key implicitly.
var ErrKeyMissing = errors.New("storage key not found")

// Keystore supplies the per-identity storage-encryption key, keyed by the
// stable host-assigned identity identifier.
type Keystore interface {
	// LoadKey returns the identity's storage key, or ErrKeyMissing.
	LoadKey(identityID string) ([]byte, error)

	// EnsureKey returns the identity's storage key, creating a fresh one if
	// none exists yet.
	EnsureKey(identityID string) ([]byte, error)

	// DeleteKey removes the identity's storage key (logout-and-wipe flows).
	DeleteKey(identityID string) error
}

// File is a file-backed keystore: one 0600 key file per identity under a
// 0700 directory. Stands in for platform keychains behind the same interface.
type File struct {
	dir string
}

// NewFile creates a file-backed keystore rooted at dir.
func NewFile(dir string) *File {
	return &File{dir: dir}
}

func (f *File) path(identityID string) string {
	// Identity IDs are hex public keys; guard against path tricks anyway.
	name := strings.ReplaceAll(identityID, string(os.PathSeparator), "_")
	return filepath.Join(f.dir, name+".key")
}

// LoadKey implements Keystore.
func (f *File) LoadKey(identityID string) ([]byte, error) {
	raw, err := os.ReadFile(f.path(identityID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyMissing
	}
	if err != nil {
		return nil, fmt.Errorf("read storage key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("storage key for %s is corrupted", identityID)
	}
	return key, nil
}

// EnsureKey implements Keystore.
func (f *File) EnsureKey(identityID string) ([]byte, error) {
	key, err := f.LoadKey(identityID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyMissing) {
		return nil, err
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate storage key: %w", err)
	}
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	path := f.path(identityID)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("write storage key: %w", err)
	}
	return key, nil
}

// DeleteKey implements Keystore.
func (f *File) DeleteKey(identityID string) error {
	err := os.Remove(f.path(identityID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
