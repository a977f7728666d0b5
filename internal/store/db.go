package store

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrKeyMismatch is returned when a database exists but the supplied storage
// key is not the one it was created with. Distinct from a missing key: the
// caller must surface this as a login failure, never open the store anyway.
var ErrKeyMismatch = errors.New("storage key does not match existing database")

// DB wraps the per-identity SQLite message store. Message content and group
// secrets are encrypted at rest with an AEAD derived from the
// keystore-supplied key; full-file encryption is a build concern (SQLCipher)
// outside this package.
type DB struct {
	*sql.DB
	aead cipher.AEAD
}

// Open opens (or creates) the store at path using the given 32-byte storage
// key, verifies the key against the database's fingerprint, and applies WAL
// mode and recommended pragmas.
func Open(path string, key []byte) (*DB, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("storage key: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	if err := verifyKeyFingerprint(path, key); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init content cipher: %w", err)
	}
	return &DB{DB: db, aead: aead}, nil
}

// verifyKeyFingerprint compares the key against the fingerprint recorded when
// the database was first created. A database without a fingerprint sidecar
// lost it or predates us; refuse rather than guess.
func verifyKeyFingerprint(dbPath string, key []byte) error {
	fprPath := dbPath + ".fpr"
	want := keyFingerprint(key)

	raw, err := os.ReadFile(fprPath)
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(dbPath); statErr == nil {
			return fmt.Errorf("database %s has no key fingerprint: %w", dbPath, ErrKeyMismatch)
		}
		// Fresh database: record the fingerprint.
		return os.WriteFile(fprPath, []byte(want), 0600)
	}
	if err != nil {
		return fmt.Errorf("read key fingerprint: %w", err)
	}
	if !hmac.Equal([]byte(strings.TrimSpace(string(raw))), []byte(want)) {
		return ErrKeyMismatch
	}
	return nil
}

func keyFingerprint(key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("pika storage key fingerprint v1"))
	return hex.EncodeToString(mac.Sum(nil))
}

// sealContent encrypts a content string for at-rest storage.
func (db *DB) sealContent(plaintext string) ([]byte, error) {
	nonce := make([]byte, db.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return db.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// openContent decrypts a stored content blob.
func (db *DB) openContent(sealed []byte) (string, error) {
	ns := db.aead.NonceSize()
	if len(sealed) < ns {
		return "", fmt.Errorf("sealed content too short")
	}
	plain, err := db.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt content: %w", err)
	}
	return string(plain), nil
}
