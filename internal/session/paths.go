package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.pika.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pika")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// KeystoreDir returns the directory holding per-identity storage keys.
func KeystoreDir(base string) string {
	return filepath.Join(base, "keys")
}

// IdentityDir returns the directory for one logged-in identity, keyed by the
// stable identity identifier (hex public key) — never by a filesystem-derived
// name.
func IdentityDir(base, identityID string) string {
	return filepath.Join(base, "identities", identityID)
}

// DBPath returns the per-identity encrypted message store path.
func DBPath(base, identityID string) string {
	return filepath.Join(IdentityDir(base, identityID), "pika.db")
}

// LockPath returns the single-writer lock file path for an identity.
func LockPath(base, identityID string) string {
	return filepath.Join(IdentityDir(base, identityID), "LOCK")
}

// LogDir returns the log directory.
func LogDir(base string) string {
	return filepath.Join(base, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(base string) string {
	return filepath.Join(LogDir(base), "pikad.log")
}

// EnsureIdentityDir creates the identity directory tree with 0700 permissions.
func EnsureIdentityDir(base, identityID string) error {
	dirs := []string{
		IdentityDir(base, identityID),
		KeystoreDir(base),
		LogDir(base),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
