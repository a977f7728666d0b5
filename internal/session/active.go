package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// IdentitySecretPath returns the file holding an identity's secret key.
// Storage keys live in the keystore; the identity secret lives next to the
// identity's data so a wipe removes both together.
func IdentitySecretPath(base, identityID string) string {
	return filepath.Join(IdentityDir(base, identityID), "identity.key")
}

// ActiveIdentityPath returns the file recording which identity a restored
// session should resume.
func ActiveIdentityPath(base string) string {
	return filepath.Join(base, "active")
}

// SaveIdentitySecret writes the hex-encoded identity secret with owner-only
// permissions.
func SaveIdentitySecret(base, identityID, secretHex string) error {
	if err := EnsureIdentityDir(base, identityID); err != nil {
		return err
	}
	return os.WriteFile(IdentitySecretPath(base, identityID), []byte(secretHex+"\n"), 0600)
}

// LoadIdentitySecret reads a stored identity secret. Returns os.ErrNotExist
// if the identity has no stored secret.
func LoadIdentitySecret(base, identityID string) (string, error) {
	raw, err := os.ReadFile(IdentitySecretPath(base, identityID))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// SetActiveIdentity records (or, with an empty id, clears) the identity to
// resume on restart.
func SetActiveIdentity(base, identityID string) error {
	path := ActiveIdentityPath(base)
	if identityID == "" {
		err := os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(identityID+"\n"), 0600)
}

// ActiveIdentity returns the identity to resume, or "" when none is set.
func ActiveIdentity(base string) string {
	raw, err := os.ReadFile(ActiveIdentityPath(base))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
