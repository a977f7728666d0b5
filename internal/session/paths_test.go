package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testID = "ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34ab12cd34"

func TestIdentityDir(t *testing.T) {
	got := IdentityDir("/data", testID)
	want := filepath.Join("/data", "identities", testID)
	if got != want {
		t.Errorf("IdentityDir = %q, want %q", got, want)
	}
}

func TestDBPath(t *testing.T) {
	got := DBPath("/data", testID)
	if !strings.HasSuffix(got, filepath.Join(testID, "pika.db")) {
		t.Errorf("DBPath = %q, want suffix %s/pika.db", got, testID)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("/data", testID)
	if !strings.HasSuffix(got, filepath.Join(testID, "LOCK")) {
		t.Errorf("LockPath = %q, want suffix %s/LOCK", got, testID)
	}
}

func TestEnsureIdentityDir(t *testing.T) {
	base := t.TempDir()
	if err := EnsureIdentityDir(base, testID); err != nil {
		t.Fatal(err)
	}

	for _, d := range []string{IdentityDir(base, testID), KeystoreDir(base), LogDir(base)} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("dir %s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}
