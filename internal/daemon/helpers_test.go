package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/fx"
)

func newTestApp(t *testing.T) *fx.App {
	t.Helper()
	return newTestAppAt(t, t.TempDir())
}

func newTestAppAt(t *testing.T, base string) *fx.App {
	t.Helper()
	return fx.New(
		Module(Params{BaseDir: base}),
		fx.NopLogger,
	)
}

func writeConfig(t *testing.T, base, content string) {
	t.Helper()
	if err := os.MkdirAll(base, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}
