// Package test provides helpers shared by the package tests.
package test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteScript writes an executable shell script into a temp dir and returns
// its path. Tests use it as a stand-in script runner: it receives the usual
// "run <script> -- ..." arguments and ignores them.
func WriteScript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	script := "#!/bin/sh\n" + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}
