package subprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csharpref/provider/internal/apperr"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestValidateRejectsMissingPath(t *testing.T) {
	_, err := Validate("resolver", "")
	assert.ErrorIs(t, err, apperr.ErrToolMissing)
}

func TestValidateRejectsNonExecutableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-tool.txt")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	_, err := Validate("resolver", path)
	assert.ErrorIs(t, err, apperr.ErrToolMissing)
}

func TestResolverSplitsOneArchivePerLine(t *testing.T) {
	script := writeScript(t, "echo /tmp/a.nupkg\necho /tmp/b.nupkg\n")
	r, err := NewResolver(script)
	require.NoError(t, err)

	archives, err := r.Resolve(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/a.nupkg", "/tmp/b.nupkg"}, archives)
}

func TestResolverFailureWrapsSubprocessFailed(t *testing.T) {
	script := writeScript(t, "echo boom 1>&2\nexit 1\n")
	r, err := NewResolver(script)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), t.TempDir())
	require.Error(t, err)
	var sf *apperr.SubprocessFailed
	require.True(t, errors.As(err, &sf))
	assert.Contains(t, sf.Stderr, "boom")
}

func TestDecompileFailureIsNotFatalToCaller(t *testing.T) {
	script := writeScript(t, "exit 3\n")
	d, err := NewDecompiler(script)
	require.NoError(t, err)

	_, err = d.Decompile(context.Background(), "archive.nupkg", t.TempDir())
	require.Error(t, err)
	var sf *apperr.SubprocessFailed
	assert.True(t, errors.As(err, &sf))
}

func TestDecompileReadsManifestEntries(t *testing.T) {
	destDir := t.TempDir()
	manifest := `[{"file":"Acme.Foo.cs","origin_archive":"Acme.Foo.1.0.0.nupkg"}]`
	script := writeScript(t, "cat > /dev/null\nexit 0\n")
	d, err := NewDecompiler(script)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "manifest.json"), []byte(manifest), 0o644))

	entries, err := d.Decompile(context.Background(), "Acme.Foo.1.0.0.nupkg", destDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Acme.Foo.cs", entries[0].File)
	assert.Equal(t, "Acme.Foo.1.0.0.nupkg", entries[0].OriginArchive)
}

func TestDecompileMissingManifestReturnsNoEntriesWithoutError(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	d, err := NewDecompiler(script)
	require.NoError(t, err)

	entries, err := d.Decompile(context.Background(), "archive.nupkg", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
