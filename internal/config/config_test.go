package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesYAMLDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	body := "resolver_path: /usr/local/bin/nuget-resolve\n" +
		"decompiler_path: /usr/local/bin/ilspycmd\n" +
		"db_path: /var/lib/csharpref/project.db\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/nuget-resolve", d.ResolverPath)
	assert.Equal(t, "/usr/local/bin/ilspycmd", d.DecompilerPath)
	assert.Equal(t, "/var/lib/csharpref/project.db", d.DBPath)
}

func TestLoadMissingFileReturnsZeroValueNotError(t *testing.T) {
	d, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults{}, d)
}

func TestLoadEmptyPathReturnsZeroValue(t *testing.T) {
	d, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults{}, d)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver_path: [unterminated\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMergeFillsOnlyZeroFieldsFromFallback(t *testing.T) {
	override := Defaults{ResolverPath: "/opt/custom-resolve"}
	fallback := Defaults{
		ResolverPath:   "/usr/local/bin/nuget-resolve",
		DecompilerPath: "/usr/local/bin/ilspycmd",
		DBPath:         "/var/lib/csharpref/project.db",
	}

	merged := Merge(override, fallback)
	assert.Equal(t, "/opt/custom-resolve", merged.ResolverPath)
	assert.Equal(t, "/usr/local/bin/ilspycmd", merged.DecompilerPath)
	assert.Equal(t, "/var/lib/csharpref/project.db", merged.DBPath)
}
