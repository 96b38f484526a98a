package stage

import (
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesNamedSubdirUnderRoot(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, "Newtonsoft.Json.13.0.3.nupkg")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "deps", "Newtonsoft.Json.13.0.3"), d.Root())
}

func TestFilesFindsOnlyCSharpSourcesRecursively(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, "Acme.Lib")
	require.NoError(t, err)

	require.NoError(t, util.WriteFile(d.fs, "Program.cs", []byte("class Program {}"), 0o644))
	require.NoError(t, util.WriteFile(d.fs, "nested/Helper.cs", []byte("class Helper {}"), 0o644))
	require.NoError(t, util.WriteFile(d.fs, "README.md", []byte("not source"), 0o644))

	files, err := d.Files()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Program.cs", "nested/Helper.cs"}, files)
}

func TestCleanRemovesStagedFilesButKeepsDirUsable(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, "Acme.Lib")
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(d.fs, "Program.cs", []byte("class Program {}"), 0o644))

	require.NoError(t, d.Clean())

	files, err := d.Files()
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, util.WriteFile(d.fs, "Second.cs", []byte("class Second {}"), 0o644))
	files, err = d.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"Second.cs"}, files)
}

func TestNewSanitizesArchiveNameToBaseStem(t *testing.T) {
	root := t.TempDir()
	d, err := New(root, "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "deps", "passwd"), d.Root())
}
