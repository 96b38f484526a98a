package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csharpref/provider/internal/graph"
	"github.com/csharpref/provider/internal/stage"
)

func writeFile(t *testing.T, root, rel, body string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sourceFixture = `
namespace Acme.Billing
{
    public class InvoiceService
    {
        public void Charge() {}
    }
}
`

func TestRunSourceOnlyPublishesSealedGraphFromDiscoveredFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "Invoice.cs", sourceFixture)
	writeFile(t, root, "README.md", "not a C# file")

	slot := NewSlot()
	b := NewBuilder(slot)

	err := b.Run(context.Background(), Options{
		Root:   root,
		Mode:   SourceOnly,
		DBPath: filepath.Join(t.TempDir(), "project.db"),
	})
	require.NoError(t, err)

	h, err := slot.Acquire()
	require.NoError(t, err)
	defer h.Release()

	assert.True(t, h.Graph().Sealed())
	fr, ok := h.Graph().FileByPath(filepath.Join(root, "Invoice.cs"))
	require.True(t, ok)
	assert.Equal(t, graph.SourceValueSource, fr.SourceType)
	assert.Greater(t, fr.NodeCount(), 0)
}

func TestRunSecondInitReusesCachedSliceForUnchangedFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "Invoice.cs", sourceFixture)
	dbPath := filepath.Join(t.TempDir(), "project.db")

	slot := NewSlot()
	b := NewBuilder(slot)
	require.NoError(t, b.Run(context.Background(), Options{Root: root, Mode: SourceOnly, DBPath: dbPath}))

	h1, err := slot.Acquire()
	require.NoError(t, err)

	require.NoError(t, b.Run(context.Background(), Options{Root: root, Mode: SourceOnly, DBPath: dbPath}))

	h2, err := slot.Acquire()
	require.NoError(t, err)
	defer h2.Release()

	fr1, _ := h1.Graph().FileByPath(filepath.Join(root, "Invoice.cs"))
	fr2, _ := h2.Graph().FileByPath(filepath.Join(root, "Invoice.cs"))
	assert.Equal(t, fr1.NodeCount(), fr2.NodeCount())
	h1.Release()
}

func TestDiscoverSourcesSkipsDependencyStagingAndNonCSFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "Main.cs", sourceFixture)
	writeFile(t, root, "notes.txt", "ignore me")
	writeFile(t, root, ".csharpref-deps/Acme.Lib/Lib.cs", sourceFixture)

	files, err := discoverSources(root, nil, nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(root, "Main.cs"), files[0].path)
	assert.Equal(t, graph.SourceValueSource, files[0].sourceType)
}

func TestDiscoverSourcesTagsDependencyFilesWithOriginArchive(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "Main.cs", sourceFixture)

	stageRoot := filepath.Join(root, ".csharpref-deps")
	dir, err := stage.New(stageRoot, "Acme.Lib")
	require.NoError(t, err)
	writeFile(t, dir.Root(), "Lib.cs", sourceFixture)

	origins := map[string]string{
		filepath.Join(dir.Root(), "Lib.cs"): "Acme.Lib.1.0.0.nupkg",
	}

	files, err := discoverSources(root, []*stage.Dir{dir}, origins)
	require.NoError(t, err)
	require.Len(t, files, 2)

	var dep sourceFile
	for _, f := range files {
		if f.sourceType == graph.SourceValueDependency {
			dep = f
		}
	}
	require.NotEmpty(t, dep.path)
	assert.Equal(t, "Acme.Lib.1.0.0.nupkg", dep.originArchive)
}
