package partialpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csharpref/provider/internal/graph"
)

// buildSimpleGraph wires one Definition (push -> def -> scope) and one
// Reference (ref -> pop -> root) in the same file, mirroring what
// internal/rules' evaluator emits for a single class and a single call.
func buildSimpleGraph(t *testing.T) (*graph.Graph, graph.FileHandle, graph.NodeHandle, graph.NodeHandle) {
	t.Helper()
	g := graph.New()
	fh, err := g.BeginFile("/repo/Foo.cs", graph.SourceValueSource)
	require.NoError(t, err)

	def, err := g.AddNode(fh, graph.NodeSpec{Kind: graph.KindDefinition, Span: graph.Span{Start: 0, End: 5}})
	require.NoError(t, err)
	push, err := g.AddNode(fh, graph.NodeSpec{Kind: graph.KindPushSymbol, Symbol: "Foo"})
	require.NoError(t, err)
	scope, err := g.AddNode(fh, graph.NodeSpec{Kind: graph.KindScope, PopSymbolLabel: "Foo"})
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(push, def, 0, ""))
	require.NoError(t, g.AddEdge(def, scope, 0, ""))

	ref, err := g.AddNode(fh, graph.NodeSpec{Kind: graph.KindReference, Span: graph.Span{Start: 10, End: 15}})
	require.NoError(t, err)
	pop, err := g.AddNode(fh, graph.NodeSpec{Kind: graph.KindPopSymbol, Symbol: "Foo"})
	require.NoError(t, err)
	require.NoError(t, g.AddEdge(ref, pop, 0, ""))
	require.NoError(t, g.AddEdge(pop, g.Root(), 0, ""))

	require.NoError(t, g.FinishFile(fh, 1, graph.Span{Start: 0, End: 20}))
	return g, fh, def, ref
}

func TestSolveProducesCompleteFragmentForDefinition(t *testing.T) {
	g, fh, def, _ := buildSimpleGraph(t)

	paths, err := Solve(g, fh)
	require.NoError(t, err)

	var defPath *Path
	for i := range paths {
		if paths[i].Start == def {
			defPath = &paths[i]
		}
	}
	require.NotNil(t, defPath, "expected a fragment seeded at the definition")
	assert.False(t, defPath.ExitedFile)
	assert.Empty(t, defPath.ResidualStack)
}

func TestSolveExitsFileWithResidualRequestForReference(t *testing.T) {
	g, fh, _, ref := buildSimpleGraph(t)

	paths, err := Solve(g, fh)
	require.NoError(t, err)

	var refPath *Path
	for i := range paths {
		if paths[i].Start == ref {
			refPath = &paths[i]
		}
	}
	require.NotNil(t, refPath, "expected a fragment seeded at the reference")
	assert.True(t, refPath.ExitedFile, "popping with nothing pushed must exit via the shared root")
	require.Len(t, refPath.ResidualStack, 1)
	assert.Equal(t, "Foo", g.SymbolString(refPath.ResidualStack[0]))
}

func TestSolveRejectsUnknownFile(t *testing.T) {
	g := graph.New()
	_, err := Solve(g, graph.FileHandle(42))
	assert.Error(t, err)
}
