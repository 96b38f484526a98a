package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csharpref/provider/internal/apperr"
	"github.com/csharpref/provider/internal/graph"
	"github.com/csharpref/provider/internal/rules"
	"github.com/csharpref/provider/internal/syntax"
)

const fixtureSource = `
namespace Acme.Billing
{
    public class InvoiceService
    {
        public void Charge()
        {
        }
    }
}
`

func buildSealedGraph(t *testing.T) (*graph.Graph, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "Invoice.cs")
	require.NoError(t, os.WriteFile(path, []byte(fixtureSource), 0o644))

	tree, err := syntax.Parse(context.Background(), path, []byte(fixtureSource))
	require.NoError(t, err)

	rs, err := rules.Default()
	require.NoError(t, err)
	ev, err := rules.NewEvaluator(rs, tree.Lang)
	require.NoError(t, err)
	defer ev.Close()

	g := graph.New()
	fh, err := g.BeginFile(path, graph.SourceValueSource)
	require.NoError(t, err)
	require.NoError(t, ev.Emit(tree, fh, g))
	require.NoError(t, g.FinishFile(fh, 1, graph.Span{Start: 0, End: uint32(len(fixtureSource))}))
	g.Seal()
	return g, path
}

func TestEvaluateMatchesClassByFQDN(t *testing.T) {
	g, path := buildSealedGraph(t)
	e := New(g, nil, nil)

	incidents, err := e.Evaluate(context.Background(), Condition{Pattern: `Acme\.Billing\.InvoiceService`, Location: LocationClass})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, path, incidents[0].FilePath)
	assert.Equal(t, graph.SourceValueSource, incidents[0].SourceType)
	assert.Equal(t, "Acme.Billing.InvoiceService", incidents[0].QualifiedName)
}

func TestEvaluateAllLocationIsSupersetOfClassLocation(t *testing.T) {
	g, _ := buildSealedGraph(t)
	e := New(g, nil, nil)

	all, err := e.Evaluate(context.Background(), Condition{Pattern: `.*`, Location: LocationAll})
	require.NoError(t, err)
	classOnly, err := e.Evaluate(context.Background(), Condition{Pattern: `.*`, Location: LocationClass})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(all), len(classOnly))
}

func TestEvaluateRejectsUnanchoredPartialMatchAcrossBoundary(t *testing.T) {
	g, _ := buildSealedGraph(t)
	e := New(g, nil, nil)

	incidents, err := e.Evaluate(context.Background(), Condition{Pattern: `Billing`, Location: LocationClass})
	require.NoError(t, err)
	assert.Empty(t, incidents, "an anchored match must not hit a substring of a qualified name")
}

func TestEvaluateRejectsInvalidRegex(t *testing.T) {
	g, _ := buildSealedGraph(t)
	e := New(g, nil, nil)

	_, err := e.Evaluate(context.Background(), Condition{Pattern: "(", Location: LocationAll})
	assert.Error(t, err)
}

func TestEvaluateFiltersBySourceType(t *testing.T) {
	g, _ := buildSealedGraph(t)
	e := New(g, nil, nil)

	incidents, err := e.Evaluate(context.Background(), Condition{Pattern: `.*`, Location: LocationClass, Source: SourceDependency})
	require.NoError(t, err)
	assert.Empty(t, incidents, "a source-only file must never satisfy a dependency filter")
}

func TestEvaluateFiltersByFilePaths(t *testing.T) {
	g, path := buildSealedGraph(t)
	e := New(g, nil, nil)

	incidents, err := e.Evaluate(context.Background(), Condition{
		Pattern:   `.*`,
		Location:  LocationClass,
		FilePaths: map[string]bool{"/some/other/file.cs": true},
	})
	require.NoError(t, err)
	assert.Empty(t, incidents)

	incidents, err = e.Evaluate(context.Background(), Condition{
		Pattern:   `.*`,
		Location:  LocationClass,
		FilePaths: map[string]bool{path: true},
	})
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestEvaluateReturnsCancelledWhenContextAlreadyDone(t *testing.T) {
	g, _ := buildSealedGraph(t)
	e := New(g, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Evaluate(ctx, Condition{Pattern: `.*`, Location: LocationAll})
	assert.ErrorIs(t, err, apperr.ErrCancelled)
}

func TestEvaluateReturnsDeadlineExceededOnExpiredDeadline(t *testing.T) {
	g, _ := buildSealedGraph(t)
	e := New(g, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	_, err := e.Evaluate(ctx, Condition{Pattern: `.*`, Location: LocationAll})
	assert.ErrorIs(t, err, apperr.ErrDeadlineExceeded)
}

func TestEvaluateNilContextDefaultsToBackground(t *testing.T) {
	g, _ := buildSealedGraph(t)
	e := New(g, nil, nil)

	incidents, err := e.Evaluate(nil, Condition{Pattern: `Acme\.Billing\.InvoiceService`, Location: LocationClass})
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

type fakeTokenIndex struct {
	paths []string
	err   error
}

func (f *fakeTokenIndex) CandidateFiles(token string) ([]string, error) {
	return f.paths, f.err
}

func TestEvaluateUsesTokenIndexForLiteralPattern(t *testing.T) {
	g, path := buildSealedGraph(t)
	tokens := &fakeTokenIndex{paths: []string{path}}
	e := New(g, tokens, nil)

	incidents, err := e.Evaluate(context.Background(), Condition{Pattern: `Acme\.Billing\.InvoiceService`, Location: LocationClass})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, path, incidents[0].FilePath)
}

func TestEvaluateFallsBackToFullScanWhenTokenIndexErrors(t *testing.T) {
	g, path := buildSealedGraph(t)
	tokens := &fakeTokenIndex{err: assert.AnError}
	e := New(g, tokens, nil)

	incidents, err := e.Evaluate(context.Background(), Condition{Pattern: `Acme\.Billing\.InvoiceService`, Location: LocationClass})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, path, incidents[0].FilePath)
}

func TestEvaluateFallsBackToFullScanForNonLiteralPattern(t *testing.T) {
	g, path := buildSealedGraph(t)
	tokens := &fakeTokenIndex{paths: nil}
	e := New(g, tokens, nil)

	incidents, err := e.Evaluate(context.Background(), Condition{Pattern: `.*`, Location: LocationClass})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, path, incidents[0].FilePath)
}

func TestLiteralTokenExtractsLastDottedComponent(t *testing.T) {
	token, ok := literalToken(`Acme\.Billing\.InvoiceService`)
	require.True(t, ok)
	assert.Equal(t, "InvoiceService", token)
}

func TestLiteralTokenRejectsRegexMetacharacters(t *testing.T) {
	_, ok := literalToken(`Acme\..*`)
	assert.False(t, ok)
}
