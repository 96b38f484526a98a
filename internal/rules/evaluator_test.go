package rules

import (
	"context"
	"testing"

	"github.com/smacker/go-tree-sitter/csharp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csharpref/provider/internal/graph"
	"github.com/csharpref/provider/internal/syntax"
)

const fixture = `
using System.Collections.Generic;

namespace Acme.Billing
{
    public class InvoiceService
    {
        public void Charge(Customer customer)
        {
            Validate(customer);
        }
    }
}
`

func parseFixture(t *testing.T) *syntax.Tree {
	t.Helper()
	tree, err := syntax.Parse(context.Background(), "Invoice.cs", []byte(fixture))
	require.NoError(t, err)
	return tree
}

func TestEmitBuildsFQDNBackboneForNestedDeclarations(t *testing.T) {
	rs, err := Default()
	require.NoError(t, err)

	ev, err := NewEvaluator(rs, csharp.GetLanguage())
	require.NoError(t, err)
	defer ev.Close()

	g := graph.New()
	fh, err := g.BeginFile("Invoice.cs", graph.SourceValueSource)
	require.NoError(t, err)

	tree := parseFixture(t)
	require.NoError(t, ev.Emit(tree, fh, g))
	require.NoError(t, g.FinishFile(fh, 1, graph.Span{Start: 0, End: uint32(len(fixture))}))
	require.NoError(t, g.ValidateInvariants())

	var classHandle graph.NodeHandle
	found := false
	for _, h := range g.IterNodes() {
		n, _ := g.Node(h)
		if n.SyntaxType(g) == graph.SyntaxClassDef && g.AttrString(h, graph.AttrSimpleName) == "InvoiceService" {
			classHandle, found = h, true
		}
	}
	require.True(t, found, "expected a class_def node for InvoiceService")

	out := g.Outgoing(classHandle)
	var linkedToNamespace bool
	for _, e := range out {
		if g.SymbolString(e.Label) != graph.FQDNEdgeLabel {
			continue
		}
		target, _ := g.Node(e.To)
		if target.SyntaxType(g) == graph.SyntaxNamespace {
			linkedToNamespace = true
		}
	}
	assert.True(t, linkedToNamespace, "class_def should FQDN-chain to its enclosing namespace_declaration")
}

func TestEmitDecomposesQualifiedImportIntoChainedSegments(t *testing.T) {
	rs, err := Default()
	require.NoError(t, err)
	ev, err := NewEvaluator(rs, csharp.GetLanguage())
	require.NoError(t, err)
	defer ev.Close()

	g := graph.New()
	fh, err := g.BeginFile("Invoice.cs", graph.SourceValueSource)
	require.NoError(t, err)

	tree := parseFixture(t)
	require.NoError(t, ev.Emit(tree, fh, g))

	var segments []graph.NodeHandle
	for _, h := range g.IterNodes() {
		n, _ := g.Node(h)
		if n.SyntaxType(g) == graph.SyntaxImport {
			segments = append(segments, h)
		}
	}
	require.Len(t, segments, 1, "expected exactly one import node for the final segment of System.Collections.Generic")
	assert.Equal(t, "Generic", g.AttrString(segments[0], graph.AttrSimpleName))

	in := g.Incoming(segments[0])
	require.Empty(t, in, "the import's final segment must not be FQDN-chained from outside the decomposition")

	// The FQDN link to its qualifier, then the PopSymbol edge every
	// reference carries for the partial-path solver.
	out := g.Outgoing(segments[0])
	require.Len(t, out, 2)
	assert.Equal(t, graph.FQDNEdgeLabel, g.SymbolString(out[0].Label))
}

func TestEmitSkipsUnknownSyntaxWithoutFailingTheFile(t *testing.T) {
	rs := []Rule{{SyntaxType: "class_def", Kind: KindDefinition, Query: "(class_declaration name: (identifier) @name)", FQDNEligible: true}}
	ev, err := NewEvaluator(rs, csharp.GetLanguage())
	require.NoError(t, err)
	defer ev.Close()

	g := graph.New()
	fh, err := g.BeginFile("Invoice.cs", graph.SourceValueSource)
	require.NoError(t, err)

	tree := parseFixture(t)
	assert.NoError(t, ev.Emit(tree, fh, g))
}
