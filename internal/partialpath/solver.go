// Package partialpath precomputes, per file, the forward path fragments a
// query later stitches together to resolve a reference across files
// (spec §4.4) without re-walking the whole graph at query time.
package partialpath

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/csharpref/provider/internal/graph"
)

// MaxResidualDepth bounds how many unresolved pop requests a single
// fragment may accumulate before the solver cuts it — a defensive cap in
// the same spirit as a fixed-point algorithm's enumeration ceiling, not a
// claim that real C# ever nests this deep.
const MaxResidualDepth = 64

// Path is a forward partial path: a maximal fragment starting at a
// Reference or Definition node in File, extended along stack edges until
// it either settles inside File or exits it. ResidualStack holds the
// symbols requested-but-not-yet-matched along the way (I5).
type Path struct {
	File          graph.FileHandle
	Start         graph.NodeHandle
	End           graph.NodeHandle
	ResidualStack []graph.SymbolHandle
	ExitedFile    bool
}

// Solve computes every forward partial path seeded at a Reference or
// Definition node owned by fh. g must be sealed or at least have fh fully
// populated; Solve only reads.
func Solve(g *graph.Graph, fh graph.FileHandle) ([]Path, error) {
	if _, ok := g.File(fh); !ok {
		return nil, fmt.Errorf("partialpath: unknown file handle %d", fh)
	}

	var paths []Path
	for _, start := range g.FileNodes(fh) {
		n, ok := g.Node(start)
		if !ok || (n.Kind != graph.KindReference && n.Kind != graph.KindDefinition) {
			continue
		}
		paths = append(paths, walk(g, fh, start)...)
	}

	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Start != paths[j].Start {
			return paths[i].Start < paths[j].Start
		}
		return paths[i].End < paths[j].End
	})
	return paths, nil
}

// walk runs the fixed-point worklist for a single seed node, returning
// every maximal fragment reachable from it (spec §4.4's Algorithm).
func walk(g *graph.Graph, fh graph.FileHandle, start graph.NodeHandle) []Path {
	visited := make(map[string]bool)
	var results []Path

	var step func(node graph.NodeHandle, stack []graph.SymbolHandle)
	step = func(node graph.NodeHandle, stack []graph.SymbolHandle) {
		if len(stack) > MaxResidualDepth {
			return // cut (a): residual-depth cap (an unmatched pop is carried as a residual, see nextStack)
		}
		sig := strconv.FormatUint(uint64(node), 10) + "|" + stackSig(stack)
		if visited[sig] {
			return // cut (b): already extended this (node, stack) pair
		}
		visited[sig] = true

		n, ok := g.Node(node)
		if !ok {
			return
		}
		if node != start && n.File != fh {
			results = append(results, Path{
				File:          fh,
				Start:         start,
				End:           node,
				ResidualStack: cloneStack(stack),
				ExitedFile:    true,
			})
			return // cut (c): left the seed's file
		}

		edges := stackEdges(g, node)
		if len(edges) == 0 {
			if node != start {
				results = append(results, Path{File: fh, Start: start, End: node, ResidualStack: cloneStack(stack)})
			}
			return
		}

		for _, e := range edges {
			step(e.To, nextStack(n, stack))
		}
	}

	step(start, nil)
	return results
}

// nextStack applies the symbol-stack effect of traversing node: a
// PushSymbol node adds its symbol; a PopSymbol node consumes a matching
// top-of-stack symbol if one exists, or else carries the request forward
// as a residual (the fragment is still open, not underflowed — the
// caller composing fragments resolves it against another file's pushes).
func nextStack(n *graph.Node, stack []graph.SymbolHandle) []graph.SymbolHandle {
	switch n.Kind {
	case graph.KindPushSymbol:
		return append(cloneStack(stack), n.Symbol)
	case graph.KindPopSymbol:
		if len(stack) > 0 && stack[len(stack)-1] == n.Symbol {
			return stack[:len(stack)-1]
		}
		return append(cloneStack(stack), n.Symbol)
	default:
		return stack
	}
}

func cloneStack(stack []graph.SymbolHandle) []graph.SymbolHandle {
	out := make([]graph.SymbolHandle, len(stack))
	copy(out, stack)
	return out
}

func stackSig(stack []graph.SymbolHandle) string {
	if len(stack) == 0 {
		return ""
	}
	parts := make([]string, len(stack))
	for i, s := range stack {
		parts[i] = strconv.FormatUint(uint64(s), 10)
	}
	return strings.Join(parts, ",")
}

// stackEdges returns node's outgoing edges that participate in
// stack-graph traversal, ordered by (precedence, destination) for
// determinism (spec §4.4), excluding the parallel FQDN naming backbone
// that the query engine walks directly instead.
func stackEdges(g *graph.Graph, node graph.NodeHandle) []graph.Edge {
	out := g.Outgoing(node)
	filtered := out[:0:0]
	for _, e := range out {
		if g.SymbolString(e.Label) == graph.FQDNEdgeLabel {
			continue
		}
		filtered = append(filtered, e)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Precedence != filtered[j].Precedence {
			return filtered[i].Precedence < filtered[j].Precedence
		}
		return filtered[i].To < filtered[j].To
	})
	return filtered
}
