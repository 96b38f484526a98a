package rules

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/csharpref/provider/internal/graph"
	"github.com/csharpref/provider/internal/syntax"
)

// Evaluator compiles a rule set's queries once against a tree-sitter
// language and reuses them across every file parsed with that language,
// matching the teacher's per-language query cache in sitter_walker.go.
type Evaluator struct {
	rules    []Rule
	lang     *sitter.Language
	compiled map[string]*sitter.Query // syntax_type -> compiled query
}

// NewEvaluator compiles every rule's query against lang. An invalid query
// in the rule set fails fast here rather than at first use.
func NewEvaluator(rules []Rule, lang *sitter.Language) (*Evaluator, error) {
	e := &Evaluator{
		rules:    rules,
		lang:     lang,
		compiled: make(map[string]*sitter.Query, len(rules)),
	}
	for _, r := range rules {
		q, err := sitter.NewQuery([]byte(r.Query), lang)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("rules: compile query for %q: %w", r.SyntaxType, err)
		}
		e.compiled[r.SyntaxType] = q
	}
	return e, nil
}

// Close releases the compiled queries. Safe to call once all files using
// this evaluator's language have been processed.
func (e *Evaluator) Close() {
	for _, q := range e.compiled {
		q.Close()
	}
}

// astKey identifies a tree-sitter AST node by its span and type rather than
// by pointer, since go-tree-sitter hands back a fresh *sitter.Node wrapper
// on every traversal call — pointer identity is not stable across calls.
type astKey struct {
	start, end uint32
	typ        string
}

func keyOf(n *sitter.Node) astKey {
	return astKey{n.StartByte(), n.EndByte(), n.Type()}
}

// anchor is an FQDN-eligible definition: the graph node created for it, plus
// the AST node whose Parent() chain other nodes walk to find it.
type anchor struct {
	ast    *sitter.Node
	handle graph.NodeHandle
}

// Emit walks tree's AST once per rule and materializes matches into g as
// nodes owned by fh, wiring the FQDN backbone (spec §4.2) and a simplified
// Scope/PushSymbol/PopSymbol skeleton for the partial-path solver.
//
// RuleMissingForSyntax: a syntax construct this rule set has no rule for is
// silently skipped — the evaluator never fails a whole file over one
// unrecognized construct.
func (e *Evaluator) Emit(tree *syntax.Tree, fh graph.FileHandle, g *graph.Graph) error {
	anchors := make(map[astKey]anchor)
	var anchorList []anchor

	for _, r := range e.rules {
		if r.Kind != KindDefinition || !r.FQDNEligible {
			continue
		}
		matches, err := e.run(r, tree)
		if err != nil {
			return err
		}
		for _, m := range matches {
			declNode := m.node
			simpleName := ""
			if r.SyntaxType != graph.SyntaxCompUnit {
				if p := declNode.Parent(); p != nil {
					declNode = p
				}
				simpleName = m.text
			}

			h, err := g.AddNode(fh, graph.NodeSpec{
				Kind:  graph.KindDefinition,
				Span:  graph.Span{Start: declNode.StartByte(), End: declNode.EndByte()},
				Attrs: attrsFor(r.SyntaxType, simpleName),
			})
			if err != nil {
				return fmt.Errorf("rules: add %s node: %w", r.SyntaxType, err)
			}
			if simpleName != "" {
				emitSymbolStack(g, fh, h, simpleName, true)
			}

			a := anchor{ast: declNode, handle: h}
			anchors[keyOf(declNode)] = a
			anchorList = append(anchorList, a)
		}
	}

	for _, a := range anchorList {
		if a.ast.Type() == "compilation_unit" {
			continue
		}
		parent := nearestAnchor(a.ast.Parent(), anchors)
		if parent == nil {
			continue
		}
		if err := g.AddEdge(a.handle, parent.handle, 0, graph.FQDNEdgeLabel); err != nil {
			return fmt.Errorf("rules: link %s to enclosing scope: %w", keyOf(a.ast).typ, err)
		}
	}

	for _, r := range e.rules {
		if r.Kind == KindDefinition && r.FQDNEligible {
			continue
		}
		matches, err := e.run(r, tree)
		if err != nil {
			return err
		}
		for _, m := range matches {
			switch r.Kind {
			case KindQualifiedName, KindImport:
				if err := emitQualifiedChain(g, fh, r, m); err != nil {
					return err
				}
			default:
				if err := emitPlain(g, fh, r, m, anchors); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// match is one captured "@name" node from a compiled query, with its text
// already sliced out of the source so callers never re-touch tree.Source.
type match struct {
	node *sitter.Node
	text string
}

func (e *Evaluator) run(r Rule, tree *syntax.Tree) ([]match, error) {
	q, ok := e.compiled[r.SyntaxType]
	if !ok {
		return nil, nil // RuleMissingForSyntax: nothing registered, skip.
	}

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, tree.Root)

	var out []match
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		m = qc.FilterPredicates(m, tree.Source)
		for _, c := range m.Captures {
			if q.CaptureNameForId(c.Index) != "name" {
				continue
			}
			start, end := c.Node.StartByte(), c.Node.EndByte()
			if end > uint32(len(tree.Source)) || start > end {
				continue
			}
			out = append(out, match{node: c.Node, text: string(tree.Source[start:end])})
		}
	}
	return out, nil
}

// nearestAnchor walks n's Parent() chain looking for an AST node that was
// registered as an FQDN anchor, returning the first (innermost) match.
func nearestAnchor(n *sitter.Node, anchors map[astKey]anchor) *anchor {
	for n != nil {
		if a, ok := anchors[keyOf(n)]; ok {
			return &a
		}
		n = n.Parent()
	}
	return nil
}

func emitPlain(g *graph.Graph, fh graph.FileHandle, r Rule, m match, anchors map[astKey]anchor) error {
	kind := graph.KindReference
	if r.Kind == KindDefinition {
		kind = graph.KindDefinition
	}

	h, err := g.AddNode(fh, graph.NodeSpec{
		Kind:  kind,
		Span:  graph.Span{Start: m.node.StartByte(), End: m.node.EndByte()},
		Attrs: attrsFor(r.SyntaxType, m.text),
	})
	if err != nil {
		return fmt.Errorf("rules: add %s node: %w", r.SyntaxType, err)
	}
	emitSymbolStack(g, fh, h, m.text, r.Kind == KindDefinition)

	if parent := nearestAnchor(m.node.Parent(), anchors); parent != nil {
		if err := g.AddEdge(h, parent.handle, 0, graph.FQDNEdgeLabel); err != nil {
			return fmt.Errorf("rules: link %s to enclosing scope: %w", r.SyntaxType, err)
		}
	}
	return nil
}

// emitQualifiedChain decomposes a dotted or member-access capture into one
// Reference node per segment (syntax_type "name", except that the last
// segment of an import is tagged "import"), FQDN-chaining each segment to the
// segment on its left (the more-qualifying part). The chain is
// self-contained: the outermost segment is never linked to the file's own
// enclosing scope, since the text is already fully qualified.
func emitQualifiedChain(g *graph.Graph, fh graph.FileHandle, r Rule, m match) error {
	segments := strings.Split(m.text, ".")
	if len(segments) == 0 {
		return nil
	}

	var prev graph.NodeHandle
	var havePrev bool
	var last graph.NodeHandle

	for i, seg := range segments {
		syntaxType := graph.SyntaxName
		if r.Kind == KindImport && i == len(segments)-1 {
			syntaxType = graph.SyntaxImport
		}
		h, err := g.AddNode(fh, graph.NodeSpec{
			Kind:  graph.KindReference,
			Span:  graph.Span{Start: m.node.StartByte(), End: m.node.EndByte()},
			Attrs: attrsFor(syntaxType, seg),
		})
		if err != nil {
			return fmt.Errorf("rules: add qualified segment %q: %w", seg, err)
		}
		if havePrev {
			if err := g.AddEdge(h, prev, 0, graph.FQDNEdgeLabel); err != nil {
				return fmt.Errorf("rules: chain qualified segment %q: %w", seg, err)
			}
		}
		prev, havePrev = h, true
		last = h
	}

	emitSymbolStack(g, fh, last, m.text, false)
	return nil
}

func attrsFor(syntaxType, simpleName string) map[string]string {
	attrs := map[string]string{graph.AttrSyntaxType: syntaxType}
	if simpleName != "" {
		attrs[graph.AttrSimpleName] = simpleName
	}
	return attrs
}

// emitSymbolStack adds a minimal Scope/PushSymbol (definitions) or
// PopSymbol (references) skeleton around node, giving the partial-path
// solver something to walk. This deliberately does not implement full
// scope-stack discipline — every PopSymbol jumps straight to Root — since
// the engine targets FQDN reconstruction, not precise overload resolution.
func emitSymbolStack(g *graph.Graph, fh graph.FileHandle, node graph.NodeHandle, symbol string, isDefinition bool) {
	if isDefinition {
		push, err := g.AddNode(fh, graph.NodeSpec{Kind: graph.KindPushSymbol, Symbol: symbol})
		if err != nil {
			return
		}
		_ = g.AddEdge(push, node, 0, "")

		scope, err := g.AddNode(fh, graph.NodeSpec{Kind: graph.KindScope, PopSymbolLabel: symbol})
		if err != nil {
			return
		}
		_ = g.AddEdge(node, scope, 0, "")
		return
	}

	pop, err := g.AddNode(fh, graph.NodeSpec{Kind: graph.KindPopSymbol, Symbol: symbol})
	if err != nil {
		return
	}
	_ = g.AddEdge(node, pop, 0, "")
	_ = g.AddEdge(pop, g.Root(), 0, "")
}
