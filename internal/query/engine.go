// Package query answers structural queries against a sealed graph (spec
// §4.7): it selects candidate nodes by syntax class, reconstructs each
// candidate's fully-qualified name by walking the FQDN edge backbone
// internal/rules built, filters by regex/source/file-path, and emits
// incidents.
package query

import (
	"context"
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/csharpref/provider/internal/apperr"
	"github.com/csharpref/provider/internal/graph"
)

// Location constrains which syntax_type of node a query may match (spec
// §6). LocationAll matches every name-bearing node.
type Location string

const (
	LocationAll       Location = "all"
	LocationClass     Location = "class"
	LocationMethod    Location = "method"
	LocationField     Location = "field"
	LocationNamespace Location = "namespace"
)

var locationSyntaxTypes = map[Location]string{
	LocationClass:     graph.SyntaxClassDef,
	LocationMethod:    graph.SyntaxMethodName,
	LocationField:     graph.SyntaxFieldName,
	LocationNamespace: graph.SyntaxNamespace,
}

// SourceFilter constrains candidates by provenance.
type SourceFilter string

const (
	SourceAny        SourceFilter = ""
	SourceOfSource   SourceFilter = graph.SourceValueSource
	SourceDependency SourceFilter = graph.SourceValueDependency
)

// Condition is one Evaluate request's "referenced" capability body (spec §6).
type Condition struct {
	Pattern   string
	Location  Location
	FilePaths map[string]bool
	Source    SourceFilter
}

// Incident is a single query hit (spec §6).
type Incident struct {
	FilePath      string
	Line          int
	ColumnStart   int
	ColumnEnd     int
	SourceType    string
	QualifiedName string
	OriginArchive string
}

// tokenIndex looks up candidate files for a simple_name token, backed by
// the csref_tokens virtual table (internal/persist.Store implements this).
// Kept as a narrow interface so this package doesn't need to import persist.
type tokenIndex interface {
	CandidateFiles(token string) ([]string, error)
}

// Engine evaluates Conditions against one sealed graph.
type Engine struct {
	g      *graph.Graph
	tokens tokenIndex
	log    *log.Logger
	lines  map[string]*lineIndex
}

// New wraps a sealed graph. g must not be mutated concurrently with calls
// to Evaluate; callers hold it via a project.Handle for the duration.
// tokens may be nil, in which case candidate selection always falls back
// to a full iter_nodes() scan (spec §4.7).
func New(g *graph.Graph, tokens tokenIndex, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{g: g, tokens: tokens, log: logger, lines: make(map[string]*lineIndex)}
}

// Evaluate runs Condition against the engine's graph (spec §4.7), honoring
// ctx's deadline/cancellation between candidates (spec §5).
func (e *Engine) Evaluate(ctx context.Context, cond Condition) ([]Incident, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, mapCtxErr(err)
	}

	if !e.g.Sealed() {
		return nil, apperr.ErrGraphCorrupt
	}

	pattern, err := compileAnchored(cond.Pattern)
	if err != nil {
		return nil, err
	}

	var syntaxType string
	if cond.Location != "" && cond.Location != LocationAll {
		st, ok := locationSyntaxTypes[cond.Location]
		if !ok {
			return nil, apperr.ErrBadCondition
		}
		syntaxType = st
	}

	handles := e.candidates(cond)

	seen := make(map[dedupKey]bool)
	var out []Incident

	for _, h := range handles {
		select {
		case <-ctx.Done():
			return nil, mapCtxErr(ctx.Err())
		default:
		}

		n, ok2 := e.g.Node(h)
		if !ok2 {
			continue
		}
		st := n.SyntaxType(e.g)
		if st == "" {
			continue
		}
		if syntaxType != "" && st != syntaxType {
			continue
		}

		sourceType := n.SourceType(e.g)
		if cond.Source != SourceAny && sourceType != string(cond.Source) {
			continue
		}

		name, err := e.fqdn(h)
		if err != nil {
			e.log.Printf("query: fqdn %d: %v (skipping)", h, err)
			continue
		}
		if !pattern.MatchString(name) {
			continue
		}

		fr, ok2 := e.g.File(n.File)
		if !ok2 {
			continue
		}
		if len(cond.FilePaths) > 0 && !cond.FilePaths[fr.Path] {
			continue
		}

		key := dedupKey{path: fr.Path, start: n.Span.Start, end: n.Span.End}
		if seen[key] {
			continue
		}
		seen[key] = true

		line, col, colEnd, err := e.span(fr.Path, n.Span)
		if err != nil {
			e.log.Printf("query: resolve span in %s: %v (skipping)", fr.Path, err)
			continue
		}

		out = append(out, Incident{
			FilePath:      fr.Path,
			Line:          line,
			ColumnStart:   col,
			ColumnEnd:     colEnd,
			SourceType:    sourceType,
			QualifiedName: name,
			OriginArchive: e.g.AttrString(h, graph.AttrOriginArchive),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FilePath != out[j].FilePath {
			return out[i].FilePath < out[j].FilePath
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].ColumnStart < out[j].ColumnStart
	})
	return out, nil
}

// candidates returns the node handles Evaluate should inspect. When the
// pattern is a plain literal (no regex metacharacters) and a token index is
// available, it resolves the pattern's last dotted component through the
// csref_tokens vtab and restricts the scan to the files it names —
// narrowed further by cond.FilePaths when both are given; a token the index
// has no entry for yields no candidates. Any other pattern, a nil token
// index, or a token-index error falls back to a full iter_nodes() scan.
func (e *Engine) candidates(cond Condition) []graph.NodeHandle {
	token, ok := literalToken(cond.Pattern)
	if !ok || e.tokens == nil {
		return e.g.IterNodes()
	}

	paths, err := e.tokens.CandidateFiles(token)
	if err != nil {
		e.log.Printf("query: csref_tokens lookup for %q: %v (falling back to full scan)", token, err)
		return e.g.IterNodes()
	}

	var handles []graph.NodeHandle
	for _, path := range paths {
		if len(cond.FilePaths) > 0 && !cond.FilePaths[path] {
			continue
		}
		fr, ok := e.g.FileByPath(path)
		if !ok {
			continue
		}
		handles = append(handles, e.g.FileNodes(fr.Handle)...)
	}
	return handles
}

// literalToken extracts the last dot-delimited identifier component of
// pattern, if pattern is written as a plain literal (letters, digits,
// underscores, and escaped dots only — no alternation, wildcards, or
// character classes that could match a token the index doesn't have an
// entry for). Returns ok=false for anything else, so the caller always
// falls back to a full scan rather than risk a false negative.
func literalToken(pattern string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		switch {
		case pattern[i] == '\\' && i+1 < len(pattern) && pattern[i+1] == '.':
			b.WriteByte('.')
			i++
		case isIdentByte(pattern[i]):
			b.WriteByte(pattern[i])
		default:
			return "", false
		}
	}
	literal := b.String()
	if idx := strings.LastIndexByte(literal, '.'); idx >= 0 {
		literal = literal[idx+1:]
	}
	if literal == "" {
		return "", false
	}
	return literal, true
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func mapCtxErr(err error) error {
	if err == context.DeadlineExceeded {
		return apperr.ErrDeadlineExceeded
	}
	return apperr.ErrCancelled
}

type dedupKey struct {
	path  string
	start uint32
	end   uint32
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, apperr.ErrBadRegex
	}
	return re, nil
}

// fqdn walks the FQDN edge backbone from h upward to the outermost naming
// context, joining AttrSimpleName values with "." (spec §4.2, §4.7 step 2).
// I6: traversal is truncated and logged if it revisits a handle, which can
// only happen through a malformed rule set since FQDN edges normally point
// to strictly earlier handles.
func (e *Engine) fqdn(h graph.NodeHandle) (string, error) {
	visited := map[graph.NodeHandle]bool{}
	var parts []string
	cur := h
	for {
		if visited[cur] {
			e.log.Printf("query: FQDN cycle at node %d while resolving node %d (truncated)", cur, h)
			break
		}
		visited[cur] = true

		name := e.g.AttrString(cur, graph.AttrSimpleName)
		if name != "" {
			parts = append(parts, name)
		}

		next, ok := e.fqdnParent(cur)
		if !ok {
			break
		}
		cur = next
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "."), nil
}

func (e *Engine) fqdnParent(h graph.NodeHandle) (graph.NodeHandle, bool) {
	for _, edge := range e.g.Outgoing(h) {
		if e.g.SymbolString(edge.Label) == graph.FQDNEdgeLabel {
			return edge.To, true
		}
	}
	return 0, false
}

// span resolves a byte span to 1-based line, 0-based start/end columns by
// reading the file's newline table (spec §4.7 step 6). The table is cached
// per file path for the engine's lifetime, since it wraps one immutable
// sealed graph whose files don't change underneath it.
func (e *Engine) span(path string, sp graph.Span) (line, col, colEnd int, err error) {
	idx, ok := e.lines[path]
	if !ok {
		idx, err = newLineIndex(path)
		if err != nil {
			return 0, 0, 0, err
		}
		e.lines[path] = idx
	}
	line, col = idx.resolve(sp.Start)
	_, colEnd = idx.resolve(sp.End)
	return line, col, colEnd, nil
}
