// Package graph implements the stack-graph model of spec §3/§4.3: a typed
// node-and-edge store with interned symbols and file-scoped partitions.
//
// Following spec §9 ("Graph cycles and shared ownership"), nodes and edges
// live as values in two dense slices indexed by integer handle; all
// cross-references are handles, never pointers, so serialization is a bulk
// copy of the slices and cycles are harmless to store (if not to traverse —
// see the cycle guard in query.Engine's FQDN walk for I6).
package graph

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// ErrSealed is returned by mutating operations once the graph has sealed.
var ErrSealed = fmt.Errorf("graph: sealed, no further mutation")

// NodeSpec describes a node to add. Only the fields relevant to Kind need
// be set; the rest are zero values.
type NodeSpec struct {
	Kind           NodeKind
	Span           Span              // Reference/Definition
	PopSymbolLabel string            // Scope
	Symbol         string            // PushSymbol/PopSymbol
	Attrs          map[string]string // syntax_type, source_type, and rule-provided tags
}

// Edge is a directed (from, to, precedence) edge (spec §3). Label is 0
// (empty symbol) for a plain name-lookup edge, or the interned "FQDN" symbol
// for the backbone edges spec §4.2 defines.
type Edge struct {
	From       NodeHandle
	To         NodeHandle
	Precedence int32
	Label      SymbolHandle
}

// Graph is the sealed/building stack graph. It is safe for concurrent reads
// once Sealed() is true (spec §5); all mutation happens on a single owner
// goroutine during build, matching spec §5's "no intra-graph concurrency
// during construction".
type Graph struct {
	mu sync.RWMutex

	sealed  bool
	symbols *symbolTable

	nodes []Node
	edges []Edge

	outAdj [][]int // NodeHandle -> indices into edges, outgoing
	inAdj  [][]int // NodeHandle -> indices into edges, incoming

	files      []*FileRecord
	fileByPath map[string]*FileRecord

	// fileNodeBitmap indexes, per file, the roaring bitmap of node handles
	// it owns — used by FileNodes to answer per-file queries without
	// scanning the whole node slice. (ValidateInvariants checks I4 from each
	// file's handle range instead.)
	fileNodeBitmap map[FileHandle]*roaring.Bitmap

	activeFile FileHandle // file currently accepting AddNode calls, or noFile
}

// New creates an empty, building graph with its single Root node (handle 0).
func New() *Graph {
	g := &Graph{
		symbols:        newSymbolTable(),
		fileByPath:     make(map[string]*FileRecord),
		fileNodeBitmap: make(map[FileHandle]*roaring.Bitmap),
		activeFile:     noFile,
	}
	g.nodes = append(g.nodes, Node{Handle: 0, Kind: KindRoot, File: noFile})
	return g
}

// Root returns the handle of the single global Root node.
func (g *Graph) Root() NodeHandle { return 0 }

// Intern interns a string and returns its stable handle (I3).
func (g *Graph) Intern(s string) SymbolHandle { return g.symbols.Intern(s) }

// SymbolString resolves a symbol handle back to its string value.
func (g *Graph) SymbolString(h SymbolHandle) string { return g.symbols.String(h) }

// LookupSymbol returns the handle for s without interning it.
func (g *Graph) LookupSymbol(s string) (SymbolHandle, bool) { return g.symbols.Lookup(s) }

// BeginFile allocates a new FileRecord and makes it the active file for
// subsequent AddNode calls. Nodes for one file must be added contiguously
// (spec §4.3's handle partitioning) — this mirrors the project builder's
// single-file-at-a-time processing (spec §5).
func (g *Graph) BeginFile(path, sourceType string) (FileHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return 0, ErrSealed
	}
	fh := FileHandle(len(g.files))
	fr := &FileRecord{
		Handle:     fh,
		Path:       path,
		SourceType: sourceType,
		nodeLo:     NodeHandle(len(g.nodes)),
		nodeHi:     NodeHandle(len(g.nodes)),
	}
	g.files = append(g.files, fr)
	g.fileByPath[path] = fr
	g.fileNodeBitmap[fh] = roaring.New()
	g.activeFile = fh
	return fh, nil
}

// FinishFile records the file's content hash and overall byte span once all
// of its nodes have been added, and clears the active-file marker.
func (g *Graph) FinishFile(fh FileHandle, contentHash uint64, span Span) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(fh) >= len(g.files) {
		return fmt.Errorf("graph: unknown file handle %d", fh)
	}
	fr := g.files[fh]
	fr.ContentHash = contentHash
	fr.Span = span
	if g.activeFile == fh {
		g.activeFile = noFile
	}
	return nil
}

// AddNode appends a node owned by file fh and returns its handle. Enforces
// I1 (Reference/Definition carry a span) and I2 (source_type present,
// inherited from the owning file when the spec doesn't set it explicitly).
func (g *Graph) AddNode(fh FileHandle, spec NodeSpec) (NodeHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return 0, ErrSealed
	}
	if int(fh) >= len(g.files) {
		return 0, fmt.Errorf("graph: unknown file handle %d", fh)
	}
	fr := g.files[fh]

	if (spec.Kind == KindReference || spec.Kind == KindDefinition) && spec.Span.End < spec.Span.Start {
		return 0, fmt.Errorf("graph: invalid span for %s node", spec.Kind)
	}

	attrs := make(map[string]SymbolHandle, len(spec.Attrs)+1)
	for k, v := range spec.Attrs {
		attrs[k] = g.symbols.Intern(v)
	}
	if _, ok := attrs[AttrSourceType]; !ok {
		attrs[AttrSourceType] = g.symbols.Intern(fr.SourceType)
	}

	h := NodeHandle(len(g.nodes))
	n := Node{
		Handle: h,
		Kind:   spec.Kind,
		File:   fh,
		Span:   spec.Span,
		Attrs:  attrs,
	}
	if spec.PopSymbolLabel != "" {
		n.PopSymbolLabel = g.symbols.Intern(spec.PopSymbolLabel)
	}
	if spec.Symbol != "" {
		n.Symbol = g.symbols.Intern(spec.Symbol)
	}

	g.nodes = append(g.nodes, n)
	g.outAdj = append(g.outAdj, nil)
	g.inAdj = append(g.inAdj, nil)

	fr.nodeHi = h + 1
	g.fileNodeBitmap[fh].Add(uint32(h))

	return h, nil
}

// SetFileAttr tags every node owned by fh with key=value, for attributes
// discovered after the file's nodes were built by rule evaluation — e.g.
// origin_archive, attached once the decompiler's manifest for a
// dependency file is known (spec §4.8 decompile-manifest expansion).
func (g *Graph) SetFileAttr(fh FileHandle, key, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return ErrSealed
	}
	if int(fh) >= len(g.files) {
		return fmt.Errorf("graph: unknown file handle %d", fh)
	}
	fr := g.files[fh]
	sh := g.symbols.Intern(value)
	for h := fr.nodeLo; h < fr.nodeHi; h++ {
		if g.nodes[h].Attrs == nil {
			g.nodes[h].Attrs = make(map[string]SymbolHandle)
		}
		g.nodes[h].Attrs[key] = sh
	}
	return nil
}

// AddEdge appends a directed edge. label may be "" for a plain edge or
// graph.FQDNEdgeLabel for the naming backbone (spec §4.2).
func (g *Graph) AddEdge(from, to NodeHandle, precedence int32, label string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return ErrSealed
	}
	if int(from) >= len(g.nodes) || int(to) >= len(g.nodes) {
		return fmt.Errorf("graph: edge references unknown node")
	}
	var lh SymbolHandle
	if label != "" {
		lh = g.symbols.Intern(label)
	}
	idx := len(g.edges)
	g.edges = append(g.edges, Edge{From: from, To: to, Precedence: precedence, Label: lh})
	g.outAdj[from] = append(g.outAdj[from], idx)
	g.inAdj[to] = append(g.inAdj[to], idx)
	return nil
}

// Seal flips the graph from building to sealed (spec §5: a monotonic
// one-way transition). No further mutation is permitted after this call.
func (g *Graph) Seal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealed = true
}

// Sealed reports whether the graph has completed its one-way transition.
func (g *Graph) Sealed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sealed
}

// NodeCount returns the total number of nodes, including Root.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// IterNodes returns all node handles in increasing order (spec §4.3's
// stable iteration guarantee).
func (g *Graph) IterNodes() []NodeHandle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]NodeHandle, len(g.nodes))
	for i := range g.nodes {
		out[i] = NodeHandle(i)
	}
	return out
}

// Node returns the node record for h.
func (g *Graph) Node(h NodeHandle) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(h) >= len(g.nodes) {
		return nil, false
	}
	n := g.nodes[h]
	return &n, true
}

// Attr returns the interned value of attribute key on node h.
func (g *Graph) Attr(h NodeHandle, key string) (SymbolHandle, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(h) >= len(g.nodes) {
		return 0, false
	}
	v, ok := g.nodes[h].Attrs[key]
	return v, ok
}

// AttrString returns the string value of attribute key on node h, or "".
func (g *Graph) AttrString(h NodeHandle, key string) string {
	v, ok := g.Attr(h, key)
	if !ok {
		return ""
	}
	return g.SymbolString(v)
}

// Outgoing returns the edges leaving h, in insertion order.
func (g *Graph) Outgoing(h NodeHandle) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(h) >= len(g.outAdj) {
		return nil
	}
	out := make([]Edge, len(g.outAdj[h]))
	for i, idx := range g.outAdj[h] {
		out[i] = g.edges[idx]
	}
	return out
}

// Incoming returns the edges arriving at h, in insertion order.
func (g *Graph) Incoming(h NodeHandle) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(h) >= len(g.inAdj) {
		return nil
	}
	out := make([]Edge, len(g.inAdj[h]))
	for i, idx := range g.inAdj[h] {
		out[i] = g.edges[idx]
	}
	return out
}

// File returns the file record for fh.
func (g *Graph) File(fh FileHandle) (*FileRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(fh) >= len(g.files) {
		return nil, false
	}
	return g.files[fh], true
}

// FileByPath looks up a file record by its absolute path.
func (g *Graph) FileByPath(path string) (*FileRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fr, ok := g.fileByPath[path]
	return fr, ok
}

// FileNodes returns the node handles owned by fh, in increasing order.
func (g *Graph) FileNodes(fh FileHandle) []NodeHandle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	bm, ok := g.fileNodeBitmap[fh]
	if !ok {
		return nil
	}
	out := make([]NodeHandle, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, NodeHandle(it.Next()))
	}
	return out
}

// Files returns all file records in registration order.
func (g *Graph) Files() []*FileRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*FileRecord, len(g.files))
	copy(out, g.files)
	return out
}

// ValidateInvariants checks I4 (no orphans: loaded node count equals the sum
// of each file's owned node-set size, plus the one Root node).
func (g *Graph) ValidateInvariants() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 1 // Root
	for _, fr := range g.files {
		total += fr.NodeCount()
	}
	if total != len(g.nodes) {
		return fmt.Errorf("graph: I4 violated: node count %d != 1 root + sum(file node sets) %d", len(g.nodes), total)
	}
	return nil
}
