package graph

// NodeHandle is a densely packed node identifier, partitioned by owning
// file (spec §4.3): handles for a file's nodes form a contiguous range,
// which lets persistence rehydrate a file's slice in O(1) without scanning.
type NodeHandle uint32

// FileHandle identifies a File record (spec §3 File record).
type FileHandle uint32

// noFile is the owning file handle for the single Root node, which belongs
// to no file.
const noFile FileHandle = ^FileHandle(0)

// NodeKind discriminates the node variants of spec §3. A tagged-union
// discriminator is used instead of a type hierarchy (spec §9 "Polymorphism
// over node variants") so the arena can store nodes as a flat value slice.
type NodeKind uint8

const (
	KindRoot NodeKind = iota
	KindScope
	KindPushSymbol
	KindPopSymbol
	KindReference
	KindDefinition
	KindJumpTo
)

func (k NodeKind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindScope:
		return "scope"
	case KindPushSymbol:
		return "push_symbol"
	case KindPopSymbol:
		return "pop_symbol"
	case KindReference:
		return "reference"
	case KindDefinition:
		return "definition"
	case KindJumpTo:
		return "jump_to"
	default:
		return "unknown"
	}
}

// Attribute keys required on every node representing a C# construct
// (spec §3). SourceType values are SourceValueSource / SourceValueDependency.
const (
	AttrSyntaxType = "syntax_type"
	AttrSourceType = "source_type"
	// AttrSimpleName holds the bare identifier text of a node (the last
	// segment of a dotted chain, or the identifier itself for unqualified
	// names). The query engine joins these along an FQDN edge walk to
	// reconstruct a dotted string without re-deriving it from source spans.
	AttrSimpleName = "simple_name"
	// AttrOriginArchive names the NuGet archive a dependency node's file was
	// decompiled from (spec §4.8 decompile-manifest expansion). Present only
	// on nodes whose owning file came from a decompiled dependency and whose
	// archive the decompiler's manifest.json named.
	AttrOriginArchive = "origin_archive"
)

// syntax_type values named by spec §3.
const (
	SyntaxImport          = "import"
	SyntaxCompUnit        = "comp_unit"
	SyntaxNamespace       = "namespace_declaration"
	SyntaxClassDef        = "class_def"
	SyntaxMethodName      = "method_name"
	SyntaxFieldName       = "field_name"
	SyntaxLocalVar        = "local_var"
	SyntaxArgument        = "argument"
	SyntaxName            = "name"
)

// source_type values named by spec §3.
const (
	SourceValueSource     = "source"
	SourceValueDependency = "dependency"
)

// FQDNEdgeLabel is the edge label spec §4.2 defines for the backbone the
// query engine walks to reconstruct qualified names.
const FQDNEdgeLabel = "FQDN"

// Span is a byte range into a file's source (spec I1: every Reference and
// Definition node carries a file and a byte-span).
type Span struct {
	Start uint32
	End   uint32
}

// Node is the universal node record (spec §3). Not every field applies to
// every Kind: PopSymbolLabel is meaningful only for KindScope, Symbol only
// for KindPushSymbol/KindPopSymbol, Span only for KindReference/KindDefinition.
type Node struct {
	Handle         NodeHandle
	Kind           NodeKind
	File           FileHandle
	Span           Span
	PopSymbolLabel SymbolHandle // Scope: what it matches from the path's scope stack
	Symbol         SymbolHandle // PushSymbol/PopSymbol: the symbol it contributes/consumes
	Attrs          map[string]SymbolHandle
}

// SyntaxType returns the node's syntax_type attribute, or "" if absent.
func (n *Node) SyntaxType(g *Graph) string {
	return g.AttrString(n.Handle, AttrSyntaxType)
}

// SourceType returns the node's source_type attribute, or "" if absent.
func (n *Node) SourceType(g *Graph) string {
	return g.AttrString(n.Handle, AttrSourceType)
}

// FileRecord is spec §3's File record: (absolute path, content hash,
// tree-span, source_type, set of node handles).
type FileRecord struct {
	Handle      FileHandle
	Path        string
	ContentHash uint64
	Span        Span
	SourceType  string
	nodeLo      NodeHandle // inclusive start of this file's handle range
	nodeHi      NodeHandle // exclusive end of this file's handle range
}

// NodeCount returns the number of node handles owned by this file (I4).
func (f *FileRecord) NodeCount() int {
	return int(f.nodeHi - f.nodeLo)
}
