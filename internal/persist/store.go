// Package persist durably stores the graph model keyed by file path and
// content hash (spec §4.5): nodes, edges, partial paths, and symbols live
// in a SQLite database via modernc.org/sqlite, the same driver and
// bulk-insert tuning the ingestion pipeline this was grounded on uses.
package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/csharpref/provider/internal/apperr"
	"github.com/csharpref/provider/internal/graph"
	"github.com/csharpref/provider/internal/partialpath"
)

// Store is a durable slice store for one project's database file.
type Store struct {
	db     *sql.DB
	refsID string
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	path         TEXT PRIMARY KEY,
	content_hash INTEGER NOT NULL,
	source_type  TEXT NOT NULL,
	span_start   INTEGER NOT NULL,
	span_end     INTEGER NOT NULL,
	checksum     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
	file_path        TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	kind             INTEGER NOT NULL,
	span_start       INTEGER NOT NULL,
	span_end         INTEGER NOT NULL,
	pop_symbol_label TEXT,
	symbol           TEXT,
	attrs            TEXT,
	PRIMARY KEY (file_path, seq)
);
CREATE TABLE IF NOT EXISTS edges (
	file_path  TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	from_seq   INTEGER NOT NULL,
	to_file    TEXT,
	to_seq     INTEGER NOT NULL,
	precedence INTEGER NOT NULL,
	label      TEXT,
	PRIMARY KEY (file_path, seq)
);
CREATE TABLE IF NOT EXISTS partial_paths (
	file_path TEXT NOT NULL,
	payload   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS node_refs (
	token  TEXT PRIMARY KEY,
	bitmap BLOB NOT NULL
);
`

// Open creates or opens the database at dbPath, applying the same
// bulk-friendly pragmas the ingestion writer this is modeled on uses, and
// ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", apperr.ErrPersistenceIO, dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", apperr.ErrPersistenceIO, err)
	}

	s := &Store{db: db}
	mod, err := RegisterTokenRefsModule()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.refsID = uuid.NewString()
	mod.BindStore(s.refsID, s)
	createVtab := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS csref_tokens USING csref_tokens('%s')", s.refsID)
	if _, err := db.Exec(createVtab); err != nil {
		mod.Unbind(s.refsID)
		_ = db.Close()
		return nil, fmt.Errorf("%w: create csref_tokens vtab: %v", apperr.ErrPersistenceIO, err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.refsID != "" {
		if mod, err := RegisterTokenRefsModule(); err == nil {
			mod.Unbind(s.refsID)
		}
	}
	return s.db.Close()
}

// DB exposes the underlying connection so csreftab's virtual table module
// can be bound to it; nothing else in this package should need it.
func (s *Store) DB() *sql.DB { return s.db }

// CandidateFiles returns every file path containing a node whose
// simple_name attribute equals token, consulting the csref_tokens virtual
// table's roaring-bitmap index instead of scanning nodes. The query engine
// calls it for patterns written as plain dotted literals.
func (s *Store) CandidateFiles(token string) ([]string, error) {
	rows, err := s.db.Query(`SELECT path FROM csref_tokens WHERE token = ?`, token)
	if err != nil {
		return nil, fmt.Errorf("%w: query csref_tokens: %v", apperr.ErrPersistenceIO, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%w: scan csref_tokens: %v", apperr.ErrPersistenceIO, err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

type nodeRow struct {
	seq            int
	kind           graph.NodeKind
	spanStart      uint32
	spanEnd        uint32
	popSymbolLabel string
	symbol         string
	attrs          map[string]string
}

type edgeRow struct {
	fromSeq    int
	toFile     string // "" means same file as fromSeq
	toSeq      int
	precedence int32
	label      string
}

// Save persists file fh's slice of g — its nodes, the edges whose source
// node it owns, and its precomputed partial paths — as one atomic
// transaction (spec §4.5: "save(graph) is atomic per file record").
func (s *Store) Save(g *graph.Graph, fh graph.FileHandle, paths []partialpath.Path) error {
	fr, ok := g.File(fh)
	if !ok {
		return fmt.Errorf("persist: unknown file handle %d", fh)
	}
	handles := g.FileNodes(fh)

	seqOf := make(map[graph.NodeHandle]int, len(handles))
	for i, h := range handles {
		seqOf[h] = i
	}

	nodes := make([]nodeRow, 0, len(handles))
	var edges []edgeRow
	for _, h := range handles {
		n, _ := g.Node(h)
		row := nodeRow{
			seq:       seqOf[h],
			kind:      n.Kind,
			spanStart: n.Span.Start,
			spanEnd:   n.Span.End,
			attrs:     make(map[string]string, len(n.Attrs)),
		}
		for k, v := range n.Attrs {
			row.attrs[k] = g.SymbolString(v)
		}
		if n.PopSymbolLabel != 0 {
			row.popSymbolLabel = g.SymbolString(n.PopSymbolLabel)
		}
		if n.Symbol != 0 {
			row.symbol = g.SymbolString(n.Symbol)
		}
		nodes = append(nodes, row)

		for _, e := range g.Outgoing(h) {
			er := edgeRow{fromSeq: seqOf[h], precedence: e.Precedence}
			if e.Label != 0 {
				er.label = g.SymbolString(e.Label)
			}
			switch {
			case e.To == g.Root():
				er.toFile = rootSentinel
			default:
				toSeq, ok := seqOf[e.To]
				if !ok {
					// The evaluator only ever targets a node in the same
					// file or Root (I5); anything else means a rule wired
					// an edge this store doesn't know how to round-trip.
					return fmt.Errorf("persist: edge from %s targets node %d outside its file and outside Root", fr.Path, e.To)
				}
				er.toSeq = toSeq
			}
			edges = append(edges, er)
		}
	}

	checksum := checksumOf(nodes, edges)

	encodedPaths, err := encodePaths(g, paths)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM nodes WHERE file_path = ?`, fr.Path); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	if _, err := tx.Exec(`DELETE FROM edges WHERE file_path = ?`, fr.Path); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	if _, err := tx.Exec(`DELETE FROM partial_paths WHERE file_path = ?`, fr.Path); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}

	stmtNode, err := tx.Prepare(`INSERT INTO nodes (file_path, seq, kind, span_start, span_end, pop_symbol_label, symbol, attrs) VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	defer stmtNode.Close()

	for _, n := range nodes {
		attrsJSON, err := json.Marshal(n.attrs)
		if err != nil {
			return fmt.Errorf("persist: marshal attrs: %w", err)
		}
		if _, err := stmtNode.Exec(fr.Path, n.seq, int(n.kind), n.spanStart, n.spanEnd, nullable(n.popSymbolLabel), nullable(n.symbol), string(attrsJSON)); err != nil {
			return fmt.Errorf("%w: insert node: %v", apperr.ErrPersistenceIO, err)
		}
	}

	stmtEdge, err := tx.Prepare(`INSERT INTO edges (file_path, seq, from_seq, to_file, to_seq, precedence, label) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	defer stmtEdge.Close()

	for i, e := range edges {
		if _, err := stmtEdge.Exec(fr.Path, i, e.fromSeq, nullable(e.toFile), e.toSeq, e.precedence, nullable(e.label)); err != nil {
			return fmt.Errorf("%w: insert edge: %v", apperr.ErrPersistenceIO, err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO partial_paths (file_path, payload) VALUES (?, ?)`, fr.Path, encodedPaths); err != nil {
		return fmt.Errorf("%w: insert partial paths: %v", apperr.ErrPersistenceIO, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO files (path, content_hash, source_type, span_start, span_end, checksum) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(path) DO UPDATE SET content_hash=excluded.content_hash, source_type=excluded.source_type,
		 span_start=excluded.span_start, span_end=excluded.span_end, checksum=excluded.checksum`,
		fr.Path, int64(fr.ContentHash), fr.SourceType, fr.Span.Start, fr.Span.End, int64(checksum),
	); err != nil {
		return fmt.Errorf("%w: upsert file: %v", apperr.ErrPersistenceIO, err)
	}

	if err := s.saveTokenRefs(tx, fr.Path, nodes); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", apperr.ErrPersistenceIO, err)
	}
	return nil
}

const rootSentinel = "\x00root"

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checksumOf(nodes []nodeRow, edges []edgeRow) uint64 {
	h := fnv.New64a()
	for _, n := range nodes {
		fmt.Fprintf(h, "n|%d|%d|%d|%d|%s|%s|", n.seq, n.kind, n.spanStart, n.spanEnd, n.popSymbolLabel, n.symbol)
		keys := make([]string, 0, len(n.attrs))
		for k := range n.attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%s;", k, n.attrs[k])
		}
	}
	for _, e := range edges {
		fmt.Fprintf(h, "e|%d|%s|%d|%d|%s|", e.fromSeq, e.toFile, e.toSeq, e.precedence, e.label)
	}
	return h.Sum64()
}

// encodePaths serializes partial paths with symbol handles resolved to
// their string values, since handles are only meaningful within g's own
// symbol table and must be re-interned on rehydration.
func encodePaths(g *graph.Graph, paths []partialpath.Path) (string, error) {
	type wirePath struct {
		Start      int      `json:"start"`
		End        int      `json:"end"`
		Residual   []string `json:"residual"`
		ExitedFile bool     `json:"exited_file"`
	}
	wire := make([]wirePath, len(paths))
	for i, p := range paths {
		residual := make([]string, len(p.ResidualStack))
		for j, sym := range p.ResidualStack {
			residual[j] = g.SymbolString(sym)
		}
		wire[i] = wirePath{Start: int(p.Start), End: int(p.End), Residual: residual, ExitedFile: p.ExitedFile}
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("persist: marshal partial paths: %w", err)
	}
	return string(b), nil
}

// saveTokenRefs rebuilds the token -> file bitmap index (backing the
// csref_tokens virtual table) for every simple_name attribute this file
// contributes.
func (s *Store) saveTokenRefs(tx *sql.Tx, path string, nodes []nodeRow) error {
	tokens := make(map[string]bool)
	for _, n := range nodes {
		if v, ok := n.attrs[graph.AttrSimpleName]; ok && v != "" {
			tokens[v] = true
		}
	}
	for token := range tokens {
		var blob []byte
		err := tx.QueryRow(`SELECT bitmap FROM node_refs WHERE token = ?`, token).Scan(&blob)
		bm := roaring.New()
		if err == nil {
			if uerr := bm.UnmarshalBinary(blob); uerr != nil {
				return fmt.Errorf("%w: corrupt bitmap for token %q: %v", apperr.ErrGraphCorrupt, token, uerr)
			}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
		}
		bm.Add(pathHash(path))
		out, err := bm.MarshalBinary()
		if err != nil {
			return fmt.Errorf("persist: marshal bitmap: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO node_refs (token, bitmap) VALUES (?, ?) ON CONFLICT(token) DO UPDATE SET bitmap = excluded.bitmap`, token, out); err != nil {
			return fmt.Errorf("%w: upsert node_refs: %v", apperr.ErrPersistenceIO, err)
		}
	}
	return nil
}

func pathHash(path string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return h.Sum32()
}

// slice is a file's decoded persisted rows, the unit the LRU rehydration
// cache stores so a repeated request for the same (path, contentHash)
// within one run skips the round trip through SQLite entirely.
type slice struct {
	contentHash uint64
	sourceType  string
	span        graph.Span
	checksum    uint64
	nodes       []nodeRow
	edges       []edgeRow
}

// readSlice fetches and decodes path's persisted slice without checking it
// against any particular contentHash — callers compare contentHash and
// checksum themselves, since the cache wrapper needs to do so without
// re-reading the database.
func (s *Store) readSlice(path string) (slice, bool, error) {
	var sl slice
	var storedHash, storedChecksum int64
	var spanStart, spanEnd uint32
	err := s.db.QueryRow(
		`SELECT content_hash, source_type, span_start, span_end, checksum FROM files WHERE path = ?`, path,
	).Scan(&storedHash, &sl.sourceType, &spanStart, &spanEnd, &storedChecksum)
	if err == sql.ErrNoRows {
		return slice{}, false, nil
	}
	if err != nil {
		return slice{}, false, fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	sl.contentHash = uint64(storedHash)
	sl.checksum = uint64(storedChecksum)
	sl.span = graph.Span{Start: spanStart, End: spanEnd}

	sl.nodes, err = s.loadNodes(path)
	if err != nil {
		return slice{}, false, err
	}
	sl.edges, err = s.loadEdges(path)
	if err != nil {
		return slice{}, false, err
	}
	return sl, true, nil
}

func (s *Store) evictCorrupt(path string) {
	_, _ = s.db.Exec(`DELETE FROM files WHERE path = ?`, path)
	_, _ = s.db.Exec(`DELETE FROM nodes WHERE file_path = ?`, path)
	_, _ = s.db.Exec(`DELETE FROM edges WHERE file_path = ?`, path)
	_, _ = s.db.Exec(`DELETE FROM partial_paths WHERE file_path = ?`, path)
}

// Rehydrate loads file path's persisted slice, at contentHash, as a new
// file in g. Returns (false, nil) on a cache miss: no row, a stale
// content_hash, or a checksum mismatch — the last case demotes the file
// to miss per spec §4.5 rather than returning an error, since the caller's
// correct response in every case is the same: re-index this file only.
func (s *Store) Rehydrate(g *graph.Graph, path string, contentHash uint64) (bool, error) {
	sl, found, err := s.readSlice(path)
	if err != nil {
		return false, err
	}
	if !found || sl.contentHash != contentHash {
		return false, nil
	}
	if checksumOf(sl.nodes, sl.edges) != sl.checksum {
		s.evictCorrupt(path)
		return false, nil
	}
	return true, replay(g, path, sl)
}

// replay materializes a decoded slice into g as a new file, the shared
// tail end of both a direct Store.Rehydrate and a Cache hit.
func replay(g *graph.Graph, path string, sl slice) error {
	fh, err := g.BeginFile(path, sl.sourceType)
	if err != nil {
		return fmt.Errorf("persist: begin file %s: %w", path, err)
	}

	seqToHandle := make(map[int]graph.NodeHandle, len(sl.nodes))
	for _, n := range sl.nodes {
		spec := graph.NodeSpec{
			Kind:           n.kind,
			Span:           graph.Span{Start: n.spanStart, End: n.spanEnd},
			PopSymbolLabel: n.popSymbolLabel,
			Symbol:         n.symbol,
			Attrs:          n.attrs,
		}
		h, err := g.AddNode(fh, spec)
		if err != nil {
			return fmt.Errorf("persist: rehydrate node %d of %s: %w", n.seq, path, err)
		}
		seqToHandle[n.seq] = h
	}

	for _, e := range sl.edges {
		from, ok := seqToHandle[e.fromSeq]
		if !ok {
			continue
		}
		var to graph.NodeHandle
		switch e.toFile {
		case "":
			to, ok = seqToHandle[e.toSeq]
			if !ok {
				continue
			}
		case rootSentinel:
			to = g.Root()
		default:
			// Cross-file, non-root edges are not produced by the current
			// evaluator (every stack/FQDN edge this engine emits stays
			// within one file's handle range or targets Root); skip rather
			// than guess at a handle in an unrelated file.
			continue
		}
		if err := g.AddEdge(from, to, e.precedence, e.label); err != nil {
			return fmt.Errorf("persist: rehydrate edge in %s: %w", path, err)
		}
	}

	if err := g.FinishFile(fh, sl.contentHash, sl.span); err != nil {
		return fmt.Errorf("persist: finish rehydrated file %s: %w", path, err)
	}
	return nil
}

func (s *Store) loadNodes(path string) ([]nodeRow, error) {
	rows, err := s.db.Query(`SELECT seq, kind, span_start, span_end, pop_symbol_label, symbol, attrs FROM nodes WHERE file_path = ? ORDER BY seq ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	defer rows.Close()

	var out []nodeRow
	for rows.Next() {
		var n nodeRow
		var kind int
		var popSym, sym sql.NullString
		var attrsJSON string
		if err := rows.Scan(&n.seq, &kind, &n.spanStart, &n.spanEnd, &popSym, &sym, &attrsJSON); err != nil {
			return nil, fmt.Errorf("%w: scan node: %v", apperr.ErrGraphCorrupt, err)
		}
		n.kind = graph.NodeKind(kind)
		n.popSymbolLabel = popSym.String
		n.symbol = sym.String
		if attrsJSON != "" {
			if err := json.Unmarshal([]byte(attrsJSON), &n.attrs); err != nil {
				return nil, fmt.Errorf("%w: decode attrs: %v", apperr.ErrGraphCorrupt, err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) loadEdges(path string) ([]edgeRow, error) {
	rows, err := s.db.Query(`SELECT from_seq, to_file, to_seq, precedence, label FROM edges WHERE file_path = ? ORDER BY seq ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistenceIO, err)
	}
	defer rows.Close()

	var out []edgeRow
	for rows.Next() {
		var e edgeRow
		var toFile, label sql.NullString
		if err := rows.Scan(&e.fromSeq, &toFile, &e.toSeq, &e.precedence, &label); err != nil {
			return nil, fmt.Errorf("%w: scan edge: %v", apperr.ErrGraphCorrupt, err)
		}
		e.toFile = toFile.String
		e.label = label.String
		out = append(out, e)
	}
	return out, rows.Err()
}
