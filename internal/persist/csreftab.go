package persist

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"modernc.org/sqlite/vtab"
)

// TokenRefsModule exposes node_refs as a SQLite virtual table
// (csref_tokens(token, path)) so the query engine can look up every file
// that contains a node with a given simple_name without a full table
// scan. Generalized from the teacher's refs_module.go: same singleton +
// per-DB registry shape, same token -> roaring-bitmap-of-ids -> resolved
// rows pipeline, with "file path" standing in for "node path".
type TokenRefsModule struct {
	mu  sync.RWMutex
	dbs map[string]*sql.DB
}

var (
	tokenModuleOnce sync.Once
	tokenModule     *TokenRefsModule
	tokenModuleErr  error
)

// RegisterTokenRefsModule registers csref_tokens with the global SQLite
// driver. Safe to call multiple times; only the first call registers.
func RegisterTokenRefsModule() (*TokenRefsModule, error) {
	tokenModuleOnce.Do(func() {
		tokenModule = &TokenRefsModule{dbs: make(map[string]*sql.DB)}
		if err := vtab.RegisterModule(nil, "csref_tokens", tokenModule); err != nil {
			tokenModuleErr = fmt.Errorf("persist: register csref_tokens module: %w", err)
			tokenModule = nil
		}
	})
	return tokenModule, tokenModuleErr
}

// BindStore makes s queryable as `CREATE VIRTUAL TABLE x USING csref_tokens(id)`
// under the given id.
func (m *TokenRefsModule) BindStore(id string, s *Store) {
	m.mu.Lock()
	m.dbs[id] = s.DB()
	m.mu.Unlock()
}

func (m *TokenRefsModule) Unbind(id string) {
	m.mu.Lock()
	delete(m.dbs, id)
	m.mu.Unlock()
}

func (m *TokenRefsModule) Create(ctx vtab.Context, args []string) (vtab.Table, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("csref_tokens: missing store id (expected USING csref_tokens(id))")
	}
	id := strings.Trim(args[3], "'\"")

	m.mu.RLock()
	db, ok := m.dbs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("csref_tokens: unknown store id %q", id)
	}

	if err := ctx.Declare("CREATE TABLE x(token TEXT, path TEXT)"); err != nil {
		return nil, err
	}
	return &tokenRefsTable{db: db}, nil
}

func (m *TokenRefsModule) Connect(ctx vtab.Context, args []string) (vtab.Table, error) {
	return m.Create(ctx, args)
}

type tokenRefsTable struct {
	db *sql.DB
}

func (t *tokenRefsTable) BestIndex(info *vtab.IndexInfo) error {
	for i := range info.Constraints {
		c := &info.Constraints[i]
		if !c.Usable || c.Column != 0 {
			continue
		}
		switch c.Op {
		case vtab.OpEQ:
			c.ArgIndex = 0
			c.Omit = true
			info.IdxNum = 1
			info.EstimatedCost = 1
			info.EstimatedRows = 10
			return nil
		case vtab.OpLIKE, vtab.OpGLOB:
			c.ArgIndex = 0
			c.Omit = true
			info.IdxNum = 2
			info.EstimatedCost = 100
			info.EstimatedRows = 100
			return nil
		}
	}
	info.IdxNum = 0
	info.EstimatedCost = 1e6
	info.EstimatedRows = 1e6
	return nil
}

func (t *tokenRefsTable) Open() (vtab.Cursor, error) { return &tokenRefsCursor{table: t}, nil }
func (t *tokenRefsTable) Disconnect() error          { return nil }
func (t *tokenRefsTable) Destroy() error             { return nil }

type tokenRefsRow struct {
	token string
	path  string
}

type tokenRefsCursor struct {
	table *tokenRefsTable
	rows  []tokenRefsRow
	pos   int
}

func (c *tokenRefsCursor) Filter(idxNum int, idxStr string, vals []vtab.Value) error {
	c.rows = c.rows[:0]
	c.pos = 0

	switch idxNum {
	case 1:
		token, ok := vals[0].(string)
		if !ok {
			return nil
		}
		return c.loadToken(token)
	case 2:
		pattern, ok := vals[0].(string)
		if !ok {
			return nil
		}
		return c.loadFiltered(pattern)
	default:
		return c.loadAll()
	}
}

func (c *tokenRefsCursor) loadToken(token string) error {
	var blob []byte
	err := c.table.db.QueryRow(`SELECT bitmap FROM node_refs WHERE token = ?`, token).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("csref_tokens: query token %q: %w", token, err)
	}
	return c.expandBitmap(token, blob)
}

func (c *tokenRefsCursor) loadFiltered(pattern string) error {
	rows, err := c.table.db.Query(`SELECT token, bitmap FROM node_refs WHERE token GLOB ?`, pattern)
	if err != nil {
		return fmt.Errorf("csref_tokens: filtered scan %q: %w", pattern, err)
	}
	type entry struct {
		token string
		blob  []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.token, &e.blob); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	closeErr := rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("csref_tokens: filtered scan rows: %w", err)
	}
	_ = closeErr

	for _, e := range entries {
		if err := c.expandBitmap(e.token, e.blob); err != nil {
			return err
		}
	}
	return nil
}

func (c *tokenRefsCursor) loadAll() error {
	rows, err := c.table.db.Query(`SELECT token, bitmap FROM node_refs`)
	if err != nil {
		return fmt.Errorf("csref_tokens: scan node_refs: %w", err)
	}
	type entry struct {
		token string
		blob  []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.token, &e.blob); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("csref_tokens: scan node_refs rows: %w", err)
	}
	for _, e := range entries {
		if err := c.expandBitmap(e.token, e.blob); err != nil {
			return err
		}
	}
	return nil
}

// expandBitmap resolves a token's bitmap of path-hash ids back to file
// paths. Unlike the teacher's file_ids table, this store keys files by
// path directly, so resolution joins against a hash computed the same way
// Save populated node_refs (see pathHash).
func (c *tokenRefsCursor) expandBitmap(token string, blob []byte) error {
	rb := roaring.New()
	if err := rb.UnmarshalBinary(blob); err != nil {
		return fmt.Errorf("csref_tokens: unmarshal bitmap for %q: %w", token, err)
	}

	rows, err := c.table.db.Query(`SELECT path FROM files`)
	if err != nil {
		return fmt.Errorf("csref_tokens: list files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			continue
		}
		if rb.Contains(pathHash(path)) {
			c.rows = append(c.rows, tokenRefsRow{token: token, path: path})
		}
	}
	return rows.Err()
}

func (c *tokenRefsCursor) Next() error { c.pos++; return nil }
func (c *tokenRefsCursor) Eof() bool   { return c.pos >= len(c.rows) }

func (c *tokenRefsCursor) Column(col int) (vtab.Value, error) {
	if c.pos >= len(c.rows) {
		return nil, nil
	}
	switch col {
	case 0:
		return c.rows[c.pos].token, nil
	case 1:
		return c.rows[c.pos].path, nil
	default:
		return nil, nil
	}
}

func (c *tokenRefsCursor) Rowid() (int64, error) { return int64(c.pos), nil }

func (c *tokenRefsCursor) Close() error {
	c.rows = nil
	return nil
}
