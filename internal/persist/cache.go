package persist

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/csharpref/provider/internal/graph"
	"github.com/csharpref/provider/internal/partialpath"
)

// Cache wraps a Store with a bounded in-memory cache of decoded file
// slices, keyed by path, so a repeated Rehydrate of the same (path,
// contentHash) through this Cache doesn't pay for a SQLite round trip.
// The project builder opens a new Cache on every init run, so cached
// slices do not carry over from one init to the next.
type Cache struct {
	store  *Store
	slices *lru.Cache[string, slice]
}

// NewCache wraps store with an LRU of at most size decoded file slices.
func NewCache(store *Store, size int) (*Cache, error) {
	c, err := lru.New[string, slice](size)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, slices: c}, nil
}

// Rehydrate behaves like Store.Rehydrate, consulting the in-memory cache
// before SQLite and populating it on a genuine store hit.
func (c *Cache) Rehydrate(g *graph.Graph, path string, contentHash uint64) (bool, error) {
	if sl, ok := c.slices.Get(path); ok && sl.contentHash == contentHash {
		return true, replay(g, path, sl)
	}

	sl, found, err := c.store.readSlice(path)
	if err != nil {
		return false, err
	}
	if !found || sl.contentHash != contentHash {
		return false, nil
	}
	if checksumOf(sl.nodes, sl.edges) != sl.checksum {
		c.store.evictCorrupt(path)
		c.slices.Remove(path)
		return false, nil
	}

	c.slices.Add(path, sl)
	return true, replay(g, path, sl)
}

// Invalidate drops path from the in-memory cache, e.g. after Save writes a
// fresh slice for it.
func (c *Cache) Invalidate(path string) {
	c.slices.Remove(path)
}

// Store exposes the wrapped store, for callers (the query engine) that need
// its csref_tokens vtab lookups rather than its graph rehydration methods.
func (c *Cache) Store() *Store { return c.store }

// Close closes the wrapped store. Safe to call once the last project build
// referencing this cache has been released.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Save delegates to the wrapped store and invalidates any stale cached
// slice for fh's path.
func (c *Cache) Save(g *graph.Graph, fh graph.FileHandle, paths []partialpath.Path) error {
	if fr, ok := g.File(fh); ok {
		c.Invalidate(fr.Path)
	}
	return c.store.Save(g, fh, paths)
}
