// Package project orchestrates the Init protocol (spec §4.6): resolving and
// decompiling dependencies, discovering source files, running the
// parse/rule-evaluate/partial-path-solve/persist pipeline per file, sealing
// the resulting graph, and publishing it as the single active project.
//
// The active project is a refcounted replaceable slot (spec §5): a second
// Init does not interrupt evaluates already running against the previous
// sealed graph (O3). It generalizes the teacher's HotSwapGraph in
// internal/graph/hotswap.go from a bare pointer swap to a refcount that
// defers the old graph's persistence handle from closing until every
// in-flight query handler has released it.
package project

import (
	"sync"

	"github.com/csharpref/provider/internal/apperr"
	"github.com/csharpref/provider/internal/graph"
	"github.com/csharpref/provider/internal/persist"
)

// Build is one sealed project build: its graph and the persistence cache
// backing rehydration for files within it.
type Build struct {
	Graph *graph.Graph
	Cache *persist.Cache
	Root  string
	Mode  string

	mu   sync.Mutex
	refs int
}

func newBuild(g *graph.Graph, cache *persist.Cache, root, mode string) *Build {
	return &Build{Graph: g, Cache: cache, Root: root, Mode: mode, refs: 1}
}

func (b *Build) acquire() {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
}

func (b *Build) release() {
	b.mu.Lock()
	b.refs--
	closed := b.refs == 0
	b.mu.Unlock()
	if closed {
		b.Cache.Close()
	}
}

// Handle is a caller's live reference to a Build. Callers must call Release
// exactly once when done, however the query completes (success, error, or
// cancellation).
type Handle struct {
	build *Build
}

// Graph returns the sealed graph this handle holds a reference to.
func (h *Handle) Graph() *graph.Graph { return h.build.Graph }

// Cache returns the persistence cache backing this handle's build.
func (h *Handle) Cache() *persist.Cache { return h.build.Cache }

// Release drops this handle's reference. The underlying build's resources
// are freed once the last handle (including the slot's own retaining
// reference, dropped on replacement) is released.
func (h *Handle) Release() {
	h.build.release()
	h.build = nil
}

// Slot is the single replaceable active-project reference (spec §5's
// "global state... a single replaceable slot behind a mutex").
type Slot struct {
	mu      sync.Mutex
	current *Build
}

// NewSlot returns an empty slot. Evaluate against an empty slot must fail
// with apperr.ErrNoProject.
func NewSlot() *Slot {
	return &Slot{}
}

// Publish seals build in as the new active project, replacing and releasing
// the slot's reference to whatever was active before. In-flight handles
// acquired from the previous build via Acquire remain valid until their own
// Release (O3).
func (s *Slot) Publish(g *graph.Graph, cache *persist.Cache, root, mode string) {
	g.Seal()
	next := newBuild(g, cache, root, mode)

	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()

	if prev != nil {
		prev.release()
	}
}

// Acquire returns a live Handle to the current active project, or
// apperr.ErrNoProject if none has ever been published.
func (s *Slot) Acquire() (*Handle, error) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	if cur == nil {
		return nil, apperr.ErrNoProject
	}
	cur.acquire()
	return &Handle{build: cur}, nil
}
