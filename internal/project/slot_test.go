package project

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csharpref/provider/internal/apperr"
	"github.com/csharpref/provider/internal/graph"
	"github.com/csharpref/provider/internal/persist"
)

func openCache(t *testing.T) *persist.Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "project.db")
	store, err := persist.Open(dbPath)
	require.NoError(t, err)
	cache, err := persist.NewCache(store, 8)
	require.NoError(t, err)
	return cache
}

func TestAcquireOnEmptySlotReturnsNoProject(t *testing.T) {
	s := NewSlot()
	_, err := s.Acquire()
	assert.True(t, errors.Is(err, apperr.ErrNoProject))
}

func TestPublishThenAcquireReturnsSealedGraph(t *testing.T) {
	s := NewSlot()
	g := graph.New()
	s.Publish(g, openCache(t), "/repo", "source-only")

	h, err := s.Acquire()
	require.NoError(t, err)
	defer h.Release()

	assert.True(t, h.Graph().Sealed())
}

func TestReplacingPublishDoesNotInvalidateInFlightHandle(t *testing.T) {
	s := NewSlot()
	s.Publish(graph.New(), openCache(t), "/repo", "source-only")

	h1, err := s.Acquire()
	require.NoError(t, err)

	s.Publish(graph.New(), openCache(t), "/repo", "source-only")

	h2, err := s.Acquire()
	require.NoError(t, err)
	defer h2.Release()

	assert.NotSame(t, h1.Graph(), h2.Graph())

	h1.Release()
}

func TestReleaseOfLastReferenceClosesTheBuildsCache(t *testing.T) {
	s := NewSlot()
	cache := openCache(t)
	s.Publish(graph.New(), cache, "/repo", "source-only")

	h, err := s.Acquire()
	require.NoError(t, err)

	// Replacing the build drops the slot's own reference, leaving h as the last.
	s.Publish(graph.New(), openCache(t), "/repo", "source-only")
	h.Release()

	_, err = cache.Rehydrate(graph.New(), "/nope.cs", 1)
	assert.Error(t, err, "a closed cache's underlying store must no longer serve reads")
}
