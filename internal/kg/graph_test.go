package kg

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/storage"
)

func newGraph(t *testing.T) *Graph {
	t.Helper()
	_, stores := storage.NewMem()
	g, err := New(stores.Graph, nil)
	require.NoError(t, err)
	return g
}

func TestTraverseHandlesCycles(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	// a -> b -> c -> a forms a cycle.
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, g.AddNode(ctx, storage.KGNode{ID: id, Kind: "concept", Label: id}))
	}
	require.NoError(t, g.AddEdge(ctx, "a", "b", "relates"))
	require.NoError(t, g.AddEdge(ctx, "b", "c", "relates"))
	require.NoError(t, g.AddEdge(ctx, "c", "a", "relates"))

	nodes, err := g.Traverse(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "a", nodes[0].ID)
}

func TestTraverseRespectsDepth(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	// Chain a -> b -> c -> d.
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		require.NoError(t, g.AddNode(ctx, storage.KGNode{ID: id, Kind: "concept", Label: id}))
	}
	for i := 0; i < len(ids)-1; i++ {
		require.NoError(t, g.AddEdge(ctx, ids[i], ids[i+1], "next"))
	}

	nodes, err := g.Traverse(ctx, "a", 2)
	require.NoError(t, err)
	assert.Len(t, nodes, 3) // a, b, c; d is three hops out
}

func TestTraverseSkipsDanglingEdges(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	require.NoError(t, g.AddNode(ctx, storage.KGNode{ID: "a", Kind: "concept", Label: "a"}))
	require.NoError(t, g.AddEdge(ctx, "a", "ghost", "relates"))

	nodes, err := g.Traverse(ctx, "a", 3)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestExcerptsCappedAtEight(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	require.NoError(t, g.AddNode(ctx, storage.KGNode{ID: "root", Kind: "project", Label: "launch"}))
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("n%d", i)
		require.NoError(t, g.AddNode(ctx, storage.KGNode{ID: id, Kind: "fact", Label: id}))
		require.NoError(t, g.AddEdge(ctx, "root", id, "has"))
	}

	excerpts, err := g.Excerpts(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, excerpts, MaxExcerpts)
	assert.Equal(t, "project: launch", excerpts[0])
}

func TestNodeServedFromCache(t *testing.T) {
	_, stores := storage.NewMem()
	g, err := New(stores.Graph, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, g.AddNode(ctx, storage.KGNode{ID: "a", Kind: "concept", Label: "first"}))

	// Mutate the backing store behind the cache; the cached copy wins.
	require.NoError(t, stores.Graph.UpsertNode(ctx, storage.KGNode{ID: "a", Kind: "concept", Label: "second"}))
	node, err := g.Node(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", node.Label)
}
