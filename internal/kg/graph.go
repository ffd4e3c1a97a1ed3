// Package kg maintains the organizational knowledge graph and produces the
// capped excerpt list the envelope builder feeds into OrgContext.
package kg

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"arbiter/internal/logging"
	"arbiter/internal/storage"
)

// MaxExcerpts caps the excerpt list handed to OrgContext.
const MaxExcerpts = 8

// nodeCacheSize bounds the hot-node cache.
const nodeCacheSize = 512

// Graph wraps the kg_nodes / kg_edges tables with a traversal API.
type Graph struct {
	store  storage.GraphStore
	cache  *lru.Cache[string, storage.KGNode]
	logger logging.Logger
}

// New creates a Graph over the given store.
func New(store storage.GraphStore, logger logging.Logger) (*Graph, error) {
	cache, err := lru.New[string, storage.KGNode](nodeCacheSize)
	if err != nil {
		return nil, err
	}
	return &Graph{store: store, cache: cache, logger: logging.OrNop(logger)}, nil
}

// AddNode upserts a node and refreshes the cache.
func (g *Graph) AddNode(ctx context.Context, node storage.KGNode) error {
	if err := g.store.UpsertNode(ctx, node); err != nil {
		return err
	}
	g.cache.Add(node.ID, node)
	return nil
}

// AddEdge upserts a directed edge.
func (g *Graph) AddEdge(ctx context.Context, from, to, relation string) error {
	return g.store.UpsertEdge(ctx, storage.KGEdge{FromID: from, ToID: to, Relation: relation})
}

// Node fetches one node, serving repeats from the cache.
func (g *Graph) Node(ctx context.Context, id string) (storage.KGNode, error) {
	if node, ok := g.cache.Get(id); ok {
		return node, nil
	}
	node, err := g.store.GetNode(ctx, id)
	if err != nil {
		return storage.KGNode{}, err
	}
	g.cache.Add(id, node)
	return node, nil
}

// Traverse walks outgoing edges breadth-first from a root up to maxDepth,
// returning visited nodes in discovery order. A visited set makes cycles
// safe; the root itself is included.
func (g *Graph) Traverse(ctx context.Context, rootID string, maxDepth int) ([]storage.KGNode, error) {
	root, err := g.Node(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("traverse root %s: %w", rootID, err)
	}

	visited := map[string]bool{rootID: true}
	order := []storage.KGNode{root}
	frontier := []string{rootID}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := g.store.Neighbors(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				if visited[edge.ToID] {
					continue
				}
				visited[edge.ToID] = true
				node, err := g.Node(ctx, edge.ToID)
				if err != nil {
					// Dangling edge; skip it.
					g.logger.Warn("kg: edge %s -> %s points at missing node", edge.FromID, edge.ToID)
					continue
				}
				order = append(order, node)
				next = append(next, edge.ToID)
			}
		}
		frontier = next
	}
	return order, nil
}

// Excerpts renders up to MaxExcerpts one-line node summaries reachable from
// the root within two hops.
func (g *Graph) Excerpts(ctx context.Context, rootID string) ([]string, error) {
	nodes, err := g.Traverse(ctx, rootID, 2)
	if err != nil {
		return nil, err
	}
	if len(nodes) > MaxExcerpts {
		nodes = nodes[:MaxExcerpts]
	}
	out := make([]string, len(nodes))
	for i, node := range nodes {
		out[i] = fmt.Sprintf("%s: %s", node.Kind, node.Label)
	}
	return out, nil
}
