// Package graph is the in-memory infrastructure topology: nodes with
// free-form metadata, undirected edges, incident linking and bounded
// traversals. All methods are safe for concurrent use.
package graph

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Well-known metadata keys and node types.
const (
	KeyType     = "type"
	KeyPackages = "packages"

	TypeIncident = "incident"
)

var (
	// ErrUnknownNode is returned when a node id is not in the graph.
	ErrUnknownNode = errors.New("unknown node")

	// ErrInvalidEvent is returned by ApplyEvent for incidents that cannot be linked.
	ErrInvalidEvent = errors.New("invalid event")
)

// Node is a snapshot of one node and a copy of its metadata.
type Node struct {
	ID   string         `json:"id"`
	Meta map[string]any `json:"meta"`
}

// Type returns the node's type metadata, or "" when absent.
func (n Node) Type() string {
	s, _ := n.Meta[KeyType].(string)
	return s
}

// Edge is a snapshot of one undirected edge.
type Edge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Meta map[string]any `json:"meta"`
}

// Summary counts nodes and edges.
type Summary struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

type edgeKey struct{ a, b string }

func keyOf(a, b string) edgeKey {
	if b < a {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// Graph is an undirected topology graph. Node and edge iteration follows
// insertion order.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[string]map[string]any
	order     []string
	adj       map[string][]string
	edges     map[edgeKey]map[string]any
	edgeOrder []edgeKey
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]map[string]any),
		adj:   make(map[string][]string),
		edges: make(map[edgeKey]map[string]any),
	}
}

// AddNode inserts id or merges meta into an existing node.
func (g *Graph) AddNode(id string, meta map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNodeLocked(id, meta)
}

func (g *Graph) addNodeLocked(id string, meta map[string]any) {
	existing, ok := g.nodes[id]
	if !ok {
		existing = make(map[string]any, len(meta))
		g.nodes[id] = existing
		g.order = append(g.order, id)
	}
	maps.Copy(existing, meta)
}

// AddEdge links a and b, creating missing endpoints with empty metadata.
func (g *Graph) AddEdge(a, b string, meta map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEdgeLocked(a, b, meta)
}

func (g *Graph) addEdgeLocked(a, b string, meta map[string]any) {
	g.addNodeLocked(a, nil)
	g.addNodeLocked(b, nil)
	k := keyOf(a, b)
	if existing, ok := g.edges[k]; ok {
		maps.Copy(existing, meta)
		return
	}
	m := make(map[string]any, len(meta))
	maps.Copy(m, meta)
	g.edges[k] = m
	g.edgeOrder = append(g.edgeOrder, edgeKey{a, b})
	g.adj[a] = append(g.adj[a], b)
	if a != b {
		g.adj[b] = append(g.adj[b], a)
	}
}

// ApplyEvent adds an incident-shadow node and links it to the incident's
// source node, creating the source as a host when it is unknown.
func (g *Graph) ApplyEvent(inc incident.Incident) error {
	if inc.ID == "" || inc.Source == "" {
		return fmt.Errorf("%w: incident id and source are required", ErrInvalidEvent)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[inc.Source]; !ok {
		g.addNodeLocked(inc.Source, map[string]any{KeyType: "host"})
	}
	g.addNodeLocked(inc.ID, map[string]any{
		KeyType:       TypeIncident,
		"severity":    inc.Severity,
		"description": inc.Description,
	})
	g.addEdgeLocked(inc.Source, inc.ID, map[string]any{"relation": "observed_on"})
	return nil
}

// Summary returns node and edge counts.
func (g *Graph) Summary() Summary {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Summary{Nodes: len(g.nodes), Edges: len(g.edges)}
}

// Nodes returns a snapshot of every node in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, Node{ID: id, Meta: maps.Clone(g.nodes[id])})
	}
	return out
}

// Node returns a snapshot of a single node.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	meta, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return Node{ID: id, Meta: maps.Clone(meta)}, true
}

// Edges returns a snapshot of every edge in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edgeOrder))
	for _, k := range g.edgeOrder {
		out = append(out, Edge{From: k.a, To: k.b, Meta: maps.Clone(g.edges[keyOf(k.a, k.b)])})
	}
	return out
}

// Update runs fn against the live metadata of node id under the write lock,
// so read-modify-write sequences (inventory caching) are atomic.
func (g *Graph) Update(id string, fn func(meta map[string]any)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	meta, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	fn(meta)
	return nil
}

// Within returns the nodes reachable from src in at most depth hops,
// src first, in breadth-first order.
func (g *Graph) Within(src string, depth int) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[src]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, src)
	}

	dist := map[string]int{src: 0}
	queue := []string{src}
	out := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if dist[cur] >= depth {
			continue
		}
		for _, next := range g.adj[cur] {
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = dist[cur] + 1
			queue = append(queue, next)
			out = append(out, next)
		}
	}
	return out, nil
}

// Subgraph returns the nodes within depth hops of src and the edges whose
// endpoints are both in that set.
func (g *Graph) Subgraph(src string, depth int) ([]Node, []Edge, error) {
	ids, err := g.Within(src, depth)
	if err != nil {
		return nil, nil, err
	}
	in := make(map[string]struct{}, len(ids))
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		in[id] = struct{}{}
		if n, ok := g.Node(id); ok {
			nodes = append(nodes, n)
		}
	}
	var edges []Edge
	for _, e := range g.Edges() {
		_, a := in[e.From]
		_, b := in[e.To]
		if a && b {
			edges = append(edges, e)
		}
	}
	return nodes, edges, nil
}

// ShortestPath returns one shortest path from src to dst (inclusive) using
// breadth-first search, or false when dst is unreachable.
func (g *Graph) ShortestPath(src, dst string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.nodes[src]; !ok {
		return nil, false
	}
	if _, ok := g.nodes[dst]; !ok {
		return nil, false
	}

	prev := map[string]string{src: ""}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == dst {
			break
		}
		for _, next := range g.adj[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			queue = append(queue, next)
		}
	}
	if _, ok := prev[dst]; !ok {
		return nil, false
	}

	var path []string
	for at := dst; at != ""; at = prev[at] {
		path = append([]string{at}, path...)
		if at == src {
			break
		}
	}
	return path, true
}
