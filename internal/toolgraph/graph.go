// Package toolgraph holds the capability graph: a small property graph of
// tools, learned procedures and their recorded steps. The graph lives in
// memory with label and adjacency indexes; persistence is a pair of JSON
// segments plus a write-ahead log replayed on open.
package toolgraph

import (
	"sort"
	"sync"

	"github.com/laminarhq/laminar/pkg/schema"
)

// NodeID identifies a graph node. IDs are monotonic and never reused.
type NodeID uint64

// EdgeID identifies a graph edge.
type EdgeID uint64

// Node is a labeled property node.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Edge is a typed, directed edge between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	From       NodeID         `json:"from"`
	To         NodeID         `json:"to"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Graph is an in-memory property graph with a label index and adjacency in
// both directions. All methods are safe for concurrent use. Mutations are
// append-only: nodes and edges are never removed, which keeps replay and
// segment formats trivial.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[NodeID]*Node
	edges      map[EdgeID]*Edge
	labelIndex map[string][]NodeID
	adjOut     map[NodeID][]EdgeID
	adjIn      map[NodeID][]EdgeID
	nextNode   NodeID
	nextEdge   EdgeID

	wal *walWriter // nil when the graph is memory-only
	dir string     // empty when the graph is memory-only
}

// NewGraph creates an empty, memory-only graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[NodeID]*Node),
		edges:      make(map[EdgeID]*Edge),
		labelIndex: make(map[string][]NodeID),
		adjOut:     make(map[NodeID][]EdgeID),
		adjIn:      make(map[NodeID][]EdgeID),
		nextNode:   1,
		nextEdge:   1,
	}
}

// AddNode inserts a node and returns its ID.
func (g *Graph) AddNode(labels []string, properties map[string]any) (NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextNode
	g.nextNode++
	g.insertNode(&Node{ID: id, Labels: append([]string(nil), labels...), Properties: copyProps(properties)})

	if g.wal != nil {
		if err := g.wal.append(walRecord{
			Type:       walAddNode,
			ID:         uint64(id),
			Labels:     labels,
			Properties: properties,
		}); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// AddEdge inserts a directed edge. Both endpoints must already exist.
func (g *Graph) AddEdge(from, to NodeID, edgeType string, properties map[string]any) (EdgeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound, "graph: edge source node %d does not exist", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound, "graph: edge target node %d does not exist", to)
	}

	id := g.nextEdge
	g.nextEdge++
	g.insertEdge(&Edge{ID: id, From: from, To: to, Type: edgeType, Properties: copyProps(properties)})

	if g.wal != nil {
		if err := g.wal.append(walRecord{
			Type:       walAddEdge,
			ID:         uint64(id),
			From:       uint64(from),
			To:         uint64(to),
			EdgeType:   edgeType,
			Properties: properties,
		}); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// Node returns a copy of the node, or nil if it does not exist.
func (g *Graph) Node(id NodeID) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.clone()
}

// NodesByLabel returns copies of all nodes carrying the label, in insertion
// order.
func (g *Graph) NodesByLabel(label string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.labelIndex[label]
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n.clone())
		}
	}
	return out
}

// Neighbor pairs an edge with the node on its far end.
type Neighbor struct {
	Edge *Edge
	Node *Node
}

// Neighbors returns outgoing neighbors of the node, optionally filtered by
// edge type (empty string matches all).
func (g *Graph) Neighbors(id NodeID, edgeType string) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighbors(g.adjOut[id], edgeType, func(e *Edge) NodeID { return e.To })
}

// Incoming returns incoming neighbors of the node, optionally filtered by
// edge type.
func (g *Graph) Incoming(id NodeID, edgeType string) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighbors(g.adjIn[id], edgeType, func(e *Edge) NodeID { return e.From })
}

func (g *Graph) neighbors(edgeIDs []EdgeID, edgeType string, far func(*Edge) NodeID) []Neighbor {
	out := make([]Neighbor, 0, len(edgeIDs))
	for _, eid := range edgeIDs {
		edge, ok := g.edges[eid]
		if !ok || (edgeType != "" && edge.Type != edgeType) {
			continue
		}
		node, ok := g.nodes[far(edge)]
		if !ok {
			continue
		}
		out = append(out, Neighbor{Edge: edge.clone(), Node: node.clone()})
	}
	return out
}

// Stats returns node and edge counts.
func (g *Graph) Stats() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges)
}

// Labels returns all indexed labels, sorted.
func (g *Graph) Labels() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	labels := make([]string, 0, len(g.labelIndex))
	for label := range g.labelIndex {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// insertNode and insertEdge update the maps and indexes. Callers hold the
// write lock and have already assigned IDs.

func (g *Graph) insertNode(n *Node) {
	g.nodes[n.ID] = n
	for _, label := range n.Labels {
		g.labelIndex[label] = append(g.labelIndex[label], n.ID)
	}
	if n.ID >= g.nextNode {
		g.nextNode = n.ID + 1
	}
}

func (g *Graph) insertEdge(e *Edge) {
	g.edges[e.ID] = e
	g.adjOut[e.From] = append(g.adjOut[e.From], e.ID)
	g.adjIn[e.To] = append(g.adjIn[e.To], e.ID)
	if e.ID >= g.nextEdge {
		g.nextEdge = e.ID + 1
	}
}

func (n *Node) clone() *Node {
	return &Node{ID: n.ID, Labels: append([]string(nil), n.Labels...), Properties: copyProps(n.Properties)}
}

func (e *Edge) clone() *Edge {
	return &Edge{ID: e.ID, From: e.From, To: e.To, Type: e.Type, Properties: copyProps(e.Properties)}
}

func copyProps(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
