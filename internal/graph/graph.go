// Package graph defines the node/edge snapshot model shared by the
// diff, history and sync machinery. Snapshots are value types: every
// stored or exchanged snapshot is a deep, independent copy, so later
// mutation of the live graph can never reach into recorded state.
package graph

import (
	"fmt"

	"flowlab/internal/cas"
)

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one graph node. ID is the sole identity key; duplicate ids in
// a snapshot are undefined behavior (map construction is
// last-write-wins, see diff).
type Node struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Position Position               `json:"position"`
	Data     map[string]interface{} `json:"data"`
	Style    map[string]interface{} `json:"style,omitempty"`
}

// Edge connects two nodes. Type, Label and Animated are optional; their
// zero values are the defaults the equality oracle treats as equal to
// absence.
type Edge struct {
	ID           string                 `json:"id"`
	Source       string                 `json:"source"`
	Target       string                 `json:"target"`
	SourceHandle string                 `json:"sourceHandle,omitempty"`
	TargetHandle string                 `json:"targetHandle,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Type         string                 `json:"type,omitempty"`
	Label        string                 `json:"label,omitempty"`
	Animated     bool                   `json:"animated,omitempty"`
}

// Snapshot is the full graph at one instant.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	c := n
	c.Data = cloneMap(n.Data)
	c.Style = cloneMap(n.Style)
	return c
}

// Clone returns a deep copy of the edge.
func (e Edge) Clone() Edge {
	c := e
	c.Data = cloneMap(e.Data)
	return c
}

// Clone returns a deep copy of the snapshot. The copy shares no mutable
// substructure with the original.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{
		Nodes: make([]Node, len(s.Nodes)),
		Edges: make([]Edge, len(s.Edges)),
	}
	for i, n := range s.Nodes {
		c.Nodes[i] = n.Clone()
	}
	for i, e := range s.Edges {
		c.Edges[i] = e.Clone()
	}
	return c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		c := make([]interface{}, len(val))
		for i, e := range val {
			c[i] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}

// NodeIndex builds an id→node map. Later entries win on duplicate ids.
func NodeIndex(nodes []Node) map[string]Node {
	m := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return m
}

// EdgeIndex builds an id→edge map. Later entries win on duplicate ids.
func EdgeIndex(edges []Edge) map[string]Edge {
	m := make(map[string]Edge, len(edges))
	for _, e := range edges {
		m[e.ID] = e
	}
	return m
}

// FindNode returns the node with the given id, if present.
func (s Snapshot) FindNode(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// FindEdge returns the edge with the given id, if present.
func (s Snapshot) FindEdge(id string) (Edge, bool) {
	for _, e := range s.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}

// Digest returns the canonical content digest of the snapshot.
func Digest(s Snapshot) (string, error) {
	d, err := cas.DigestHex("graph", s)
	if err != nil {
		return "", fmt.Errorf("digesting snapshot: %w", err)
	}
	return d, nil
}
