// Package diff computes the ordered pending-change list between a live
// graph snapshot and the last synced baseline. Compute is a pure
// function: it never mutates its inputs, and identical inputs always
// yield identical output, ordering included.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"

	"flowlab/internal/graph"
)

// Kind discriminates node changes from edge changes.
type Kind string

const (
	KindNode Kind = "node"
	KindEdge Kind = "edge"
)

// Op classifies a change against the baseline.
type Op string

const (
	OpAdded    Op = "added"
	OpModified Op = "modified"
	OpRemoved  Op = "removed"
)

// Change is one pending difference between the live graph and the
// baseline. ID is deterministic: "node:<nodeId>" or "edge:<edgeId>".
// The entity fields are deep copies: added carries current only,
// removed carries previous only, modified carries both.
type Change struct {
	ID   string
	Kind Kind
	Op   Op

	CurrentNode  *graph.Node
	PreviousNode *graph.Node
	CurrentEdge  *graph.Edge
	PreviousEdge *graph.Edge
}

// NodeChangeID returns the change id for a node id.
func NodeChangeID(nodeID string) string {
	return "node:" + nodeID
}

// EdgeChangeID returns the change id for an edge id.
func EdgeChangeID(edgeID string) string {
	return "edge:" + edgeID
}

// Compute diffs current against baseline. Node changes come before edge
// changes; within each kind entries are sorted lexicographically by
// change id. Duplicate ids within one list are undefined behavior and
// resolve last-write-wins during map construction.
func Compute(current, baseline graph.Snapshot) []Change {
	changes := make([]Change, 0)
	changes = append(changes, diffNodes(current.Nodes, baseline.Nodes)...)
	changes = append(changes, diffEdges(current.Edges, baseline.Edges)...)
	return changes
}

func diffNodes(current, baseline []graph.Node) []Change {
	curIndex := graph.NodeIndex(current)
	baseIndex := graph.NodeIndex(baseline)

	var out []Change
	for id, cur := range curIndex {
		base, ok := baseIndex[id]
		if !ok {
			c := cur.Clone()
			out = append(out, Change{ID: NodeChangeID(id), Kind: KindNode, Op: OpAdded, CurrentNode: &c})
			continue
		}
		if !graph.LooseNodeEqual(cur, base) {
			c, p := cur.Clone(), base.Clone()
			out = append(out, Change{ID: NodeChangeID(id), Kind: KindNode, Op: OpModified, CurrentNode: &c, PreviousNode: &p})
		}
	}
	for id, base := range baseIndex {
		if _, ok := curIndex[id]; !ok {
			p := base.Clone()
			out = append(out, Change{ID: NodeChangeID(id), Kind: KindNode, Op: OpRemoved, PreviousNode: &p})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func diffEdges(current, baseline []graph.Edge) []Change {
	curIndex := graph.EdgeIndex(current)
	baseIndex := graph.EdgeIndex(baseline)

	var out []Change
	for id, cur := range curIndex {
		base, ok := baseIndex[id]
		if !ok {
			c := cur.Clone()
			out = append(out, Change{ID: EdgeChangeID(id), Kind: KindEdge, Op: OpAdded, CurrentEdge: &c})
			continue
		}
		if !graph.LooseEdgeEqual(cur, base) {
			c, p := cur.Clone(), base.Clone()
			out = append(out, Change{ID: EdgeChangeID(id), Kind: KindEdge, Op: OpModified, CurrentEdge: &c, PreviousEdge: &p})
		}
	}
	for id, base := range baseIndex {
		if _, ok := curIndex[id]; !ok {
			p := base.Clone()
			out = append(out, Change{ID: EdgeChangeID(id), Kind: KindEdge, Op: OpRemoved, PreviousEdge: &p})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the change ids in list order.
func IDs(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.ID
	}
	return out
}

// Filter returns the changes whose id the keep predicate accepts,
// preserving order.
func Filter(changes []Change, keep func(id string) bool) []Change {
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if keep(c.ID) {
			out = append(out, c)
		}
	}
	return out
}

// ----- Wire format -----

// changeWire is the JSON shape shared with the code-generation service:
// {"id", "kind", "changeType", "currentEntity", "previousEntity"}.
type changeWire struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	ChangeType Op              `json:"changeType"`
	Current    json.RawMessage `json:"currentEntity,omitempty"`
	Previous   json.RawMessage `json:"previousEntity,omitempty"`
}

// MarshalJSON writes the wire shape, picking the entity payloads by
// kind.
func (c Change) MarshalJSON() ([]byte, error) {
	w := changeWire{ID: c.ID, Kind: c.Kind, ChangeType: c.Op}

	var current, previous interface{}
	switch c.Kind {
	case KindNode:
		if c.CurrentNode != nil {
			current = c.CurrentNode
		}
		if c.PreviousNode != nil {
			previous = c.PreviousNode
		}
	case KindEdge:
		if c.CurrentEdge != nil {
			current = c.CurrentEdge
		}
		if c.PreviousEdge != nil {
			previous = c.PreviousEdge
		}
	default:
		return nil, fmt.Errorf("unknown change kind %q", c.Kind)
	}

	var err error
	if current != nil {
		if w.Current, err = json.Marshal(current); err != nil {
			return nil, err
		}
	}
	if previous != nil {
		if w.Previous, err = json.Marshal(previous); err != nil {
			return nil, err
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the wire shape back into the tagged union.
func (c *Change) UnmarshalJSON(data []byte) error {
	var w changeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*c = Change{ID: w.ID, Kind: w.Kind, Op: w.ChangeType}
	switch w.Kind {
	case KindNode:
		if len(w.Current) > 0 {
			var n graph.Node
			if err := json.Unmarshal(w.Current, &n); err != nil {
				return fmt.Errorf("decoding current node: %w", err)
			}
			c.CurrentNode = &n
		}
		if len(w.Previous) > 0 {
			var n graph.Node
			if err := json.Unmarshal(w.Previous, &n); err != nil {
				return fmt.Errorf("decoding previous node: %w", err)
			}
			c.PreviousNode = &n
		}
	case KindEdge:
		if len(w.Current) > 0 {
			var e graph.Edge
			if err := json.Unmarshal(w.Current, &e); err != nil {
				return fmt.Errorf("decoding current edge: %w", err)
			}
			c.CurrentEdge = &e
		}
		if len(w.Previous) > 0 {
			var e graph.Edge
			if err := json.Unmarshal(w.Previous, &e); err != nil {
				return fmt.Errorf("decoding previous edge: %w", err)
			}
			c.PreviousEdge = &e
		}
	default:
		return fmt.Errorf("unknown change kind %q", w.Kind)
	}
	return nil
}
