package graph

import "reflect"

// Two tiers of equality. The loose predicates feed sync diffing and
// deliberately ignore cosmetic fields (position, style, edge type,
// label, animated) so repositioning a node does not make it "needs
// sync". The strict predicates feed undo-history change detection and
// must catch every observable difference, position included.

// ShallowEqual reports whether two data maps have the same key set and
// identical values under Go's == for identical comparable types.
// Composite values (nested maps, slices) never compare equal: deep
// copies never share references, which is the reference-equality
// behavior list comparisons rely on.
func ShallowEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !scalarEqual(av, bv) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}

// LooseNodeEqual reports whether two nodes are equal for sync-diffing
// purposes: same type and shallow-equal data. Position and style are
// ignored.
func LooseNodeEqual(a, b Node) bool {
	return a.Type == b.Type && ShallowEqual(a.Data, b.Data)
}

// LooseEdgeEqual reports whether two edges are equal for sync-diffing
// purposes: same endpoints and handles, shallow-equal data. Edge type,
// label and animated are ignored at this tier.
func LooseEdgeEqual(a, b Edge) bool {
	return a.Source == b.Source &&
		a.Target == b.Target &&
		a.SourceHandle == b.SourceHandle &&
		a.TargetHandle == b.TargetHandle &&
		ShallowEqual(a.Data, b.Data)
}

// StrictNodesEqual reports whether two node lists are equal for
// undo-history purposes: same length, same id set, and per id identical
// position, type, shallow-equal style and data. Order-insensitive.
func StrictNodesEqual(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	index := NodeIndex(b)
	for _, n := range a {
		m, ok := index[n.ID]
		if !ok {
			return false
		}
		if n.Position.X != m.Position.X || n.Position.Y != m.Position.Y {
			return false
		}
		if n.Type != m.Type {
			return false
		}
		if !ShallowEqual(n.Style, m.Style) {
			return false
		}
		if !ShallowEqual(n.Data, m.Data) {
			return false
		}
	}
	return true
}

// StrictEdgesEqual reports whether two edge lists are equal for
// undo-history purposes: loose equality plus type, label and animated.
// Absent optional fields carry their zero values, so absence and an
// explicit default compare equal.
func StrictEdgesEqual(a, b []Edge) bool {
	if len(a) != len(b) {
		return false
	}
	index := EdgeIndex(b)
	for _, e := range a {
		m, ok := index[e.ID]
		if !ok {
			return false
		}
		if !LooseEdgeEqual(e, m) {
			return false
		}
		if e.Type != m.Type || e.Label != m.Label || e.Animated != m.Animated {
			return false
		}
	}
	return true
}

// StrictEqual reports whether two snapshots are equal under the strict
// tier. This is the predicate deciding whether a mutation is
// history-worthy.
func StrictEqual(a, b Snapshot) bool {
	return StrictNodesEqual(a.Nodes, b.Nodes) && StrictEdgesEqual(a.Edges, b.Edges)
}
