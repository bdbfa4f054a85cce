// Package commit owns the synced baseline and the two-phase sync
// protocol around it. A sync captures its payload when it begins, runs
// without holding the graph still, and on completion folds exactly that
// payload into the baseline. Failure leaves the baseline, version and
// timestamp untouched.
package commit

import (
	"errors"

	"flowlab/internal/cas"
	"flowlab/internal/diff"
	"flowlab/internal/graph"
)

var (
	// ErrSyncInFlight is returned by Begin while a previous sync has not
	// completed or failed.
	ErrSyncInFlight = errors.New("commit: sync already in flight")

	// ErrNothingStaged is returned by Begin when the staged payload is
	// empty.
	ErrNothingStaged = errors.New("commit: nothing staged")
)

// Baseline is the last synced state: the graph the backend has seen,
// how many syncs produced it and when the latest one landed.
type Baseline struct {
	Graph    graph.Snapshot
	Version  int
	SyncedAt int64 // unix ms, zero until the first sync
}

// Coordinator serializes syncs against a baseline. It is not
// goroutine-safe; callers hold their own lock around Begin, Complete
// and Fail.
type Coordinator struct {
	baseline Baseline
	inFlight bool
	flight   []diff.Change
}

// NewCoordinator starts at version zero with the given graph as the
// unsynced baseline.
func NewCoordinator(initial graph.Snapshot) *Coordinator {
	return &Coordinator{
		baseline: Baseline{Graph: initial.Clone()},
	}
}

// Restore rehydrates a coordinator from persisted state.
func Restore(b Baseline) *Coordinator {
	b.Graph = b.Graph.Clone()
	return &Coordinator{baseline: b}
}

// Baseline returns the current baseline. The graph inside is shared;
// callers treat it as read-only and Clone before mutating.
func (c *Coordinator) Baseline() Baseline {
	return c.baseline
}

// InFlight reports whether a sync is between Begin and
// Complete/Fail.
func (c *Coordinator) InFlight() bool {
	return c.inFlight
}

// Begin opens a sync over the staged changes and returns the captured
// payload. Later edits to the live graph do not alter it. Begin fails
// with ErrSyncInFlight or ErrNothingStaged without side effects.
func (c *Coordinator) Begin(staged []diff.Change) ([]diff.Change, error) {
	if c.inFlight {
		return nil, ErrSyncInFlight
	}
	if len(staged) == 0 {
		return nil, ErrNothingStaged
	}

	c.flight = make([]diff.Change, len(staged))
	copy(c.flight, staged)
	c.inFlight = true

	out := make([]diff.Change, len(c.flight))
	copy(out, c.flight)
	return out, nil
}

// Complete folds the in-flight payload into the baseline, bumps the
// version and stamps the sync time. The first completed sync yields
// version 1.
func (c *Coordinator) Complete() Baseline {
	if !c.inFlight {
		return c.baseline
	}

	c.baseline.Graph = Fold(c.baseline.Graph, c.flight)
	c.baseline.Version++
	c.baseline.SyncedAt = cas.NowMs()

	c.inFlight = false
	c.flight = nil
	return c.baseline
}

// Fail abandons the in-flight sync. The baseline is exactly as it was
// before Begin.
func (c *Coordinator) Fail() {
	c.inFlight = false
	c.flight = nil
}

// Fold applies a change set to a graph: additions and modifications
// upsert, removals delete. Existing entities keep their slice position;
// new ones append in payload order. The input graph is not modified.
func Fold(base graph.Snapshot, changes []diff.Change) graph.Snapshot {
	next := base.Clone()
	for _, ch := range changes {
		switch ch.Kind {
		case diff.KindNode:
			if ch.Op == diff.OpRemoved {
				next.Nodes = deleteNode(next.Nodes, ch)
			} else if ch.CurrentNode != nil {
				next.Nodes = upsertNode(next.Nodes, ch.CurrentNode.Clone())
			}
		case diff.KindEdge:
			if ch.Op == diff.OpRemoved {
				next.Edges = deleteEdge(next.Edges, ch)
			} else if ch.CurrentEdge != nil {
				next.Edges = upsertEdge(next.Edges, ch.CurrentEdge.Clone())
			}
		}
	}
	return next
}

func upsertNode(nodes []graph.Node, n graph.Node) []graph.Node {
	for i := range nodes {
		if nodes[i].ID == n.ID {
			nodes[i] = n
			return nodes
		}
	}
	return append(nodes, n)
}

func deleteNode(nodes []graph.Node, ch diff.Change) []graph.Node {
	if ch.PreviousNode == nil {
		return nodes
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.ID != ch.PreviousNode.ID {
			out = append(out, n)
		}
	}
	return out
}

func upsertEdge(edges []graph.Edge, e graph.Edge) []graph.Edge {
	for i := range edges {
		if edges[i].ID == e.ID {
			edges[i] = e
			return edges
		}
	}
	return append(edges, e)
}

func deleteEdge(edges []graph.Edge, ch diff.Change) []graph.Edge {
	if ch.PreviousEdge == nil {
		return edges
	}
	out := edges[:0]
	for _, e := range edges {
		if e.ID != ch.PreviousEdge.ID {
			out = append(out, e)
		}
	}
	return out
}
