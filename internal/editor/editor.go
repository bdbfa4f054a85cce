// Package editor is the single-writer facade over one graph's editing
// state: the live snapshot, the pending diff against the last synced
// baseline, the staged subset, the undo/redo history and the sync
// protocol. Every mutation funnels through one code path so that diff
// recomputation, staging reconciliation, history bookkeeping and
// selection repair can never drift apart.
//
// The editor itself is not goroutine-safe; the session layer serializes
// access.
package editor

import (
	"context"
	"fmt"

	"flowlab/internal/codegen"
	"flowlab/internal/commit"
	"flowlab/internal/diff"
	"flowlab/internal/graph"
	"flowlab/internal/history"
	"flowlab/internal/stage"
)

// DefaultNodeType is assigned to nodes arriving without a type.
const DefaultNodeType = "default"

// Generator produces files from a sync payload. *codegen.Client
// satisfies it; tests substitute fakes.
type Generator interface {
	Generate(ctx context.Context, req codegen.SyncRequest) ([]codegen.GeneratedFile, error)
}

// Editor holds the full editing state of one graph.
type Editor struct {
	live     graph.Snapshot
	pending  []diff.Change
	tracker  *stage.Tracker
	hist     *history.Stack
	commits  *commit.Coordinator
	selected []string
}

// New creates an editor over the given starting graph. The baseline
// starts empty, so every initial entity shows up as a pending addition
// until the first sync. historyCapacity <= 0 selects the default.
func New(initial graph.Snapshot, historyCapacity int) *Editor {
	live := Sanitize(initial)
	e := &Editor{
		live:    live,
		tracker: stage.NewTracker(),
		hist:    history.NewStack(live, historyCapacity),
		commits: commit.NewCoordinator(graph.Snapshot{}),
	}
	e.recompute()
	return e
}

// ----- Mutations -----

// SetGraph replaces the live graph wholesale. This is the hook the
// hosting surface calls after an edit it performed itself; the snapshot
// is sanitized on the way in.
func (e *Editor) SetGraph(snap graph.Snapshot) {
	e.commitLive(Sanitize(snap))
}

// AddNode inserts a node, replacing any existing node with the same id.
func (e *Editor) AddNode(n graph.Node) graph.Node {
	n = sanitizeNode(n.Clone())
	next := e.live.Clone()
	replaced := false
	for i := range next.Nodes {
		if next.Nodes[i].ID == n.ID {
			next.Nodes[i] = n
			replaced = true
			break
		}
	}
	if !replaced {
		next.Nodes = append(next.Nodes, n)
	}
	e.commitLive(next)
	return n.Clone()
}

// RemoveNode deletes a node and every edge touching it. Reports whether
// the node existed.
func (e *Editor) RemoveNode(id string) bool {
	if _, ok := e.live.FindNode(id); !ok {
		return false
	}
	next := e.live.Clone()
	kept := next.Nodes[:0]
	for _, n := range next.Nodes {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	next.Nodes = kept
	next.Edges = dropDangling(next.Edges, next.Nodes)
	e.commitLive(next)
	return true
}

// MoveNode sets a node's position. Reports whether the node existed.
// Position-only moves never produce pending changes; they matter to the
// undo history.
func (e *Editor) MoveNode(id string, pos graph.Position) bool {
	if _, ok := e.live.FindNode(id); !ok {
		return false
	}
	next := e.live.Clone()
	for i := range next.Nodes {
		if next.Nodes[i].ID == id {
			next.Nodes[i].Position = pos
			break
		}
	}
	e.commitLive(next)
	return true
}

// AddEdge inserts an edge, replacing any existing edge with the same
// id. Edges whose endpoints do not exist are refused.
func (e *Editor) AddEdge(edge graph.Edge) bool {
	if _, ok := e.live.FindNode(edge.Source); !ok {
		return false
	}
	if _, ok := e.live.FindNode(edge.Target); !ok {
		return false
	}
	edge = edge.Clone()
	next := e.live.Clone()
	replaced := false
	for i := range next.Edges {
		if next.Edges[i].ID == edge.ID {
			next.Edges[i] = edge
			replaced = true
			break
		}
	}
	if !replaced {
		next.Edges = append(next.Edges, edge)
	}
	e.commitLive(next)
	return true
}

// RemoveEdge deletes an edge. Reports whether it existed.
func (e *Editor) RemoveEdge(id string) bool {
	if _, ok := e.live.FindEdge(id); !ok {
		return false
	}
	next := e.live.Clone()
	kept := next.Edges[:0]
	for _, edge := range next.Edges {
		if edge.ID != id {
			kept = append(kept, edge)
		}
	}
	next.Edges = kept
	e.commitLive(next)
	return true
}

// Select replaces the selection, keeping only ids that name live nodes.
func (e *Editor) Select(ids []string) {
	idx := graph.NodeIndex(e.live.Nodes)
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := idx[id]; ok {
			kept = append(kept, id)
		}
	}
	e.selected = kept
}

// ----- Drag lifecycle -----

// BeginDrag opens an interactive drag gesture. Mutations until EndDrag
// coalesce into at most one history entry.
func (e *Editor) BeginDrag() {
	e.hist.BeginDrag(e.live)
}

// EndDrag closes the gesture.
func (e *Editor) EndDrag() {
	e.hist.EndDrag(e.live)
}

// ----- Undo / redo -----

// Undo restores the previous history snapshot. Reports false when
// there is nothing to undo.
func (e *Editor) Undo() bool {
	snap, ok := e.hist.Undo()
	if !ok {
		return false
	}
	e.commitLive(snap)
	return true
}

// Redo reapplies the next history snapshot. Reports false when there
// is nothing to redo.
func (e *Editor) Redo() bool {
	snap, ok := e.hist.Redo()
	if !ok {
		return false
	}
	e.commitLive(snap)
	return true
}

// CanUndo reports whether undo history exists.
func (e *Editor) CanUndo() bool { return e.hist.CanUndo() }

// CanRedo reports whether redo history exists.
func (e *Editor) CanRedo() bool { return e.hist.CanRedo() }

// ----- Staging -----

// ToggleStage flips the staged state of one pending change. Reports
// false when the id is not currently pending.
func (e *Editor) ToggleStage(changeID string) bool {
	if !e.isPending(changeID) {
		return false
	}
	e.tracker.Toggle(changeID)
	return true
}

// StageAll stages every pending change.
func (e *Editor) StageAll() {
	e.tracker.StageAll()
}

// UnstageAll unstages every pending change.
func (e *Editor) UnstageAll() {
	e.tracker.UnstageAll()
}

// IsStaged reports whether the change id is staged.
func (e *Editor) IsStaged(changeID string) bool {
	return e.tracker.IsStaged(changeID)
}

// StagedIDs returns the staged change ids, sorted.
func (e *Editor) StagedIDs() []string {
	return e.tracker.StagedIDs()
}

// ----- Revert -----

// Revert applies the inverse of one pending change to the live graph:
// an addition is deleted, a removal reinserted, a modification rolled
// back to its previous entity. The mutation flows through the normal
// history path, so a revert is itself undoable. Unknown ids are a
// silent no-op returning false.
func (e *Editor) Revert(changeID string) bool {
	var target *diff.Change
	for i := range e.pending {
		if e.pending[i].ID == changeID {
			target = &e.pending[i]
			break
		}
	}
	if target == nil {
		return false
	}

	next := e.live.Clone()
	switch target.Kind {
	case diff.KindNode:
		next.Nodes = revertNode(next.Nodes, target)
		if target.Op == diff.OpAdded {
			next.Edges = dropDangling(next.Edges, next.Nodes)
		}
	case diff.KindEdge:
		next.Edges = revertEdge(next.Edges, next.Nodes, target)
	}
	e.commitLive(next)
	return true
}

func revertNode(nodes []graph.Node, ch *diff.Change) []graph.Node {
	switch ch.Op {
	case diff.OpAdded:
		kept := nodes[:0]
		for _, n := range nodes {
			if n.ID != ch.CurrentNode.ID {
				kept = append(kept, n)
			}
		}
		return kept
	case diff.OpRemoved:
		if _, ok := graph.NodeIndex(nodes)[ch.PreviousNode.ID]; ok {
			return nodes
		}
		return append(nodes, ch.PreviousNode.Clone())
	default: // modified
		for i := range nodes {
			if nodes[i].ID == ch.PreviousNode.ID {
				nodes[i] = ch.PreviousNode.Clone()
				break
			}
		}
		return nodes
	}
}

func revertEdge(edges []graph.Edge, nodes []graph.Node, ch *diff.Change) []graph.Edge {
	switch ch.Op {
	case diff.OpAdded:
		kept := edges[:0]
		for _, edge := range edges {
			if edge.ID != ch.CurrentEdge.ID {
				kept = append(kept, edge)
			}
		}
		return kept
	case diff.OpRemoved:
		if _, ok := graph.EdgeIndex(edges)[ch.PreviousEdge.ID]; ok {
			return edges
		}
		// Reinserting an edge whose endpoints are gone would dangle;
		// leave the graph alone and let the change stay pending.
		idx := graph.NodeIndex(nodes)
		if _, ok := idx[ch.PreviousEdge.Source]; !ok {
			return edges
		}
		if _, ok := idx[ch.PreviousEdge.Target]; !ok {
			return edges
		}
		return append(edges, ch.PreviousEdge.Clone())
	default: // modified
		for i := range edges {
			if edges[i].ID == ch.PreviousEdge.ID {
				edges[i] = ch.PreviousEdge.Clone()
				break
			}
		}
		return edges
	}
}

// ----- Sync -----

// BeginSync opens the two-phase sync: the staged payload is captured
// and the outbound request built from the live graph. Fails with
// commit.ErrSyncInFlight or commit.ErrNothingStaged.
func (e *Editor) BeginSync() (codegen.SyncRequest, error) {
	staged := diff.Filter(e.pending, e.tracker.IsStaged)
	payload, err := e.commits.Begin(staged)
	if err != nil {
		return codegen.SyncRequest{}, err
	}

	snap := e.live.Clone()
	return codegen.SyncRequest{
		Nodes:   snap.Nodes,
		Edges:   snap.Edges,
		Changes: payload,
		Intent:  codegen.IntentSync,
	}, nil
}

// FinishSync completes the sync: the captured payload folds into the
// baseline, the version advances and the entire staged set clears.
// Changes staged while the sync was in flight come out unstaged but
// still pending.
func (e *Editor) FinishSync() commit.Baseline {
	base := e.commits.Complete()
	e.tracker.ClearStaged()
	e.recompute()
	return base
}

// FailSync abandons the in-flight sync. Baseline, version, staging and
// pending state are untouched.
func (e *Editor) FailSync() {
	e.commits.Fail()
}

// Sync runs the whole protocol in one blocking call.
func (e *Editor) Sync(ctx context.Context, gen Generator) (commit.Baseline, []codegen.GeneratedFile, error) {
	req, err := e.BeginSync()
	if err != nil {
		return e.Baseline(), nil, err
	}
	files, err := gen.Generate(ctx, req)
	if err != nil {
		e.FailSync()
		return e.Baseline(), nil, fmt.Errorf("sync failed: %w", err)
	}
	return e.FinishSync(), files, nil
}

// SyncInFlight reports whether a sync is between BeginSync and
// FinishSync/FailSync.
func (e *Editor) SyncInFlight() bool {
	return e.commits.InFlight()
}

// ----- Accessors -----

// Graph returns an independent copy of the live graph.
func (e *Editor) Graph() graph.Snapshot {
	return e.live.Clone()
}

// Baseline returns the last synced baseline with an independent graph
// copy.
func (e *Editor) Baseline() commit.Baseline {
	b := e.commits.Baseline()
	b.Graph = b.Graph.Clone()
	return b
}

// Version returns the sync counter, zero before the first sync.
func (e *Editor) Version() int {
	return e.commits.Baseline().Version
}

// PendingChanges returns the current diff against the baseline. The
// slice is a copy; the entities inside are shared and must be treated
// as read-only.
func (e *Editor) PendingChanges() []diff.Change {
	out := make([]diff.Change, len(e.pending))
	copy(out, e.pending)
	return out
}

// Selection returns the selected node ids.
func (e *Editor) Selection() []string {
	out := make([]string, len(e.selected))
	copy(out, e.selected)
	return out
}

// ----- Persistence -----

// State is the serializable form of an editor. History is deliberately
// absent: undo stacks do not survive a restart.
type State struct {
	Live     graph.Snapshot `json:"live"`
	Baseline graph.Snapshot `json:"baseline"`
	Version  int            `json:"version"`
	SyncedAt int64          `json:"syncedAt,omitempty"`
	Staged   []string       `json:"staged,omitempty"`
	Seen     []string       `json:"seen,omitempty"`
	Selected []string       `json:"selected,omitempty"`
}

// ExportState captures everything needed to rebuild this editor.
func (e *Editor) ExportState() State {
	base := e.commits.Baseline()
	return State{
		Live:     e.live.Clone(),
		Baseline: base.Graph.Clone(),
		Version:  base.Version,
		SyncedAt: base.SyncedAt,
		Staged:   e.tracker.StagedIDs(),
		Seen:     e.tracker.SeenIDs(),
		Selected: e.Selection(),
	}
}

// FromState rebuilds an editor from a persisted State with a fresh
// history.
func FromState(st State, historyCapacity int) *Editor {
	live := st.Live.Clone()
	e := &Editor{
		live:    live,
		tracker: stage.Restore(st.Staged, st.Seen),
		hist:    history.NewStack(live, historyCapacity),
		commits: commit.Restore(commit.Baseline{
			Graph:    st.Baseline,
			Version:  st.Version,
			SyncedAt: st.SyncedAt,
		}),
		selected: append([]string(nil), st.Selected...),
	}
	e.recompute()
	return e
}

// ----- Internals -----

// commitLive is the single funnel for live-graph replacement: history
// records the mutation, then pending changes, staging and selection
// reconcile against the new state.
func (e *Editor) commitLive(next graph.Snapshot) {
	e.hist.Record(next)
	e.live = next
	e.recompute()
}

func (e *Editor) recompute() {
	e.pending = diff.Compute(e.live, e.commits.Baseline().Graph)
	e.tracker.Reconcile(diff.IDs(e.pending))
	e.repairSelection()
}

// repairSelection drops selected ids that no longer name a live node.
// A selection emptied by the repair falls back to the first node so the
// surface never points at nothing while nodes exist.
func (e *Editor) repairSelection() {
	if len(e.selected) == 0 {
		return
	}
	idx := graph.NodeIndex(e.live.Nodes)
	kept := make([]string, 0, len(e.selected))
	for _, id := range e.selected {
		if _, ok := idx[id]; ok {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 && len(e.live.Nodes) > 0 {
		kept = append(kept, e.live.Nodes[0].ID)
	}
	e.selected = kept
}

func (e *Editor) isPending(changeID string) bool {
	for _, ch := range e.pending {
		if ch.ID == changeID {
			return true
		}
	}
	return false
}

// Sanitize normalizes a host-provided snapshot: nodes get a non-empty
// label and a kind tag derived from their type, and edges referencing
// missing nodes are dropped. The input is not modified.
func Sanitize(snap graph.Snapshot) graph.Snapshot {
	out := snap.Clone()
	for i := range out.Nodes {
		out.Nodes[i] = sanitizeNode(out.Nodes[i])
	}
	out.Edges = dropDangling(out.Edges, out.Nodes)
	return out
}

func sanitizeNode(n graph.Node) graph.Node {
	if n.Type == "" {
		n.Type = DefaultNodeType
	}
	if n.Data == nil {
		n.Data = make(map[string]interface{})
	}
	if s, ok := n.Data["label"].(string); !ok || s == "" {
		n.Data["label"] = n.ID
	}
	if s, ok := n.Data["kind"].(string); !ok || s == "" {
		n.Data["kind"] = n.Type
	}
	return n
}

func dropDangling(edges []graph.Edge, nodes []graph.Node) []graph.Edge {
	idx := graph.NodeIndex(nodes)
	kept := edges[:0]
	for _, edge := range edges {
		if _, ok := idx[edge.Source]; !ok {
			continue
		}
		if _, ok := idx[edge.Target]; !ok {
			continue
		}
		kept = append(kept, edge)
	}
	return kept
}
