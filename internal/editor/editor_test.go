package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"flowlab/internal/codegen"
	"flowlab/internal/commit"
	"flowlab/internal/diff"
	"flowlab/internal/graph"
)

func taskNode(id, label string, x float64) graph.Node {
	return graph.Node{
		ID:       id,
		Type:     "task",
		Position: graph.Position{X: x},
		Data:     map[string]interface{}{"label": label, "kind": "task"},
	}
}

type fakeGen struct {
	files []codegen.GeneratedFile
	err   error
	reqs  []codegen.SyncRequest
}

func (f *fakeGen) Generate(ctx context.Context, req codegen.SyncRequest) ([]codegen.GeneratedFile, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.files, nil
}

func TestNew_InitialGraphIsPending(t *testing.T) {
	ed := New(graph.Snapshot{
		Nodes: []graph.Node{taskNode("a", "a", 0), taskNode("b", "b", 10)},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}, 0)

	want := []string{"node:a", "node:b", "edge:e1"}
	got := diff.IDs(ed.PendingChanges())
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	for _, id := range want {
		if !ed.IsStaged(id) {
			t.Errorf("initial change %s not auto-staged", id)
		}
	}
	if ed.Version() != 0 {
		t.Errorf("version before first sync = %d, want 0", ed.Version())
	}
}

// The end-to-end staging scenario: a modified node is unstaged by the
// user, a new node stays staged, and a sync ships only the staged one.
func TestPartialSyncScenario(t *testing.T) {
	base := graph.Snapshot{Nodes: []graph.Node{taskNode("a", "x", 0)}}
	ed := FromState(State{Live: base.Clone(), Baseline: base.Clone()}, 0)

	ed.AddNode(taskNode("a", "y", 0)) // modify a's label
	ed.AddNode(taskNode("b", "b", 10))
	if !ed.ToggleStage("node:a") {
		t.Fatal("toggling a pending change failed")
	}

	pending := ed.PendingChanges()
	if got := diff.IDs(pending); !reflect.DeepEqual(got, []string{"node:a", "node:b"}) {
		t.Fatalf("pending = %v, want [node:a node:b]", got)
	}
	if pending[0].Op != diff.OpModified || pending[1].Op != diff.OpAdded {
		t.Fatalf("ops = %v/%v, want modified/added", pending[0].Op, pending[1].Op)
	}
	if got := ed.StagedIDs(); !reflect.DeepEqual(got, []string{"node:b"}) {
		t.Fatalf("staged = %v, want [node:b]", got)
	}

	gen := &fakeGen{}
	baseAfter, _, err := ed.Sync(context.Background(), gen)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// The request carries the full live graph but only the staged change.
	req := gen.reqs[0]
	if len(req.Nodes) != 2 {
		t.Errorf("request nodes = %d, want the full live list", len(req.Nodes))
	}
	if len(req.Changes) != 1 || req.Changes[0].ID != "node:b" {
		t.Fatalf("request changes = %v, want only node:b", diff.IDs(req.Changes))
	}

	// Baseline gained b but kept a's old label; version advanced to 1.
	if baseAfter.Version != 1 {
		t.Errorf("version = %d, want 1", baseAfter.Version)
	}
	a, ok := baseAfter.Graph.FindNode("a")
	if !ok || a.Data["label"] != "x" {
		t.Errorf("baseline a = %+v, want untouched label x", a)
	}
	if _, ok := baseAfter.Graph.FindNode("b"); !ok {
		t.Error("baseline missing synced node b")
	}

	// The unstaged modification is still pending and still unstaged.
	if got := diff.IDs(ed.PendingChanges()); !reflect.DeepEqual(got, []string{"node:a"}) {
		t.Fatalf("pending after sync = %v, want [node:a]", got)
	}
	if ed.IsStaged("node:a") {
		t.Error("node:a re-staged itself after sync")
	}
}

func TestSyncFailure_LeavesStateUntouched(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)
	ed.Select([]string{"a"})
	before := ed.ExportState()

	_, _, err := ed.Sync(context.Background(), &fakeGen{err: errors.New("backend down")})
	if err == nil {
		t.Fatal("expected sync failure")
	}

	if after := ed.ExportState(); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed sync mutated state:\nbefore %+v\nafter  %+v", before, after)
	}
	if ed.SyncInFlight() {
		t.Fatal("in-flight flag stuck after failure")
	}

	// Recovery is a plain retry.
	if _, _, err := ed.Sync(context.Background(), &fakeGen{}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if ed.Version() != 1 {
		t.Errorf("version after retry = %d, want 1", ed.Version())
	}
}

func TestSync_NothingStaged(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)
	ed.UnstageAll()

	_, _, err := ed.Sync(context.Background(), &fakeGen{})
	if !errors.Is(err, commit.ErrNothingStaged) {
		t.Fatalf("error = %v, want ErrNothingStaged", err)
	}
}

func TestSync_EditableWhileInFlight(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)

	req, err := ed.BeginSync()
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if len(req.Changes) != 1 || req.Changes[0].ID != "node:a" {
		t.Fatalf("captured payload = %v", diff.IDs(req.Changes))
	}

	// The graph stays editable mid-flight; the payload does not grow.
	ed.AddNode(taskNode("b", "b", 10))
	if got := diff.IDs(ed.PendingChanges()); !reflect.DeepEqual(got, []string{"node:a", "node:b"}) {
		t.Fatalf("pending mid-flight = %v", got)
	}

	if _, err := ed.BeginSync(); !errors.Is(err, commit.ErrSyncInFlight) {
		t.Fatalf("second BeginSync error = %v, want ErrSyncInFlight", err)
	}

	base := ed.FinishSync()
	if base.Version != 1 {
		t.Errorf("version = %d, want 1", base.Version)
	}
	if _, ok := base.Graph.FindNode("b"); ok {
		t.Error("mid-flight addition leaked into the folded baseline")
	}

	// b stays pending but the full staged clear left it unstaged.
	if got := diff.IDs(ed.PendingChanges()); !reflect.DeepEqual(got, []string{"node:b"}) {
		t.Fatalf("pending after finish = %v, want [node:b]", got)
	}
	if ed.IsStaged("node:b") {
		t.Error("mid-flight change came out of the sync staged")
	}
}

func TestRevert_RoundTrip(t *testing.T) {
	base := graph.Snapshot{
		Nodes: []graph.Node{taskNode("a", "a", 0), taskNode("b", "b", 10)},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b", Data: map[string]interface{}{"w": 1.0}}},
	}

	cases := []struct {
		name     string
		mutate   func(*Editor)
		changeID string
	}{
		{"added node", func(ed *Editor) { ed.AddNode(taskNode("c", "c", 5)) }, "node:c"},
		{"modified node", func(ed *Editor) { ed.AddNode(taskNode("a", "renamed", 0)) }, "node:a"},
		{"removed node", func(ed *Editor) { ed.RemoveNode("b") }, "node:b"},
		{"added edge", func(ed *Editor) { ed.AddEdge(graph.Edge{ID: "e2", Source: "b", Target: "a"}) }, "edge:e2"},
		{"modified edge", func(ed *Editor) {
			ed.AddEdge(graph.Edge{ID: "e1", Source: "a", Target: "b", Data: map[string]interface{}{"w": 2.0}})
		}, "edge:e1"},
		{"removed edge", func(ed *Editor) { ed.RemoveEdge("e1") }, "edge:e1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ed := FromState(State{Live: base.Clone(), Baseline: base.Clone()}, 0)
			tc.mutate(ed)

			found := false
			for _, id := range diff.IDs(ed.PendingChanges()) {
				if id == tc.changeID {
					found = true
				}
			}
			if !found {
				t.Fatalf("mutation did not produce %s: %v", tc.changeID, diff.IDs(ed.PendingChanges()))
			}

			if !ed.Revert(tc.changeID) {
				t.Fatalf("revert of %s failed", tc.changeID)
			}
			for _, id := range diff.IDs(ed.PendingChanges()) {
				if id == tc.changeID {
					t.Fatalf("%s still pending after revert", tc.changeID)
				}
			}
		})
	}
}

func TestRevert_RemovedNodeThenEdge_RestoresBaseline(t *testing.T) {
	base := graph.Snapshot{
		Nodes: []graph.Node{taskNode("a", "a", 0), taskNode("b", "b", 10)},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
	ed := FromState(State{Live: base.Clone(), Baseline: base.Clone()}, 0)

	// Removing b also drops its edge, leaving two pending removals.
	ed.RemoveNode("b")
	if got := diff.IDs(ed.PendingChanges()); !reflect.DeepEqual(got, []string{"node:b", "edge:e1"}) {
		t.Fatalf("pending = %v, want [node:b edge:e1]", got)
	}

	ed.Revert("node:b")
	ed.Revert("edge:e1")

	if n := len(ed.PendingChanges()); n != 0 {
		t.Fatalf("%d changes still pending after full revert", n)
	}
	if !graph.StrictEqual(ed.Graph(), base) {
		t.Fatal("graph did not return to the baseline state")
	}
}

func TestRevert_UnknownIDIsNoop(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)
	before := ed.Graph()

	if ed.Revert("node:ghost") {
		t.Fatal("unknown change id must report false")
	}
	if !graph.StrictEqual(ed.Graph(), before) {
		t.Fatal("no-op revert mutated the graph")
	}
}

func TestRevert_IsUndoable(t *testing.T) {
	base := graph.Snapshot{Nodes: []graph.Node{taskNode("a", "x", 0)}}
	ed := FromState(State{Live: base.Clone(), Baseline: base.Clone()}, 0)

	ed.AddNode(taskNode("a", "y", 0))
	ed.Revert("node:a")

	a, _ := ed.Graph().FindNode("a")
	if a.Data["label"] != "x" {
		t.Fatalf("revert did not roll back: label = %v", a.Data["label"])
	}

	if !ed.Undo() {
		t.Fatal("undo after revert failed")
	}
	a, _ = ed.Graph().FindNode("a")
	if a.Data["label"] != "y" {
		t.Fatalf("undo of revert: label = %v, want y", a.Data["label"])
	}
	if got := diff.IDs(ed.PendingChanges()); !reflect.DeepEqual(got, []string{"node:a"}) {
		t.Fatalf("pending after undo = %v, want [node:a]", got)
	}
}

func TestUndoRedo_Duality(t *testing.T) {
	ed := New(graph.Snapshot{}, 0)

	states := []graph.Snapshot{ed.Graph()}
	for i := 0; i < 5; i++ {
		ed.AddNode(taskNode(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i), float64(i)))
		states = append(states, ed.Graph())
	}

	for k := 1; k <= 5; k++ {
		if !ed.Undo() {
			t.Fatalf("undo %d failed", k)
		}
		if !graph.StrictEqual(ed.Graph(), states[5-k]) {
			t.Fatalf("after %d undos the graph does not match state %d", k, 5-k)
		}
	}
	if ed.Undo() {
		t.Fatal("undo past the first state must no-op")
	}

	for k := 1; k <= 5; k++ {
		if !ed.Redo() {
			t.Fatalf("redo %d failed", k)
		}
		if !graph.StrictEqual(ed.Graph(), states[k]) {
			t.Fatalf("after %d redos the graph does not match state %d", k, k)
		}
	}
	if ed.Redo() {
		t.Fatal("redo past the last state must no-op")
	}
}

func TestDrag_SingleHistoryEntry(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)

	ed.BeginDrag()
	for x := 1.0; x <= 25; x++ {
		ed.MoveNode("a", graph.Position{X: x})
	}
	ed.EndDrag()

	if !ed.Undo() {
		t.Fatal("undo after drag failed")
	}
	a, _ := ed.Graph().FindNode("a")
	if a.Position.X != 0 {
		t.Fatalf("undo landed at x=%v, want pre-drag 0", a.Position.X)
	}
	if ed.Undo() {
		t.Fatal("drag must cost exactly one history entry")
	}
}

func TestDrag_ReturnToOriginLeavesNoEntry(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)

	ed.BeginDrag()
	ed.MoveNode("a", graph.Position{X: 40})
	ed.MoveNode("a", graph.Position{X: 0})
	ed.EndDrag()

	if ed.CanUndo() {
		t.Fatal("a drag with no net movement polluted the history")
	}
}

func TestMove_HistoryRelevantButNotSyncRelevant(t *testing.T) {
	base := graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}
	ed := FromState(State{Live: base.Clone(), Baseline: base.Clone()}, 0)

	ed.MoveNode("a", graph.Position{X: 99, Y: 7})

	if n := len(ed.PendingChanges()); n != 0 {
		t.Fatalf("a pure move produced %d pending changes", n)
	}
	if !ed.CanUndo() {
		t.Fatal("a pure move must be undoable")
	}
}

func TestAddEdge_RefusesDanglingEndpoints(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)

	if ed.AddEdge(graph.Edge{ID: "e1", Source: "a", Target: "ghost"}) {
		t.Fatal("edge to a missing node was accepted")
	}
	if len(ed.Graph().Edges) != 0 {
		t.Fatal("refused edge landed in the graph")
	}
}

func TestToggleStage_UnknownID(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)

	if ed.ToggleStage("node:ghost") {
		t.Fatal("toggling a non-pending id must fail")
	}
	if ed.IsStaged("node:ghost") {
		t.Fatal("non-pending id ended up staged")
	}
}

func TestSanitize(t *testing.T) {
	in := graph.Snapshot{
		Nodes: []graph.Node{
			{ID: "n1"},
			{ID: "n2", Type: "idea", Data: map[string]interface{}{"label": ""}},
			{ID: "n3", Type: "task", Data: map[string]interface{}{"label": "keep", "kind": "custom"}},
		},
		Edges: []graph.Edge{
			{ID: "ok", Source: "n1", Target: "n2"},
			{ID: "dangling", Source: "n1", Target: "ghost"},
		},
	}

	out := Sanitize(in)

	n1, _ := out.FindNode("n1")
	if n1.Type != DefaultNodeType || n1.Data["label"] != "n1" || n1.Data["kind"] != DefaultNodeType {
		t.Errorf("n1 not normalized: %+v", n1)
	}
	n2, _ := out.FindNode("n2")
	if n2.Data["label"] != "n2" || n2.Data["kind"] != "idea" {
		t.Errorf("n2 not normalized: %+v", n2)
	}
	n3, _ := out.FindNode("n3")
	if n3.Data["label"] != "keep" || n3.Data["kind"] != "custom" {
		t.Errorf("n3 should pass through untouched: %+v", n3)
	}

	if len(out.Edges) != 1 || out.Edges[0].ID != "ok" {
		t.Errorf("dangling edge survived: %+v", out.Edges)
	}

	if in.Nodes[0].Data != nil || len(in.Edges) != 2 {
		t.Error("Sanitize modified its input")
	}
}

func TestSelection_RepairedOnDelete(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0), taskNode("b", "b", 10)}}, 0)

	ed.Select([]string{"b"})
	ed.RemoveNode("b")

	if got := ed.Selection(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("selection = %v, want fallback to [a]", got)
	}
}

func TestSelection_RepairedOnUndo(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)

	ed.AddNode(taskNode("c", "c", 5))
	ed.Select([]string{"c"})
	ed.Undo()

	if got := ed.Selection(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("selection after undo = %v, want [a]", got)
	}
}

func TestSelect_FiltersUnknownIDs(t *testing.T) {
	ed := New(graph.Snapshot{Nodes: []graph.Node{taskNode("a", "a", 0)}}, 0)

	ed.Select([]string{"ghost", "a"})
	if got := ed.Selection(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("selection = %v, want [a]", got)
	}

	ed.Select(nil)
	if got := ed.Selection(); len(got) != 0 {
		t.Fatalf("explicit deselect left %v selected", got)
	}
}

func TestState_JSONRoundTrip(t *testing.T) {
	ed := New(graph.Snapshot{
		Nodes: []graph.Node{taskNode("a", "a", 0), taskNode("b", "b", 10)},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}, 0)
	ed.ToggleStage("node:a")
	ed.Select([]string{"b"})

	raw, err := json.Marshal(ed.ExportState())
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	ed2 := FromState(st, 0)

	if !graph.StrictEqual(ed2.Graph(), ed.Graph()) {
		t.Fatal("live graph did not survive the round trip")
	}
	if !reflect.DeepEqual(diff.IDs(ed2.PendingChanges()), diff.IDs(ed.PendingChanges())) {
		t.Fatalf("pending = %v, want %v", diff.IDs(ed2.PendingChanges()), diff.IDs(ed.PendingChanges()))
	}
	if !reflect.DeepEqual(ed2.StagedIDs(), ed.StagedIDs()) {
		t.Fatalf("staged = %v, want %v", ed2.StagedIDs(), ed.StagedIDs())
	}
	if !reflect.DeepEqual(ed2.Selection(), ed.Selection()) {
		t.Fatalf("selection = %v, want %v", ed2.Selection(), ed.Selection())
	}
	if ed2.CanUndo() {
		t.Fatal("history must not survive persistence")
	}
}
