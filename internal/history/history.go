// Package history keeps the bounded undo/redo stacks over graph
// snapshots. Recording is gated on strict equality, interactive drags
// coalesce to at most one entry, and restores never generate entries of
// their own. The three modes are an explicit state machine rather than
// boolean flags so the suppression rules compose without ordering
// hazards.
package history

import "flowlab/internal/graph"

// DefaultCapacity bounds each stack; the oldest entry is evicted first.
const DefaultCapacity = 50

// State is the recording mode of the stack.
type State int

const (
	// StateIdle records every strict-unequal mutation.
	StateIdle State = iota
	// StateDragging suppresses per-frame records between drag begin and
	// drag end.
	StateDragging
	// StateRestoring marks the window between an undo/redo and the
	// mutation that applies it; that mutation re-syncs the reference
	// point without pushing.
	StateRestoring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDragging:
		return "dragging"
	case StateRestoring:
		return "restoring"
	default:
		return "unknown"
	}
}

// Stack is the undo/redo history. present is the last recorded
// snapshot: the reference point mutations are compared against, and the
// value pushed when a new state supersedes it.
type Stack struct {
	past    []graph.Snapshot
	present graph.Snapshot
	future  []graph.Snapshot
	cap     int
	state   State

	dragStart graph.Snapshot
}

// NewStack seeds the history with the initial graph state. capacity <= 0
// selects DefaultCapacity.
func NewStack(initial graph.Snapshot, capacity int) *Stack {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stack{
		present: initial.Clone(),
		cap:     capacity,
	}
}

// State returns the current recording mode.
func (s *Stack) State() State {
	return s.state
}

// CanUndo reports whether an undo entry exists.
func (s *Stack) CanUndo() bool {
	return len(s.past) > 0
}

// CanRedo reports whether a redo entry exists.
func (s *Stack) CanRedo() bool {
	return len(s.future) > 0
}

// Len returns the undo depth.
func (s *Stack) Len() int {
	return len(s.past)
}

// Record offers the post-mutation graph to the history. In Idle mode a
// strict-unequal snapshot pushes the previous reference point and
// clears the redo stack. While Dragging the offer is ignored. While
// Restoring the reference point is re-synced without a push and the
// stack returns to Idle.
func (s *Stack) Record(snap graph.Snapshot) {
	switch s.state {
	case StateDragging:
		return
	case StateRestoring:
		s.present = snap.Clone()
		s.state = StateIdle
		return
	}

	if graph.StrictEqual(s.present, snap) {
		return
	}
	s.push(s.present)
	s.present = snap.Clone()
	s.future = s.future[:0]
}

// BeginDrag enters Dragging mode, capturing the pre-gesture snapshot.
// No-op unless Idle.
func (s *Stack) BeginDrag(at graph.Snapshot) {
	if s.state != StateIdle {
		return
	}
	s.state = StateDragging
	s.dragStart = at.Clone()
}

// EndDrag leaves Dragging mode. The whole gesture collapses into one
// entry when the end state differs strictly from the start state, and
// into nothing when the node came back to its origin.
func (s *Stack) EndDrag(end graph.Snapshot) {
	if s.state != StateDragging {
		return
	}
	s.state = StateIdle

	if !graph.StrictEqual(s.dragStart, end) {
		s.push(s.dragStart)
		s.future = s.future[:0]
	}
	s.present = end.Clone()
	s.dragStart = graph.Snapshot{}
}

// Undo pops the most recent entry, parks the current state on the redo
// stack and enters Restoring. The returned snapshot is the state to
// apply; ok is false (and nothing changes) when there is no history or
// the stack is mid-gesture.
func (s *Stack) Undo() (graph.Snapshot, bool) {
	if s.state != StateIdle || len(s.past) == 0 {
		return graph.Snapshot{}, false
	}

	top := s.past[len(s.past)-1]
	s.past = s.past[:len(s.past)-1]

	s.future = append(s.future, s.present)
	if len(s.future) > s.cap {
		s.future = s.future[1:]
	}

	s.state = StateRestoring
	return top.Clone(), true
}

// Redo is the mirror of Undo over the future stack.
func (s *Stack) Redo() (graph.Snapshot, bool) {
	if s.state != StateIdle || len(s.future) == 0 {
		return graph.Snapshot{}, false
	}

	top := s.future[len(s.future)-1]
	s.future = s.future[:len(s.future)-1]

	s.push(s.present)
	s.state = StateRestoring
	return top.Clone(), true
}

func (s *Stack) push(snap graph.Snapshot) {
	s.past = append(s.past, snap)
	if len(s.past) > s.cap {
		s.past = s.past[1:]
	}
}
