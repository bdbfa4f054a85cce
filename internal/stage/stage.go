// Package stage tracks which pending changes are selected for the next
// sync. The policy: a change is staged automatically the first time its
// id appears, and an explicit unstage sticks to that id across
// recomputations. Even if the id leaves the pending set and later
// returns, it comes back unstaged.
package stage

import "sort"

// Tracker reconciles the staged set against each new pending-change
// list. The seen set accumulates monotonically; it is what makes
// unstaging sticky and keeps already-synced ids from re-staging
// themselves when they reappear.
type Tracker struct {
	staged  map[string]bool
	seen    map[string]bool
	pending map[string]bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		staged:  make(map[string]bool),
		seen:    make(map[string]bool),
		pending: make(map[string]bool),
	}
}

// Restore rebuilds a tracker from persisted staged and seen id lists.
func Restore(staged, seen []string) *Tracker {
	t := NewTracker()
	for _, id := range staged {
		t.staged[id] = true
	}
	for _, id := range seen {
		t.seen[id] = true
	}
	return t
}

// Reconcile applies a freshly computed pending id list: staged ids no
// longer pending are dropped, and pending ids never seen before are
// staged by default.
func (t *Tracker) Reconcile(pendingIDs []string) {
	t.pending = make(map[string]bool, len(pendingIDs))
	for _, id := range pendingIDs {
		t.pending[id] = true
	}

	for id := range t.staged {
		if !t.pending[id] {
			delete(t.staged, id)
		}
	}

	for _, id := range pendingIDs {
		if !t.seen[id] {
			t.seen[id] = true
			t.staged[id] = true
		}
	}
}

// Toggle flips the staged state of one change id.
func (t *Tracker) Toggle(id string) {
	if t.staged[id] {
		delete(t.staged, id)
		return
	}
	t.staged[id] = true
	t.seen[id] = true
}

// StageAll stages every currently-pending id.
func (t *Tracker) StageAll() {
	for id := range t.pending {
		t.staged[id] = true
		t.seen[id] = true
	}
}

// UnstageAll clears the staged set. The seen set is untouched, so
// nothing re-stages itself on the next reconcile.
func (t *Tracker) UnstageAll() {
	t.staged = make(map[string]bool)
}

// ClearStaged empties the staged set after a successful sync. Identical
// to UnstageAll; named separately because the caller's intent differs.
func (t *Tracker) ClearStaged() {
	t.staged = make(map[string]bool)
}

// IsStaged reports whether the id is currently staged.
func (t *Tracker) IsStaged(id string) bool {
	return t.staged[id]
}

// StagedIDs returns the staged ids sorted lexicographically.
func (t *Tracker) StagedIDs() []string {
	out := make([]string, 0, len(t.staged))
	for id := range t.staged {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SeenIDs returns the seen ids sorted lexicographically, for
// persistence.
func (t *Tracker) SeenIDs() []string {
	out := make([]string, 0, len(t.seen))
	for id := range t.seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StagedCount returns the number of staged ids.
func (t *Tracker) StagedCount() int {
	return len(t.staged)
}
