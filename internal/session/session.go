// Package session manages live editing sessions for the daemon: one
// editor per session, serialized access, continuous persistence to the
// store, TTL-based cleanup and event fan-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowlab/internal/cas"
	"flowlab/internal/codegen"
	"flowlab/internal/diff"
	"flowlab/internal/editor"
	"flowlab/internal/genio"
	"flowlab/internal/graph"
	"flowlab/internal/store"
)

var (
	ErrTooManySessions = errors.New("session limit reached")
)

// Event types broadcast to subscribers.
const (
	EventSessionCreated = "session.created"
	EventSessionClosed  = "session.closed"
	EventGraphUpdated   = "graph.updated"
	EventSyncStarted    = "sync.started"
	EventSyncCompleted  = "sync.completed"
	EventSyncFailed     = "sync.failed"
)

// Event is one broadcast notification.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	At        int64       `json:"at"`
}

// Options configures a Manager.
type Options struct {
	DB           *store.DB
	Generator    editor.Generator
	OutputDir    string
	Rules        *genio.Rules
	HistoryLimit int
	MaxSessions  int
	TTL          time.Duration
	OnEvent      func(Event)
}

// Manager owns every open session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rules    *genio.Rules

	db           *store.DB
	gen          editor.Generator
	outputDir    string
	historyLimit int
	maxSessions  int
	ttl          time.Duration
	onEvent      func(Event)

	stopCh chan struct{}
	doneCh chan struct{}
}

// sweepEvery is how often the TTL sweeper runs.
const sweepEvery = time.Minute

// NewManager creates a manager and starts its TTL sweeper when a TTL is
// configured.
func NewManager(opts Options) *Manager {
	if opts.Rules == nil {
		opts.Rules = genio.DefaultRules()
	}
	m := &Manager{
		sessions:     make(map[string]*Session),
		rules:        opts.Rules,
		db:           opts.DB,
		gen:          opts.Generator,
		outputDir:    opts.OutputDir,
		historyLimit: opts.HistoryLimit,
		maxSessions:  opts.MaxSessions,
		ttl:          opts.TTL,
		onEvent:      opts.OnEvent,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	if m.ttl > 0 {
		go m.sweepLoop()
	} else {
		close(m.doneCh)
	}
	return m
}

// Shutdown stops the sweeper. Session state is already persisted after
// every mutation, so there is nothing else to flush.
func (m *Manager) Shutdown() {
	close(m.stopCh)
	<-m.doneCh
}

// SetRules swaps the generated-file rules, e.g. after a hot reload.
func (m *Manager) SetRules(r *genio.Rules) {
	if r == nil {
		r = genio.DefaultRules()
	}
	m.mu.Lock()
	m.rules = r
	m.mu.Unlock()
}

func (m *Manager) currentRules() *genio.Rules {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules
}

// Create opens a new session seeded with the given graph.
func (m *Manager) Create(name string, initial graph.Snapshot) (*Session, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	row, err := m.db.CreateSession(id, name)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s := &Session{
		ID:        id,
		Name:      name,
		CreatedAt: row.CreatedAt,
		ed:        editor.New(initial, m.historyLimit),
		mgr:       m,
	}
	m.sessions[id] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()

	m.emit(Event{Type: EventSessionCreated, SessionID: id})
	return s, nil
}

// Get returns an open session, restoring it from the store when the
// daemon has restarted since it was last used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	row, err := m.db.GetSession(id)
	if err != nil {
		return nil, err
	}
	st, err := m.db.LoadState(id)
	if err != nil {
		return nil, fmt.Errorf("restoring session %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok { // lost the race, use the winner
		return s, nil
	}
	s = &Session{
		ID:        row.ID,
		Name:      row.Name,
		CreatedAt: row.CreatedAt,
		ed:        editor.FromState(st, m.historyLimit),
		mgr:       m,
	}
	m.sessions[id] = s
	return s, nil
}

// List returns all known sessions, in-memory or not.
func (m *Manager) List() ([]store.SessionRow, error) {
	return m.db.ListSessions()
}

// Close removes a session and its stored data.
func (m *Manager) Close(id string) error {
	if err := m.db.DeleteSession(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.emit(Event{Type: EventSessionClosed, SessionID: id})
	return nil
}

// Sweep drops sessions idle past the TTL. Runs from the sweeper but is
// callable directly.
func (m *Manager) Sweep() {
	if m.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.ttl).UnixMilli()
	ids, err := m.db.DeleteExpired(cutoff)
	if err != nil {
		log.Printf("session sweep: %v", err)
		return
	}

	m.mu.Lock()
	for _, id := range ids {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		log.Printf("session %s expired", id)
		m.emit(Event{Type: EventSessionClosed, SessionID: id, Payload: map[string]interface{}{"reason": "expired"}})
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) emit(evt Event) {
	if m.onEvent == nil {
		return
	}
	evt.At = cas.NowMs()
	m.onEvent(evt)
}

// ----- Session -----

// Session is one live editing session. All editor access is serialized
// by its mutex; the sync call releases it while the generation request
// is outstanding so the graph stays editable.
type Session struct {
	ID        string
	Name      string
	CreatedAt int64

	mu  sync.Mutex
	ed  *editor.Editor
	mgr *Manager
}

// Status is the session state summary the surfaces render.
type Status struct {
	SessionID string        `json:"sessionId"`
	Name      string        `json:"name,omitempty"`
	Version   int           `json:"version"`
	SyncedAt  int64         `json:"syncedAt,omitempty"`
	InFlight  bool          `json:"syncInFlight"`
	Changes   []diff.Change `json:"changes"`
	Staged    []string      `json:"staged"`
	Selected  []string      `json:"selected,omitempty"`
	CanUndo   bool          `json:"canUndo"`
	CanRedo   bool          `json:"canRedo"`
}

// Status returns the current change listing and sync position.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.ed.Baseline()
	return Status{
		SessionID: s.ID,
		Name:      s.Name,
		Version:   base.Version,
		SyncedAt:  base.SyncedAt,
		InFlight:  s.ed.SyncInFlight(),
		Changes:   s.ed.PendingChanges(),
		Staged:    s.ed.StagedIDs(),
		Selected:  s.ed.Selection(),
		CanUndo:   s.ed.CanUndo(),
		CanRedo:   s.ed.CanRedo(),
	}
}

// Graph returns the live graph.
func (s *Session) Graph() graph.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ed.Graph()
}

// SetGraph replaces the live graph.
func (s *Session) SetGraph(snap graph.Snapshot) {
	s.mutate(func() { s.ed.SetGraph(snap) })
}

// AddNode upserts a node and returns its sanitized form.
func (s *Session) AddNode(n graph.Node) graph.Node {
	var out graph.Node
	s.mutate(func() { out = s.ed.AddNode(n) })
	return out
}

// RemoveNode deletes a node and its edges.
func (s *Session) RemoveNode(id string) bool {
	var ok bool
	s.mutate(func() { ok = s.ed.RemoveNode(id) })
	return ok
}

// MoveNode repositions a node.
func (s *Session) MoveNode(id string, pos graph.Position) bool {
	var ok bool
	s.mutate(func() { ok = s.ed.MoveNode(id, pos) })
	return ok
}

// AddEdge inserts an edge.
func (s *Session) AddEdge(edge graph.Edge) bool {
	var ok bool
	s.mutate(func() { ok = s.ed.AddEdge(edge) })
	return ok
}

// RemoveEdge deletes an edge.
func (s *Session) RemoveEdge(id string) bool {
	var ok bool
	s.mutate(func() { ok = s.ed.RemoveEdge(id) })
	return ok
}

// Select replaces the node selection.
func (s *Session) Select(ids []string) {
	s.mu.Lock()
	s.ed.Select(ids)
	s.persistLocked()
	s.mu.Unlock()
}

// BeginDrag opens a drag gesture.
func (s *Session) BeginDrag() {
	s.mu.Lock()
	s.ed.BeginDrag()
	s.mu.Unlock()
}

// EndDrag closes a drag gesture.
func (s *Session) EndDrag() {
	s.mu.Lock()
	s.ed.EndDrag()
	s.persistLocked()
	s.mu.Unlock()
}

// ToggleStage flips one change's staged state.
func (s *Session) ToggleStage(changeID string) bool {
	s.mu.Lock()
	ok := s.ed.ToggleStage(changeID)
	if ok {
		s.persistLocked()
	}
	s.mu.Unlock()
	return ok
}

// StageAll stages every pending change.
func (s *Session) StageAll() {
	s.mu.Lock()
	s.ed.StageAll()
	s.persistLocked()
	s.mu.Unlock()
}

// UnstageAll unstages every pending change.
func (s *Session) UnstageAll() {
	s.mu.Lock()
	s.ed.UnstageAll()
	s.persistLocked()
	s.mu.Unlock()
}

// Revert rolls one pending change out of the live graph.
func (s *Session) Revert(changeID string) bool {
	var ok bool
	s.mutate(func() { ok = s.ed.Revert(changeID) })
	return ok
}

// Undo steps the graph back one history entry.
func (s *Session) Undo() bool {
	var ok bool
	s.mutate(func() { ok = s.ed.Undo() })
	return ok
}

// Redo steps the graph forward one history entry.
func (s *Session) Redo() bool {
	var ok bool
	s.mutate(func() { ok = s.ed.Redo() })
	return ok
}

// SyncOutcome reports one completed sync.
type SyncOutcome struct {
	Version  int      `json:"version"`
	SyncedAt int64    `json:"syncedAt"`
	Digest   string   `json:"digest,omitempty"`
	Synced   []string `json:"synced"`
	Files    []string `json:"files"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Sync ships the staged changes to the generation service. The session
// lock is released while the request is outstanding, so the graph stays
// editable; a competing Sync fails fast with commit.ErrSyncInFlight.
// Once the baseline has folded, file-writing or bookkeeping trouble is
// logged but does not un-sync the session.
func (s *Session) Sync(ctx context.Context) (SyncOutcome, error) {
	s.mu.Lock()
	req, err := s.ed.BeginSync()
	if err != nil {
		s.mu.Unlock()
		return SyncOutcome{}, err
	}
	s.mu.Unlock()

	s.mgr.emit(Event{Type: EventSyncStarted, SessionID: s.ID, Payload: map[string]interface{}{
		"changes": diff.IDs(req.Changes),
	}})

	files, genErr := s.mgr.gen.Generate(ctx, req)

	s.mu.Lock()
	if genErr != nil {
		s.ed.FailSync()
		s.mu.Unlock()
		s.mgr.emit(Event{Type: EventSyncFailed, SessionID: s.ID, Payload: map[string]interface{}{
			"error": genErr.Error(),
		}})
		return SyncOutcome{}, fmt.Errorf("sync failed: %w", genErr)
	}

	base := s.ed.FinishSync()
	s.persistLocked()
	s.mu.Unlock()

	outcome := SyncOutcome{
		Version:  base.Version,
		SyncedAt: base.SyncedAt,
		Synced:   diff.IDs(req.Changes),
	}
	if digest, err := graph.Digest(base.Graph); err == nil {
		outcome.Digest = digest
	}

	writer := genio.NewWriter(filepath.Join(s.mgr.outputDir, s.ID), s.mgr.currentRules())
	res, werr := writer.Write(files)
	if werr != nil {
		log.Printf("session %s: writing generated files: %v", s.ID, werr)
	}
	outcome.Files = res.Written
	outcome.Skipped = res.Skipped

	s.recordSync(outcome, files)

	s.mgr.emit(Event{Type: EventSyncCompleted, SessionID: s.ID, Payload: outcome})
	return outcome, nil
}

// recordSync writes the sync-log and file rows; failures are logged.
func (s *Session) recordSync(outcome SyncOutcome, files []codegen.GeneratedFile) {
	_, err := s.mgr.db.AppendSync(store.SyncRecord{
		SessionID: s.ID,
		Version:   outcome.Version,
		Digest:    outcome.Digest,
		ChangeIDs: outcome.Synced,
		FileCount: len(outcome.Files),
		SyncedAt:  outcome.SyncedAt,
	})
	if err != nil {
		log.Printf("session %s: recording sync: %v", s.ID, err)
	}

	written := make(map[string]bool, len(outcome.Files))
	for _, p := range outcome.Files {
		written[p] = true
	}
	var rows []store.FileRow
	for _, f := range files {
		rel := strings.TrimPrefix(f.Path, "./")
		if !written[rel] {
			continue
		}
		rows = append(rows, store.FileRow{
			SessionID: s.ID,
			Version:   outcome.Version,
			Path:      rel,
			Size:      int64(len(f.Contents)),
		})
	}
	if err := s.mgr.db.RecordFiles(rows); err != nil {
		log.Printf("session %s: recording files: %v", s.ID, err)
	}
}

// Log returns the session's sync history, newest first.
func (s *Session) Log(limit int) ([]store.SyncRecord, error) {
	return s.mgr.db.ListSyncs(s.ID, limit)
}

// Files lists the files of one synced version; version <= 0 selects the
// latest.
func (s *Session) Files(version int) ([]store.FileRow, error) {
	return s.mgr.db.ListFiles(s.ID, version)
}

// mutate runs one editor mutation under the lock, persists the result
// and emits a graph.updated event.
func (s *Session) mutate(fn func()) {
	s.mu.Lock()
	fn()
	s.persistLocked()
	s.mu.Unlock()
	s.mgr.emit(Event{Type: EventGraphUpdated, SessionID: s.ID})
}

// persistLocked saves the editor state; the caller holds s.mu. Storage
// trouble is logged, never fatal to the edit.
func (s *Session) persistLocked() {
	if err := s.mgr.db.SaveState(s.ID, s.ed.ExportState()); err != nil {
		log.Printf("session %s: persisting state: %v", s.ID, err)
		return
	}
	if err := s.mgr.db.TouchSession(s.ID); err != nil {
		log.Printf("session %s: touching: %v", s.ID, err)
	}
}
