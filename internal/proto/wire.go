// Package proto defines wire format DTOs for the flowlabd HTTP API.
//
// Graph snapshots, pending changes, session status and store rows
// already marshal to their wire shape; this package holds the request
// and response envelopes around them.
package proto

import (
	"flowlab/internal/diff"
	"flowlab/internal/graph"
	"flowlab/internal/store"
)

// CreateSessionRequest opens a new editing session.
type CreateSessionRequest struct {
	// Name is an optional human-readable label.
	Name string `json:"name,omitempty"`
	// Graph seeds the session; empty means start from a blank canvas.
	Graph *graph.Snapshot `json:"graph,omitempty"`
}

// SessionListResponse lists every known session, open or idle.
type SessionListResponse struct {
	Sessions []store.SessionRow `json:"sessions"`
}

// GraphResponse returns the live graph with its sync position.
type GraphResponse struct {
	// Version is the baseline version the graph diverges from.
	Version int `json:"version"`
	// SyncedAt is Unix milliseconds of the last successful sync.
	SyncedAt int64 `json:"syncedAt,omitempty"`
	// Graph is the current snapshot.
	Graph graph.Snapshot `json:"graph"`
}

// MoveRequest repositions a node.
type MoveRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SelectionRequest replaces the selected node set.
type SelectionRequest struct {
	Selected []string `json:"selected"`
}

// ChangesResponse lists the pending changes and which are staged.
type ChangesResponse struct {
	Changes []diff.Change `json:"changes"`
	Staged  []string      `json:"staged"`
}

// ActionResponse reports whether an operation did anything, e.g. an
// undo at the bottom of the history returns ok=false.
type ActionResponse struct {
	OK bool `json:"ok"`
}

// FilesResponse lists generated files for one sync version.
type FilesResponse struct {
	Files []store.FileRow `json:"files"`
}

// LogResponse contains sync log entries, newest first.
type LogResponse struct {
	Entries []store.SyncRecord `json:"entries"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
