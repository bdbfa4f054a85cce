// Package api provides the HTTP API for flowlabd.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"flowlab/internal/commit"
	"flowlab/internal/config"
	"flowlab/internal/graph"
	"flowlab/internal/proto"
	"flowlab/internal/session"
)

// Handler wraps the session manager and config for HTTP handlers.
type Handler struct {
	mgr    *session.Manager
	tokens *TokenService
	cfg    *config.Config
}

// NewHandler creates a new API handler. A nil tokens disables auth.
func NewHandler(mgr *session.Manager, tokens *TokenService, cfg *config.Config) *Handler {
	return &Handler{mgr: mgr, tokens: tokens, cfg: cfg}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(mgr *session.Manager, hub *Hub, tokens *TokenService, cfg *config.Config) http.Handler {
	h := NewHandler(mgr, tokens, cfg)
	mux := http.NewServeMux()

	withAuth := func(fn http.HandlerFunc) http.Handler {
		return Chain(http.HandlerFunc(fn), h.WithAuth)
	}
	withSession := func(fn http.HandlerFunc) http.Handler {
		return Chain(http.HandlerFunc(fn), h.WithAuth, h.WithSession)
	}

	// Health (no auth)
	mux.HandleFunc("GET /health", h.Health)

	// Sessions
	mux.Handle("POST /v1/sessions", withAuth(h.CreateSession))
	mux.Handle("GET /v1/sessions", withAuth(h.ListSessions))
	mux.Handle("GET /v1/sessions/{id}", withSession(h.GetSession))
	mux.Handle("DELETE /v1/sessions/{id}", withSession(h.CloseSession))

	// Graph
	mux.Handle("GET /v1/sessions/{id}/graph", withSession(h.GetGraph))
	mux.Handle("PUT /v1/sessions/{id}/graph", withSession(h.PutGraph))
	mux.Handle("POST /v1/sessions/{id}/nodes", withSession(h.CreateNode))
	mux.Handle("DELETE /v1/sessions/{id}/nodes/{nodeID}", withSession(h.DeleteNode))
	mux.Handle("PUT /v1/sessions/{id}/nodes/{nodeID}/position", withSession(h.MoveNode))
	mux.Handle("POST /v1/sessions/{id}/nodes/{nodeID}/drag/begin", withSession(h.BeginDrag))
	mux.Handle("POST /v1/sessions/{id}/nodes/{nodeID}/drag/end", withSession(h.EndDrag))
	mux.Handle("POST /v1/sessions/{id}/edges", withSession(h.CreateEdge))
	mux.Handle("DELETE /v1/sessions/{id}/edges/{edgeID}", withSession(h.DeleteEdge))
	mux.Handle("PUT /v1/sessions/{id}/selection", withSession(h.PutSelection))

	// Changes and history
	mux.Handle("GET /v1/sessions/{id}/changes", withSession(h.GetChanges))
	mux.Handle("POST /v1/sessions/{id}/changes/{changeID}/toggle", withSession(h.ToggleChange))
	mux.Handle("POST /v1/sessions/{id}/changes/{changeID}/revert", withSession(h.RevertChange))
	mux.Handle("POST /v1/sessions/{id}/stage-all", withSession(h.StageAll))
	mux.Handle("POST /v1/sessions/{id}/unstage-all", withSession(h.UnstageAll))
	mux.Handle("POST /v1/sessions/{id}/undo", withSession(h.Undo))
	mux.Handle("POST /v1/sessions/{id}/redo", withSession(h.Redo))

	// Sync
	mux.Handle("POST /v1/sessions/{id}/sync", withSession(h.Sync))
	mux.Handle("GET /v1/sessions/{id}/files", withSession(h.GetFiles))
	mux.Handle("GET /v1/sessions/{id}/log", withSession(h.GetLog))

	root := http.NewServeMux()
	// The websocket upgrade needs the raw ResponseWriter (hijack), so
	// the events route stays outside the logging and gzip wrappers.
	root.Handle("GET /v1/events", Chain(http.HandlerFunc(hub.HandleEvents), h.WithAuth))
	root.Handle("/", WithDefaults(mux))
	return root
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

// ----- Sessions -----

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var initial graph.Snapshot
	if req.Graph != nil {
		initial = *req.Graph
	}

	s, err := h.mgr.Create(req.Name, initial)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			writeError(w, http.StatusTooManyRequests, "session limit reached", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create session", err)
		return
	}

	writeJSON(w, http.StatusCreated, s.Status())
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.mgr.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.SessionListResponse{Sessions: rows})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	if err := h.mgr.Close(s.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to close session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- Graph -----

func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	st := s.Status()
	writeJSON(w, http.StatusOK, proto.GraphResponse{
		Version:  st.Version,
		SyncedAt: st.SyncedAt,
		Graph:    s.Graph(),
	})
}

func (h *Handler) PutGraph(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}

	var snap graph.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	s.SetGraph(snap)
	writeJSON(w, http.StatusOK, s.Status())
}

func (h *Handler) CreateNode(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}

	var n graph.Node
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if n.ID == "" {
		writeError(w, http.StatusBadRequest, "node id required", nil)
		return
	}

	writeJSON(w, http.StatusCreated, s.AddNode(n))
}

func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	if !s.RemoveNode(r.PathValue("nodeID")) {
		writeError(w, http.StatusNotFound, "node not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MoveNode(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}

	var req proto.MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if !s.MoveNode(r.PathValue("nodeID"), graph.Position{X: req.X, Y: req.Y}) {
		writeError(w, http.StatusNotFound, "node not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, proto.ActionResponse{OK: true})
}

func (h *Handler) BeginDrag(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	if _, ok := s.Graph().FindNode(r.PathValue("nodeID")); !ok {
		writeError(w, http.StatusNotFound, "node not found", nil)
		return
	}
	s.BeginDrag()
	writeJSON(w, http.StatusOK, proto.ActionResponse{OK: true})
}

func (h *Handler) EndDrag(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	s.EndDrag()
	writeJSON(w, http.StatusOK, proto.ActionResponse{OK: true})
}

func (h *Handler) CreateEdge(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}

	var edge graph.Edge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if edge.ID == "" || edge.Source == "" || edge.Target == "" {
		writeError(w, http.StatusBadRequest, "edge id, source and target required", nil)
		return
	}

	if !s.AddEdge(edge) {
		writeError(w, http.StatusBadRequest, "edge endpoints must exist", nil)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

func (h *Handler) DeleteEdge(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	if !s.RemoveEdge(r.PathValue("edgeID")) {
		writeError(w, http.StatusNotFound, "edge not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PutSelection(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}

	var req proto.SelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	s.Select(req.Selected)
	writeJSON(w, http.StatusOK, s.Status())
}

// ----- Changes -----

func (h *Handler) GetChanges(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	st := s.Status()
	writeJSON(w, http.StatusOK, proto.ChangesResponse{
		Changes: st.Changes,
		Staged:  st.Staged,
	})
}

func (h *Handler) ToggleChange(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	if !s.ToggleStage(r.PathValue("changeID")) {
		writeError(w, http.StatusNotFound, "change not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (h *Handler) RevertChange(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	if !s.Revert(r.PathValue("changeID")) {
		writeError(w, http.StatusNotFound, "change not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (h *Handler) StageAll(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	s.StageAll()
	writeJSON(w, http.StatusOK, s.Status())
}

func (h *Handler) UnstageAll(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	s.UnstageAll()
	writeJSON(w, http.StatusOK, s.Status())
}

func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	writeJSON(w, http.StatusOK, proto.ActionResponse{OK: s.Undo()})
}

func (h *Handler) Redo(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}
	writeJSON(w, http.StatusOK, proto.ActionResponse{OK: s.Redo()})
}

// ----- Sync -----

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}

	outcome, err := s.Sync(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, commit.ErrNothingStaged):
			writeError(w, http.StatusBadRequest, "nothing staged", nil)
		case errors.Is(err, commit.ErrSyncInFlight):
			writeError(w, http.StatusConflict, "sync already in flight", nil)
		default:
			writeError(w, http.StatusBadGateway, "sync failed", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) GetFiles(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}

	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		fmt.Sscanf(v, "%d", &version)
	}

	rows, err := s.Files(version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list files", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.FilesResponse{Files: rows})
}

func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "session not in context", nil)
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		fmt.Sscanf(l, "%d", &limit)
	}

	entries, err := s.Log(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read sync log", err)
		return
	}
	writeJSON(w, http.StatusOK, proto.LogResponse{Entries: entries})
}

// ----- Helpers -----

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := proto.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
