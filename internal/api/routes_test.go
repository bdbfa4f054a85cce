package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"flowlab/internal/codegen"
	"flowlab/internal/config"
	"flowlab/internal/graph"
	"flowlab/internal/proto"
	"flowlab/internal/session"
	"flowlab/internal/store"
)

type fakeGen struct {
	files []codegen.GeneratedFile
	err   error
}

func (f *fakeGen) Generate(ctx context.Context, req codegen.SyncRequest) ([]codegen.GeneratedFile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.files, nil
}

func newTestRouter(t *testing.T, gen *fakeGen, tokens *TokenService) (http.Handler, *Hub) {
	t.Helper()
	db, err := store.OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hub := NewHub()
	t.Cleanup(hub.Shutdown)
	mgr := session.NewManager(session.Options{
		DB:           db,
		Generator:    gen,
		OutputDir:    t.TempDir(),
		HistoryLimit: 10,
		OnEvent:      hub.Broadcast,
	})
	t.Cleanup(mgr.Shutdown)

	cfg := &config.Config{Version: "test"}
	return NewRouter(mgr, hub, tokens, cfg), hub
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func demoGraph() graph.Snapshot {
	return graph.Snapshot{
		Nodes: []graph.Node{
			{ID: "a", Type: "task", Data: map[string]interface{}{"label": "a", "kind": "task"}},
			{ID: "b", Type: "task", Data: map[string]interface{}{"label": "b", "kind": "task"}},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	w := doJSON(t, h, "POST", "/v1/sessions", proto.CreateSessionRequest{
		Name:  "demo",
		Graph: &graph.Snapshot{},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: status %d: %s", w.Code, w.Body)
	}
	return decode[session.Status](t, w).SessionID
}

func TestHealth(t *testing.T) {
	h := NewHandler(nil, nil, &config.Config{Version: "1.0.0"})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	resp := decode[proto.HealthResponse](t, w)
	if resp.Status != "ok" || resp.Version != "1.0.0" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h, _ := newTestRouter(t, &fakeGen{}, nil)

	w := doJSON(t, h, "POST", "/v1/sessions", proto.CreateSessionRequest{Name: "demo", Graph: ptr(demoGraph())})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d: %s", w.Code, w.Body)
	}
	st := decode[session.Status](t, w)
	if st.SessionID == "" || len(st.Changes) != 3 {
		t.Fatalf("created status = %+v", st)
	}

	w = doJSON(t, h, "GET", "/v1/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	list := decode[proto.SessionListResponse](t, w)
	if len(list.Sessions) != 1 || list.Sessions[0].Name != "demo" {
		t.Errorf("list = %+v", list)
	}

	w = doJSON(t, h, "GET", "/v1/sessions/"+st.SessionID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}

	w = doJSON(t, h, "DELETE", "/v1/sessions/"+st.SessionID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("close: %d", w.Code)
	}

	w = doJSON(t, h, "GET", "/v1/sessions/"+st.SessionID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after close: %d", w.Code)
	}
}

func TestSessionNotFound(t *testing.T) {
	h, _ := newTestRouter(t, &fakeGen{}, nil)
	w := doJSON(t, h, "GET", "/v1/sessions/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGraphRoundTrip(t *testing.T) {
	h, _ := newTestRouter(t, &fakeGen{}, nil)
	id := createSession(t, h)

	w := doJSON(t, h, "PUT", "/v1/sessions/"+id+"/graph", demoGraph())
	if w.Code != http.StatusOK {
		t.Fatalf("put graph: %d: %s", w.Code, w.Body)
	}

	w = doJSON(t, h, "GET", "/v1/sessions/"+id+"/graph", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get graph: %d", w.Code)
	}
	resp := decode[proto.GraphResponse](t, w)
	if resp.Version != 0 || len(resp.Graph.Nodes) != 2 || len(resp.Graph.Edges) != 1 {
		t.Errorf("graph response = %+v", resp)
	}
}

func TestNodeAndEdgeRoutes(t *testing.T) {
	h, _ := newTestRouter(t, &fakeGen{}, nil)
	id := createSession(t, h)
	base := "/v1/sessions/" + id

	// Missing id is rejected.
	w := doJSON(t, h, "POST", base+"/nodes", graph.Node{Type: "task"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("node without id: %d", w.Code)
	}

	// Created nodes come back sanitized.
	w = doJSON(t, h, "POST", base+"/nodes", graph.Node{ID: "n1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create node: %d: %s", w.Code, w.Body)
	}
	n := decode[graph.Node](t, w)
	if n.Type != "default" || n.Data["label"] != "n1" {
		t.Errorf("sanitized node = %+v", n)
	}

	w = doJSON(t, h, "PUT", base+"/nodes/n1/position", proto.MoveRequest{X: 10, Y: 20})
	if w.Code != http.StatusOK {
		t.Errorf("move: %d", w.Code)
	}
	w = doJSON(t, h, "PUT", base+"/nodes/ghost/position", proto.MoveRequest{X: 1})
	if w.Code != http.StatusNotFound {
		t.Errorf("move unknown: %d", w.Code)
	}

	// Edges need both endpoints.
	w = doJSON(t, h, "POST", base+"/edges", graph.Edge{ID: "e1", Source: "n1", Target: "ghost"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("dangling edge: %d", w.Code)
	}
	w = doJSON(t, h, "POST", base+"/nodes", graph.Node{ID: "n2"})
	if w.Code != http.StatusCreated {
		t.Fatal("create n2")
	}
	w = doJSON(t, h, "POST", base+"/edges", graph.Edge{ID: "e1", Source: "n1", Target: "n2"})
	if w.Code != http.StatusCreated {
		t.Errorf("create edge: %d: %s", w.Code, w.Body)
	}

	w = doJSON(t, h, "DELETE", base+"/edges/e1", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete edge: %d", w.Code)
	}
	w = doJSON(t, h, "DELETE", base+"/edges/e1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("delete missing edge: %d", w.Code)
	}
	w = doJSON(t, h, "DELETE", base+"/nodes/n1", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete node: %d", w.Code)
	}
}

func TestDragRoutes(t *testing.T) {
	h, _ := newTestRouter(t, &fakeGen{}, nil)
	id := createSession(t, h)
	base := "/v1/sessions/" + id

	doJSON(t, h, "POST", base+"/nodes", graph.Node{ID: "n1"})

	w := doJSON(t, h, "POST", base+"/nodes/ghost/drag/begin", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("drag unknown node: %d", w.Code)
	}

	w = doJSON(t, h, "POST", base+"/nodes/n1/drag/begin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("drag begin: %d", w.Code)
	}
	for i := 0; i < 5; i++ {
		doJSON(t, h, "PUT", base+"/nodes/n1/position", proto.MoveRequest{X: float64(i)})
	}
	w = doJSON(t, h, "POST", base+"/nodes/n1/drag/end", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("drag end: %d", w.Code)
	}

	// The whole drag collapses into one undo step.
	w = doJSON(t, h, "POST", base+"/undo", nil)
	if !decode[proto.ActionResponse](t, w).OK {
		t.Fatal("undo after drag refused")
	}
	w = doJSON(t, h, "GET", base+"/graph", nil)
	resp := decode[proto.GraphResponse](t, w)
	if n, ok := graphFind(resp.Graph, "n1"); !ok || n.Position.X != 0 {
		t.Errorf("node after undo = %+v", n)
	}
}

func TestChangesAndStaging(t *testing.T) {
	h, _ := newTestRouter(t, &fakeGen{}, nil)

	w := doJSON(t, h, "POST", "/v1/sessions", proto.CreateSessionRequest{Graph: ptr(demoGraph())})
	id := decode[session.Status](t, w).SessionID
	base := "/v1/sessions/" + id

	w = doJSON(t, h, "GET", base+"/changes", nil)
	ch := decode[proto.ChangesResponse](t, w)
	if len(ch.Changes) != 3 || len(ch.Staged) != 3 {
		t.Fatalf("initial changes = %+v", ch)
	}

	w = doJSON(t, h, "POST", base+"/changes/node:a/toggle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: %d", w.Code)
	}
	if st := decode[session.Status](t, w); len(st.Staged) != 2 {
		t.Errorf("staged after toggle = %v", st.Staged)
	}

	w = doJSON(t, h, "POST", base+"/changes/node:ghost/toggle", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("toggle unknown: %d", w.Code)
	}

	w = doJSON(t, h, "POST", base+"/unstage-all", nil)
	if st := decode[session.Status](t, w); len(st.Staged) != 0 {
		t.Errorf("staged after unstage-all = %v", st.Staged)
	}

	// Nothing staged: sync refused.
	w = doJSON(t, h, "POST", base+"/sync", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty sync: %d", w.Code)
	}

	w = doJSON(t, h, "POST", base+"/stage-all", nil)
	if st := decode[session.Status](t, w); len(st.Staged) != 3 {
		t.Errorf("staged after stage-all = %v", st.Staged)
	}

	w = doJSON(t, h, "POST", base+"/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sync: %d: %s", w.Code, w.Body)
	}
	outcome := decode[session.SyncOutcome](t, w)
	if outcome.Version != 1 || len(outcome.Synced) != 3 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestRevertRoute(t *testing.T) {
	h, _ := newTestRouter(t, &fakeGen{}, nil)

	w := doJSON(t, h, "POST", "/v1/sessions", proto.CreateSessionRequest{Graph: ptr(demoGraph())})
	id := decode[session.Status](t, w).SessionID
	base := "/v1/sessions/" + id

	w = doJSON(t, h, "POST", base+"/changes/edge:e1/revert", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revert: %d: %s", w.Code, w.Body)
	}
	if st := decode[session.Status](t, w); len(st.Changes) != 2 {
		t.Errorf("changes after revert = %+v", st.Changes)
	}

	w = doJSON(t, h, "POST", base+"/changes/edge:e1/revert", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("revert gone change: %d", w.Code)
	}
}

func TestSyncErrorMapping(t *testing.T) {
	gen := &fakeGen{err: errors.New("backend down")}
	h, _ := newTestRouter(t, gen, nil)

	w := doJSON(t, h, "POST", "/v1/sessions", proto.CreateSessionRequest{Graph: ptr(demoGraph())})
	id := decode[session.Status](t, w).SessionID

	w = doJSON(t, h, "POST", "/v1/sessions/"+id+"/sync", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("failed sync: %d", w.Code)
	}
	resp := decode[proto.ErrorResponse](t, w)
	if resp.Error != "sync failed" {
		t.Errorf("error = %+v", resp)
	}

	// The failure left the session intact.
	w = doJSON(t, h, "GET", "/v1/sessions/"+id, nil)
	if st := decode[session.Status](t, w); st.Version != 0 || len(st.Staged) != 3 {
		t.Errorf("status after failed sync = %+v", st)
	}
}

func TestFilesAndLogRoutes(t *testing.T) {
	gen := &fakeGen{files: []codegen.GeneratedFile{{Path: "out/app.py", Contents: "pass\n"}}}
	h, _ := newTestRouter(t, gen, nil)

	w := doJSON(t, h, "POST", "/v1/sessions", proto.CreateSessionRequest{Graph: ptr(demoGraph())})
	id := decode[session.Status](t, w).SessionID
	base := "/v1/sessions/" + id

	if w = doJSON(t, h, "POST", base+"/sync", nil); w.Code != http.StatusOK {
		t.Fatalf("sync: %d: %s", w.Code, w.Body)
	}

	w = doJSON(t, h, "GET", base+"/files", nil)
	files := decode[proto.FilesResponse](t, w)
	if len(files.Files) != 1 || files.Files[0].Path != "out/app.py" {
		t.Errorf("files = %+v", files)
	}

	w = doJSON(t, h, "GET", base+"/files?version=99", nil)
	if files := decode[proto.FilesResponse](t, w); len(files.Files) != 0 {
		t.Errorf("files for unknown version = %+v", files)
	}

	w = doJSON(t, h, "GET", base+"/log", nil)
	lg := decode[proto.LogResponse](t, w)
	if len(lg.Entries) != 1 || lg.Entries[0].Version != 1 || lg.Entries[0].FileCount != 1 {
		t.Errorf("log = %+v", lg)
	}
}

func TestUndoRedoRoutes(t *testing.T) {
	h, _ := newTestRouter(t, &fakeGen{}, nil)
	id := createSession(t, h)
	base := "/v1/sessions/" + id

	// Nothing to undo yet.
	w := doJSON(t, h, "POST", base+"/undo", nil)
	if decode[proto.ActionResponse](t, w).OK {
		t.Error("undo on fresh session reported ok")
	}

	doJSON(t, h, "POST", base+"/nodes", graph.Node{ID: "n1"})
	w = doJSON(t, h, "POST", base+"/undo", nil)
	if !decode[proto.ActionResponse](t, w).OK {
		t.Fatal("undo refused")
	}
	w = doJSON(t, h, "POST", base+"/redo", nil)
	if !decode[proto.ActionResponse](t, w).OK {
		t.Fatal("redo refused")
	}
	w = doJSON(t, h, "GET", base+"/graph", nil)
	if resp := decode[proto.GraphResponse](t, w); len(resp.Graph.Nodes) != 1 {
		t.Errorf("graph after redo = %+v", resp.Graph)
	}
}

func TestAuthRequired(t *testing.T) {
	tokens := NewTokenService([]byte("secret"), "flowlabd", time.Hour)
	h, _ := newTestRouter(t, &fakeGen{}, tokens)

	// Health stays open.
	if w := doJSON(t, h, "GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health with auth on: %d", w.Code)
	}

	if w := doJSON(t, h, "GET", "/v1/sessions", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated list: %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: %d", w.Code)
	}

	token, err := tokens.Generate("test")
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest("GET", "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("good token: %d: %s", w.Code, w.Body)
	}
}

func TestTokenService(t *testing.T) {
	ts := NewTokenService([]byte("secret"), "flowlabd", time.Hour)

	token, err := ts.Generate("cli")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Client != "cli" || claims.Issuer != "flowlabd" {
		t.Errorf("claims = %+v", claims)
	}

	other := NewTokenService([]byte("different"), "flowlabd", time.Hour)
	if _, err := other.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key error = %v", err)
	}

	expired := NewTokenService([]byte("secret"), "flowlabd", -time.Minute)
	tok, _ := expired.Generate("cli")
	if _, err := ts.Validate(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired error = %v", err)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"abc", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearerToken(tt.header); got != tt.expected {
			t.Errorf("ExtractBearerToken(%q) = %q, expected %q", tt.header, got, tt.expected)
		}
	}
}

func TestEventsWebsocket(t *testing.T) {
	h, hub := newTestRouter(t, &fakeGen{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	id := createSession(t, h)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?session=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing events: %v", err)
	}
	defer conn.Close()

	// The dial returns on the handshake; wait for the hub to register
	// the subscriber before triggering an event.
	deadline := time.Now().Add(5 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	doJSON(t, h, "POST", "/v1/sessions/"+id+"/nodes", graph.Node{ID: "n1"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	var evt session.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if evt.Type != session.EventGraphUpdated || evt.SessionID != id {
		t.Errorf("event = %+v", evt)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "test error", errors.New("details here"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	resp := decode[proto.ErrorResponse](t, w)
	if resp.Error != "test error" || resp.Details != "details here" {
		t.Errorf("resp = %+v", resp)
	}
}

func ptr(s graph.Snapshot) *graph.Snapshot { return &s }

func graphFind(s graph.Snapshot, id string) (graph.Node, bool) {
	return s.FindNode(id)
}
