// Package remote provides client functionality for talking to flowlabd.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"flowlab/internal/graph"
	"flowlab/internal/proto"
	"flowlab/internal/session"
	"flowlab/internal/store"
)

// DefaultServer is the flowlabd URL used when nothing is configured.
// Can be overridden via the FLOWLAB_SERVER environment variable.
const DefaultServer = "http://127.0.0.1:7466"

// Client communicates with a flowlabd server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

// NewClient creates a client. An empty baseURL falls back to
// FLOWLAB_SERVER and then DefaultServer; the token comes from
// FLOWLAB_TOKEN or the saved token file.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("FLOWLAB_SERVER")
	}
	if baseURL == "" {
		baseURL = DefaultServer
	}

	token := os.Getenv("FLOWLAB_TOKEN")
	if token == "" {
		token, _ = LoadToken()
	}

	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		AuthToken: token,
	}
}

func sessionPath(id string) string {
	return "/v1/sessions/" + id
}

// ----- API methods -----

// Health checks if the server is up.
func (c *Client) Health() error {
	var resp proto.HealthResponse
	if err := c.call("GET", "/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

// CreateSession opens a session, optionally seeded with a graph.
func (c *Client) CreateSession(name string, g *graph.Snapshot) (*session.Status, error) {
	var st session.Status
	req := proto.CreateSessionRequest{Name: name, Graph: g}
	if err := c.call("POST", "/v1/sessions", req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSessions lists every known session.
func (c *Client) ListSessions() ([]store.SessionRow, error) {
	var resp proto.SessionListResponse
	if err := c.call("GET", "/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetStatus fetches a session's change listing and sync position.
func (c *Client) GetStatus(id string) (*session.Status, error) {
	var st session.Status
	if err := c.call("GET", sessionPath(id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CloseSession deletes a session and its stored state.
func (c *Client) CloseSession(id string) error {
	return c.call("DELETE", sessionPath(id), nil, nil)
}

// GetGraph fetches the live graph.
func (c *Client) GetGraph(id string) (*proto.GraphResponse, error) {
	var resp proto.GraphResponse
	if err := c.call("GET", sessionPath(id)+"/graph", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutGraph replaces the live graph.
func (c *Client) PutGraph(id string, snap graph.Snapshot) (*session.Status, error) {
	var st session.Status
	if err := c.call("PUT", sessionPath(id)+"/graph", snap, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AddNode upserts a node and returns its sanitized form.
func (c *Client) AddNode(id string, n graph.Node) (*graph.Node, error) {
	var out graph.Node
	if err := c.call("POST", sessionPath(id)+"/nodes", n, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveNode deletes a node and its edges.
func (c *Client) RemoveNode(id, nodeID string) error {
	return c.call("DELETE", sessionPath(id)+"/nodes/"+nodeID, nil, nil)
}

// MoveNode repositions a node.
func (c *Client) MoveNode(id, nodeID string, x, y float64) error {
	return c.call("PUT", sessionPath(id)+"/nodes/"+nodeID+"/position", proto.MoveRequest{X: x, Y: y}, nil)
}

// BeginDrag opens a drag gesture on a node.
func (c *Client) BeginDrag(id, nodeID string) error {
	return c.call("POST", sessionPath(id)+"/nodes/"+nodeID+"/drag/begin", nil, nil)
}

// EndDrag closes a drag gesture.
func (c *Client) EndDrag(id, nodeID string) error {
	return c.call("POST", sessionPath(id)+"/nodes/"+nodeID+"/drag/end", nil, nil)
}

// AddEdge inserts an edge between existing nodes.
func (c *Client) AddEdge(id string, e graph.Edge) error {
	return c.call("POST", sessionPath(id)+"/edges", e, nil)
}

// RemoveEdge deletes an edge.
func (c *Client) RemoveEdge(id, edgeID string) error {
	return c.call("DELETE", sessionPath(id)+"/edges/"+edgeID, nil, nil)
}

// Select replaces the node selection.
func (c *Client) Select(id string, nodeIDs []string) (*session.Status, error) {
	var st session.Status
	req := proto.SelectionRequest{Selected: nodeIDs}
	if err := c.call("PUT", sessionPath(id)+"/selection", req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Changes lists the pending changes and which are staged.
func (c *Client) Changes(id string) (*proto.ChangesResponse, error) {
	var resp proto.ChangesResponse
	if err := c.call("GET", sessionPath(id)+"/changes", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Toggle flips one change's staged state.
func (c *Client) Toggle(id, changeID string) (*session.Status, error) {
	var st session.Status
	if err := c.call("POST", sessionPath(id)+"/changes/"+changeID+"/toggle", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Revert rolls one pending change out of the live graph.
func (c *Client) Revert(id, changeID string) (*session.Status, error) {
	var st session.Status
	if err := c.call("POST", sessionPath(id)+"/changes/"+changeID+"/revert", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StageAll stages every pending change.
func (c *Client) StageAll(id string) (*session.Status, error) {
	var st session.Status
	if err := c.call("POST", sessionPath(id)+"/stage-all", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// UnstageAll unstages every pending change.
func (c *Client) UnstageAll(id string) (*session.Status, error) {
	var st session.Status
	if err := c.call("POST", sessionPath(id)+"/unstage-all", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Undo steps the graph back one history entry. Returns false at the
// bottom of the stack.
func (c *Client) Undo(id string) (bool, error) {
	var resp proto.ActionResponse
	if err := c.call("POST", sessionPath(id)+"/undo", nil, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Redo steps the graph forward one history entry.
func (c *Client) Redo(id string) (bool, error) {
	var resp proto.ActionResponse
	if err := c.call("POST", sessionPath(id)+"/redo", nil, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// Sync ships the staged changes to the generation service.
func (c *Client) Sync(id string) (*session.SyncOutcome, error) {
	var outcome session.SyncOutcome
	if err := c.call("POST", sessionPath(id)+"/sync", nil, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// Files lists generated files; version 0 means latest.
func (c *Client) Files(id string, version int) ([]store.FileRow, error) {
	path := sessionPath(id) + "/files"
	if version > 0 {
		path += fmt.Sprintf("?version=%d", version)
	}
	var resp proto.FilesResponse
	if err := c.call("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Log fetches sync log entries, newest first.
func (c *Client) Log(id string, limit int) ([]store.SyncRecord, error) {
	path := fmt.Sprintf("%s/log?limit=%d", sessionPath(id), limit)
	var resp proto.LogResponse
	if err := c.call("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Watch subscribes to the event stream and invokes fn for each event
// until the context is canceled or the connection drops. An empty
// sessionID subscribes to every session.
func (c *Client) Watch(ctx context.Context, sessionID string, fn func(session.Event)) error {
	wsURL := strings.Replace(c.BaseURL, "http", "ws", 1) + "/v1/events"
	q := url.Values{}
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	if c.AuthToken != "" {
		q.Set("token", c.AuthToken)
	}
	if enc := q.Encode(); enc != "" {
		wsURL += "?" + enc
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading event: %w", err)
		}
		var evt session.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			continue
		}
		fn(evt)
	}
}

// ----- Helper methods -----

func (c *Client) call(method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.parseError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		if errResp.Details != "" {
			return fmt.Errorf("%s: %s", errResp.Error, errResp.Details)
		}
		return fmt.Errorf("%s", errResp.Error)
	}
	return fmt.Errorf("server error: %d %s", resp.StatusCode, string(body))
}

// ----- Token storage -----

// TokenPath returns the path of the saved token file.
func TokenPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".flowlab", "token")
}

// LoadToken reads the saved token, if any.
func LoadToken() (string, error) {
	data, err := os.ReadFile(TokenPath())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveToken writes the token for later CLI calls.
func SaveToken(token string) error {
	path := TokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	return nil
}
