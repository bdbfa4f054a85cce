// Package codegen is the HTTP client for the external code-generation
// service. It owns the sync wire contract: the outbound payload built
// from the live graph and the staged changes, and the lenient decoding
// of whatever the service sends back.
package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flowlab/internal/diff"
	"flowlab/internal/graph"
)

// IntentSync is the intent tag carried by every sync request.
const IntentSync = "sync"

// maxErrorBody caps how much of an error response is read for the
// message.
const maxErrorBody = 4096

// SyncRequest is the payload sent to the generation service: the full
// live graph plus the staged subset of pending changes.
type SyncRequest struct {
	Nodes   []graph.Node  `json:"nodes"`
	Edges   []graph.Edge  `json:"edges"`
	Changes []diff.Change `json:"changes"`
	Intent  string        `json:"intent"`
}

// GeneratedFile is one file produced by the service. Contents are
// opaque to flowlab; they are written out verbatim.
type GeneratedFile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// Client talks to one generation service endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL. timeout <= 0
// means no client-side timeout; generation calls can be slow and the
// caller's context still applies.
func NewClient(baseURL string, timeout time.Duration) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}
	if timeout > 0 {
		c.httpClient.Timeout = timeout
	}
	return c
}

// Generate sends one sync request and returns the generated files. A
// response that is valid JSON but carries no well-formed file list is a
// success with zero files; transport errors, non-2xx statuses and
// unparsable bodies are failures.
func (c *Client) Generate(ctx context.Context, req SyncRequest) ([]GeneratedFile, error) {
	if req.Intent == "" {
		req.Intent = IntentSync
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return decodeFiles(body)
}

// decodeFiles extracts the file list from a 2xx response body. Shape
// mismatches are tolerated; only broken JSON is an error.
func decodeFiles(body []byte) ([]GeneratedFile, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("unparsable generation response (%d bytes)", len(body))
	}

	var out struct {
		Files []GeneratedFile `json:"files"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		// Valid JSON in an unexpected shape carries no files.
		return nil, nil
	}
	return out.Files, nil
}

// parseError turns a non-2xx response into an error, preferring the
// service's own message when the body carries one.
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var e struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Details != "" {
			return fmt.Errorf("generation service: %s: %s", e.Error, e.Details)
		}
		return errors.New("generation service: " + e.Error)
	}
	return fmt.Errorf("generation service returned %s", resp.Status)
}
