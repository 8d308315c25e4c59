// Package backend is the HTTP client for the saga story service: scene
// fetches and narration session creation. The narration stream itself is
// handled by the transport package.
package backend

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

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var (
	// ErrSceneNotFound indicates the backend does not know the scene.
	ErrSceneNotFound = errors.New("scene not found")
)

// Scene is one unit of narrative prose as the backend serves it. Body is
// markdown.
type Scene struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Voice string   `json:"voice,omitempty"`
	Next  []Choice `json:"choices,omitempty"`
}

// Choice is a branch the reader can take from a scene.
type Choice struct {
	Label   string `json:"label"`
	SceneID string `json:"scene_id"`
}

// Client talks to one saga backend. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Scene fetches one scene by id.
func (c *Client) Scene(ctx context.Context, sceneID string) (*Scene, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/scenes/"+sceneID, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch scene %s: %w", sceneID, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch scene %s: %w", sceneID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("scene %s: %w", sceneID, ErrSceneNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, statusError("fetch scene", resp)
	}

	var scene Scene
	if err := json.NewDecoder(resp.Body).Decode(&scene); err != nil {
		return nil, fmt.Errorf("decode scene %s: %w", sceneID, err)
	}
	return &scene, nil
}

// CreateNarrationSession requests a new narration session for a scene
// and returns the session id used to open the stream. A single attempt:
// transient failures are reported to the caller, which owns retry
// policy.
func (c *Client) CreateNarrationSession(ctx context.Context, sceneID, voice string) (string, error) {
	body, err := json.Marshal(struct {
		Voice     string `json:"voice,omitempty"`
		RequestID string `json:"request_id"`
	}{
		Voice:     voice,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("create narration session: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/scenes/"+sceneID+"/narration", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create narration session: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create narration session: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("scene %s: %w", sceneID, ErrSceneNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", statusError("create narration session", resp)
	}

	var created struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if created.SessionID == "" {
		return "", errors.New("backend returned an empty session id")
	}

	log.Debug("narration session created", "scene", sceneID, "session", created.SessionID)
	return created.SessionID, nil
}

// statusError builds an error from a non-success response, including a
// snippet of the body when the backend sent one.
func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if len(snippet) == 0 {
		return fmt.Errorf("%s: backend returned status %d", op, resp.StatusCode)
	}
	return fmt.Errorf("%s: backend returned status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
