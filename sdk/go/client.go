package scenelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sceneline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Scene represents the API scene model (partial).
type Scene struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	OwnerID       string  `json:"owner_id"`
	StartFrameKey string  `json:"start_frame_key"`
	EndFrameKey   *string `json:"end_frame_key,omitempty"`
	ShotType      string  `json:"shot_type"`
	Ordinal       int     `json:"ordinal"`
	Version       int     `json:"version"`
	Status        string  `json:"status"`
	JobStatus     *string `json:"job_status,omitempty"`
	JobError      *string `json:"job_error,omitempty"`
}

// Version represents one immutable version record.
type Version struct {
	SceneID   string `json:"scene_id"`
	Version   int    `json:"version"`
	MediaKey  string `json:"media_key"`
	MetaJSON  string `json:"meta_json,omitempty"`
	CreatedAt string `json:"created_at"`
}

// SignedURL is a time-limited read link.
type SignedURL struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Expires string `json:"expires"`
}

// ExportItem is one entry of an export manifest.
type ExportItem struct {
	SceneID  string `json:"scene_id"`
	Ordinal  int    `json:"ordinal"`
	ShotType string `json:"shot_type"`
	Version  int    `json:"version"`
	MediaKey string `json:"media_key"`
	URL      string `json:"url"`
	Expires  string `json:"expires"`
}

// ExportManifest lists ready media in timeline order.
type ExportManifest struct {
	ProjectID   string       `json:"project_id"`
	GeneratedAt string       `json:"generated_at"`
	Items       []ExportItem `json:"items"`
	Skipped     []string     `json:"skipped,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateScene creates a scene and submits generation.
func (c *Client) CreateScene(ctx context.Context, startFrameKey, endFrameKey, shotType string) (Scene, error) {
	body := map[string]any{
		"start_frame_key": startFrameKey,
		"shot_type":       shotType,
	}
	if endFrameKey != "" {
		body["end_frame_key"] = endFrameKey
	}
	var resp Scene
	err := c.do(ctx, http.MethodPost, c.projectPath("scenes"), body, &resp)
	return resp, err
}

// Scenes lists live scenes in ordinal order.
func (c *Client) Scenes(ctx context.Context, status string) ([]Scene, error) {
	endpoint := c.projectPath("scenes")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Scene
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Scene fetches one scene.
func (c *Client) Scene(ctx context.Context, id string) (Scene, error) {
	var resp Scene
	err := c.do(ctx, http.MethodGet, c.scenePath(id, ""), nil, &resp)
	return resp, err
}

// Regenerate re-queues a ready or errored scene.
func (c *Client) Regenerate(ctx context.Context, id string) (Scene, error) {
	var resp Scene
	err := c.do(ctx, http.MethodPost, c.scenePath(id, "regenerate"), nil, &resp)
	return resp, err
}

// DeleteScene soft-deletes a scene.
func (c *Client) DeleteScene(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.scenePath(id, ""), nil, nil)
}

// RestoreScene undoes a recent delete.
func (c *Client) RestoreScene(ctx context.Context, id string) (Scene, error) {
	var resp Scene
	err := c.do(ctx, http.MethodPost, c.scenePath(id, "restore"), nil, &resp)
	return resp, err
}

// Versions lists a scene's version history.
func (c *Client) Versions(ctx context.Context, sceneID string) ([]Version, error) {
	var resp []Version
	err := c.do(ctx, http.MethodGet, c.scenePath(sceneID, "versions"), nil, &resp)
	return resp, err
}

// FrameURLs returns signed links for the scene's input frames.
func (c *Client) FrameURLs(ctx context.Context, sceneID string) ([]SignedURL, error) {
	var resp []SignedURL
	err := c.do(ctx, http.MethodGet, c.scenePath(sceneID, "frames"), nil, &resp)
	return resp, err
}

// MediaURL returns a signed link for a version's media, latest when version<=0.
func (c *Client) MediaURL(ctx context.Context, sceneID string, version int) (SignedURL, error) {
	endpoint := c.scenePath(sceneID, "media")
	if version > 0 {
		endpoint = fmt.Sprintf("%s?version=%d", endpoint, version)
	}
	var resp SignedURL
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Export fetches the manifest of ready scenes with signed links.
func (c *Client) Export(ctx context.Context) (ExportManifest, error) {
	var resp ExportManifest
	err := c.do(ctx, http.MethodGet, c.projectPath("export"), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) scenePath(id, suffix string) string {
	p := fmt.Sprintf("scenes/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return c.projectPath(p)
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
