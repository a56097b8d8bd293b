package updatebotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal UpdateBot HTTP API client.
type Client struct {
	BaseURL string
	// BearerToken is an HS256 JWT; only triggering a crawl needs it.
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Crawls can run for a long time,
// so callers triggering them usually raise Timeout or pass a context deadline.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Extent is a time range plus bounding box.
type Extent struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
	Box   struct {
		MinLat   *float64 `json:"min_lat,omitempty"`
		MaxLat   *float64 `json:"max_lat,omitempty"`
		MinLon   *float64 `json:"min_lon,omitempty"`
		MaxLon   *float64 `json:"max_lon,omitempty"`
		MinDepth *float64 `json:"min_depth,omitempty"`
		MaxDepth *float64 `json:"max_depth,omitempty"`
	} `json:"box"`
}

// Deployment is the API deployment model (partial).
type Deployment struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	ParentID     string `json:"parent_id,omitempty"`
	Extent       Extent `json:"extent"`
	ContactEmail string `json:"contact_email,omitempty"`
	Version      int64  `json:"version"`
}

// Artifact is a source or derived artifact.
type Artifact struct {
	ID      string `json:"id"`
	NodeID  string `json:"node_id"`
	Name    string `json:"name"`
	URI     string `json:"uri"`
	Kind    string `json:"kind"`
	Derived bool   `json:"derived"`
	Extent  Extent `json:"extent"`
}

// Resource is a document attached to a deployment, such as its processing log.
type Resource struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
}

// DeploymentDetail is a deployment with its artifacts and resources.
type DeploymentDetail struct {
	Deployment
	Artifacts []Artifact `json:"artifacts"`
	Resources []Resource `json:"resources"`
}

// Tree is a deployment subtree.
type Tree struct {
	Deployment Deployment            `json:"deployment"`
	Outputs    []Artifact            `json:"outputs"`
	Derived    map[string][]Artifact `json:"derived,omitempty"`
	Children   []Tree                `json:"children"`
}

// LogEntry is one line of a root's processing log.
type LogEntry struct {
	Depth      int    `json:"depth"`
	NodeID     string `json:"node_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Level      string `json:"level"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// RootReport summarizes the crawl of one root deployment.
type RootReport struct {
	RootID      string     `json:"root_id"`
	Name        string     `json:"name"`
	Changed     bool       `json:"changed"`
	Regenerated int        `json:"regenerated"`
	Saved       int        `json:"saved"`
	Failed      int        `json:"failed"`
	LogURL      string     `json:"log_url,omitempty"`
	Log         []LogEntry `json:"log"`
}

// CrawlReport is the result of a crawl.
type CrawlReport struct {
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Roots    []RootReport `json:"roots"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RootID     string         `json:"root_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Level      string         `json:"level"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventQuery filters an event listing. Zero fields are ignored.
type EventQuery struct {
	RootID   string
	Type     string
	EntityID string
	Level    string
	Limit    int
	Cursor   string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports whether the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

// Deployments lists deployments, or only roots.
func (c *Client) Deployments(ctx context.Context, rootsOnly bool) ([]Deployment, error) {
	var resp struct {
		Items []Deployment `json:"items"`
	}
	endpoint := "v0/deployments"
	if rootsOnly {
		endpoint += "?roots=true"
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Deployment fetches one deployment with its artifacts and resources.
func (c *Client) Deployment(ctx context.Context, id string) (DeploymentDetail, error) {
	var resp DeploymentDetail
	err := c.do(ctx, http.MethodGet, "v0/deployments/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Tree fetches the subtree rooted at id.
func (c *Client) Tree(ctx context.Context, id string) (Tree, error) {
	var resp Tree
	err := c.do(ctx, http.MethodGet, "v0/deployments/"+url.PathEscape(id)+"/tree", nil, &resp)
	return resp, err
}

// Crawl runs a crawl and waits for its report. An empty deployment crawls
// every root.
func (c *Client) Crawl(ctx context.Context, deployment string) (CrawlReport, error) {
	body := map[string]any{}
	if deployment != "" {
		body["deployment"] = deployment
	}
	var resp CrawlReport
	err := c.do(ctx, http.MethodPost, "v0/crawl", body, &resp)
	return resp, err
}

// Events returns one page of events, newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	v := url.Values{}
	for key, val := range map[string]string{
		"root_id":   q.RootID,
		"type":      q.Type,
		"entity_id": q.EntityID,
		"level":     q.Level,
		"cursor":    q.Cursor,
	} {
		if val != "" {
			v.Set(key, val)
		}
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "v0/events"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedEvents
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
