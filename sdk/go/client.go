package wavelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Waveline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxElapsed bounds retries of 503 responses, which the server returns
	// when a workspace lock is busy. Zero disables retries.
	MaxElapsed time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		MaxElapsed: 5 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Type        string   `json:"type,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// NewTask is the create payload.
type NewTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	Type        string   `json:"type,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

type TaskRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Completion is the result of completing a task.
type Completion struct {
	Task      Task      `json:"task"`
	Unblocked []TaskRef `json:"unblocked_tasks"`
}

type Wave struct {
	Index   int      `json:"index"`
	TaskIDs []string `json:"task_ids"`
}

type WavePlan struct {
	Scope        string   `json:"scope,omitempty"`
	Waves        []Wave   `json:"waves"`
	Unresolvable []string `json:"unresolvable,omitempty"`
}

// StageTransition is the result of a stage action.
type StageTransition struct {
	Record struct {
		RootID  string `json:"root_id"`
		Version int    `json:"version"`
	} `json:"record"`
	Entry struct {
		Seq    int    `json:"seq"`
		Stage  string `json:"stage"`
		Action string `json:"action"`
		From   string `json:"from"`
		To     string `json:"to"`
	} `json:"entry"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and ExitCode are filled when the
// body is the standard error envelope.
type APIError struct {
	StatusCode int
	Code       string
	ExitCode   int
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", in, &resp)
	return resp, err
}

// GetTask fetches a live or archived task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CompleteTask marks a task done.
func (c *Client) CompleteTask(ctx context.Context, id string, force bool) (Completion, error) {
	endpoint := fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(id))
	if force {
		endpoint += "?force=true"
	}
	var resp Completion
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Waves returns the dispatch plan below scope, or for every task when
// scope is empty.
func (c *Client) Waves(ctx context.Context, scope string) (WavePlan, error) {
	endpoint := "v0/waves"
	if scope != "" {
		endpoint += "?scope=" + url.QueryEscape(scope)
	}
	var resp WavePlan
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ready returns pending tasks whose dependencies are resolved.
func (c *Client) Ready(ctx context.Context, scope string) ([]Task, error) {
	endpoint := "v0/ready"
	if scope != "" {
		endpoint += "?scope=" + url.QueryEscape(scope)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// InitPipeline starts lifecycle tracking for rootID.
func (c *Client) InitPipeline(ctx context.Context, rootID string) error {
	return c.do(ctx, http.MethodPost, "v0/pipelines/"+url.PathEscape(rootID), nil, nil)
}

// StageAction applies action ("start", "complete", ...) to stage. A non-nil
// expectedVersion makes the call fail with a 409 when the pipeline moved.
func (c *Client) StageAction(ctx context.Context, rootID, stage, action, reason string, expectedVersion *int) (StageTransition, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	if expectedVersion != nil {
		body["expected_version"] = *expectedVersion
	}
	endpoint := fmt.Sprintf("v0/pipelines/%s/stages/%s/%s", url.PathEscape(rootID), url.PathEscape(stage), url.PathEscape(action))
	var resp StageTransition
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	op := func() error {
		err := c.once(ctx, method, endpoint, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusServiceUnavailable {
			return backoff.Permanent(err)
		}
		return err
	}
	if c.MaxElapsed <= 0 {
		return c.once(ctx, method, endpoint, payload, out)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = c.MaxElapsed
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code     string `json:"code"`
				ExitCode int    `json:"exit_code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.ExitCode = env.Error.ExitCode
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
