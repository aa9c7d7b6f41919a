package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/types"
)

// defaultHTTPTimeout bounds individual control plane calls.
const defaultHTTPTimeout = 120 * time.Second

// Client is a thin HTTP client for the control plane API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the control plane at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// QueueConfig fetches the broker handshake and rebuilds the queue config.
func (c *Client) QueueConfig(ctx context.Context) (queue.Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue_config", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /queue_config: status %d: %s", resp.StatusCode, raw)
	}
	return queue.ParseHandshake(raw)
}

// Register upserts the service and returns the control plane configuration.
func (c *Client) Register(ctx context.Context, def *types.ServiceDefinition) (types.ControlPlaneConfig, error) {
	var cfg types.ControlPlaneConfig
	err := c.do(ctx, http.MethodPost, "/services/register", def, &cfg)
	return cfg, err
}

// Deregister removes the service from the registry.
func (c *Client) Deregister(ctx context.Context, serviceName string) error {
	path := "/services/deregister?service_name=" + url.QueryEscape(serviceName)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// CreateSession mints a new session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var sessionID string
	err := c.do(ctx, http.MethodPost, "/sessions/create", nil, &sessionID)
	return sessionID, err
}

// SessionState returns the session's state mapping.
func (c *Client) SessionState(ctx context.Context, sessionID string) (map[string]interface{}, error) {
	var state map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/state", nil, &state)
	return state, err
}

// UpdateSessionState shallow-merges updates into the session state.
func (c *Client) UpdateSessionState(ctx context.Context, sessionID string, updates map[string]interface{}) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/state", updates, nil)
}

// TaskResult returns the task's result, or nil while it is still running.
func (c *Client) TaskResult(ctx context.Context, sessionID, taskID string) (*types.TaskResult, error) {
	path := fmt.Sprintf("/sessions/%s/tasks/%s/result", url.PathEscape(sessionID), url.PathEscape(taskID))
	var result *types.TaskResult
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// AddTask submits a task to the session and returns the task id.
func (c *Client) AddTask(ctx context.Context, sessionID string, task *types.TaskDefinition) (string, error) {
	var taskID string
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/tasks", task, &taskID)
	return taskID, err
}
