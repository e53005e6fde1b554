package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/drydock/internal/controlplane"
	"github.com/fentz26/drydock/internal/models"
	"github.com/fentz26/drydock/internal/pool"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the controller endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

// ListTasks fetches tasks in the given state, or every task when state is
// empty.
func (c *Client) ListTasks(state models.TaskState) ([]*models.Task, error) {
	path := "/tasks?limit=500"
	if state != "" {
		path += "&state=" + url.QueryEscape(string(state))
	}
	var tasks []*models.Task
	return tasks, c.get(path, &tasks)
}

// GetTask fetches a single task
func (c *Client) GetTask(id string) (*models.Task, error) {
	var t models.Task
	if err := c.get("/tasks/"+url.PathEscape(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskRuns fetches the execution logs of a task.
func (c *Client) TaskRuns(id string) ([]models.Run, error) {
	var runs []models.Run
	return runs, c.get("/tasks/"+url.PathEscape(id)+"/runs", &runs)
}

// TaskAudit fetches the journal entries of a task.
func (c *Client) TaskAudit(id string) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	return entries, c.get("/tasks/"+url.PathEscape(id)+"/audit", &entries)
}

// CancelTask requests cancellation of a task and returns the cancel task.
func (c *Client) CancelTask(id string) (*models.Task, error) {
	resp, err := c.post("/tasks/"+url.PathEscape(id)+"/cancel", map[string]string{})
	if err != nil {
		return nil, err
	}
	var t models.Task
	if err := json.Unmarshal(resp, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Locks fetches the locked servers.
func (c *Client) Locks() ([]controlplane.ServerLock, error) {
	var locks []controlplane.ServerLock
	return locks, c.get("/locks", &locks)
}

// Workers fetches the worker pool statistics.
func (c *Client) Workers() (*pool.Stats, error) {
	var stats pool.Stats
	if err := c.get("/workers", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CheckHealth checks if the controller is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var health controlplane.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}
	return health.OK && resp.StatusCode == http.StatusOK, nil
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, data any) ([]byte, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}
	return body, nil
}
