package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// APIClient talks to a running berth daemon over HTTP.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *APIClient) get(path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.client.Get(u)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, out)
}

func (c *APIClient) post(path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.client.Post(u, "application/json", &buf)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
			return fmt.Errorf("API error: status %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StartServices starts the given services (all when ids is empty).
func (c *APIClient) StartServices(ids []string, resolvePorts bool) (map[string]any, error) {
	var report map[string]any
	err := c.post("/start", nil, map[string]any{"ids": ids, "resolve_ports": resolvePorts}, &report)
	return report, err
}

// StopService stops one service by id.
func (c *APIClient) StopService(id string) error {
	return c.post("/stop", url.Values{"id": {id}}, nil, nil)
}

// StopAll stops every running service.
func (c *APIClient) StopAll() error {
	return c.post("/stop", url.Values{"all": {"1"}}, nil, nil)
}

// Status fetches one status (id set) or all statuses (id empty).
func (c *APIClient) Status(id string) (any, error) {
	q := url.Values{}
	if id != "" {
		q.Set("id", id)
	}
	var result any
	err := c.get("/status", q, &result)
	return result, err
}

// Logs fetches a service's recent output.
func (c *APIClient) Logs(id string, lines int) ([]string, error) {
	q := url.Values{"id": {id}}
	if lines > 0 {
		q.Set("lines", fmt.Sprintf("%d", lines))
	}
	var out []string
	err := c.get("/logs", q, &out)
	return out, err
}

// Order fetches the computed startup order.
func (c *APIClient) Order() (any, error) {
	var result any
	err := c.get("/order", nil, &result)
	return result, err
}

// Graph fetches the dependency graph snapshot.
func (c *APIClient) Graph() (any, error) {
	var result any
	err := c.get("/graph", nil, &result)
	return result, err
}

// PortConflicts fetches current port conflicts.
func (c *APIClient) PortConflicts() (any, error) {
	var result any
	err := c.get("/ports/conflicts", nil, &result)
	return result, err
}

// AutoAssignPorts resolves port conflicts on the daemon.
func (c *APIClient) AutoAssignPorts(ids []string) (any, error) {
	var result any
	err := c.post("/ports/auto-assign", nil, map[string]any{"ids": ids}, &result)
	return result, err
}

// Health fetches probe records.
func (c *APIClient) Health(id string) (any, error) {
	q := url.Values{}
	if id != "" {
		q.Set("id", id)
	}
	var result any
	err := c.get("/health", q, &result)
	return result, err
}

// ResetRestarts zeroes a service's restart count.
func (c *APIClient) ResetRestarts(id string) error {
	return c.post("/restarts/reset", url.Values{"id": {id}}, nil, nil)
}

// CancelRestart cancels a pending restart.
func (c *APIClient) CancelRestart(id string) error {
	return c.post("/restarts/cancel", url.Values{"id": {id}}, nil, nil)
}

// Events fetches recent lifecycle events.
func (c *APIClient) Events(limit int) (any, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var result any
	err := c.get("/events", q, &result)
	return result, err
}
