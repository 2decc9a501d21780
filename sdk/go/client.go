package agorasdk

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

// Client is a minimal Agora HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agent represents the API agent model.
type Agent struct {
	ID              string   `json:"id"`
	Owner           string   `json:"owner"`
	Name            string   `json:"name"`
	Capabilities    []string `json:"capabilities"`
	StakedAmount    int64    `json:"staked_amount"`
	ReputationScore int      `json:"reputation_score"`
	IsActive        bool     `json:"is_active"`
}

// Task represents the API task model (partial).
type Task struct {
	ID            string  `json:"id"`
	Requester     string  `json:"requester"`
	AssignedAgent *string `json:"assigned_agent,omitempty"`
	Title         string  `json:"title"`
	Reward        int64   `json:"reward"`
	Status        string  `json:"status"`
	ResultRef     *string `json:"result_ref,omitempty"`
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	ID          string `json:"id"`
	Creator     string `json:"creator"`
	Name        string `json:"name"`
	TotalBudget int64  `json:"total_budget"`
	Spent       int64  `json:"spent"`
	Status      string `json:"status"`
}

// Step represents a workflow step.
type Step struct {
	ID            string   `json:"id"`
	WorkflowID    string   `json:"workflow_id"`
	Name          string   `json:"name"`
	Capability    string   `json:"capability"`
	AssignedAgent *string  `json:"assigned_agent,omitempty"`
	Reward        int64    `json:"reward"`
	Dependencies  []string `json:"dependencies"`
	Status        string   `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Principal  string         `json:"principal"`
	Payload    map[string]any `json:"payload"`
}

// Account represents a ledger balance.
type Account struct {
	Principal string `json:"principal"`
	Balance   int64  `json:"balance"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterAgent registers an agent owned by the authenticated principal.
func (c *Client) RegisterAgent(ctx context.Context, name string, capabilities []string, stake int64) (Agent, error) {
	body := map[string]any{
		"name":         name,
		"capabilities": capabilities,
		"stake_amount": stake,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

// CreateTask creates a task with an escrowed reward.
func (c *Client) CreateTask(ctx context.Context, title string, capabilities []string, reward int64, deadline time.Time) (Task, error) {
	body := map[string]any{
		"title":                 title,
		"required_capabilities": capabilities,
		"reward":                reward,
		"deadline":              deadline.UTC().Format(time.RFC3339),
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// AcceptTask claims an open task for an agent.
func (c *Client) AcceptTask(ctx context.Context, taskID, agentID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/accept", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"agent_id": agentID}, &resp)
	return resp, err
}

// SubmitResult submits a result for an assigned task.
func (c *Client) SubmitResult(ctx context.Context, taskID, resultRef string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/submit", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"result_ref": resultRef}, &resp)
	return resp, err
}

// ApproveResult approves a submitted result and settles the escrow.
func (c *Client) ApproveResult(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/approve", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ReadySteps lists the claimable steps of a workflow.
func (c *Client) ReadySteps(ctx context.Context, workflowID string) ([]Step, error) {
	var resp []Step
	endpoint := fmt.Sprintf("v0/workflows/%s/ready", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Balance returns the ledger account of a principal.
func (c *Client) Balance(ctx context.Context, principal string) (Account, error) {
	var resp Account
	endpoint := fmt.Sprintf("v0/ledger/accounts/%s", url.PathEscape(principal))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
