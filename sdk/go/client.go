package crewlinesdk

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

// Client is a minimal Crewline HTTP API client, enough to write agent
// bodies and observers in Go.
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

// WorkItem mirrors the API work item model.
type WorkItem struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description,omitempty"`
	OperationType     string  `json:"operation_type"`
	Priority          int     `json:"priority"`
	Status            string  `json:"status"`
	AssignedAgent     *string `json:"assigned_agent,omitempty"`
	ParentID          *string `json:"parent_id,omitempty"`
	CreatedAt         string  `json:"created_at"`
	LastActivityAt    string  `json:"last_activity_at"`
	EstimatedSeconds  int     `json:"estimated_seconds,omitempty"`
	Stateful          bool    `json:"stateful,omitempty"`
	RedelegationDepth int     `json:"redelegation_depth,omitempty"`
}

// Assignment pairs a claimed item with its selected resource tier.
type Assignment struct {
	Item     WorkItem `json:"item"`
	Resource string   `json:"resource,omitempty"`
}

// Agent mirrors the API agent model.
type Agent struct {
	ID                string   `json:"id"`
	Role              string   `json:"role"`
	Manager           bool     `json:"manager"`
	Capabilities      []string `json:"capabilities"`
	Status            string   `json:"status"`
	CurrentWorkItemID *string  `json:"current_work_item_id,omitempty"`
	LastHeartbeatAt   string   `json:"last_heartbeat_at"`
	RegisteredAt      string   `json:"registered_at"`
}

// Message is a directed note between agents.
type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	SentAt  string `json:"sent_at"`
}

// Escalation mirrors the API escalation model.
type Escalation struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	Reason     string `json:"reason"`
	Severity   string `json:"severity"`
	CreatedAt  string `json:"created_at"`
	Resolved   bool   `json:"resolved"`
}

// Event is a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
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

// RegisterAgent registers or re-registers an agent.
func (c *Client) RegisterAgent(ctx context.Context, id, role string, manager bool, capabilities []string) (Agent, error) {
	body := map[string]any{
		"id":           id,
		"role":         role,
		"manager":      manager,
		"capabilities": capabilities,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", body, &resp)
	return resp, err
}

// Heartbeat refreshes the agent's liveness.
func (c *Client) Heartbeat(ctx context.Context, agentID string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, c.agentPath(agentID, "heartbeat"), nil, &resp)
	return resp, err
}

// Dequeue claims the next eligible item. Returns nil when the queue has
// nothing for this agent.
func (c *Client) Dequeue(ctx context.Context, agentID string) (*Assignment, error) {
	var resp *Assignment
	err := c.do(ctx, http.MethodPost, c.agentPath(agentID, "dequeue"), nil, &resp)
	return resp, err
}

// Submit queues a new work item.
func (c *Client) Submit(ctx context.Context, title, operationType string, priority int, parentID string) (WorkItem, error) {
	body := map[string]any{
		"title":          title,
		"operation_type": operationType,
		"priority":       priority,
	}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/items", body, &resp)
	return resp, err
}

// UpdateStatus transitions a work item.
func (c *Client) UpdateStatus(ctx context.Context, itemID, status string) (WorkItem, error) {
	var resp WorkItem
	endpoint := fmt.Sprintf("v0/items/%s/status", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// Touch records activity on a work item so it does not stall.
func (c *Client) Touch(ctx context.Context, itemID string) (WorkItem, error) {
	var resp WorkItem
	endpoint := fmt.Sprintf("v0/items/%s/touch", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Send routes a message to another agent, or to "broadcast".
func (c *Client) Send(ctx context.Context, from, to, subject, text string) error {
	body := map[string]any{
		"to":      to,
		"subject": subject,
		"body":    text,
	}
	return c.do(ctx, http.MethodPost, c.agentPath(from, "messages"), body, nil)
}

// Drain empties and returns the agent's mailbox.
func (c *Client) Drain(ctx context.Context, agentID string) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, c.agentPath(agentID, "messages"), nil, &resp)
	return resp, err
}

// Escalations lists escalations, optionally only unresolved ones.
func (c *Client) Escalations(ctx context.Context, unresolvedOnly bool) ([]Escalation, error) {
	endpoint := "v0/escalations"
	if unresolvedOnly {
		endpoint += "?resolved=false"
	}
	var resp []Escalation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns audit events after the given cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
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

func (c *Client) agentPath(agentID, p string) string {
	return fmt.Sprintf("v0/agents/%s/%s", url.PathEscape(agentID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
