// Package autotip is a Go client for the autotipd management API.
package autotip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"AutoTip/internal/agent"
	"AutoTip/internal/engine"
	"AutoTip/internal/execution"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ownerHeader mirrors the header autotipd trusts when authentication is disabled.
const ownerHeader = "X-Owner-ID"

// ErrNoCredentials is returned when neither a token nor an owner is configured.
var ErrNoCredentials = errors.New("autotip: access token or owner id is not set")

// Client wraps the HTTP interactions with the autotipd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	ownerID     string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("autotip api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("autotip api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 returned by the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ListAgentsOptions filters ListAgents.
type ListAgentsOptions struct {
	Statuses []agent.Status
	Limit    int
	Offset   int
}

// ListExecutionsOptions filters ListExecutions.
type ListExecutionsOptions struct {
	Statuses  []execution.Status
	Limit     int
	Offset    int
	Ascending bool
}

// AgentStats combines the agent's rolled-up statistics with execution counts.
type AgentStats struct {
	Agent      agent.Statistics `json:"agent"`
	Executions execution.Stats  `json:"executions"`
}

// NewClient instantiates a client for the autotipd API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetOwner identifies the caller for servers running with authentication disabled.
func (c *Client) SetOwner(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownerID = ownerID
}

// CreateAgent creates an agent with its initial rules.
func (c *Client) CreateAgent(ctx context.Context, in agent.CreateAgentInput) (*agent.Agent, error) {
	var out agent.Agent
	if err := c.send(ctx, http.MethodPost, "/api/v1/agents", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents returns the caller's agents.
func (c *Client) ListAgents(ctx context.Context, opts ListAgentsOptions) ([]*agent.Agent, error) {
	query := pageQuery(opts.Limit, opts.Offset)
	if len(opts.Statuses) > 0 {
		parts := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			parts[i] = string(s)
		}
		query.Set("status", strings.Join(parts, ","))
	}
	var out struct {
		Agents []*agent.Agent `json:"agents"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/agents", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent fetches an agent by identifier.
func (c *Client) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	var out agent.Agent
	if err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAgent applies a partial update.
func (c *Client) UpdateAgent(ctx context.Context, id string, in agent.UpdateAgentInput) (*agent.Agent, error) {
	var out agent.Agent
	if err := c.send(ctx, http.MethodPatch, "/api/v1/agents/"+url.PathEscape(id), nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAgent soft-deletes an agent.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(id), nil, nil, nil)
}

// CreateRule appends a rule to an agent.
func (c *Client) CreateRule(ctx context.Context, agentID string, in agent.RuleInput) (*agent.Rule, error) {
	var out agent.Rule
	if err := c.send(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/rules", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateRule patches a rule.
func (c *Client) UpdateRule(ctx context.Context, agentID, ruleID string, patch agent.RulePatch) (*agent.Rule, error) {
	var out agent.Rule
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/rules/" + url.PathEscape(ruleID)
	if err := c.send(ctx, http.MethodPatch, endpoint, nil, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRule removes a rule.
func (c *Client) DeleteRule(ctx context.Context, agentID, ruleID string) error {
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/rules/" + url.PathEscape(ruleID)
	return c.send(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// ListExecutions returns an agent's executions, newest first unless Ascending is set.
func (c *Client) ListExecutions(ctx context.Context, agentID string, opts ListExecutionsOptions) ([]*execution.Execution, error) {
	query := pageQuery(opts.Limit, opts.Offset)
	if len(opts.Statuses) > 0 {
		parts := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			parts[i] = string(s)
		}
		query.Set("status", strings.Join(parts, ","))
	}
	if opts.Ascending {
		query.Set("order", "asc")
	}
	var out struct {
		Executions []*execution.Execution `json:"executions"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/executions", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

// GetExecution fetches a single execution.
func (c *Client) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	var out execution.Execution
	if err := c.send(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentStats returns per-agent statistics.
func (c *Client) AgentStats(ctx context.Context, agentID string) (AgentStats, error) {
	var out AgentStats
	if err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/stats", nil, nil, &out); err != nil {
		return AgentStats{}, err
	}
	return out, nil
}

// DispatchEvent submits a normalized event document and returns the dispatch report.
func (c *Client) DispatchEvent(ctx context.Context, event json.RawMessage) (*engine.Report, error) {
	var out engine.Report
	if err := c.send(ctx, http.MethodPost, "/api/v1/events", nil, event, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func pageQuery(limit, offset int) url.Values {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	return query
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.mu.RLock()
	token, owner := c.accessToken, c.ownerID
	c.mu.RUnlock()
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case owner != "":
		req.Header.Set(ownerHeader, owner)
	default:
		return nil, ErrNoCredentials
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
