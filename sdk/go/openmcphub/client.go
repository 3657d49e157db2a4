// Package openmcphub is a small client for the OpenMCP hub REST API.
package openmcphub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a hub.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Agent mirrors the hub's agent record.
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
}

// RunRequest starts a plan. With Manual set the caller drives steps via Next.
type RunRequest struct {
	Owner  string         `json:"owner,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Manual bool           `json:"manual,omitempty"`
}

// RunTicket identifies a started plan run.
type RunTicket struct {
	ObjectiveID string `json:"objective_id"`
	Plan        string `json:"plan"`
	Manual      bool   `json:"manual"`
}

// StepResult is one entry of an objective's ordered result log.
type StepResult struct {
	Index  int    `json:"index"`
	Step   string `json:"step"`
	TaskID string `json:"task_id"`
	Agent  string `json:"agent"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Objective is a snapshot of a live objective.
type Objective struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Owner       string       `json:"owner,omitempty"`
	Steps       []string     `json:"steps"`
	Status      string       `json:"status"`
	Progress    int          `json:"progress"`
	CurrentStep string       `json:"current_step,omitempty"`
	Error       string       `json:"error,omitempty"`
	Results     []StepResult `json:"results"`
}

// StepOutcome is returned by Next; Outcome is "ok" or "complete".
type StepOutcome struct {
	Outcome   string     `json:"outcome"`
	Result    StepResult `json:"result"`
	Objective Objective  `json:"objective"`
}

// Run is an archived plan run.
type Run struct {
	ObjectiveID string       `json:"objective_id"`
	Plan        string       `json:"plan"`
	Owner       string       `json:"owner,omitempty"`
	Status      string       `json:"status"`
	Progress    int          `json:"progress"`
	Error       string       `json:"error,omitempty"`
	Results     []StepResult `json:"results"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"error"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openmcp hub error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openmcp hub error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Agents lists agents, filtered by capability when it is non-empty.
func (c *Client) Agents(ctx context.Context, capability string) ([]Agent, error) {
	query := url.Values{}
	if capability != "" {
		query.Set("capability", capability)
	}
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Agent fetches a single agent record.
func (c *Client) Agent(ctx context.Context, id string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// StartRun starts the named plan.
func (c *Client) StartRun(ctx context.Context, plan string, req RunRequest) (RunTicket, error) {
	var out RunTicket
	err := c.do(ctx, http.MethodPost, "/api/v1/plans/"+url.PathEscape(plan)+"/runs", nil, req, &out)
	return out, err
}

// Next executes the next step of a manually driven run.
func (c *Client) Next(ctx context.Context, objectiveID string) (StepOutcome, error) {
	var out StepOutcome
	err := c.do(ctx, http.MethodPost, "/api/v1/objectives/"+url.PathEscape(objectiveID)+"/next", nil, struct{}{}, &out)
	return out, err
}

// Cancel cancels a live run.
func (c *Client) Cancel(ctx context.Context, objectiveID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/objectives/"+url.PathEscape(objectiveID), nil, nil, nil)
}

// Objectives lists live objectives.
func (c *Client) Objectives(ctx context.Context) ([]Objective, error) {
	var out struct {
		Objectives []Objective `json:"objectives"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/objectives", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Objectives, nil
}

// History returns the most recent archived runs.
func (c *Client) History(ctx context.Context, limit int) ([]Run, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/history", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
