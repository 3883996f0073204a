package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ImproveTextWorkflow is the workflow rewriting a text selection.
const ImproveTextWorkflow = "improve_text"

// Client talks to a running worker over its local HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string // e.g. "http://localhost:54321/api"
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// New creates a worker API client.
func New(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks whether the worker answers HTTP requests at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Worker unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("Worker reachability check", "status", resp.StatusCode)
	return true
}

// ExecuteWorkflow runs a registered workflow with vars. A workflow-level
// failure is reported in ExecutionStatus.Error, not as a Go error.
func (c *Client) ExecuteWorkflow(ctx context.Context, workflow string, vars any) (ExecutionStatus, error) {
	var st ExecutionStatus
	if workflow == "" {
		return st, errors.New("workflow name required")
	}
	u := c.baseURL + "/workflows/" + url.PathEscape(workflow) + "/execute"
	if err := c.doJSON(ctx, http.MethodPost, u, ExecuteRequest{Vars: vars}, &st); err != nil {
		return st, err
	}
	return st, nil
}

// ImproveText runs the improve_text workflow on a selection.
func (c *Client) ImproveText(ctx context.Context, text, document string) (ImproveTextResponse, error) {
	var out ImproveTextResponse
	st, err := c.ExecuteWorkflow(ctx, ImproveTextWorkflow, ImproveTextVars{TextToRewrite: text, WholeDocument: document})
	if err != nil {
		return out, err
	}
	if st.Error != "" {
		return out, fmt.Errorf("workflow %s: %s", ImproveTextWorkflow, st.Error)
	}
	if err := st.Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s output: %w", ImproveTextWorkflow, err)
	}
	return out, nil
}

// RegisterPrompt uploads a prompt template under name.
func (c *Client) RegisterPrompt(ctx context.Context, name, prompt string) error {
	c.logger.Debug("Registering prompt", "name", name)
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/prompts", PromptRequest{Name: name, Prompt: prompt}, nil)
}

// RegisterWorkflow uploads a workflow script under name.
func (c *Client) RegisterWorkflow(ctx context.Context, name, code string) error {
	c.logger.Debug("Registering workflow", "name", name)
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/workflows", WorkflowRequest{Name: name, Workflow: code}, nil)
}

// doJSON sends body as JSON and decodes a successful response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, u string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
