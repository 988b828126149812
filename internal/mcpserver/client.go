// Package mcpserver exposes the running agent as MCP tools, so an LLM
// can inspect the fleet and place work on the order board over the
// agent's own HTTP API.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the connection to the running agent.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// AgentClient is a pure HTTP client for the agent's dashboard API.
type AgentClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAgentClient creates a client for the agent at cfg.APIURL.
func NewAgentClient(cfg Config) *AgentClient {
	return &AgentClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the agent.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the agent and returns the response body.
func (c *AgentClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("agent error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("agent error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetSnapshot returns the latest fleet snapshot.
func (c *AgentClient) GetSnapshot(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/ui/snapshot", nil)
}

// ListOrders returns the full order board.
func (c *AgentClient) ListOrders(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/orders", nil)
}

// CreateOrder places (or merges) an order on the board.
func (c *AgentClient) CreateOrder(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/orders", body)
}

// BlockOrder marks an order skipped for one character or everyone.
func (c *AgentClient) BlockOrder(ctx context.Context, orderID string, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/orders/"+orderID+"/block", body)
}
