package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/trustmesh/internal/commerce"
	"github.com/mbd888/trustmesh/internal/identity"
	"github.com/mbd888/trustmesh/internal/reputation"
	"github.com/mbd888/trustmesh/internal/validation"
)

// Config holds the configuration for connecting to a trustmesh server.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	AgentID      string // The calling agent's registry id; used as the order buyer
	AgentAddress string // The calling agent's owner address; used as the feedback reviewer
}

// Client is a pure HTTP client for the trustmesh API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// Orders run several external steps before answering.
			Timeout: 2 * time.Minute,
		},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Body    []byte `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// do makes an HTTP request and decodes a JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Body: respBody}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SearchAgents returns the agents offering capability, with metadata.
func (c *Client) SearchAgents(ctx context.Context, capability string) ([]*identity.Agent, error) {
	var search struct {
		AgentIDs []string `json:"agentIds"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/agents/search", url.Values{"capability": {capability}}, nil, &search); err != nil {
		return nil, err
	}
	if len(search.AgentIDs) == 0 {
		return nil, nil
	}

	var batch struct {
		Results []identity.MetadataResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/agents/metadata", nil, map[string]any{"ids": search.AgentIDs}, &batch); err != nil {
		return nil, err
	}
	agents := make([]*identity.Agent, 0, len(batch.Results))
	for _, r := range batch.Results {
		if r.Agent != nil {
			agents = append(agents, r.Agent)
		}
	}
	return agents, nil
}

// GetReputation returns the reputation summary of agentID.
func (c *Client) GetReputation(ctx context.Context, agentID string) (*reputation.Summary, error) {
	var resp struct {
		Reputation *reputation.Summary `json:"reputation"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/reputation/"+url.PathEscape(agentID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Reputation, nil
}

// SubmitFeedback rates agentID as the configured agent.
func (c *Client) SubmitFeedback(ctx context.Context, req reputation.FeedbackRequest) (*reputation.Feedback, error) {
	if req.Reviewer == "" {
		req.Reviewer = c.cfg.AgentAddress
	}
	var resp struct {
		Feedback *reputation.Feedback `json:"feedback"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/feedback", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Feedback, nil
}

// GetValidationScore returns the validation score of agentID.
func (c *Client) GetValidationScore(ctx context.Context, agentID string) (*validation.Score, bool, error) {
	var resp struct {
		Score     *validation.Score `json:"validationScore"`
		Validated bool              `json:"validated"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/validation-score/"+url.PathEscape(agentID), nil, nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Score, resp.Validated, nil
}

// PlaceOrder buys capability for the configured agent. A failed order
// is returned together with the *APIError that reports it.
func (c *Client) PlaceOrder(ctx context.Context, req commerce.Request) (*commerce.Order, error) {
	if req.BuyerAgentID == "" {
		req.BuyerAgentID = c.cfg.AgentID
	}
	var resp struct {
		Order *commerce.Order `json:"order"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/orders", nil, req, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		_ = json.Unmarshal(apiErr.Body, &resp)
		return resp.Order, err
	}
	if err != nil {
		return nil, err
	}
	return resp.Order, nil
}

// GetOrder returns one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*commerce.Order, error) {
	var resp struct {
		Order *commerce.Order `json:"order"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

// GetBalance returns the configured agent's platform balance.
func (c *Client) GetBalance(ctx context.Context) (string, error) {
	var resp struct {
		Available string `json:"available"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/ledger/"+url.PathEscape(c.cfg.AgentAddress), nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Available, nil
}
