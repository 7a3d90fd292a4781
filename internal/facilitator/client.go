// Package facilitator is the client for an external settlement
// coordinator that accepts verified proofs and reports their settlement.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/trustmesh/internal/circuitbreaker"
	"github.com/mbd888/trustmesh/internal/errkind"
	"github.com/mbd888/trustmesh/internal/metrics"
	"github.com/mbd888/trustmesh/internal/payment"
	"github.com/mbd888/trustmesh/internal/retry"
	"github.com/mbd888/trustmesh/internal/traces"
)

const (
	serviceName = "facilitator"

	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

// Settlement states reported by the facilitator.
const (
	StatusPending = "pending"
	StatusSettled = "settled"
	StatusFailed  = "failed"
)

// Ack is the facilitator's answer to a submitted payment.
type Ack struct {
	PaymentID string `json:"paymentId"`
	Accepted  bool   `json:"accepted"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// Settlement is the facilitator's view of one payment.
type Settlement struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	TxID      string `json:"txId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Info describes the facilitator deployment.
type Info struct {
	Version         string   `json:"version"`
	Network         string   `json:"network"`
	SupportedAssets []string `json:"supportedAssets"`
}

// Submission pairs a payment request with its signed proof.
type Submission struct {
	Request payment.Request `json:"request"`
	Proof   *payment.Proof  `json:"proof"`
}

// apiError is the error body the facilitator returns.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the facilitator over HTTP. Every call is bounded by a
// per-attempt timeout, retried on transport failures and 5xx answers, and
// guarded by a circuit breaker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	policy     retry.Policy
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
}

// New creates a client for the facilitator at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		policy:     retry.DefaultPolicy,
		breaker:    circuitbreaker.New(5, 30*time.Second),
		logger:     slog.Default(),
	}
}

// WithTimeout sets the per-attempt timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithRetry sets the retry policy.
func (c *Client) WithRetry(p retry.Policy) *Client {
	c.policy = p
	return c
}

// WithBreaker replaces the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// SubmitPayment hands a verified proof to the facilitator.
func (c *Client) SubmitPayment(ctx context.Context, req payment.Request, proof *payment.Proof) (*Ack, error) {
	var ack Ack
	if err := c.call(ctx, "submit_payment", http.MethodPost, "/payments", Submission{Request: req, Proof: proof}, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// CheckPaymentStatus returns the facilitator's settlement state.
func (c *Client) CheckPaymentStatus(ctx context.Context, paymentID string) (*Settlement, error) {
	var s Settlement
	if err := c.call(ctx, "check_status", http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RequestSettlement asks the facilitator to settle a submitted payment.
func (c *Client) RequestSettlement(ctx context.Context, paymentID string) (*Settlement, error) {
	var s Settlement
	if err := c.call(ctx, "request_settlement", http.MethodPost, "/payments/"+url.PathEscape(paymentID)+"/settle", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// BatchSubmit submits several payments in one request. Acks come back in
// submission order.
func (c *Client) BatchSubmit(ctx context.Context, batch []Submission) ([]Ack, error) {
	if len(batch) == 0 {
		return []Ack{}, nil
	}
	var out struct {
		Results []Ack `json:"results"`
	}
	if err := c.call(ctx, "batch_submit", http.MethodPost, "/payments/batch", map[string]any{"payments": batch}, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(batch) {
		return nil, errkind.External("facilitator: batch_submit", fmt.Errorf("got %d acks for %d payments", len(out.Results), len(batch)))
	}
	return out.Results, nil
}

// HealthCheck reports whether the facilitator answers its health check.
// It does not retry.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var body struct {
		Status string `json:"status"`
	}
	err := c.once(ctx, "health", http.MethodGet, "/health", nil, &body)
	metrics.ObserveExternal(serviceName, "health", err)
	return err == nil && (body.Status == "" || body.Status == "ok" || body.Status == "healthy")
}

// GetInfo returns version, network and supported assets.
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.call(ctx, "get_info", http.MethodGet, "/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Ping is HealthCheck as an error, for health.Ping.
func (c *Client) Ping(ctx context.Context) error {
	if !c.HealthCheck(ctx) {
		return errkind.External("facilitator: health", fmt.Errorf("unhealthy"))
	}
	return nil
}

func (c *Client) call(ctx context.Context, op, method, path string, body, out any) (err error) {
	ctx, span := traces.StartSpan(ctx, "facilitator."+op)
	defer func() {
		traces.End(span, err)
		metrics.ObserveExternal(serviceName, op, err)
	}()

	return c.breaker.Do(ctx, serviceName, func(ctx context.Context) error {
		return c.policy.External(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			err := c.once(attemptCtx, op, method, path, body, out)
			if err != nil && errkind.Retryable(err) {
				c.logger.Warn("facilitator call failed", "op", op, "error", err)
			}
			return err
		})
	})
}

// once performs a single HTTP exchange and classifies its failure.
func (c *Client) once(ctx context.Context, op, method, path string, body, out any) error {
	opName := "facilitator: " + op

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", opName, err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", opName, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errkind.External(opName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errkind.External(opName, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errkind.External(opName, statusError(resp.StatusCode, data))
	case resp.StatusCode == http.StatusNotFound:
		return errkind.Wrap(errkind.NotFound, opName, statusError(resp.StatusCode, data))
	case resp.StatusCode >= 400:
		return errkind.Wrap(errkind.Validation, opName, statusError(resp.StatusCode, data))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errkind.External(opName, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func statusError(code int, body []byte) error {
	var e apiError
	if json.Unmarshal(body, &e) == nil && (e.Message != "" || e.Error != "") {
		msg := e.Message
		if msg == "" {
			msg = e.Error
		}
		return fmt.Errorf("status %d: %s", code, msg)
	}
	return fmt.Errorf("status %d", code)
}
