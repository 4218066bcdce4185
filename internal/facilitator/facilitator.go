// Package facilitator is an HTTP client for the external x402 facilitator
// service, which verifies and settles gated payments on behalf of the
// clearinghouse.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/aegis402/internal/retry"
	"github.com/mbd888/aegis402/pkg/x402"
)

// ErrNotConfigured is returned when no facilitator URL was provided.
var ErrNotConfigured = errors.New("facilitator not configured")

// VerifyResult is the facilitator's answer to a verification request.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleResult is the facilitator's answer to a settlement request.
type SettleResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Client talks to a facilitator over JSON/HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a facilitator client. baseURL may be empty, in which case all
// calls return ErrNotConfigured.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Configured reports whether a facilitator URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

type request struct {
	X402Version         int                       `json:"x402Version"`
	PaymentPayload      json.RawMessage           `json:"paymentPayload"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// Verify asks the facilitator whether a payment payload is valid for the
// given requirements. A definitive "invalid" answer is not an error.
func (c *Client) Verify(ctx context.Context, payload json.RawMessage, reqs *x402.PaymentRequirements) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.post(ctx, "/verify", payload, reqs, &result); err != nil {
		return nil, err
	}
	if !result.IsValid {
		c.logger.Info("facilitator rejected payment",
			"reason", result.InvalidReason,
			"purpose", reqs.Purpose())
	}
	return &result, nil
}

// Settle asks the facilitator to execute a verified payment on-ledger.
func (c *Client) Settle(ctx context.Context, payload json.RawMessage, reqs *x402.PaymentRequirements) (*SettleResult, error) {
	var result SettleResult
	if err := c.post(ctx, "/settle", payload, reqs, &result); err != nil {
		return nil, err
	}
	if result.Success {
		c.logger.Info("facilitator settled payment",
			"tx", result.Transaction,
			"payer", result.Payer,
			"purpose", reqs.Purpose())
	}
	return &result, nil
}

// post sends one facilitator request, retrying transport-level failures.
// HTTP 4xx responses are permanent; 5xx and network errors are retried.
func (c *Client) post(ctx context.Context, path string, payload json.RawMessage, reqs *x402.PaymentRequirements, out any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(request{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return fmt.Errorf("marshal facilitator request: %w", err)
	}

	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("facilitator %s: %w", path, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("facilitator %s: read response: %w", path, err)
		}

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("facilitator %s: status %d", path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return retry.Permanent(fmt.Errorf("facilitator %s: status %d: %s", path, resp.StatusCode, respBody))
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return retry.Permanent(fmt.Errorf("facilitator %s: decode response: %w", path, err))
		}
		return nil
	})
}
