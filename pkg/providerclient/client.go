/**
 * @description
 * This package provides a client for the payment-provider gateway, the
 * internal service that fronts Flutterwave, Paystack and M-Pesa behind one
 * API. The processor needs exactly two capabilities from it: verify the
 * status of a collection by provider reference (the polling fallback for
 * missed webhooks) and issue a refund against a captured collection.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Fiat amounts.
 */
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentState is the provider-side status of a collection.
type PaymentState string

const (
	PaymentStateConfirmed PaymentState = "confirmed"
	PaymentStatePending   PaymentState = "pending"
	PaymentStateRejected  PaymentState = "rejected"
)

// PaymentStatus is the result of a verification query.
type PaymentStatus struct {
	Reference   string          `json:"reference"`
	State       PaymentState    `json:"state"`
	AmountNGN   decimal.Decimal `json:"amount_ngn"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// Client is a client for the payment-provider gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new provider gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider gateway returned status %d: %s", resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// VerifyPayment queries the provider directly for the status of a collection.
func (c *Client) VerifyPayment(ctx context.Context, provider, reference string) (*PaymentStatus, error) {
	path := fmt.Sprintf("/v1/providers/%s/collections/%s", provider, reference)
	var out PaymentStatus
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type refundRequest struct {
	Reference string          `json:"reference"`
	AmountNGN decimal.Decimal `json:"amount_ngn"`
}

type refundResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Refund asks the provider to return a captured collection to the payer.
func (c *Client) Refund(ctx context.Context, provider, reference string, amountNGN decimal.Decimal) error {
	path := fmt.Sprintf("/v1/providers/%s/refunds", provider)
	var out refundResponse
	if err := c.doRequest(ctx, http.MethodPost, path, refundRequest{Reference: reference, AmountNGN: amountNGN}, &out); err != nil {
		return err
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "provider declined refund"
		}
		return fmt.Errorf("refund rejected: %s", out.Error)
	}
	return nil
}
