/**
 * @description
 * This package provides a client for the settlement-ledger gateway, the
 * internal service that fronts the Stellar network (account queries, payment
 * building/signing/submission). The processor only needs a narrow capability
 * surface: check a trustline, read the distribution account balance, submit a
 * payment, and query a submitted transaction.
 *
 * Submission errors are classified here into transient vs permanent kinds so
 * the processor's retry policy stays free of HTTP details.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Asset amounts.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrorKind classifies a submission failure for the retry policy.
type ErrorKind int

const (
	// ErrorKindTransient covers timeouts, rate limiting and temporary
	// unavailability. Safe to retry.
	ErrorKindTransient ErrorKind = iota
	// ErrorKindPermanent covers malformed transactions, bad signatures and
	// sequence errors. Retrying cannot help.
	ErrorKindPermanent
)

// Error is a classified ledger-gateway failure.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger gateway error (%s): %s", e.Code, e.Message)
}

// IsTransient reports whether err is a ledger error worth retrying.
func IsTransient(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == ErrorKindTransient
}

// Client is a client for the settlement-ledger gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PaymentParams describes one asset payment to submit.
type PaymentParams struct {
	Destination string          `json:"destination"`
	AssetCode   string          `json:"asset_code"`
	AssetIssuer string          `json:"asset_issuer"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
}

// SubmissionResult is the gateway's response to a payment submission.
type SubmissionResult struct {
	Hash string `json:"hash"`
}

// TransactionStatus is the gateway's view of a submitted transaction.
type TransactionStatus struct {
	Hash           string `json:"hash"`
	Found          bool   `json:"found"`
	Finalized      bool   `json:"finalized"`
	Successful     bool   `json:"successful"`
	LedgerSequence int64  `json:"ledger_sequence"`
	ResultCode     string `json:"result_code,omitempty"`
}

type trustlineResponse struct {
	Exists bool `json:"exists"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
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
		// Network-level failures (DNS, connect, client timeout) are transient.
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: ErrorKindTransient, Code: "network_error", Message: err.Error()}
		}
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: ErrorKindTransient, Code: "read_error", Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return classifyHTTPError(resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// classifyHTTPError maps gateway responses to the transient/permanent split:
// 408/429/5xx are retryable, everything else 4xx is not.
func classifyHTTPError(status int, raw []byte) error {
	var body errorResponse
	_ = json.Unmarshal(raw, &body)
	if body.Code == "" {
		body.Code = fmt.Sprintf("http_%d", status)
	}
	if body.Message == "" {
		body.Message = string(raw)
	}

	kind := ErrorKindPermanent
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		kind = ErrorKindTransient
	}
	return &Error{Kind: kind, Code: body.Code, Message: body.Message}
}

// HasTrustline reports whether the wallet holds a trustline for the asset,
// i.e. whether it can legally receive the transfer.
func (c *Client) HasTrustline(ctx context.Context, walletAddress, assetCode, assetIssuer string) (bool, error) {
	path := fmt.Sprintf("/v1/accounts/%s/trustlines/%s:%s", walletAddress, assetCode, assetIssuer)
	var out trustlineResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// AccountBalance returns the asset balance of an account. The processor reads
// the distribution account through this before every transfer attempt; the
// value is never cached.
func (c *Client) AccountBalance(ctx context.Context, account, assetCode, assetIssuer string) (decimal.Decimal, error) {
	path := fmt.Sprintf("/v1/accounts/%s/balances/%s:%s", account, assetCode, assetIssuer)
	var out balanceResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Balance, nil
}

// SubmitPayment builds, signs and submits the payment, returning the ledger
// transaction hash. Errors carry a transient/permanent classification.
func (c *Client) SubmitPayment(ctx context.Context, params PaymentParams) (string, error) {
	var out SubmissionResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/payments", params, &out); err != nil {
		return "", err
	}
	if out.Hash == "" {
		return "", &Error{Kind: ErrorKindPermanent, Code: "missing_hash", Message: "gateway returned no transaction hash"}
	}
	return out.Hash, nil
}

// GetTransaction queries a submitted transaction by hash.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*TransactionStatus, error) {
	var out TransactionStatus
	if err := c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+hash, nil, &out); err != nil {
		return nil, err
	}
	out.Hash = hash
	return &out, nil
}
