// Package restinvoice talks to an HTTP invoicing backend (an LND-style
// REST facade). It is the production PaymentProvider; the wire contract is
// two endpoints: POST /invoices and GET /invoices/{hash}.
package restinvoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	pressgate "github.com/pressgate/pressgate"
)

const defaultTimeout = 10 * time.Second

// Config configures the client.
type Config struct {
	// BaseURL is the invoicing backend root, without a trailing slash.
	BaseURL string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// Timeout bounds each request. Zero means the default.
	Timeout time.Duration
	// ProviderName labels ledger rows; defaults to "restinvoice".
	ProviderName string
}

// Client is an HTTP PaymentProvider.
type Client struct {
	baseURL string
	apiKey  string
	name    string
	http    *http.Client
}

// New builds a client from config.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	name := cfg.ProviderName
	if name == "" {
		name = "restinvoice"
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		name:    name,
		http:    &http.Client{Timeout: timeout},
	}
}

// Name implements pressgate.PaymentProvider.
func (c *Client) Name() string { return c.name }

type createInvoiceRequest struct {
	AmountSatoshis int64  `json:"amountSatoshis"`
	Memo           string `json:"memo,omitempty"`
}

type invoiceResponse struct {
	ID             string `json:"id"`
	PaymentRequest string `json:"paymentRequest"`
	Hash           string `json:"hash"`
	AmountSatoshis int64  `json:"amountSatoshis"`
}

// CreateInvoice asks the backend for a fresh invoice.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo string) (pressgate.Invoice, error) {
	body, err := json.Marshal(createInvoiceRequest{AmountSatoshis: amountSats, Memo: memo})
	if err != nil {
		return pressgate.Invoice{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoices", bytes.NewReader(body))
	if err != nil {
		return pressgate.Invoice{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return pressgate.Invoice{}, fmt.Errorf("restinvoice: create invoice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pressgate.Invoice{}, fmt.Errorf("restinvoice: create invoice: status %d", resp.StatusCode)
	}

	var out invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pressgate.Invoice{}, fmt.Errorf("restinvoice: decode invoice: %w", err)
	}
	return pressgate.Invoice{
		ID:             out.ID,
		PaymentRequest: out.PaymentRequest,
		Hash:           out.Hash,
		AmountSatoshis: out.AmountSatoshis,
	}, nil
}

type verifyResponse struct {
	Status            string `json:"status"`
	ProviderInvoiceID string `json:"providerInvoiceId"`
	SettledAt         string `json:"settledAt"`
	FailureReason     string `json:"failureReason"`
}

// VerifyPayment fetches the invoice state from the backend.
func (c *Client) VerifyPayment(ctx context.Context, hash, preimage string) (pressgate.VerifyResult, error) {
	url := c.baseURL + "/invoices/" + hash
	if preimage != "" {
		url += "?preimage=" + preimage
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pressgate.VerifyResult{}, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return pressgate.VerifyResult{}, fmt.Errorf("restinvoice: verify payment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return pressgate.VerifyResult{Status: pressgate.VerifyFailed, FailureReason: "unknown invoice"}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pressgate.VerifyResult{}, fmt.Errorf("restinvoice: verify payment: status %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pressgate.VerifyResult{}, fmt.Errorf("restinvoice: decode verification: %w", err)
	}
	result := pressgate.VerifyResult{
		Status:            pressgate.VerificationStatus(out.Status),
		ProviderInvoiceID: out.ProviderInvoiceID,
		FailureReason:     out.FailureReason,
	}
	if out.SettledAt != "" {
		at, err := time.Parse(time.RFC3339, out.SettledAt)
		if err != nil {
			return pressgate.VerifyResult{}, fmt.Errorf("restinvoice: bad settledAt: %w", err)
		}
		result.SettledAt = &at
	}
	return result, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

var _ pressgate.PaymentProvider = (*Client)(nil)
