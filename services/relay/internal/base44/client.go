// Package base44 calls the Base44 access API to grant a buyer access.
package base44

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

const ActionGrantAccess = "grant_access"

// UnlockRequest is the JSON body Base44 expects.
type UnlockRequest struct {
	Action     string `json:"action"`
	Email      string `json:"email"`
	PurchaseID string `json:"hotmart_purchase_id"`
}

// Result is what the unlock call produced. A non-2xx answer is a Result
// with OK=false, not an error.
type Result struct {
	Skipped    bool
	OK         bool
	StatusCode int
	Body       string
}

type Client struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

func New(url, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{URL: url, APIKey: apiKey, HTTPClient: &http.Client{Timeout: timeout}}
}

// Configured reports whether an endpoint URL is set.
func (c *Client) Configured() bool {
	return c != nil && c.URL != ""
}

// Unlock issues one grant_access request. It returns Skipped when no URL is
// configured and an error only when the request could not be completed.
func (c *Client) Unlock(ctx context.Context, email, purchaseID string) (Result, error) {
	if !c.Configured() {
		return Result{Skipped: true}, nil
	}

	payload, err := json.Marshal(UnlockRequest{Action: ActionGrantAccess, Email: email, PurchaseID: purchaseID})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{StatusCode: resp.StatusCode}, err
	}
	return Result{
		OK:         resp.StatusCode >= 200 && resp.StatusCode <= 299,
		StatusCode: resp.StatusCode,
		Body:       string(b),
	}, nil
}
