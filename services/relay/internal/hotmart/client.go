// Package hotmart asks the Hotmart payments API for the authoritative
// status of a purchase.
package hotmart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.hotmart.com/payments/v1"

var ErrPurchaseIDRequired = errors.New("hotmart: purchase id required")

// Result classifies a confirmation attempt.
type Result int

const (
	// Unavailable means no token is configured; the client made no call.
	Unavailable Result = iota
	// Confirmed means Hotmart returned a status for the purchase.
	Confirmed
	// NoStatus means Hotmart answered but the body carried no status.
	NoStatus
	// Failed means the call errored or returned a non-2xx response.
	Failed
)

func (r Result) String() string {
	switch r {
	case Unavailable:
		return "unavailable"
	case Confirmed:
		return "confirmed"
	case NoStatus:
		return "no_status"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Confirmation is the outcome of Confirm. Status is set only for Confirmed;
// Err only for Failed.
type Confirmation struct {
	Result Result
	Status string
	Err    error
}

// StatusOr returns the confirmed status, or fallback for any other result.
func (c Confirmation) StatusOr(fallback string) string {
	if c.Result == Confirmed {
		return c.Status
	}
	return fallback
}

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type saleResponse struct {
	Status string `json:"status"`
}

// Confirm never returns an error directly; failures are reported as a
// Failed confirmation so callers branch on Result.
func (c *Client) Confirm(ctx context.Context, purchaseID string) Confirmation {
	if c == nil || c.Token == "" {
		return Confirmation{Result: Unavailable}
	}
	status, err := c.fetchStatus(ctx, purchaseID)
	if err != nil {
		return Confirmation{Result: Failed, Err: err}
	}
	if status == "" {
		return Confirmation{Result: NoStatus}
	}
	return Confirmation{Result: Confirmed, Status: status}
}

func (c *Client) fetchStatus(ctx context.Context, purchaseID string) (string, error) {
	if strings.TrimSpace(purchaseID) == "" {
		return "", ErrPurchaseIDRequired
	}

	u := c.BaseURL + "/sales/" + url.PathEscape(purchaseID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("hotmart: status %d body=%q", resp.StatusCode, string(b[:min(len(b), 200)]))
	}
	var out saleResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("hotmart: decode error: %w body=%q", err, string(b[:min(len(b), 200)]))
	}
	return strings.TrimSpace(out.Status), nil
}
