package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is Paystack's public API root.
const DefaultBaseURL = "https://api.paystack.co"

// Client talks to the Paystack REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
}

// NewClient creates a Client. An empty baseURL falls back to DefaultBaseURL.
func NewClient(baseURL, secretKey string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
	}
}

// InitializeTransaction registers a checkout with Paystack and returns the
// authorization URL the payer is redirected to.
func (c *Client) InitializeTransaction(ctx context.Context, reqData InitializeRequest) (*InitializeResponse, error) {
	body, err := json.Marshal(reqData)
	if err != nil {
		return nil, fmt.Errorf("paystack: failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transaction/initialize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("paystack: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("paystack: failed to perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("paystack: unexpected status code: %d, body: %s", resp.StatusCode, string(raw))
	}

	var out InitializeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("paystack: failed to decode response: %w", err)
	}
	if !out.Status || out.Data.AuthorizationURL == "" {
		return nil, fmt.Errorf("paystack: initialize rejected: %s", out.Message)
	}
	return &out, nil
}
