/**
 * @description
 * This package provides a client for the identity service. It maps the subject of a
 * verified session token to the account id the engine keys balances and claims by.
 */
package identityclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnknownSubject is returned when the identity service has no account for the subject.
var ErrUnknownSubject = errors.New("identity service has no account for subject")

// Client is a client for the identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new identity service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type resolveResponse struct {
	AccountID string `json:"account_id"`
}

// ResolveAccountID looks up the account id for an external subject.
func (c *Client) ResolveAccountID(ctx context.Context, subject string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("identity service base url is empty")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("subject is empty")
	}

	endpoint := fmt.Sprintf("%s/internal/identities/%s", c.baseURL, url.PathEscape(subject))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request to identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrUnknownSubject
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("identity service returned error status %d", resp.StatusCode)
	}

	var response resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(response.AccountID) == "" {
		return "", ErrUnknownSubject
	}
	return response.AccountID, nil
}
