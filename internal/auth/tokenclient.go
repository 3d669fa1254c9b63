package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotConnected reports that the account service rejected the request
// for credentials: no account is linked for the provider, or the linked
// account's grant is no longer accepted. Connectivity problems and account
// service outages are returned as plain errors instead.
var ErrNotConnected = errors.New("account not connected")

// Token is an OAuth access token for a connected mailbox.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenClient fetches per-mailbox OAuth tokens from the account service,
// which owns storage and refresh. Tokens are requested fresh for each sync
// cycle rather than cached here.
type TokenClient struct {
	baseURL string
	client  *http.Client
}

// NewTokenClient creates a client against the account service.
func NewTokenClient(baseURL string) *TokenClient {
	return &TokenClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the OAuth token for the user's account on the given
// provider ("gmail" or "outlook").
func (c *TokenClient) GetToken(ctx context.Context, userEmail, provider string) (*Token, error) {
	url := fmt.Sprintf("%s/api/accounts/%s/%s/token", c.baseURL, provider, userEmail)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, fmt.Errorf("no %s account connected for %s: %w", provider, userEmail, ErrNotConnected)
	}

	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return nil, fmt.Errorf("%s credentials rejected for %s: %w", provider, userEmail, ErrNotConnected)
	}

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
