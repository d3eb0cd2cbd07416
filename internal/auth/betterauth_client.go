package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Provider represents OAuth providers as named by the auth server
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ErrNotConnected is returned when the user has not linked the provider
var ErrNotConnected = errors.New("provider account not connected")

// ProviderFor maps a sync provider name to the auth server's provider
func ProviderFor(name mailsync.ProviderName) (Provider, error) {
	switch name {
	case mailsync.ProviderGoogle:
		return ProviderGoogle, nil
	case mailsync.ProviderMicrosoft:
		return ProviderMicrosoft, nil
	}
	return "", fmt.Errorf("%s has no OAuth provider", name)
}

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenSource hands out OAuth tokens for a user
type TokenSource interface {
	GetToken(ctx context.Context, userJWT string, provider Provider) (*Token, error)
}

// BetterAuthClient fetches OAuth tokens from BetterAuth
type BetterAuthClient struct {
	baseURL string
	client  *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL: strings.TrimRight(authServerURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches OAuth token from BetterAuth using user's JWT.
// BetterAuth owns storage and refresh of provider tokens.
func (c *BetterAuthClient) GetToken(ctx context.Context, userJWT string, provider Provider) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no %s account: %w", provider, ErrNotConnected)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
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
	if result.AccessToken == "" {
		return nil, fmt.Errorf("empty %s access token", provider)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}
