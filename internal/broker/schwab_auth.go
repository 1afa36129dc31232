package broker

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

// ErrRefreshTokenExpired marks a rejected refresh token. This is terminal:
// the portfolio must be re-authenticated via OAuth, no further retry.
var ErrRefreshTokenExpired = errors.New("refresh token expired")

// SchwabTokens is the token pair returned by a refresh exchange. RefreshToken
// may be empty when the broker reuses the previous one.
type SchwabTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// SchwabAuth exchanges refresh tokens against the Schwab OAuth endpoint
// using the application's client credentials.
type SchwabAuth struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTPClient   *http.Client
}

// NewSchwabAuth creates a SchwabAuth for the given OAuth application.
func NewSchwabAuth(clientID, clientSecret, baseURL string) *SchwabAuth {
	return &SchwabAuth{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		BaseURL:      baseURL,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Refresh exchanges the stored refresh token for a new token pair. A 400 or
// 401 from the token endpoint means the refresh token itself was rejected
// and maps to ErrRefreshTokenExpired.
func (a *SchwabAuth) Refresh(ctx context.Context, refreshToken string) (*SchwabTokens, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.BaseURL+"/v1/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(a.ClientID, a.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refreshing schwab tokens: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("schwab token endpoint returned %d: %w", resp.StatusCode, ErrRefreshTokenExpired)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("schwab token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokens SchwabTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("schwab token response missing access_token")
	}
	return &tokens, nil
}
