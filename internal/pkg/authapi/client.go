package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/packetwarden/formflow-api/internal/pkg/env"
)

// ErrUnauthorized means the access token did not resolve to a user.
var ErrUnauthorized = errors.New("unauthorized")

// Client validates caller access tokens against the identity collaborator.
// Signup, login and token issuance live outside the gateway.
type Client struct {
	BaseURL    string
	AnonKey    string
	HTTPClient *http.Client
}

// User is the authenticated principal resolved from a token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// NewClientFromEnv builds the client from the Supabase project settings.
func NewClientFromEnv() *Client {
	return &Client{
		BaseURL: strings.TrimRight(env.GetEnv("SUPABASE_URL", ""), "/"),
		AnonKey: strings.TrimSpace(env.GetEnv("SUPABASE_ANON_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetUser resolves a bearer token to its user, or ErrUnauthorized.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, ErrUnauthorized
	}
	if c.BaseURL == "" {
		return nil, errors.New("SUPABASE_URL is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.AnonKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth api returned status %d", resp.StatusCode)
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("auth api response unparseable: %w", err)
	}
	if user.ID == "" {
		return nil, ErrUnauthorized
	}
	return &user, nil
}
