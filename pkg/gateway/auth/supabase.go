package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SupabaseVerifier asks the hosted auth service who a token belongs to.
type SupabaseVerifier struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (v SupabaseVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	base := strings.TrimRight(strings.TrimSpace(v.BaseURL), "/")
	if base == "" {
		return nil, errors.New("supabase url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.APIKey != "" {
		req.Header.Set("apikey", v.APIKey)
	}

	client := v.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase user lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("supabase user lookup: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode supabase user: %w", err)
	}
	if strings.TrimSpace(user.ID) == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}
