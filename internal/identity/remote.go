package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tableside/auth-core/internal/auth"
)

const maxRemoteBody = 1 << 20

// RemoteProvider is a GoTrue-compatible HTTP identity driver.
type RemoteProvider struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewRemoteProvider creates the remote driver. client may be nil.
func NewRemoteProvider(baseURL, apiKey string, timeout time.Duration, client *http.Client) *RemoteProvider {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client:  client,
	}
}

type remoteTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID          string           `json:"id"`
		Email       string           `json:"email"`
		AppMetadata auth.AppMetadata `json:"app_metadata"`
	} `json:"user"`
}

// SignInWithPassword exchanges email and password for a session.
func (p *RemoteProvider) SignInWithPassword(ctx context.Context, req SignInRequest) (*Session, error) {
	if req.Email == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: email and password required", auth.ErrMalformedCredential)
	}
	return p.token(ctx, "password", map[string]string{"email": req.Email, "password": req.Password})
}

// Refresh exchanges a refresh token for a new session.
func (p *RemoteProvider) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token required", auth.ErrMalformedCredential)
	}
	return p.token(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

// SignOut ends the remote session of accessToken.
func (p *RemoteProvider) SignOut(ctx context.Context, accessToken, _ string) error {
	if accessToken == "" {
		return nil
	}
	resp, err := p.do(ctx, "/logout", nil, accessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRemoteBody)) //nolint:errcheck // drain for reuse

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("%w: logout status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (p *RemoteProvider) token(ctx context.Context, grant string, body map[string]string) (*Session, error) {
	resp, err := p.do(ctx, "/token?grant_type="+url.QueryEscape(grant), body, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return nil, auth.ErrInvalidCredential
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var tr remoteTokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRemoteBody)).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%w: decoding token response: %w", ErrUnavailable, err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrUnavailable)
	}

	expiresAt := time.Unix(tr.ExpiresAt, 0).UTC()
	if tr.ExpiresAt == 0 {
		expiresAt = time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    expiresAt,
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
		Role:         tr.User.AppMetadata.Role,
		RestaurantID: tr.User.AppMetadata.RestaurantID,
	}, nil
}

// do posts body to path with a per-call timeout.
func (p *RemoteProvider) do(ctx context.Context, path string, body any, bearer string) (*http.Response, error) {
	var payload io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, payload)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the request context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
