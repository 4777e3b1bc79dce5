package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sessync/ses-local/internal/remote"
)

// identityTimeout bounds every identity-server call.
const identityTimeout = 30 * time.Second

// State summarizes the authentication status for the control plane.
type State struct {
	Authenticated bool `json:"authenticated"`
	HasPat        bool `json:"has_pat"`
}

// Service caches the bearer credential issued by the identity server and
// renews it on demand. mu guards the cached token; renewMu serializes
// renewals so concurrent callers refresh once, without cache readers
// blocking behind the identity round trip.
type Service struct {
	baseURL string
	creds   CredentialStore
	http    *http.Client

	renewMu sync.Mutex

	mu      sync.Mutex
	access  string
	expires time.Time
}

// NewService creates an auth service against the identity server at baseURL.
func NewService(baseURL string, creds CredentialStore) *Service {
	return &Service{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: identityTimeout},
	}
}

// GetAccessToken returns a valid bearer token, renewing it from the refresh
// token when the cached one is stale. Empty return means not signed in.
func (s *Service) GetAccessToken(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	refresh, err := s.creds.Get(ctx, KeyRefreshToken)
	if err != nil || refresh == "" {
		return "", remote.MissingAuth("refresh token")
	}

	s.renewMu.Lock()
	defer s.renewMu.Unlock()

	// Double check: another caller may have renewed while we waited for
	// the renewal lock.
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	token, expiresIn, err := s.renew(ctx, refresh)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.access = token
	s.expires = time.Now().Add(time.Duration(expiresIn) * time.Second).Add(-30 * time.Second)
	s.mu.Unlock()

	if err := s.creds.Set(ctx, KeyAccessToken, token); err != nil {
		slog.Debug("persist access token failed", "error", err)
	}
	return token, nil
}

// cached returns the access token when it is still inside its validity
// window.
func (s *Service) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access != "" && time.Now().Before(s.expires) {
		return s.access, true
	}
	return "", false
}

// renew exchanges the refresh token for a fresh access token.
func (s *Service) renew(ctx context.Context, refresh string) (string, int, error) {
	body, _ := json.Marshal(map[string]string{"refresh_token": refresh})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", 0, &remote.Error{Kind: remote.Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", 0, remote.FromStatus(resp.StatusCode, fmt.Errorf("token renewal: %s", msg))
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 3600
	}
	return out.AccessToken, out.ExpiresIn, nil
}

// HandleAuthCallback stores the token pair delivered by the browser
// sign-in flow.
func (s *Service) HandleAuthCallback(ctx context.Context, refresh, access string) error {
	if refresh == "" || access == "" {
		return fmt.Errorf("auth callback missing tokens")
	}
	if err := s.creds.Set(ctx, KeyRefreshToken, refresh); err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	if err := s.creds.Set(ctx, KeyAccessToken, access); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	s.mu.Lock()
	s.access = access
	s.expires = time.Now().Add(5 * time.Minute)
	s.mu.Unlock()
	slog.Info("auth callback handled")
	return nil
}

// SignOut clears all cached and stored credentials.
func (s *Service) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.access = ""
	s.expires = time.Time{}
	s.mu.Unlock()
	for _, key := range []string{KeyRefreshToken, KeyAccessToken, KeyPat} {
		if err := s.creds.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	return nil
}

// GetPat returns the long-lived personal access token used by the local
// intake, or "" when absent. SES_PAT overrides for development.
func (s *Service) GetPat(ctx context.Context) string {
	if v := os.Getenv("SES_PAT"); v != "" {
		return v
	}
	pat, err := s.creds.Get(ctx, KeyPat)
	if err != nil {
		return ""
	}
	return pat
}

// GetState reports the current auth status.
func (s *Service) GetState(ctx context.Context) State {
	refresh, _ := s.creds.Get(ctx, KeyRefreshToken)
	pat, _ := s.creds.Get(ctx, KeyPat)
	return State{Authenticated: refresh != "", HasPat: pat != ""}
}
