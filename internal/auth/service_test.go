package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sessync/ses-local/internal/remote"
)

func newTestCreds(t *testing.T) *FileCredentialStore {
	t.Helper()
	return NewFileCredentialStore(filepath.Join(t.TempDir(), "credentials.json"))
}

func TestFileCredentialStore_RoundTripAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	ctx := context.Background()

	s := NewFileCredentialStore(path)
	if v, err := s.Get(ctx, KeyPat); err != nil || v != "" {
		t.Fatalf("missing key = %q, %v; want empty, nil", v, err)
	}
	if err := s.Set(ctx, KeyPat, "pat-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reloaded := NewFileCredentialStore(path)
	if v, _ := reloaded.Get(ctx, KeyPat); v != "pat-123" {
		t.Errorf("reloaded value = %q", v)
	}

	if err := reloaded.Delete(ctx, KeyPat); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v, _ := NewFileCredentialStore(path).Get(ctx, KeyPat); v != "" {
		t.Errorf("deleted value survived: %q", v)
	}
}

func TestGetAccessToken_RenewsAndCaches(t *testing.T) {
	var renewals atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/token" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "rt-1" {
			t.Errorf("refresh_token = %q", body["refresh_token"])
		}
		renewals.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-fresh", "expires_in": 3600})
	}))
	defer srv.Close()

	ctx := context.Background()
	creds := newTestCreds(t)
	creds.Set(ctx, KeyRefreshToken, "rt-1")
	s := NewService(srv.URL, creds)

	tok, err := s.GetAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if tok != "at-fresh" {
		t.Errorf("token = %q", tok)
	}

	// Second call inside the validity window hits the cache.
	if _, err := s.GetAccessToken(ctx); err != nil {
		t.Fatalf("cached GetAccessToken: %v", err)
	}
	if n := renewals.Load(); n != 1 {
		t.Errorf("renewals = %d, want 1", n)
	}
}

func TestGetAccessToken_ConcurrentCallersRenewOnce(t *testing.T) {
	var renewals atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		renewals.Add(1)
		// Slow renewal so every caller is in flight before the first
		// one lands.
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-shared", "expires_in": 3600})
	}))
	defer srv.Close()

	ctx := context.Background()
	creds := newTestCreds(t)
	creds.Set(ctx, KeyRefreshToken, "rt-1")
	s := NewService(srv.URL, creds)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.GetAccessToken(ctx)
			if err != nil || tok != "at-shared" {
				t.Errorf("token = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()

	if n := renewals.Load(); n != 1 {
		t.Errorf("renewals = %d, want 1", n)
	}
}

func TestGetAccessToken_NoRefreshTokenIsAuthMissing(t *testing.T) {
	s := NewService("http://127.0.0.1:1", newTestCreds(t))
	_, err := s.GetAccessToken(context.Background())
	if remote.KindOf(err) != remote.AuthMissing {
		t.Errorf("kind = %v, want AuthMissing", remote.KindOf(err))
	}
}

func TestGetAccessToken_DeniedRenewal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx := context.Background()
	creds := newTestCreds(t)
	creds.Set(ctx, KeyRefreshToken, "rt-revoked")
	s := NewService(srv.URL, creds)

	_, err := s.GetAccessToken(ctx)
	if remote.KindOf(err) != remote.AuthDenied {
		t.Errorf("kind = %v, want AuthDenied", remote.KindOf(err))
	}
}

func TestHandleAuthCallback_ThenSignOut(t *testing.T) {
	ctx := context.Background()
	creds := newTestCreds(t)
	s := NewService("http://127.0.0.1:1", creds)

	if err := s.HandleAuthCallback(ctx, "", "at-1"); err == nil {
		t.Error("callback with missing refresh token should fail")
	}
	if err := s.HandleAuthCallback(ctx, "rt-1", "at-1"); err != nil {
		t.Fatalf("HandleAuthCallback: %v", err)
	}

	state := s.GetState(ctx)
	if !state.Authenticated {
		t.Error("not authenticated after callback")
	}

	// The cached access token serves without a renewal round trip.
	tok, err := s.GetAccessToken(ctx)
	if err != nil || tok != "at-1" {
		t.Errorf("token = %q, %v", tok, err)
	}

	if err := s.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if s.GetState(ctx).Authenticated {
		t.Error("still authenticated after sign-out")
	}
	if _, err := s.GetAccessToken(ctx); remote.KindOf(err) != remote.AuthMissing {
		t.Error("access token still served after sign-out")
	}
}

func TestGetPat_EnvOverride(t *testing.T) {
	ctx := context.Background()
	creds := newTestCreds(t)
	creds.Set(ctx, KeyPat, "pat-stored")
	s := NewService("http://127.0.0.1:1", creds)

	if got := s.GetPat(ctx); got != "pat-stored" {
		t.Errorf("pat = %q", got)
	}
	t.Setenv("SES_PAT", "pat-env")
	if got := s.GetPat(ctx); got != "pat-env" {
		t.Errorf("pat = %q, want env override", got)
	}
}
