// Package license validates the product license offline against a
// pre-embedded public key, with a periodic online revocation check.
package license

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sessync/ses-local/internal/auth"
	"github.com/sessync/ses-local/internal/remote"
)

// revocationTimeout bounds license-server calls.
const revocationTimeout = 15 * time.Second

// State summarizes license status for the control plane.
type State struct {
	Licensed  bool      `json:"licensed"`
	Key       string    `json:"key,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// grant is the signed license blob issued by the license server.
type grant struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"` // base64 RSA-PKCS1v15 over SHA-256(key|expires_at)
}

// Service checks and activates licenses.
type Service struct {
	baseURL   string
	publicKey *rsa.PublicKey
	creds     auth.CredentialStore
	http      *http.Client

	checkInterval time.Duration

	mu          sync.Mutex
	lastChecked time.Time
}

// NewService creates a license service. publicKeyPem may be empty, in which
// case offline verification is skipped and any stored grant is trusted
// until the next online check.
func NewService(baseURL, publicKeyPem string, checkDays int, creds auth.CredentialStore) (*Service, error) {
	s := &Service{
		baseURL:       baseURL,
		creds:         creds,
		http:          &http.Client{Timeout: revocationTimeout},
		checkInterval: time.Duration(checkDays) * 24 * time.Hour,
	}
	if publicKeyPem != "" {
		key, err := parsePublicKey(publicKeyPem)
		if err != nil {
			return nil, err
		}
		s.publicKey = key
	}
	return s, nil
}

// GetState reports the current license status.
func (s *Service) GetState(ctx context.Context) State {
	g, err := s.storedGrant(ctx)
	if err != nil || g == nil {
		return State{}
	}
	if !g.ExpiresAt.IsZero() && g.ExpiresAt.Before(time.Now()) {
		return State{Key: g.Key, ExpiresAt: g.ExpiresAt}
	}
	if s.publicKey != nil && !s.verify(g) {
		return State{}
	}
	return State{Licensed: true, Key: g.Key, ExpiresAt: g.ExpiresAt}
}

// Activate exchanges a license key for a signed grant and stores it.
func (s *Service) Activate(ctx context.Context, key string) error {
	body, _ := json.Marshal(map[string]string{"key": key})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/license/activate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build activate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return &remote.Error{Kind: remote.Transient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return remote.FromStatus(resp.StatusCode, fmt.Errorf("activate: %s", msg))
	}

	var g grant
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return fmt.Errorf("decode grant: %w", err)
	}
	if s.publicKey != nil && !s.verify(&g) {
		return fmt.Errorf("license grant failed signature check")
	}
	raw, _ := json.Marshal(g)
	if err := s.creds.Set(ctx, auth.KeyLicense, string(raw)); err != nil {
		return fmt.Errorf("store grant: %w", err)
	}
	return nil
}

// NeedsRevocationCheck reports whether the online check is due.
func (s *Service) NeedsRevocationCheck() bool {
	if s.checkInterval <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastChecked) >= s.checkInterval
}

// CheckRevocation asks the license server whether the stored grant is still
// valid; a revoked grant is deleted. Network failures leave the grant alone.
func (s *Service) CheckRevocation(ctx context.Context) error {
	g, err := s.storedGrant(ctx)
	if err != nil || g == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/api/license/status?key="+g.Key, nil)
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return &remote.Error{Kind: remote.Transient, Err: err}
	}
	defer resp.Body.Close()

	var out struct {
		Revoked bool `json:"revoked"`
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return remote.FromStatus(resp.StatusCode, fmt.Errorf("revocation status"))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode revocation status: %w", err)
	}
	if out.Revoked {
		s.creds.Delete(ctx, auth.KeyLicense)
	}

	s.mu.Lock()
	s.lastChecked = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Service) storedGrant(ctx context.Context) (*grant, error) {
	raw, err := s.creds.Get(ctx, auth.KeyLicense)
	if err != nil || raw == "" {
		return nil, err
	}
	var g grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("parse stored grant: %w", err)
	}
	return &g, nil
}

func (s *Service) verify(g *grant) bool {
	sig, err := base64.StdEncoding.DecodeString(g.Signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(g.Key + "|" + g.ExpiresAt.UTC().Format(time.RFC3339)))
	return rsa.VerifyPKCS1v15(s.publicKey, crypto.SHA256, digest[:], sig) == nil
}

func parsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("license: invalid public key PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("license: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("license: public key is not RSA")
	}
	return rsaPub, nil
}
