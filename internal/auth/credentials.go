// Package auth holds the daemon's identity collaborators: a file-backed
// credential store and an access-token cache over the identity server.
package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// CredentialStore persists secrets. Implementations never fail loudly: a
// missing key reads as empty, and callers treat empty as "absent".
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Credential keys.
const (
	KeyRefreshToken = "refresh_token"
	KeyAccessToken  = "access_token"
	KeyPat          = "pat"
	KeyLicense      = "license"
)

// FileCredentialStore keeps credentials in a mode-0600 JSON file under the
// data directory. The OS keychain backends live outside the core and wrap
// this interface.
type FileCredentialStore struct {
	path string

	mu     sync.Mutex
	values map[string]string
	loaded bool
}

// NewFileCredentialStore creates a store backed by path.
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path, values: make(map[string]string)}
}

func (s *FileCredentialStore) load() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func (s *FileCredentialStore) save() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Get returns the stored value, or "" when absent.
func (s *FileCredentialStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return "", err
	}
	return s.values[key], nil
}

// Set stores a value and persists the file.
func (s *FileCredentialStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	s.values[key] = value
	return s.save()
}

// Delete removes a value and persists the file.
func (s *FileCredentialStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	delete(s.values, key)
	return s.save()
}
