package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTTL is the lifetime assigned to a freshly issued credential.
const DefaultTTL = 24 * time.Hour

// Credential is the identity/token pair issued by the server. Immutable
// once issued; a refresh replaces it wholesale.
type Credential struct {
	Identity  string    `yaml:"identity"`
	Token     string    `yaml:"token"`
	IssuedAt  time.Time `yaml:"issued_at"`
	ExpiresAt time.Time `yaml:"expires_at"`
	Host      string    `yaml:"host"`
	Database  string    `yaml:"database"`
}

// Expired reports whether the credential is past its expiry.
func (c Credential) Expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Store persists credentials to a structured file keyed by host+database.
type Store struct {
	mu   sync.Mutex
	path string
}

// DefaultPath returns the user-scoped credential file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "spacetime", "credentials.yaml"), nil
}

// NewStore creates a store backed by the file at path. An empty path
// selects the default user-scoped location.
func NewStore(path string) (*Store, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return &Store{path: path}, nil
}

func storeKey(host, database string) string {
	return host + "/" + database
}

// Get returns the cached credential for host+database. The second return
// is false when none exists or the cached one has expired.
func (s *Store) Get(host, database string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return Credential{}, false, err
	}

	cred, ok := entries[storeKey(host, database)]
	if !ok || cred.Expired() {
		return Credential{}, false, nil
	}
	return cred, true, nil
}

// Put persists a credential, replacing any previous entry for the same
// host+database.
func (s *Store) Put(cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	entries[storeKey(cred.Host, cred.Database)] = cred
	return s.save(entries)
}

// Invalidate removes the entry for host+database so the next handshake
// re-issues.
func (s *Store) Invalidate(host, database string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[storeKey(host, database)]; !ok {
		return nil
	}
	delete(entries, storeKey(host, database))
	return s.save(entries)
}

func (s *Store) load() (map[string]Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Credential), nil
		}
		return nil, fmt.Errorf("read credential store: %w", err)
	}

	entries := make(map[string]Credential)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse credential store: %w", err)
	}
	return entries, nil
}

func (s *Store) save(entries map[string]Credential) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode credential store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	return nil
}
