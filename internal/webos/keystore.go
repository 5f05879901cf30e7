package webos

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KeyStore persists the client key issued by the TV on pairing
type KeyStore interface {
	Load() (string, error)
	Save(key string) error
}

// FileKeyStore keeps the client key in a single file
type FileKeyStore struct {
	path string
}

// NewFileKeyStore creates a key store backed by path
func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{path: path}
}

// Load returns the stored key, or "" when the file does not exist yet
func (s *FileKeyStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileKeyStore) Save(key string) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, []byte(key), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// MemoryKeyStore holds the key in memory. Useful for tests.
type MemoryKeyStore struct {
	mu  sync.Mutex
	key string
}

func (s *MemoryKeyStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, nil
}

func (s *MemoryKeyStore) Save(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	return nil
}
