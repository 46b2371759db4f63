package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

// CachedCredential is what FileCache persists.
type CachedCredential struct {
	Token   *oauth2.Token     `json:"token"`
	Account protocol.Identity `json:"account"`
}

// FileCache stores one credential as JSON, readable only by the owner.
type FileCache struct {
	mu   sync.Mutex
	path string
}

// NewFileCache returns a cache backed by path. The file is created on first Save.
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

// Load returns the cached credential, or ErrNoCachedCredential.
func (c *FileCache) Load() (*CachedCredential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCachedCredential
	}
	if err != nil {
		return nil, fmt.Errorf("credential cache: read: %w", err)
	}
	var cc CachedCredential
	if err := json.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("credential cache: parse %s: %w", c.path, err)
	}
	if cc.Token == nil {
		return nil, ErrNoCachedCredential
	}
	return &cc, nil
}

// Save writes the credential atomically.
func (c *FileCache) Save(cc *CachedCredential) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(cc, "", "  ")
	if err != nil {
		return fmt.Errorf("credential cache: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("credential cache: mkdir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credential cache: write: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("credential cache: rename: %w", err)
	}
	return nil
}
