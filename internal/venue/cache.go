package venue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"kerne-operator/internal/fileutil"
)

// PositionCacheFile is the cache file name inside the data directory.
const PositionCacheFile = "hl_positions.json"

// PositionCache persists the last observed venue position per symbol.
// It is an operational cache for operators and restarts, never a source of truth.
type PositionCache struct {
	path string
	mu   sync.Mutex
}

// NewPositionCache stores the cache under dataDir.
func NewPositionCache(dataDir string) *PositionCache {
	return &PositionCache{path: filepath.Join(dataDir, PositionCacheFile)}
}

// Path returns the cache file location.
func (c *PositionCache) Path() string { return c.path }

// Save records p, replacing the previous entry for its symbol.
func (c *PositionCache) Save(p Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.load()
	if err != nil {
		return err
	}
	all[p.Symbol] = p

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode position cache: %w", err)
	}
	return fileutil.WriteAtomic(c.path, data, 0o644)
}

// Load returns every cached position keyed by symbol.
func (c *PositionCache) Load() (map[string]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *PositionCache) load() (map[string]Position, error) {
	out := make(map[string]Position)
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read position cache: %w", err)
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode position cache: %w", err)
	}
	return out, nil
}
