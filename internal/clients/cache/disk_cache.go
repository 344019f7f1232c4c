// Package cache provides persistent caching for LM responses.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// DiskCache is a persistent response cache backed by Badger.
type DiskCache struct {
	db    *badger.DB
	mu    sync.RWMutex
	stats Stats
	ttl   time.Duration
}

// Stats tracks cache performance.
type Stats struct {
	Hits   int64
	Misses int64
	Errors int64
}

// Options configures the disk cache.
type Options struct {
	// Path is the directory where cache data is stored
	Path string

	// TTL is the time-to-live for cache entries (default 24h)
	TTL time.Duration
}

// Open opens a disk cache at the configured path.
func Open(opts Options) (*DiskCache, error) {
	if opts.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		opts.Path = filepath.Join(home, ".teleprompt", "cache")
	}
	if opts.TTL == 0 {
		opts.TTL = 24 * time.Hour
	}

	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	badgerOpts := badger.DefaultOptions(opts.Path)
	badgerOpts.Logger = nil

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &DiskCache{db: db, ttl: opts.TTL}, nil
}

// Get retrieves a cached value.
func (c *DiskCache) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if err == badger.ErrKeyNotFound {
			c.stats.Misses++
			return nil, false, nil
		}
		c.stats.Errors++
		return nil, false, fmt.Errorf("failed to get from cache: %w", err)
	}
	c.stats.Hits++
	return value, true, nil
}

// Set stores a value with the cache's TTL.
func (c *DiskCache) Set(key string, value []byte) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Clear removes all cached values.
func (c *DiskCache) Clear() error {
	if err := c.db.DropAll(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// Close closes the cache and releases resources.
func (c *DiskCache) Close() error {
	return c.db.Close()
}

// Stats returns cache statistics.
func (c *DiskCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Marshal encodes a value for cache storage.
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a cached value.
func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
