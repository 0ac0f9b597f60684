// Package cache stores student generations on disk, keyed by a fingerprint
// of the request, so identical requests are answered without calling a model.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teilomillet/evoprompt/types"
	"github.com/teilomillet/evoprompt/utils"
)

// DefaultTTL is the age after which an entry stops being served.
const DefaultTTL = time.Hour

// Cache is a directory of JSON files, one per fingerprint. Storage failures
// never surface to callers: reads degrade to a miss and writes are dropped.
type Cache struct {
	dir    string
	ttl    time.Duration
	logger utils.Logger
	now    func() time.Time
}

type Option func(*Cache)

func WithLogger(logger utils.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New opens a cache rooted at dir. A ttl <= 0 disables expiry.
func New(dir string, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		dir:    dir,
		ttl:    ttl,
		logger: utils.NopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Warn("Failed to create cache directory", "dir", dir, "error", err)
	}
	return c
}

// Fingerprint hashes the prompt, the model and the canonical JSON encoding of
// params. encoding/json sorts map keys, so insertion order does not matter.
func Fingerprint(prompt, model string, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte(model))
	encoded, err := json.Marshal(params)
	if err != nil {
		// fmt also prints maps in key order.
		encoded = []byte(fmt.Sprintf("%v", params))
	}
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Get returns the cached generation, or false when the entry is absent,
// unreadable or older than the ttl.
func (c *Cache) Get(prompt, model string, params map[string]any) (*types.GenerationResult, bool) {
	key := Fingerprint(prompt, model, params)
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Debug("Cache read failed", "key", key, "error", err)
		}
		return nil, false
	}

	var entry types.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Debug("Ignoring corrupt cache entry", "key", key, "error", err)
		return nil, false
	}
	if c.ttl > 0 && !entry.CreatedAt.IsZero() && c.now().Sub(entry.CreatedAt) > c.ttl {
		c.logger.Debug("Cache entry expired", "key", key, "created_at", entry.CreatedAt)
		return nil, false
	}
	return &entry.Value, true
}

// Set stores value under the request fingerprint, replacing any previous
// entry. The file is written to a temporary name and renamed into place.
func (c *Cache) Set(prompt, model string, params map[string]any, value *types.GenerationResult) {
	if value == nil {
		return
	}
	key := Fingerprint(prompt, model, params)
	data, err := json.Marshal(types.CacheEntry{CreatedAt: c.now().UTC(), Value: *value})
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", "key", key, "error", err)
		return
	}

	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		c.logger.Warn("Failed to write cache entry", "key", key, "error", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		c.logger.Warn("Failed to write cache entry", "key", key, "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		c.logger.Warn("Failed to write cache entry", "key", key, "error", err)
		return
	}
	if err := os.Rename(tmpName, c.path(key)); err != nil {
		os.Remove(tmpName)
		c.logger.Warn("Failed to commit cache entry", "key", key, "error", err)
		return
	}
	c.logger.Debug("Cached generation", "key", key)
}

// Delete drops the entry for a request, if any.
func (c *Cache) Delete(prompt, model string, params map[string]any) {
	key := Fingerprint(prompt, model, params)
	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("Failed to delete cache entry", "key", key, "error", err)
	}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}
