package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TileCache is a disk-backed LRU cache for grid assets (truecolor tiles,
// cars overlays and detection documents). Entries persist across runs so a
// re-run over the same extent skips already-downloaded tiles.
type TileCache struct {
	baseDir   string
	maxSize   int64 // Maximum cache size in bytes
	currSize  int64 // Current cache size (atomic)
	ttl       time.Duration
	mu        sync.RWMutex
	index     map[string]*entry
	evictChan chan struct{} // Signal for background eviction
}

// entry tracks one cached asset in the persistent index
type entry struct {
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	AccessTime time.Time `json:"accessTime"`
	CreateTime time.Time `json:"createTime"`
}

// New creates a tile cache rooted at baseDir. A ttl of zero disables
// expiry. The index is persisted as index.json next to the sharded files.
func New(baseDir string, maxSizeMB int, ttl time.Duration) (*TileCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &TileCache{
		baseDir:   baseDir,
		maxSize:   int64(maxSizeMB) * 1024 * 1024,
		ttl:       ttl,
		index:     make(map[string]*entry),
		evictChan: make(chan struct{}, 1),
	}

	if err := c.loadIndex(); err != nil {
		log.Printf("[Cache] failed to load index, starting empty: %v", err)
	}

	go c.evictionWorker()

	return c, nil
}

// Key builds the cache key for one grid asset
func Key(mapID string, zoom, x, y int, fileType string) string {
	return fmt.Sprintf("%s/%d/%d/%d/%s", mapID, zoom, x, y, fileType)
}

// Get retrieves an asset from cache
func (c *TileCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, exists := c.index[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if c.ttl > 0 && time.Since(e.CreateTime) > c.ttl {
		c.remove(key)
		return nil, false
	}

	data, err := os.ReadFile(c.filePath(key))
	if err != nil {
		// File vanished underneath the index
		c.remove(key)
		return nil, false
	}

	c.mu.Lock()
	e.AccessTime = time.Now()
	c.mu.Unlock()

	return data, true
}

// Set stores an asset in cache and signals eviction if the size cap is hit
func (c *TileCache) Set(key string, data []byte) error {
	path := c.filePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache subdirectory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	size := int64(len(data))
	now := time.Now()

	c.mu.Lock()
	if old, exists := c.index[key]; exists {
		atomic.AddInt64(&c.currSize, -old.Size)
	}
	c.index[key] = &entry{Key: key, Size: size, AccessTime: now, CreateTime: now}
	c.mu.Unlock()
	atomic.AddInt64(&c.currSize, size)

	if err := c.saveIndex(); err != nil {
		log.Printf("[Cache] failed to persist index: %v", err)
	}

	if atomic.LoadInt64(&c.currSize) > c.maxSize {
		select {
		case c.evictChan <- struct{}{}:
		default:
		}
	}

	return nil
}

// Stats returns entry count and current/max size in bytes
func (c *TileCache) Stats() (entries int, sizeBytes, maxBytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index), atomic.LoadInt64(&c.currSize), c.maxSize
}

// filePath shards cache files by key hash to avoid huge flat directories
func (c *TileCache) filePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	hashStr := hex.EncodeToString(hash[:])
	return filepath.Join(c.baseDir, hashStr[:2], hashStr+".bin")
}

// remove drops one entry from index and disk
func (c *TileCache) remove(key string) {
	c.mu.Lock()
	e, exists := c.index[key]
	if exists {
		delete(c.index, key)
	}
	c.mu.Unlock()

	if !exists {
		return
	}
	atomic.AddInt64(&c.currSize, -e.Size)
	os.Remove(c.filePath(key))
}

// evictionWorker evicts least-recently-used entries until the cache is
// back under its size cap
func (c *TileCache) evictionWorker() {
	for range c.evictChan {
		c.mu.Lock()
		entries := make([]*entry, 0, len(c.index))
		for _, e := range c.index {
			entries = append(entries, e)
		}
		c.mu.Unlock()

		sort.Slice(entries, func(i, j int) bool {
			return entries[i].AccessTime.Before(entries[j].AccessTime)
		})

		evicted := 0
		for _, e := range entries {
			if atomic.LoadInt64(&c.currSize) <= c.maxSize {
				break
			}
			c.remove(e.Key)
			evicted++
		}

		if evicted > 0 {
			log.Printf("[Cache] evicted %d entries, size now %d bytes", evicted, atomic.LoadInt64(&c.currSize))
			if err := c.saveIndex(); err != nil {
				log.Printf("[Cache] failed to persist index after eviction: %v", err)
			}
		}
	}
}

func (c *TileCache) indexPath() string {
	return filepath.Join(c.baseDir, "index.json")
}

// loadIndex restores the persistent index from disk
func (c *TileCache) loadIndex() error {
	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []*entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse cache index: %w", err)
	}

	var total int64
	c.mu.Lock()
	for _, e := range entries {
		c.index[e.Key] = e
		total += e.Size
	}
	c.mu.Unlock()
	atomic.StoreInt64(&c.currSize, total)

	log.Printf("[Cache] loaded %d entries (%d bytes) from %s", len(entries), total, c.baseDir)
	return nil
}

// saveIndex persists the index. Small enough to rewrite whole each time.
func (c *TileCache) saveIndex() error {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.index))
	for _, e := range c.index {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache index: %w", err)
	}

	return os.WriteFile(c.indexPath(), data, 0644)
}
