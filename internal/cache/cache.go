// Package cache keeps a byte-bounded LRU of local files in front of a
// remote file storage.
package cache

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/singleflight"

	"github.com/aweris/binstore/internal/metrics"
)

var logger = loggo.GetLogger("binstore.cache")

// FetchFunc writes the content for key to dest.
type FetchFunc func(ctx context.Context, key, dest string) error

type entry struct {
	path string
	size int64
}

// Cache maps keys to files under dir. Files belong to the cache: a path
// returned by Get may be removed by any later call that evicts it.
type Cache struct {
	dir     string
	maxSize int64
	metrics *metrics.Metrics

	mu    sync.Mutex
	lru   *simplelru.LRU
	size  int64
	group singleflight.Group
}

// New opens a cache in dir holding at most maxSize bytes. Files left by a
// previous process are adopted, the oldest being the first to go.
func New(dir string, maxSize int64, m *metrics.Metrics) (*Cache, error) {
	if maxSize <= 0 {
		return nil, errors.NotValidf("cache max size %d", maxSize)
	}
	for _, sub := range []string{"files", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, errors.Annotatef(err, "creating cache directory %s", sub)
		}
	}
	lru, err := simplelru.NewLRU(math.MaxInt, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := &Cache{
		dir:     dir,
		maxSize: maxSize,
		metrics: m,
		lru:     lru,
	}
	if err := c.clearTemp(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.adopt(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

func (c *Cache) clearTemp() error {
	tmpDir := filepath.Join(c.dir, "tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return errors.Trace(err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(tmpDir, e.Name())); err != nil {
			logger.Warningf("removing stale cache temp file %s: %v", e.Name(), err)
		}
	}
	return nil
}

func (c *Cache) adopt() error {
	entries, err := os.ReadDir(filepath.Join(c.dir, "files"))
	if err != nil {
		return errors.Trace(err)
	}
	var infos []fs.FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ModTime().Before(infos[j].ModTime())
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range infos {
		c.lru.Add(info.Name(), &entry{
			path: filepath.Join(c.dir, "files", info.Name()),
			size: info.Size(),
		})
		c.size += info.Size()
	}
	c.evictLocked()
	if len(infos) > 0 {
		logger.Debugf("adopted %d cached files, %d bytes", c.lru.Len(), c.size)
	}
	return nil
}

// TempFile creates a file in the cache's temp area. Hand its path to Put
// once written, or remove it.
func (c *Cache) TempFile() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(c.dir, "tmp"), "entry-*")
	return f, errors.Annotate(err, "creating cache temp file")
}

func (c *Cache) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", errors.NotValidf("cache key %q", key)
	}
	return filepath.Join(c.dir, "files", key), nil
}

// Get returns the cached file for key and marks it recently used.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		c.metrics.CacheMiss()
		return "", false
	}
	e := v.(*entry)
	if _, err := os.Stat(e.path); err != nil {
		// Removed behind our back.
		c.lru.Remove(key)
		c.size -= e.size
		c.metrics.CacheMiss()
		return "", false
	}
	c.metrics.CacheHit()
	return e.path, true
}

// Contains reports whether key is cached without touching its recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Put moves the file at tmpPath into the cache under key and returns its
// cached path. If key is already cached tmpPath is discarded.
func (c *Cache) Put(key, tmpPath string) (string, error) {
	path, err := c.path(key)
	if err != nil {
		os.Remove(tmpPath)
		return "", errors.Trace(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.lru.Get(key); ok {
		os.Remove(tmpPath)
		return v.(*entry).path, nil
	}
	info, err := os.Stat(tmpPath)
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", errors.Annotatef(err, "caching %s", key)
	}
	c.lru.Add(key, &entry{path: path, size: info.Size()})
	c.size += info.Size()
	c.evictLocked()
	return path, nil
}

// evictLocked drops least recently used files until the cache fits its
// budget. The most recent entry always stays.
func (c *Cache) evictLocked() {
	for c.size > c.maxSize && c.lru.Len() > 1 {
		k, v, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		e := v.(*entry)
		c.size -= e.size
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warningf("removing evicted file %v: %v", k, err)
		}
		c.metrics.CacheEvicted()
		logger.Debugf("evicted %v (%d bytes)", k, e.size)
	}
}

// GetOrFetch returns the cached file for key, calling fetch on a miss.
// Concurrent misses for one key share a single fetch. Fetch errors are
// returned as is and nothing is cached for them. A caller whose ctx is
// done stops waiting, but the shared fetch runs on for the others.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (string, error) {
	if path, ok := c.Get(key); ok {
		return path, nil
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if path, ok := c.peek(key); ok {
			return path, nil
		}
		f, err := c.TempFile()
		if err != nil {
			return "", errors.Trace(err)
		}
		tmp := f.Name()
		f.Close()
		if err := fetch(fetchCtx, key, tmp); err != nil {
			os.Remove(tmp)
			return "", errors.Trace(err)
		}
		logger.Debugf("fetched %s into cache", key)
		return c.Put(key, tmp)
	})
	select {
	case <-ctx.Done():
		return "", errors.Trace(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Cache) peek(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Peek(key)
	if !ok {
		return "", false
	}
	return v.(*entry).path, true
}

// Remove evicts key and deletes its file.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Peek(key)
	if !ok {
		return
	}
	e := v.(*entry)
	c.lru.Remove(key)
	c.size -= e.size
	if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warningf("removing cached file %s: %v", key, err)
	}
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Size returns the total size of cached files in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
