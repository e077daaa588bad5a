// Package assetcache implements the fingerprint-keyed asset cache from
// SPEC_FULL.md §4.4, with optional spill to a shared scratch file for large
// assets.
package assetcache

import (
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/seckatie/monolith/internal/core"
)

// entry is the tagged Inline|Spilled variant from spec.md §9.
type entry struct {
	mediaType string
	charset   string
	inline    []byte // non-nil when stored in memory
	offset    int64  // valid when inline is nil
	length    int64
}

// Cache is created once per orchestration run and destroyed at the end of
// it. Every method holds the cache's mutex, so concurrent calls are safe;
// the pipeline itself uses it from a single goroutine per spec.md §5.
type Cache struct {
	mu        sync.Mutex
	fs        afero.Fs
	scratch   afero.File
	scratchSz int64
	threshold int64
	entries   map[string]entry
}

// New creates a Cache. fs is the filesystem the scratch file is created on
// (afero.NewOsFs() in production, afero.NewMemMapFs() in tests). If the
// scratch file cannot be created, spilling is simply disabled and every
// asset is kept in memory — mirroring the original monolith's "best effort
// temp file" behavior in main.rs.
func New(fs afero.Fs, threshold int64) *Cache {
	c := &Cache{
		fs:        fs,
		threshold: threshold,
		entries:   make(map[string]entry),
	}
	if f, err := afero.TempFile(fs, "", "monolith-scratch-"); err == nil {
		c.scratch = f
	}
	return c
}

// Get returns the bytes and media type stored for key, if any.
func (c *Cache) Get(key string) (mediaType, charset string, data []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found {
		return "", "", nil, false
	}

	if e.inline != nil {
		return e.mediaType, e.charset, e.inline, true
	}

	buf := make([]byte, e.length)
	if _, err := c.scratch.ReadAt(buf, e.offset); err != nil {
		return "", "", nil, false
	}
	return e.mediaType, e.charset, buf, true
}

// Put stores data under key. Assets below the spill threshold, or any asset
// when no scratch file is available, are kept in memory; larger assets are
// appended to the shared scratch file at a fresh offset.
func (c *Cache) Put(key, mediaType, charset string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int64(len(data)) < c.threshold || c.scratch == nil {
		c.entries[key] = entry{mediaType: mediaType, charset: charset, inline: data}
		return nil
	}

	n, err := c.scratch.WriteAt(data, c.scratchSz)
	if err != nil {
		return fmt.Errorf("spilling asset %q to scratch file: %w", key, core.ErrIO)
	}
	c.entries[key] = entry{
		mediaType: mediaType,
		charset:   charset,
		offset:    c.scratchSz,
		length:    int64(n),
	}
	c.scratchSz += int64(n)
	return nil
}

// Has reports whether key has already been stored.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Destroy overwrites the scratch file with zeros and removes it. It must be
// called exactly once, on every termination path of the run.
func (c *Cache) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scratch == nil {
		return nil
	}

	name := c.scratch.Name()
	size := c.scratchSz
	zeros := make([]byte, 32*1024)
	var written int64
	for written < size {
		n := int64(len(zeros))
		if size-written < n {
			n = size - written
		}
		if _, err := c.scratch.WriteAt(zeros[:n], written); err != nil {
			break
		}
		written += n
	}
	_ = c.scratch.Close()
	c.scratch = nil

	if err := c.fs.Remove(name); err != nil {
		return fmt.Errorf("removing scratch file %q: %w", name, core.ErrIO)
	}
	return nil
}
