package storage

import (
	"bytes"
	"context"
	"io"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedStore keeps recently downloaded small blobs in memory in front
// of a slower backend. Uploads invalidate the cached copy.
type CachedStore struct {
	next         FileStorage
	cache        *gocache.Cache
	maxItemBytes int64
}

// NewCachedStore wraps next with a read-through cache. Blobs larger than
// maxItemBytes are streamed straight from the backend and never cached.
func NewCachedStore(next FileStorage, ttl time.Duration, maxItemBytes int64) *CachedStore {
	return &CachedStore{
		next:         next,
		cache:        gocache.New(ttl, 2*ttl),
		maxItemBytes: maxItemBytes,
	}
}

func (c *CachedStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	c.cache.Delete(key)
	err := c.next.Put(ctx, key, body, size)
	// A Get racing with the put may have re-cached the old blob.
	c.cache.Delete(key)
	return err
}

func (c *CachedStore) Get(ctx context.Context, key string) (*Blob, error) {
	if v, ok := c.cache.Get(key); ok {
		return bytesBlob(key, v.([]byte)), nil
	}

	blob, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if blob.Size > c.maxItemBytes {
		return blob, nil
	}

	defer blob.Body.Close()
	var buf bytes.Buffer
	buf.Grow(int(blob.Size))
	if _, err := io.Copy(&buf, blob.Body); err != nil {
		return nil, &ReadError{Key: key, Err: err}
	}
	data := buf.Bytes()
	c.cache.SetDefault(key, data)
	return bytesBlob(key, data), nil
}

// Cached reports whether key currently has a cached copy.
func (c *CachedStore) Cached(key string) bool {
	_, ok := c.cache.Get(key)
	return ok
}

func (c *CachedStore) Ping(ctx context.Context) error { return c.next.Ping(ctx) }

func (c *CachedStore) Close() error {
	c.cache.Flush()
	return c.next.Close()
}
