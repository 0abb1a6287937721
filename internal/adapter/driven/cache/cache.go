// Package cache provides the HTTP response cache used under the request
// pipeline. It can be purged in one step so that nothing fetched for one
// session survives its logout.
package cache

import (
	"net/http"
	"sync"

	"github.com/gregjones/httpcache"
)

// Compile-time interface satisfaction check.
var _ httpcache.Cache = (*Purgeable)(nil)

// Purgeable is an in-memory httpcache.Cache that can be emptied.
type Purgeable struct {
	mu    sync.RWMutex
	inner *httpcache.MemoryCache
	size  int
}

// New returns an empty cache.
func New() *Purgeable {
	return &Purgeable{inner: httpcache.NewMemoryCache()}
}

// Get returns the cached response bytes for key.
func (c *Purgeable) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner.Get(key)
}

// Set stores response bytes under key.
func (c *Purgeable) Set(key string, resp []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inner.Get(key); !ok {
		c.size++
	}
	c.inner.Set(key, resp)
}

// Delete removes key.
func (c *Purgeable) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inner.Get(key); ok {
		c.size--
	}
	c.inner.Delete(key)
}

// Purge drops every entry.
func (c *Purgeable) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner = httpcache.NewMemoryCache()
	c.size = 0
}

// Len returns the number of cached responses.
func (c *Purgeable) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Transport returns an httpcache transport over base backed by c. Responses
// served from the cache carry the X-From-Cache header.
func (c *Purgeable) Transport(base http.RoundTripper) *httpcache.Transport {
	t := httpcache.NewTransport(c)
	t.Transport = base
	t.MarkCachedResponses = true
	return t
}
