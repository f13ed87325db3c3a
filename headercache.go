package reqscope

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

// MaxCacheSize is the default capacity of a HeaderCache.
const MaxCacheSize = 2000

// HeaderCache maps exchange ids to the request headers seen for them. It
// holds at most size entries; when full, the entry inserted earliest is
// evicted. Lookups never change the eviction order and re-inserting an id
// keeps its original position.
type HeaderCache struct {
	mu      sync.Mutex
	entries *simplelru.LRU
	onEvict func(id string)
}

type headerEntry struct {
	headers map[string]string
}

// HeaderCacheOption configures a HeaderCache.
type HeaderCacheOption func(*HeaderCache)

// WithEvictCallback registers fn to be called with the id of every evicted
// entry. fn runs with the cache lock held and must not call back into the
// cache.
func WithEvictCallback(fn func(id string)) HeaderCacheOption {
	return func(c *HeaderCache) {
		c.onEvict = fn
	}
}

// NewHeaderCache creates a cache holding at most size entries. A size <= 0
// selects MaxCacheSize.
func NewHeaderCache(size int, opts ...HeaderCacheOption) (*HeaderCache, error) {
	if size <= 0 {
		size = MaxCacheSize
	}

	c := &HeaderCache{}
	for _, opt := range opts {
		opt(c)
	}

	entries, err := simplelru.NewLRU(size, func(key, _ interface{}) {
		if c.onEvict != nil {
			c.onEvict(key.(string))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("could not create header cache: %w", err)
	}

	c.entries = entries

	return c, nil
}

// Put stores a copy of headers under id, replacing any previous entry.
func (c *HeaderCache) Put(id string, headers map[string]string) {
	cp := copyHeaders(headers)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Peek does not touch recency, so swapping the value in place keeps
	// the entry at its original insertion position.
	if v, ok := c.entries.Peek(id); ok {
		v.(*headerEntry).headers = cp
		return
	}

	c.entries.Add(id, &headerEntry{headers: cp})
}

// Get returns a copy of the headers stored for id.
func (c *HeaderCache) Get(id string) (map[string]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries.Peek(id)
	if !ok {
		return nil, false
	}

	return copyHeaders(v.(*headerEntry).headers), true
}

// Len returns the number of entries held.
func (c *HeaderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.entries.Len()
}

// Keys returns the held ids, oldest insertion first.
func (c *HeaderCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.entries.Keys()

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.(string))
	}

	return ids
}

// Purge drops every entry without invoking the evict callback.
func (c *HeaderCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	onEvict := c.onEvict
	c.onEvict = nil
	c.entries.Purge()
	c.onEvict = onEvict
}

func copyHeaders(h map[string]string) map[string]string {
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}

	return cp
}
