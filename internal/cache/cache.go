// Package cache is a read-through response cache for the REST client.
// Entries are keyed by a canonical URL+params form, expire on read after a
// per-resource-class TTL, and the least recently used entry is evicted
// when the store hits capacity. Mutating requests invalidate by key
// prefix, which maps to a resource class ("/messages", "/profiles", ...).
package cache

import (
	"container/list"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yaront1111/mandarin-sub009/pkg/logx"
)

// Config tunes capacity and expiry. TTLs maps a resource class (the first
// path segment of the key) to its lifetime; DefaultTTL covers the rest.
type Config struct {
	Capacity   int
	DefaultTTL time.Duration
	TTLs       map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 512
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 2 * time.Minute
	}
	return c
}

type entry struct {
	key      string
	value    any
	storedAt time.Time
	ttl      time.Duration
}

// Cache is safe for concurrent use.
type Cache struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	now  func() time.Time // injectable for tests
	lru  *list.List       // front = most recent
	keys map[string]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64
}

// New builds an empty cache.
func New(cfg Config, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		cfg:  cfg.withDefaults(),
		log:  log,
		now:  time.Now,
		lru:  list.New(),
		keys: map[string]*list.Element{},
	}
}

// Apply swaps tunables at runtime. A shrunk capacity evicts immediately.
func (c *Cache) Apply(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.withDefaults()
	for c.lru.Len() > c.cfg.Capacity {
		c.evictOldestLocked()
	}
}

// Key derives the canonical cache key for a request: path plus query
// parameters sorted by name (then value), so permuted parameter order
// yields the same key.
func Key(rawURL string, params url.Values) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
		if params == nil {
			params = u.Query()
		} else if q := u.Query(); len(q) > 0 {
			merged := url.Values{}
			for k, vs := range q {
				merged[k] = append(merged[k], vs...)
			}
			for k, vs := range params {
				merged[k] = append(merged[k], vs...)
			}
			params = merged
		}
	}
	if len(params) == 0 {
		return path
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('?')
	for i, name := range names {
		vals := append([]string(nil), params[name]...)
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// classOf extracts the resource class from a key: the first path segment.
func classOf(key string) string {
	k := strings.TrimPrefix(key, "/")
	if i := strings.IndexAny(k, "/?"); i >= 0 {
		k = k[:i]
	}
	return k
}

func (c *Cache) ttlFor(key string) time.Duration {
	if d, ok := c.cfg.TTLs[classOf(key)]; ok && d > 0 {
		return d
	}
	return c.cfg.DefaultTTL
}

// Get returns the cached value for the request, or ok=false on a miss.
// Expired entries are removed on read.
func (c *Cache) Get(rawURL string, params url.Values) (any, bool) {
	key := Key(rawURL, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.keys[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.storedAt) >= e.ttl {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores the value under the request's canonical key with the class
// TTL, evicting the least recently used entry if the store is full.
func (c *Cache) Set(rawURL string, params url.Values, value any) {
	key := Key(rawURL, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.keys[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.storedAt = c.now()
		e.ttl = c.ttlFor(key)
		c.lru.MoveToFront(el)
		return
	}
	for c.lru.Len() >= c.cfg.Capacity {
		c.evictOldestLocked()
	}
	el := c.lru.PushFront(&entry{key: key, value: value, storedAt: c.now(), ttl: c.ttlFor(key)})
	c.keys[key] = el
}

// Invalidate removes every entry whose key starts with prefix and returns
// the count removed. An empty prefix clears the cache.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var victims []*list.Element
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if strings.HasPrefix(el.Value.(*entry).key, prefix) {
			victims = append(victims, el)
		}
	}
	for _, el := range victims {
		c.removeLocked(el)
	}
	if len(victims) > 0 {
		c.log.Debug("cache invalidated", logx.String("prefix", prefix), logx.Int("removed", len(victims)))
	}
	return len(victims)
}

// Sweep removes every expired entry; the maintenance janitor calls this so
// entries that are never re-read do not pin memory until eviction.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var victims []*list.Element
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if now.Sub(e.storedAt) >= e.ttl {
			victims = append(victims, el)
		}
	}
	for _, el := range victims {
		c.removeLocked(el)
	}
	return len(victims)
}

// Len reports the live entry count, expired entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Snapshot reports counters for the status surface.
type Snapshot struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Entries: c.lru.Len(), Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

func (c *Cache) evictOldestLocked() {
	el := c.lru.Back()
	if el == nil {
		return
	}
	c.removeLocked(el)
	c.evictions++
}

func (c *Cache) removeLocked(el *list.Element) {
	c.lru.Remove(el)
	delete(c.keys, el.Value.(*entry).key)
}
