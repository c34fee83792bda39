// Package cache memoizes derived results keyed by an operation name and a
// fingerprint of the operation's input. Entries are evicted least recently
// used first and may optionally expire.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/lox/cityweather/internal/metrics"
)

// Key identifies a memoized result.
type Key struct {
	Op          string
	Fingerprint string
}

func (k Key) String() string {
	return k.Op + ":" + k.Fingerprint
}

// Fingerprint hashes the JSON encoding of parts. Parts must be JSON
// encodable; map keys are sorted by encoding/json so output is stable.
func Fingerprint(parts ...any) string {
	data, err := json.Marshal(parts)
	if err != nil {
		panic("cache: unencodable fingerprint input: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type entry[V any] struct {
	key     Key
	value   V
	stored  time.Time
	element *list.Element
}

// LRU is a fixed-capacity cache safe for concurrent use.
type LRU[V any] struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry[V]
	order   *list.List
	hits    uint64
	misses  uint64
}

// New creates a cache holding at most capacity entries. A ttl of zero
// keeps entries until they are evicted or invalidated.
func New[V any](capacity int, ttl time.Duration) *LRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[V]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[Key]*entry[V]),
		order:    list.New(),
	}
}

func (c *LRU[V]) Get(k Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if ok && c.ttl > 0 && c.now().Sub(e.stored) > c.ttl {
		c.removeLocked(e)
		ok = false
	}
	if !ok {
		c.misses++
		metrics.CacheLookups.WithLabelValues(k.Op, "miss").Inc()
		var zero V
		return zero, false
	}

	c.hits++
	metrics.CacheLookups.WithLabelValues(k.Op, "hit").Inc()
	c.order.MoveToFront(e.element)
	return e.value, true
}

func (c *LRU[V]) Put(k Key, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[k]; ok {
		e.value = v
		e.stored = c.now()
		c.order.MoveToFront(e.element)
		return
	}

	e := &entry[V]{key: k, value: v, stored: c.now()}
	e.element = c.order.PushFront(e)
	c.entries[k] = e

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.removeLocked(oldest.Value.(*entry[V]))
	}
}

// InvalidateOp drops every entry recorded under op and returns how many
// were removed.
func (c *LRU[V]) InvalidateOp(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if k.Op == op {
			c.removeLocked(e)
			n++
		}
	}
	return n
}

func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type Stats struct {
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
}

func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:     len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

// removeLocked must be called with c.mu held.
func (c *LRU[V]) removeLocked(e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}
