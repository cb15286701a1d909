// Package cache memoizes enhanced embeddings. Entries are keyed by model
// version, input vector and sorted neighbor IDs, stored as little-endian
// float64 blobs, and evicted least-recently-used once the byte budget is
// exceeded.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	"github.com/lazypower/attune/internal/transform"
)

// entryOverhead approximates the bookkeeping cost of one entry beyond its
// blob: list element, map slot, key and node-index references.
const entryOverhead = 128

// Key identifies one (model version, input, context) combination.
type Key [sha256.Size]byte

// KeyFor derives the cache key. Neighbor order does not matter.
func KeyFor(version int64, input []float64, graph *transform.Graph) Key {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(version))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(len(input)))
	h.Write(buf[:])
	for _, v := range input {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	for _, id := range graph.NodeIDs() {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

type entry struct {
	key   Key
	blob  []byte
	nodes []string
	size  int64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries  int     `json:"entries"`
	Bytes    int64   `json:"bytes"`
	MaxBytes int64   `json:"max_bytes"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRate  float64 `json:"hit_rate"`
}

// Cache is a byte-bounded LRU safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	used     int64
	ll       *list.List
	items    map[Key]*list.Element
	byNode   map[string]map[Key]struct{}
	hits     uint64
	misses   uint64
}

// New creates a cache holding at most maxBytes of entries.
func New(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[Key]*list.Element),
		byNode:   make(map[string]map[Key]struct{}),
	}
}

// Get returns the cached vector for key. An entry that fails to decode to
// dim values is dropped and reported as a miss.
func (c *Cache) Get(key Key, dim int) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	vec, ok := decode(e.blob, dim)
	if !ok {
		c.removeElement(el)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return vec, true
}

// Put stores vec under key, remembering which graph nodes it depends on.
// Entries larger than the whole budget are not stored.
func (c *Cache) Put(key Key, vec []float64, nodeIDs []string) {
	blob := encode(vec)
	size := int64(len(blob)) + entryOverhead
	for _, id := range nodeIDs {
		size += int64(len(id))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxBytes {
		return
	}
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	e := &entry{key: key, blob: blob, nodes: append([]string(nil), nodeIDs...), size: size}
	c.items[key] = c.ll.PushFront(e)
	c.used += size
	for _, id := range e.nodes {
		keys := c.byNode[id]
		if keys == nil {
			keys = make(map[Key]struct{})
			c.byNode[id] = keys
		}
		keys[key] = struct{}{}
	}

	for c.used > c.maxBytes {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}
}

// InvalidateNode drops every entry whose context included the node and
// returns how many were dropped.
func (c *Cache) InvalidateNode(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byNode[id]
	n := 0
	for k := range keys {
		if el, ok := c.items[k]; ok {
			c.removeElement(el)
			n++
		}
	}
	delete(c.byNode, id)
	return n
}

// Clear drops every entry. Hit and miss counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.items = make(map[Key]*list.Element)
	c.byNode = make(map[string]map[Key]struct{})
	c.used = 0
}

// Stats returns current counters. HitRate is hits/(hits+misses), or 0 before
// any lookup.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:  c.ll.Len(),
		Bytes:    c.used,
		MaxBytes: c.maxBytes,
		Hits:     c.hits,
		Misses:   c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache) removeElement(el *list.Element) {
	e := c.ll.Remove(el).(*entry)
	delete(c.items, e.key)
	c.used -= e.size
	for _, id := range e.nodes {
		if keys := c.byNode[id]; keys != nil {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.byNode, id)
			}
		}
	}
}

// encode converts a []float64 to a binary blob (8 bytes per float64).
func encode(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decode converts a blob back to []float64, failing when the length is not
// exactly dim values or any value is non-finite.
func decode(buf []byte, dim int) ([]float64, bool) {
	if len(buf) != dim*8 {
		return nil, false
	}
	vec := make([]float64, dim)
	for i := range vec {
		v := math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		vec[i] = v
	}
	return vec, true
}

