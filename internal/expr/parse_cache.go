package expr

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultParseCacheSize is used when NewParseCache is given a non-positive size.
const DefaultParseCacheSize = 256

// ParseCache is a bounded cache from formula text to its parsed tree. Trees are
// immutable once parsed, so one tree may be handed to any number of callers.
//
// Eviction strategy: when the cache reaches its capacity the entire map is
// replaced. A small set of formulas analyzed repeatedly is the expected load.
//
// Thread safety: all methods are safe for concurrent use.
type ParseCache struct {
	mu    sync.RWMutex
	items map[uint64]cachedParse
	max   int
}

// cachedParse keeps the source text to tell hash collisions apart.
type cachedParse struct {
	text string
	node Node
}

// NewParseCache creates a cache holding at most max trees
func NewParseCache(max int) *ParseCache {
	if max <= 0 {
		max = DefaultParseCacheSize
	}
	return &ParseCache{items: make(map[uint64]cachedParse, max), max: max}
}

func (c *ParseCache) get(key uint64, text string) (Node, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || entry.text != text {
		return nil, false
	}
	return entry.node, true
}

func (c *ParseCache) put(key uint64, text string, node Node) {
	c.mu.Lock()
	if len(c.items) >= c.max {
		// Evict everything and start fresh rather than tracking individual entry ages.
		c.items = make(map[uint64]cachedParse, c.max)
	}
	c.items[key] = cachedParse{text: text, node: node}
	c.mu.Unlock()
}

// Parse returns the cached tree for text, parsing and caching it on a miss.
// Failed parses are not cached. The second result reports a cache hit.
func (c *ParseCache) Parse(text string) (Node, bool, error) {
	key := xxhash.Sum64String(text)
	if node, ok := c.get(key, text); ok {
		return node, true, nil
	}
	node, err := Parse(text)
	if err != nil {
		return nil, false, err
	}
	c.put(key, text, node)
	return node, false, nil
}

// Len returns the number of cached trees
func (c *ParseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
