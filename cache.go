package mvdb

import (
	"sync"
	"sync/atomic"
)

// scanCache keeps the decoded rows of recently scanned tables. Entries are
// valid for one store modification count only.
type scanCache struct {
	mu      sync.Mutex
	gen     uint64
	entries map[string][]*Row

	hits   atomic.Uint64
	misses atomic.Uint64
}

func (c *scanCache) get(mapName string, gen uint64) ([]*Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil || c.gen != gen {
		c.misses.Add(1)
		return nil, false
	}
	rows, ok := c.entries[mapName]
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return rows, ok
}

func (c *scanCache) put(mapName string, gen uint64, rows []*Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries != nil && gen < c.gen {
		return
	}
	if c.entries == nil || c.gen != gen {
		c.entries = make(map[string][]*Row)
		c.gen = gen
	}
	c.entries[mapName] = rows
}

func (c *scanCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}
