// Package book is the per-venue BBO snapshot cache the Supervisor
// refreshes every tick with the BBOs it fetched. The order controller does
// not read it: the Supervisor passes the BBOs to it directly.
package book

import (
	"sync"

	"github.com/xarbitrage/xarb/pkg/xtypes"
)

// Cache holds the latest BBO per (venue, symbol) pair. The mutex makes Set
// and Get safe to call from different goroutines, in place of the seqlock
// of the concurrency design.
type Cache struct {
	mu   sync.RWMutex
	bbos map[string]xtypes.BBO
}

func New() *Cache {
	return &Cache{bbos: make(map[string]xtypes.BBO)}
}

func key(venueName, symbol string) string { return venueName + "|" + symbol }

func (c *Cache) Set(venueName, symbol string, bbo xtypes.BBO) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bbos[key(venueName, symbol)] = bbo
}

func (c *Cache) Get(symbol, venueName string) (xtypes.BBO, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bbos[key(venueName, symbol)]
	return b, ok
}
