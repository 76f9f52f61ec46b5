package catalog

import (
	"fmt"
	"sync"

	"github.com/maestro-run/maestro/pkg/playbook"
)

// cache holds parsed playbooks keyed by path@version. Entries are
// immutable so there is no TTL or invalidation.
type cache struct {
	mu      sync.RWMutex
	entries map[string]*playbook.Playbook
}

func newCache() *cache {
	return &cache{entries: make(map[string]*playbook.Playbook)}
}

func cacheKey(path string, version int) string {
	return fmt.Sprintf("%s@%d", path, version)
}

func (c *cache) get(path string, version int) (*playbook.Playbook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pb, ok := c.entries[cacheKey(path, version)]
	return pb, ok
}

func (c *cache) put(path string, version int, pb *playbook.Playbook) {
	c.mu.Lock()
	c.entries[cacheKey(path, version)] = pb
	c.mu.Unlock()
}
