package client

import (
	"sort"
	"sync"
	"time"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

const cacheTTL = 5 * time.Minute

// sessionCache is the client's view of live sessions, stitched together
// from broadcasts. A sessions_list is authoritative for what it names,
// but a session seen starting moments ago can be legitimately missing
// from a list some other client requested first, so entries are only
// dropped once they are both absent from a list and stale.
type sessionCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	info protocol.SessionInfo
	seen time.Time
}

func newSessionCache(ttl time.Duration) *sessionCache {
	return &sessionCache{ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

// update folds in an authoritative sessions_list.
func (c *sessionCache) update(list []protocol.SessionInfo) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	present := make(map[string]bool, len(list))
	for _, info := range list {
		present[info.SessionID] = true
		c.entries[info.SessionID] = cacheEntry{info: info, seen: now}
	}
	for id, e := range c.entries {
		if !present[id] && now.Sub(e.seen) > c.ttl {
			delete(c.entries, id)
		}
	}
}

// observe records a session learned from a lifecycle broadcast.
func (c *sessionCache) observe(info protocol.SessionInfo) {
	c.mu.Lock()
	c.entries[info.SessionID] = cacheEntry{info: info, seen: c.now()}
	c.mu.Unlock()
}

func (c *sessionCache) remove(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// all returns the cached sessions, most recently active first.
func (c *sessionCache) all() []protocol.SessionInfo {
	c.mu.Lock()
	out := make([]protocol.SessionInfo, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.info)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity > out[j].LastActivity })
	return out
}
