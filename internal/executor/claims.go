package executor

import (
	"sync"
	"time"
)

// claimLog remembers which intents this executor has already picked up. A
// claim redelivered inside the window is skipped.
type claimLog[K comparable] struct {
	mu     sync.Mutex
	window time.Duration
	at     map[K]time.Time
	now    func() time.Time
}

func newClaimLog[K comparable](window time.Duration) *claimLog[K] {
	return &claimLog[K]{window: window, at: make(map[K]time.Time), now: time.Now}
}

// first records k and reports true unless k was recorded within the window.
func (c *claimLog[K]) first(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if t, ok := c.at[k]; ok && now.Sub(t) < c.window {
		return false
	}
	c.at[k] = now
	return true
}

// prune forgets entries older than the window and returns what is left.
func (c *claimLog[K]) prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.window)
	for k, t := range c.at {
		if !t.After(cutoff) {
			delete(c.at, k)
		}
	}
	return len(c.at)
}
