package session

import "sync"

// ConnectionCounter counts open streams per device. It is shared by all
// streams of a server.
type ConnectionCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewConnectionCounter returns an empty counter.
func NewConnectionCounter() *ConnectionCounter {
	return &ConnectionCounter{counts: make(map[string]int)}
}

// Acquire takes a slot for udid and returns the new count.
func (c *ConnectionCounter) Acquire(udid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[udid]++
	return c.counts[udid]
}

// Release gives back a slot. Devices with no streams are forgotten.
func (c *ConnectionCounter) Release(udid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[udid] - 1
	if n <= 0 {
		delete(c.counts, udid)
		return 0
	}
	c.counts[udid] = n
	return n
}

// Count returns the open streams for udid.
func (c *ConnectionCounter) Count(udid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[udid]
}

// Snapshot returns a copy of all non-zero counts.
func (c *ConnectionCounter) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
