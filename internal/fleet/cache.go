package fleet

import (
	"sort"
	"sync"
)

// Cache holds the current descriptor of every tracked device. Each
// mutation is a single critical section.
type Cache struct {
	mu      sync.RWMutex
	devices map[string]DeviceDescriptor
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{devices: make(map[string]DeviceDescriptor)}
}

// Upsert stores d unless an equal descriptor is already cached. It
// reports whether the cache changed.
func (c *Cache) Upsert(d DeviceDescriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.devices[d.UDID]; ok && old.Equal(d) {
		return false
	}
	c.devices[d.UDID] = d.Clone()
	return true
}

// Delete removes a device and reports whether it was present.
func (c *Cache) Delete(udid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.devices[udid]; !ok {
		return false
	}
	delete(c.devices, udid)
	return true
}

// Get returns a copy of one descriptor.
func (c *Cache) Get(udid string) (DeviceDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[udid]
	if !ok {
		return DeviceDescriptor{}, false
	}
	return d.Clone(), true
}

// UDIDs returns the cached device ids.
func (c *Cache) UDIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns copies of all descriptors ordered by UDID.
func (c *Cache) Snapshot() []DeviceDescriptor {
	c.mu.RLock()
	out := make([]DeviceDescriptor, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UDID < out[j].UDID })
	return out
}
