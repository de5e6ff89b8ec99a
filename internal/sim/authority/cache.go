package authority

import (
	"sync"

	"plotrelay.dev/internal/sim/entity"
)

type cachedSlot struct {
	slot *entity.Slot // nil: known to be absent
}

// SlotCache holds the latest authoritative slot per id, including known
// absence.
type SlotCache struct {
	mu    sync.RWMutex
	slots map[string]cachedSlot
}

func NewSlotCache() *SlotCache {
	return &SlotCache{slots: map[string]cachedSlot{}}
}

// Get returns the cached slot. known is false when id was never resolved.
func (c *SlotCache) Get(id string) (slot *entity.Slot, known bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.slots[id]
	if !ok {
		return nil, false
	}
	if e.slot == nil {
		return nil, true
	}
	cp := *e.slot
	return &cp, true
}

// Put stores s for id unless the cache already holds a newer slot. A nil s
// records absence and never replaces a known slot.
func (c *SlotCache) Put(id string, s *entity.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.slots[id]
	if ok && prev.slot != nil && (s == nil || !entity.Newer(s, prev.slot)) {
		return
	}
	if s == nil {
		c.slots[id] = cachedSlot{}
		return
	}
	cp := *s
	c.slots[id] = cachedSlot{slot: &cp}
}

func (c *SlotCache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, id)
}

func (c *SlotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}
