package runtime

import (
	"strings"
	"sync"
)

// Cache holds one handler per configured connector, keyed by connector id.
// A single mutex guards every operation; readers always receive snapshot
// copies, never a view into the live map.
type Cache struct {
	mu         sync.Mutex
	handlers   map[string]*Handler
	processing []string
	permanent  map[string]struct{}
}

func NewCache() *Cache {
	return &Cache{
		handlers:  make(map[string]*Handler),
		permanent: make(map[string]struct{}),
	}
}

// Put inserts or replaces the handler for id. Handlers that do not need a
// dedicated thread are prepended to the processing list so newly added
// connectors are serviced first on the next polling pass. Permanent ids are
// remembered across Clear so a partial registration page is not mistaken
// for a deletion signal.
func (c *Cache) Put(id string, handler *Handler, permanent bool) {
	id = strings.TrimSpace(id)
	if id == "" || handler == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[id] = handler
	c.removeFromProcessing(id)
	if !handler.NeedsDedicatedThread() {
		c.processing = append([]string{id}, c.processing...)
	}
	if permanent {
		c.permanent[id] = struct{}{}
	}
}

// GetByID returns the handler for id, or nil.
func (c *Cache) GetByID(id string) *Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[strings.TrimSpace(id)]
}

// GetByName returns the first handler whose display name matches, walking
// the processing order first. Display names are not guaranteed unique; a
// duplicate name hides all but one handler from this lookup.
func (c *Cache) GetByName(name string) *Handler {
	name = strings.TrimSpace(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.processing {
		if h := c.handlers[id]; h != nil && h.Name() == name {
			return h
		}
	}
	for _, h := range c.handlers {
		if h.Name() == name {
			return h
		}
	}
	return nil
}

// Clear swaps in an empty backing map. Handler instances are not shut down
// here; callers disconnect them first. The permanent-id set survives.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = make(map[string]*Handler)
	c.processing = nil
}

// Remove drops one handler and its processing entry. The permanent-id set
// is untouched; Remove does not disconnect the handler.
func (c *Cache) Remove(id string) {
	id = strings.TrimSpace(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
	c.removeFromProcessing(id)
}

// IDs returns a snapshot of all cached connector ids.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for id := range c.handlers {
		out = append(out, id)
	}
	return out
}

// ProcessingOrder returns a snapshot of the polling order. Dedicated-thread
// connectors never appear here.
func (c *Cache) ProcessingOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.processing...)
}

// IsPermanent reports whether id was ever inserted as permanent.
func (c *Cache) IsPermanent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.permanent[strings.TrimSpace(id)]
	return ok
}

// Handlers returns a snapshot of every cached handler.
func (c *Cache) Handlers() []*Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		out = append(out, h)
	}
	return out
}

func (c *Cache) removeFromProcessing(id string) {
	for i, existing := range c.processing {
		if existing == id {
			c.processing = append(c.processing[:i], c.processing[i+1:]...)
			return
		}
	}
}
