package currency

import (
	"strings"
	"sync"
)

// Catalog is the process-wide registry of currencies. It is populated once
// during startup and then locked; after Lock every read sees the same set.
type Catalog struct {
	mu      sync.RWMutex
	byID    map[string]*Currency
	ordered []*Currency
	primary *Currency
	locked  bool
}

func NewCatalog() *Catalog {
	return &Catalog{
		byID: make(map[string]*Currency),
	}
}

// Register adds a currency. It returns false when the catalog is locked or
// the identifier is already taken.
func (c *Catalog) Register(cur *Currency) bool {
	if cur == nil || cur.ID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locked {
		return false
	}
	if _, exists := c.byID[cur.ID]; exists {
		return false
	}

	c.byID[cur.ID] = cur
	c.ordered = append(c.ordered, cur)
	return true
}

// RegisterAll registers each currency in order and returns how many were accepted.
func (c *Catalog) RegisterAll(curs []*Currency) int {
	n := 0
	for _, cur := range curs {
		if c.Register(cur) {
			n++
		}
	}
	return n
}

// Lock freezes the catalog and settles the primary currency: the first
// registered currency flagged primary. Calling Lock twice is a no-op.
func (c *Catalog) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locked {
		return
	}
	c.locked = true
	for _, cur := range c.ordered {
		if cur.Primary {
			c.primary = cur
			break
		}
	}
}

func (c *Catalog) Locked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.locked
}

// Lookup finds a currency by identifier, ignoring case.
func (c *Catalog) Lookup(id string) (*Currency, bool) {
	if id == "" {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	cur, ok := c.byID[strings.ToLower(id)]
	return cur, ok
}

// All returns the currencies in registration order.
func (c *Catalog) All() []*Currency {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Currency, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Primary returns the primary currency. It is only known after Lock.
func (c *Catalog) Primary() (*Currency, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primary, c.primary != nil
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ordered)
}
