package catalog

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog is the authoritative set of tracked items keyed by normalized name.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]Item
}

func New() *Catalog {
	return &Catalog{items: map[string]Item{}}
}

// Get returns a copy of the named item.
func (c *Catalog) Get(name string) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[NormalizeName(name)]
	if !ok {
		return Item{}, false
	}
	return it.Clone(), true
}

func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[NormalizeName(name)]
	return ok
}

// Insert adds a new item. Name and URL must both be unused.
func (c *Catalog) Insert(it Item) error {
	it.Name = NormalizeName(it.Name)
	if err := it.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[it.Name]; ok {
		return fmt.Errorf("%w: %q", ErrNameTaken, it.Name)
	}
	if owner, ok := c.urlOwnerLocked(it.URL); ok {
		return fmt.Errorf("%w: %q", ErrURLTaken, owner)
	}
	c.items[it.Name] = it.Clone()
	return nil
}

// Update applies fn to a copy of the named item and stores the result. A URL
// change is rejected when another item already tracks the new URL.
func (c *Catalog) Update(name string, fn func(*Item) error) (Item, error) {
	key := NormalizeName(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.items[key]
	if !ok {
		return Item{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return Item{}, err
	}
	next.Name = key
	if err := next.Validate(); err != nil {
		return Item{}, err
	}
	if next.URL != cur.URL {
		if owner, ok := c.urlOwnerLocked(next.URL); ok && owner != key {
			return Item{}, fmt.Errorf("%w: %q", ErrURLTaken, owner)
		}
	}
	c.items[key] = next
	return next.Clone(), nil
}

// Delete removes the named item and reports whether it existed.
func (c *Catalog) Delete(name string) bool {
	key := NormalizeName(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return false
	}
	delete(c.items, key)
	return true
}

// URLOwner returns the name of the item tracking url.
func (c *Catalog) URLOwner(url string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.urlOwnerLocked(url)
}

func (c *Catalog) urlOwnerLocked(url string) (string, bool) {
	for name, it := range c.items {
		if it.URL == url {
			return name, true
		}
	}
	return "", false
}

// List returns copies of all items sorted by name.
func (c *Catalog) List() []Item {
	c.mu.RLock()
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Snapshot returns a deep copy of the whole document.
func (c *Catalog) Snapshot() map[string]Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Item, len(c.items))
	for k, it := range c.items {
		out[k] = it.Clone()
	}
	return out
}

// Replace swaps the whole document, as done after a load.
func (c *Catalog) Replace(items map[string]Item) {
	next := make(map[string]Item, len(items))
	for k, it := range items {
		key := NormalizeName(k)
		it.Name = key
		next[key] = it.Clone()
	}
	c.mu.Lock()
	c.items = next
	c.mu.Unlock()
}
