package session

import (
	"context"
	"sync"
)

// Persister saves one entity kind to the remote store. Implementations are
// scoped by the owning user; the collection never re-checks ownership.
type Persister[T any, P any] interface {
	Insert(ctx context.Context, userID string, item T) error
	Update(ctx context.Context, userID, id string, patch P) error
	Delete(ctx context.Context, userID string, ids ...string) error
}

// Collection is an optimistic in-memory ordered set shared by the task board
// and the SOP library. Every mutation applies to memory synchronously under
// the collection lock, then schedules a fire-and-forget persistence job; the
// caller observes the new state as soon as the mutating method returns.
// Concurrent mutations of the same record resolve last-write-wins.
type Collection[T any, P any] struct {
	mu     sync.Mutex
	items  []T
	userID string
	id     func(T) string
	apply  func(*T, P)
	store  Persister[T, P]
	pool   *PersistPool
	name   string
}

// NewCollection builds a collection for one user and entity kind. id
// extracts an item's identifier and apply merges a patch into an item.
func NewCollection[T any, P any](name, userID string, id func(T) string, apply func(*T, P), store Persister[T, P], pool *PersistPool) *Collection[T, P] {
	return &Collection[T, P]{
		userID: userID,
		id:     id,
		apply:  apply,
		store:  store,
		pool:   pool,
		name:   name,
	}
}

// Reset replaces the working set, typically after a load.
func (c *Collection[T, P]) Reset(items []T) {
	c.mu.Lock()
	c.items = append(c.items[:0:0], items...)
	c.mu.Unlock()
}

// Snapshot returns a copy of the working set in order.
func (c *Collection[T, P]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Get returns the item with the given id.
func (c *Collection[T, P]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// Len returns the working set size.
func (c *Collection[T, P]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Insert prepends the item and schedules persistence of the full record.
func (c *Collection[T, P]) Insert(item T) {
	c.mu.Lock()
	c.items = append([]T{item}, c.items...)
	c.mu.Unlock()

	c.pool.Submit(persistJob{
		userID: c.userID,
		op:     c.name + ".insert",
		fn: func(ctx context.Context) error {
			return c.store.Insert(ctx, c.userID, item)
		},
	})
}

// Patch merges the partial update into the matching item and schedules a
// persistence request carrying only the patch. It returns a copy of the
// merged item. When no item matches, nothing is persisted.
func (c *Collection[T, P]) Patch(id string, patch P) (T, bool) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		var zero T
		return zero, false
	}
	c.apply(&c.items[i], patch)
	merged := c.items[i]
	c.mu.Unlock()

	c.pool.Submit(persistJob{
		userID: c.userID,
		op:     c.name + ".update",
		fn: func(ctx context.Context) error {
			return c.store.Update(ctx, c.userID, id, patch)
		},
	})
	return merged, true
}

// PatchLocal merges the partial update without persisting anything. The
// board uses it for state that is deliberately session-only.
func (c *Collection[T, P]) PatchLocal(id string, patch P) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(id)
	if i < 0 {
		var zero T
		return zero, false
	}
	c.apply(&c.items[i], patch)
	return c.items[i], true
}

// Remove drops the item from memory and schedules a remote delete.
func (c *Collection[T, P]) Remove(id string) bool {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	c.mu.Unlock()

	c.pool.Submit(persistJob{
		userID: c.userID,
		op:     c.name + ".delete",
		fn: func(ctx context.Context) error {
			return c.store.Delete(ctx, c.userID, id)
		},
	})
	return true
}

// Reorder removes the item and reinserts it at the position the target item
// currently occupies (remove-and-reinsert). Ordering lives only in this
// session; nothing is persisted. Reordering onto itself or onto an unknown
// target leaves the set unchanged.
func (c *Collection[T, P]) Reorder(id, overID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.indexLocked(id)
	if from < 0 {
		return false
	}
	if id == overID {
		return true
	}
	to := c.indexLocked(overID)
	if to < 0 {
		return true
	}
	item := c.items[from]
	c.items = append(c.items[:from], c.items[from+1:]...)
	// Inserting at the unadjusted target index lands the item where the
	// target sat in the final ordering, matching drag-and-drop semantics.
	c.items = append(c.items[:to], append([]T{item}, c.items[to:]...)...)
	return true
}

func (c *Collection[T, P]) indexLocked(id string) int {
	for i := range c.items {
		if c.id(c.items[i]) == id {
			return i
		}
	}
	return -1
}
