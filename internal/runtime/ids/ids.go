package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// It is used as the Watermill message UUID of every outbound wire message.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// Allocator hands out stable small integer ids for object instances. Keys are
// compared by identity, so callers must pass pointers. Ids start at 1; an id is
// only handed out again after Release and once the counter wrapped around.
type Allocator struct {
	mu   sync.Mutex
	next uint16
	ids  map[any]uint16
	refs map[uint16]any
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		ids:  make(map[any]uint16),
		refs: make(map[uint16]any),
	}
}

// ID returns the id of instance, assigning the next free one on first use.
func (a *Allocator) ID(instance any) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.ids[instance]; ok {
		return id
	}
	if len(a.refs) == int(^uint16(0)) {
		panic("ella: id space exhausted")
	}
	for {
		a.next++
		if _, used := a.refs[a.next]; a.next != 0 && !used {
			break
		}
	}
	a.ids[instance] = a.next
	a.refs[a.next] = instance
	return a.next
}

// Lookup returns the id of instance without assigning one.
func (a *Allocator) Lookup(instance any) (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.ids[instance]
	return id, ok
}

// Instance resolves an id back to the instance it was assigned to.
func (a *Allocator) Instance(id uint16) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	instance, ok := a.refs[id]
	return instance, ok
}

// Release forgets instance so its id can eventually be reused.
func (a *Allocator) Release(instance any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.ids[instance]; ok {
		delete(a.ids, instance)
		delete(a.refs, id)
	}
}
