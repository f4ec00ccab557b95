package wrpc_async

import (
	"errors"
	"fmt"
)

var ErrStaleHandle = errors.New("rpc: handle already removed from registry")

// handleKey addresses a slot in the registry. The generation changes every
// time a slot is reused, so a key that was removed once never matches again.
type handleKey struct {
	index uint32
	gen   uint32
}

func (k handleKey) String() string {
	return fmt.Sprintf("%d/%d", k.index, k.gen)
}

type slot struct {
	gen  uint32
	call *call
}

// registry holds every live call. It is owned by the event loop goroutine
// and is not safe for concurrent use.
type registry struct {
	slots []slot
	free  []uint32
	size  int
}

func newRegistry() *registry {
	return &registry{}
}

func (r *registry) insert(c *call) handleKey {
	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{gen: 1})
		index = uint32(len(r.slots) - 1)
	}
	s := &r.slots[index]
	s.call = c
	r.size++
	key := handleKey{index: index, gen: s.gen}
	c.key = key
	return key
}

// remove frees the slot of key. Removing the same key twice is a bug in the
// caller and reported as ErrStaleHandle.
func (r *registry) remove(key handleKey) (*call, error) {
	if int(key.index) >= len(r.slots) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, key)
	}
	s := &r.slots[key.index]
	if s.gen != key.gen || s.call == nil {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, key)
	}
	c := s.call
	s.call = nil
	s.gen++
	r.free = append(r.free, key.index)
	r.size--
	return c, nil
}

func (r *registry) get(key handleKey) (*call, bool) {
	if int(key.index) >= len(r.slots) {
		return nil, false
	}
	s := r.slots[key.index]
	if s.gen != key.gen || s.call == nil {
		return nil, false
	}
	return s.call, true
}

func (r *registry) len() int {
	return r.size
}

// each visits live calls in slot order. fn must not insert or remove.
func (r *registry) each(fn func(c *call)) {
	for i := range r.slots {
		if c := r.slots[i].call; c != nil {
			fn(c)
		}
	}
}

// snapshot returns the live calls, safe to mutate the registry while
// iterating the result.
func (r *registry) snapshot() []*call {
	calls := make([]*call, 0, r.size)
	r.each(func(c *call) {
		calls = append(calls, c)
	})
	return calls
}
