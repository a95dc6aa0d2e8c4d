package manager

import (
	"fmt"

	"github.com/entrhq/pagebrowse/pkg/engine"
	"github.com/entrhq/pagebrowse/pkg/protocol"
)

// slot is one engine window in the pool.
type slot struct {
	index  int
	handle engine.Handle

	assigned bool
	windowID uint32

	// pending holds responses owed when a page load event arrives.
	pending map[pendingKey][]protocol.Response
}

// Pool tracks which client window id leases which slot and which NewWindow
// requests are waiting. It is owned by a single goroutine and is not safe
// for concurrent use.
type Pool struct {
	slots        []*slot
	assignments  map[uint32]int
	nextWindowID uint32
	waiting      []uint32
}

// Grant is a deferred NewWindow answered by a release.
type Grant struct {
	MessageID uint32
	WindowID  uint32
}

// NewPool creates a pool over already-created engine windows, one slot per
// handle in order.
func NewPool(handles []engine.Handle) *Pool {
	p := &Pool{
		slots:       make([]*slot, len(handles)),
		assignments: make(map[uint32]int),
	}
	for i, h := range handles {
		p.slots[i] = &slot{
			index:   i,
			handle:  h,
			pending: make(map[pendingKey][]protocol.Response),
		}
	}
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Acquire leases the lowest-indexed free slot. When every slot is leased
// the request is queued behind earlier waiters and ok is false.
func (p *Pool) Acquire(messageID uint32) (windowID uint32, ok bool) {
	for _, s := range p.slots {
		if !s.assigned {
			return p.assign(s), true
		}
	}
	p.waiting = append(p.waiting, messageID)
	return 0, false
}

// Release ends the lease of windowID and drops its pending completions. If
// a request is waiting, the freed slot is granted to it under a new window
// id.
func (p *Pool) Release(windowID uint32) (*Grant, error) {
	s, ok := p.lookup(windowID)
	if !ok {
		return nil, fmt.Errorf("no window with id %d", windowID)
	}

	delete(p.assignments, windowID)
	s.assigned = false
	s.windowID = 0
	clear(s.pending)

	if len(p.waiting) == 0 {
		return nil, nil
	}
	messageID := p.waiting[0]
	p.waiting = p.waiting[1:]
	return &Grant{MessageID: messageID, WindowID: p.assign(s)}, nil
}

// lookup resolves a leased window id to its slot.
func (p *Pool) lookup(windowID uint32) (*slot, bool) {
	index, ok := p.assignments[windowID]
	if !ok {
		return nil, false
	}
	return p.slots[index], true
}

// slotAt returns the slot with the given index.
func (p *Pool) slotAt(index int) (*slot, bool) {
	if index < 0 || index >= len(p.slots) {
		return nil, false
	}
	return p.slots[index], true
}

// Waiting returns the message ids of queued NewWindow requests in order.
func (p *Pool) Waiting() []uint32 {
	return append([]uint32(nil), p.waiting...)
}

// Assigned returns the number of leased slots.
func (p *Pool) Assigned() int {
	return len(p.assignments)
}

func (p *Pool) assign(s *slot) uint32 {
	id := p.nextWindowID
	p.nextWindowID++

	s.assigned = true
	s.windowID = id
	p.assignments[id] = s.index
	return id
}

// tilePosition places window ids on a 4x4 grid of half-1080p cells.
func tilePosition(windowID uint32) (x, y int) {
	x = int(windowID%4) * 1920 / 2
	y = int((windowID/4)%4) * 1080 / 2
	return x, y
}
