package relay

import "sync"

// DeletedAgentMemory remembers recently removed agent ids so late status or
// stream frames from a gateway can be ignored instead of resurrecting the
// agent. Bounded FIFO: when full, the oldest remembered id is forgotten.
type DeletedAgentMemory struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]bool
}

const DefaultDeletedAgentCap = 256

func NewDeletedAgentMemory(capacity int) *DeletedAgentMemory {
	if capacity <= 0 {
		capacity = DefaultDeletedAgentCap
	}
	return &DeletedAgentMemory{
		cap: capacity,
		set: make(map[string]bool),
	}
}

// Mark records an id. Marking an already-remembered id is a no-op and does
// not refresh its position.
func (d *DeletedAgentMemory) Mark(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.set[agentID] {
		return
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.set, oldest)
	}
	d.order = append(d.order, agentID)
	d.set[agentID] = true
}

func (d *DeletedAgentMemory) Is(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set[agentID]
}

// Clear forgets an id, for an agent legitimately re-registered.
func (d *DeletedAgentMemory) Clear(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.set[agentID] {
		return
	}
	delete(d.set, agentID)
	for i, id := range d.order {
		if id == agentID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *DeletedAgentMemory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
