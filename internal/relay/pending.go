package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/hivechat/hivechat/pkg/protocol"
)

var (
	// ErrPendingCapacity means the in-flight request table is full. The
	// request is rejected immediately, never queued.
	ErrPendingCapacity = errors.New("relay: too many in-flight agent requests")
)

// PendingRequest is one awaited agent reply. Reply yields exactly one value
// and is closed on timeout, so a receive distinguishes the two outcomes.
type PendingRequest struct {
	ID      string
	AgentID string
	RoomID  string
	Created time.Time
	Reply   chan protocol.AgentReply

	timer *time.Timer
}

// PendingRequests is a capacity-bounded table of requests awaiting an agent
// reply. Each entry owns a timeout timer; resolution and timeout race, and
// whichever clears the entry first wins.
type PendingRequests struct {
	mu      sync.Mutex
	max     int
	timeout time.Duration
	entries map[string]*PendingRequest

	sweepStop chan struct{}
	stopOnce  sync.Once
}

func NewPendingRequests(max int, timeout time.Duration) *PendingRequests {
	if max <= 0 {
		max = 128
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &PendingRequests{
		max:       max,
		timeout:   timeout,
		entries:   make(map[string]*PendingRequest),
		sweepStop: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Add registers a request and arms its timeout. At capacity it returns
// ErrPendingCapacity without registering anything.
func (p *PendingRequests) Add(id, agentID, roomID string) (*PendingRequest, error) {
	return p.add(id, agentID, roomID, p.timeout)
}

// AddWithTimeout is Add with a per-request deadline, bounded by the nominal
// timeout so a caller cannot park an entry past the sweeper's horizon.
func (p *PendingRequests) AddWithTimeout(id, agentID, roomID string, timeout time.Duration) (*PendingRequest, error) {
	if timeout <= 0 || timeout > p.timeout {
		timeout = p.timeout
	}
	return p.add(id, agentID, roomID, timeout)
}

func (p *PendingRequests) add(id, agentID, roomID string, timeout time.Duration) (*PendingRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) >= p.max {
		return nil, ErrPendingCapacity
	}
	req := &PendingRequest{
		ID:      id,
		AgentID: agentID,
		RoomID:  roomID,
		Created: time.Now(),
		Reply:   make(chan protocol.AgentReply, 1),
	}
	req.timer = time.AfterFunc(timeout, func() {
		if e := p.clear(id); e != nil {
			close(e.Reply)
		}
	})
	p.entries[id] = req
	return req, nil
}

// Resolve delivers a reply to the waiting caller. It reports false when the
// request already timed out or was never registered.
func (p *PendingRequests) Resolve(id string, reply protocol.AgentReply) bool {
	e := p.clear(id)
	if e == nil {
		return false
	}
	e.Reply <- reply
	close(e.Reply)
	return true
}

// Cancel drops a request without delivering anything, closing Reply so a
// waiter unblocks.
func (p *PendingRequests) Cancel(id string) {
	if e := p.clear(id); e != nil {
		close(e.Reply)
	}
}

// clear removes and returns an entry exactly once; subsequent calls for the
// same id return nil. The stopped timer makes the timeout path a no-op if
// resolution won the race.
func (p *PendingRequests) clear(id string) *PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil
	}
	delete(p.entries, id)
	e.timer.Stop()
	return e
}

func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// sweepLoop is a backstop for timers that never fired (clock weirdness,
// runaway per-request deadlines): anything older than twice the nominal
// timeout is dropped.
func (p *PendingRequests) sweepLoop() {
	ticker := time.NewTicker(p.timeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

func (p *PendingRequests) sweep(now time.Time) {
	cutoff := now.Add(-2 * p.timeout)
	p.mu.Lock()
	var stale []*PendingRequest
	for id, e := range p.entries {
		if e.Created.Before(cutoff) {
			delete(p.entries, id)
			e.timer.Stop()
			stale = append(stale, e)
		}
	}
	p.mu.Unlock()
	for _, e := range stale {
		close(e.Reply)
	}
}

func (p *PendingRequests) Close() {
	p.stopOnce.Do(func() { close(p.sweepStop) })
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*PendingRequest)
	p.mu.Unlock()
	for _, e := range entries {
		e.timer.Stop()
		close(e.Reply)
	}
}
