package relay

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hivechat/hivechat/pkg/protocol"
)

func TestPendingRequests_ResolveDeliversReply(t *testing.T) {
	p := NewPendingRequests(8, time.Second)
	defer p.Close()

	req, err := p.Add("req-1", "agent-1", "room-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !p.Resolve("req-1", protocol.AgentReply{RequestID: "req-1", Content: "done"}) {
		t.Fatal("Resolve returned false for live request")
	}

	reply, ok := <-req.Reply
	if !ok {
		t.Fatal("Reply closed without a value")
	}
	if reply.Content != "done" {
		t.Errorf("reply content = %q", reply.Content)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after resolve, want 0", p.Len())
	}
}

func TestPendingRequests_TimeoutClosesReply(t *testing.T) {
	p := NewPendingRequests(8, time.Second)
	defer p.Close()

	req, err := p.AddWithTimeout("req-1", "agent-1", "room-1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case _, ok := <-req.Reply:
		if ok {
			t.Fatal("got a reply, expected timeout close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	// A late reply must find nothing to resolve.
	if p.Resolve("req-1", protocol.AgentReply{RequestID: "req-1"}) {
		t.Error("Resolve succeeded after timeout")
	}
}

func TestPendingRequests_CapacityRejectsImmediately(t *testing.T) {
	p := NewPendingRequests(2, time.Second)
	defer p.Close()

	for i := 0; i < 2; i++ {
		if _, err := p.Add(fmt.Sprintf("req-%d", i), "agent", "room"); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	if _, err := p.Add("req-overflow", "agent", "room"); !errors.Is(err, ErrPendingCapacity) {
		t.Fatalf("Add at capacity = %v, want ErrPendingCapacity", err)
	}
	if p.Len() != 2 {
		t.Errorf("Len = %d, capacity overflow must not register", p.Len())
	}

	// Draining one slot makes room again.
	p.Cancel("req-0")
	if _, err := p.Add("req-2", "agent", "room"); err != nil {
		t.Errorf("Add after drain: %v", err)
	}
}

func TestPendingRequests_ResolveIsSingleShot(t *testing.T) {
	p := NewPendingRequests(8, time.Second)
	defer p.Close()

	if _, err := p.Add("req-1", "agent-1", "room-1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !p.Resolve("req-1", protocol.AgentReply{RequestID: "req-1"}) {
		t.Fatal("first Resolve failed")
	}
	if p.Resolve("req-1", protocol.AgentReply{RequestID: "req-1"}) {
		t.Error("second Resolve succeeded, must be single-shot")
	}
}

func TestPendingRequests_SweepDropsStaleEntries(t *testing.T) {
	p := NewPendingRequests(8, 50*time.Millisecond)
	defer p.Close()

	req, err := p.Add("req-1", "agent-1", "room-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	// Simulate a timer that never fired.
	req.timer.Stop()

	p.sweep(time.Now().Add(time.Second))
	if p.Len() != 0 {
		t.Errorf("Len = %d after sweep, want 0", p.Len())
	}
	if _, ok := <-req.Reply; ok {
		t.Error("swept entry delivered a reply")
	}
}
