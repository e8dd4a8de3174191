package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/hivechat/hivechat/pkg/protocol"
)

// fakeWS records written envelopes; fail makes every write error.
type fakeWS struct {
	mu     sync.Mutex
	frames []*protocol.Envelope
	fail   bool
	closed bool
}

func (f *fakeWS) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("write failed")
	}
	if env, ok := v.(*protocol.Envelope); ok {
		f.frames = append(f.frames, env)
	}
	return nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func addConn(m *ConnManager, id string, kind ConnKind, userID string, rooms ...string) (*Conn, *fakeWS) {
	ws := &fakeWS{}
	c := newConn(id, kind, ws)
	c.UserID = userID
	m.Add(c)
	m.SetRooms(id, rooms)
	return c, ws
}

func TestBroadcastToRoom_DeliversToSubscribersOnly(t *testing.T) {
	m := NewConnManager(nil)
	_, wsA := addConn(m, "a", KindClient, "user-a", "room-1")
	_, wsB := addConn(m, "b", KindClient, "user-b", "room-1", "room-2")
	_, wsC := addConn(m, "c", KindClient, "user-c", "room-2")

	env, _ := protocol.NewEnvelope(protocol.TypeRoomMessage, protocol.StoredMessage{Content: "hi"})
	m.BroadcastToRoom("room-1", env, "")

	if wsA.count() != 1 || wsB.count() != 1 {
		t.Errorf("subscribers got %d/%d frames, want 1/1", wsA.count(), wsB.count())
	}
	if wsC.count() != 0 {
		t.Errorf("non-subscriber got %d frames", wsC.count())
	}
}

func TestBroadcastToRoom_ExcludesSender(t *testing.T) {
	m := NewConnManager(nil)
	_, wsA := addConn(m, "a", KindClient, "user-a", "room-1")
	_, wsB := addConn(m, "b", KindClient, "user-b", "room-1")

	env, _ := protocol.NewEnvelope(protocol.TypeRoomMessage, protocol.StoredMessage{})
	m.BroadcastToRoom("room-1", env, "a")

	if wsA.count() != 0 {
		t.Error("sender received its own broadcast")
	}
	if wsB.count() != 1 {
		t.Errorf("other subscriber got %d frames, want 1", wsB.count())
	}
}

func TestBroadcastToRoom_OneFailureDoesNotBlockOthers(t *testing.T) {
	m := NewConnManager(nil)
	_, wsBad := addConn(m, "bad", KindClient, "user-bad", "room-1")
	wsBad.fail = true
	_, wsOK := addConn(m, "ok", KindClient, "user-ok", "room-1")

	env, _ := protocol.NewEnvelope(protocol.TypeRoomMessage, protocol.StoredMessage{})
	m.BroadcastToRoom("room-1", env, "")

	if wsOK.count() != 1 {
		t.Errorf("healthy subscriber got %d frames, want 1", wsOK.count())
	}
}

func TestRemove_PresenceFlipsOnLastConnection(t *testing.T) {
	m := NewConnManager(nil)
	addConn(m, "laptop", KindClient, "dana")
	addConn(m, "phone", KindClient, "dana")

	userID, stillOnline := m.Remove("laptop")
	if userID != "dana" || !stillOnline {
		t.Errorf("Remove(laptop) = (%q, %v), want (dana, true)", userID, stillOnline)
	}
	userID, stillOnline = m.Remove("phone")
	if userID != "dana" || stillOnline {
		t.Errorf("Remove(phone) = (%q, %v), want (dana, false)", userID, stillOnline)
	}
	if m.UserOnline("dana") {
		t.Error("UserOnline after all connections removed")
	}
}

func TestSetRooms_ReplacesSubscriptions(t *testing.T) {
	m := NewConnManager(nil)
	addConn(m, "a", KindClient, "user-a", "room-1", "room-2")

	m.SetRooms("a", []string{"room-2", "room-3"})

	env, _ := protocol.NewEnvelope(protocol.TypeRoomMessage, protocol.StoredMessage{})
	if conns := m.RoomConns("room-1"); len(conns) != 0 {
		t.Errorf("room-1 still has %d conns after replace", len(conns))
	}
	m.BroadcastToRoom("room-3", env, "")
	c, _ := m.Get("a")
	cws := c.ws.(*fakeWS)
	if cws.count() != 1 {
		t.Errorf("new subscription not live, got %d frames", cws.count())
	}
}

func TestLeaveRoom(t *testing.T) {
	m := NewConnManager(nil)
	addConn(m, "a", KindClient, "user-a", "room-1", "room-2")

	m.LeaveRoom("a", "room-1")
	if conns := m.RoomConns("room-1"); len(conns) != 0 {
		t.Errorf("room-1 has %d conns after leave", len(conns))
	}
	if conns := m.RoomConns("room-2"); len(conns) != 1 {
		t.Errorf("room-2 has %d conns, want 1", len(conns))
	}
}

func TestGet(t *testing.T) {
	m := NewConnManager(nil)
	gw := newConn("g", KindGateway, &fakeWS{})
	gw.GatewayID = "gw-1"
	m.Add(gw)
	addConn(m, "a", KindClient, "user-a")

	got, ok := m.Get("g")
	if !ok || got.GatewayID != "gw-1" {
		t.Errorf("Get(g) = (%v, %v)", got, ok)
	}
	if _, ok := m.Get("never-connected"); ok {
		t.Error("found a connection that never existed")
	}
}
