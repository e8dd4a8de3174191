package relay

import (
	"log/slog"
	"sync"

	"github.com/hivechat/hivechat/pkg/protocol"
)

// ConnKind distinguishes client websockets from gateway websockets.
type ConnKind int

const (
	KindClient ConnKind = iota
	KindGateway
)

// frameWriter is the slice of a websocket connection the manager needs.
// Tests substitute in-memory fakes.
type frameWriter interface {
	WriteJSON(v any) error
	Close() error
}

// Conn is one authenticated websocket connection. Writes are serialized by
// the per-connection mutex; gorilla allows at most one concurrent writer.
type Conn struct {
	ID        string
	Kind      ConnKind
	UserID    string // set for client connections
	GatewayID string // set for gateway connections

	mu    sync.Mutex
	ws    frameWriter
	rooms map[string]bool
}

func newConn(id string, kind ConnKind, ws frameWriter) *Conn {
	return &Conn{ID: id, Kind: kind, ws: ws, rooms: make(map[string]bool)}
}

// Send writes one envelope. Safe for concurrent use.
func (c *Conn) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.Close()
}

// ConnManager tracks live connections and their room subscriptions. The
// subscription sets are a projection rebuilt on every (re)join; room
// membership truth lives in the store.
type ConnManager struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	logger *slog.Logger
}

func NewConnManager(logger *slog.Logger) *ConnManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnManager{
		conns:  make(map[string]*Conn),
		logger: logger,
	}
}

func (m *ConnManager) Add(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = c
}

// Remove drops a connection and reports whether its user still has another
// live connection. Presence flips offline only on the last one.
func (m *ConnManager) Remove(connID string) (userID string, stillOnline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return "", false
	}
	delete(m.conns, connID)
	if c.UserID == "" {
		return "", false
	}
	for _, other := range m.conns {
		if other.UserID == c.UserID {
			return c.UserID, true
		}
	}
	return c.UserID, false
}

func (m *ConnManager) Get(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// SetRooms replaces a connection's subscription set wholesale. Rejoining
// clients send their full room list, so replacement is the correct merge.
func (m *ConnManager) SetRooms(connID string, roomIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return
	}
	c.mu.Lock()
	c.rooms = make(map[string]bool, len(roomIDs))
	for _, id := range roomIDs {
		c.rooms[id] = true
	}
	c.mu.Unlock()
}

func (m *ConnManager) LeaveRoom(connID, roomID string) {
	m.mu.RLock()
	c, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// RoomConns snapshots the connections subscribed to a room.
func (m *ConnManager) RoomConns(roomID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Conn
	for _, c := range m.conns {
		c.mu.Lock()
		in := c.rooms[roomID]
		c.mu.Unlock()
		if in {
			out = append(out, c)
		}
	}
	return out
}

// BroadcastToRoom delivers env to every subscribed connection except the one
// named by exceptID. Delivery is best effort; a failed write is logged and
// never blocks the remaining recipients.
func (m *ConnManager) BroadcastToRoom(roomID string, env *protocol.Envelope, exceptID string) {
	for _, c := range m.RoomConns(roomID) {
		if c.ID == exceptID {
			continue
		}
		if err := c.Send(env); err != nil {
			m.logger.Warn("relay.broadcast.write_failed",
				"room_id", roomID, "conn_id", c.ID, "error", err)
		}
	}
}

// UserOnline reports whether any live connection belongs to userID.
func (m *ConnManager) UserOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// CloseAll tears down every connection, for shutdown.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
