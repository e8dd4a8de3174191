// Package protocol defines the wire frames exchanged between browser clients,
// gateway hosts, and the relay. Every frame is an Envelope with an explicit
// type discriminator; the set of types is closed and unknown discriminators
// are rejected rather than ignored.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is bumped on any incompatible frame change.
const ProtocolVersion = 3

// Envelope wraps every frame on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"ts,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Client → relay frame types.
const (
	TypeAuth      = "auth"
	TypeJoinRooms = "rooms.join"
	TypeLeaveRoom = "rooms.leave"
	TypeChatSend  = "chat.send"
	TypeSyncSince = "chat.sync"
	TypePing      = "ping"
)

// Gateway → relay frame types.
const (
	TypeRegisterAgents = "agents.register"
	TypeAgentStatus    = "agent.status"
	TypeStreamChunk    = "stream.chunk"
	TypeStreamDone     = "stream.done"
	TypeStreamError    = "stream.error"
	TypeAgentReply     = "agent.reply"
	TypeAgentSend      = "agent.send"
	TypeListMembers    = "room.members"
)

// Relay → gateway response frame types.
const (
	TypeMemberList = "room.members.list"
)

// Relay → gateway frame types.
const (
	TypeAgentMessage = "agent.message"
	TypeAgentRequest = "agent.request"
	TypeAgentStop    = "agent.stop"
)

// Relay → client frame types.
const (
	TypeAuthAck     = "auth.ack"
	TypeRoomMessage = "room.message"
	TypeRoomEvent   = "room.event"
	TypePresence    = "presence"
	TypeSyncBatch   = "chat.sync.batch"
	TypeError       = "error"
	TypePong        = "pong"
)

// AuthFrame must be the first frame on every new connection.
type AuthFrame struct {
	Token     string `json:"token"`
	Kind      string `json:"kind"` // "client" or "gateway"
	UserID    string `json:"user_id,omitempty"`
	GatewayID string `json:"gateway_id,omitempty"`
	Protocol  int    `json:"protocol"`
}

// AuthAck acknowledges (or rejects) an AuthFrame.
type AuthAck struct {
	OK       bool   `json:"ok"`
	ConnID   string `json:"conn_id,omitempty"`
	Error    string `json:"error,omitempty"`
	Protocol int    `json:"protocol"`
}

// JoinRooms subscribes the connection to a set of rooms. On reconnect a
// client sends its entire previously-joined room list, not just the room
// currently in view.
type JoinRooms struct {
	RoomIDs []string `json:"room_ids"`
}

// LeaveRoom drops one room subscription.
type LeaveRoom struct {
	RoomID string `json:"room_id"`
}

// ChatSend carries a user message into a room.
type ChatSend struct {
	RoomID    string   `json:"room_id"`
	MessageID string   `json:"message_id"`
	Content   string   `json:"content"`
	Mentions  []string `json:"mentions,omitempty"` // explicit @mention agent ids
}

// SyncSince asks for messages in a room after a cursor, so a reconnecting
// client can resynchronize without full history replay.
type SyncSince struct {
	RoomID string `json:"room_id"`
	Cursor string `json:"cursor"` // last seen message id, empty = recent tail
	Limit  int    `json:"limit,omitempty"`
}

// SyncBatch returns the messages after a cursor.
type SyncBatch struct {
	RoomID   string          `json:"room_id"`
	Messages []StoredMessage `json:"messages"`
	Cursor   string          `json:"cursor"`
}

// StoredMessage is the relay→client projection of a persisted message.
type StoredMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	AuthorID   string    `json:"author_id"`
	AuthorRole string    `json:"author_role"` // "user" or "agent"
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// AgentInfo describes one agent owned by a gateway.
type AgentInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Keywords   []string `json:"keywords,omitempty"` // capability keywords for routing
}

// RegisterAgents is sent by a gateway after auth (and again on reconnect)
// to declare the agents it owns.
type RegisterAgents struct {
	Agents []AgentInfo `json:"agents"`
}

// Agent status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
	StatusError   = "error"
)

// AgentStatus pushes an agent status change.
type AgentStatus struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// StreamChunk is one incremental unit of agent output. Seq is monotonic
// per (room, agent).
type StreamChunk struct {
	RoomID  string `json:"room_id"`
	AgentID string `json:"agent_id"`
	Seq     int64  `json:"seq"`
	Kind    string `json:"kind"` // "text", "thinking", "tool_use", "tool_result", "error"
	Content string `json:"content"`
}

// StreamDone terminates a stream successfully.
type StreamDone struct {
	RoomID  string `json:"room_id"`
	AgentID string `json:"agent_id"`
	Seq     int64  `json:"seq"`
}

// StreamError terminates a stream with a user-visible failure reason.
type StreamError struct {
	RoomID  string `json:"room_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// AgentMessage is a routed message delivered to a gateway for one of its
// agents to process.
type AgentMessage struct {
	RoomID   string `json:"room_id"`
	AgentID  string `json:"agent_id"`
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

// AgentRequest is an agent-to-agent request awaiting a reply.
type AgentRequest struct {
	RequestID string `json:"request_id"`
	RoomID    string `json:"room_id"`
	AgentID   string `json:"agent_id"` // target
	FromAgent string `json:"from_agent"`
	Content   string `json:"content"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// AgentReply resolves an AgentRequest.
type AgentReply struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	Error     string `json:"error,omitempty"`
}

// AgentSend is a deliberate (non-streamed) agent message into a room, used
// by gateway-local tools through the IPC bridge.
type AgentSend struct {
	RoomID  string `json:"room_id"`
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

// ListMembersReq asks for a room's member list.
type ListMembersReq struct {
	RoomID string `json:"room_id"`
}

// MemberInfo is one entry in a MemberList.
type MemberInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"` // "human" or "agent"
	AgentType string `json:"agent_type,omitempty"`
	Status    string `json:"status,omitempty"` // agents only
}

// MemberList answers a ListMembersReq.
type MemberList struct {
	RoomID  string       `json:"room_id"`
	Members []MemberInfo `json:"members"`
}

// PresenceFrame reports a user going online or offline.
type PresenceFrame struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// RoomEvent carries room-scoped lifecycle notifications (agent joined,
// agent removed, stream started).
type RoomEvent struct {
	RoomID  string `json:"room_id"`
	Event   string `json:"event"`
	AgentID string `json:"agent_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// ErrorFrame reports a connection-scoped failure to the peer.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
}

// Error codes used in ErrorFrame.Code.
const (
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeBadFrame      = "bad_frame"
	ErrCodeUnknownType   = "unknown_type"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeRoomNotFound  = "room_not_found"
	ErrCodeNotMember     = "not_a_member"
	ErrCodeCapacity      = "capacity"
	ErrCodeTooLarge      = "too_large"
)

// NewEnvelope builds an envelope with the payload marshaled in place.
func NewEnvelope(frameType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", frameType, err)
	}
	return &Envelope{Type: frameType, Timestamp: time.Now().UTC(), Payload: raw}, nil
}

// clientFrameTypes is the closed set a client connection may send.
var clientFrameTypes = map[string]bool{
	TypeAuth: true, TypeJoinRooms: true, TypeLeaveRoom: true,
	TypeChatSend: true, TypeSyncSince: true, TypePing: true,
}

// gatewayFrameTypes is the closed set a gateway connection may send.
var gatewayFrameTypes = map[string]bool{
	TypeAuth: true, TypeRegisterAgents: true, TypeAgentStatus: true,
	TypeStreamChunk: true, TypeStreamDone: true, TypeStreamError: true,
	TypeAgentReply: true, TypeAgentRequest: true, TypePing: true,
	TypeAgentSend: true, TypeListMembers: true, TypeSyncSince: true,
}

// ValidClientFrame reports whether a frame type is one a client may send.
func ValidClientFrame(frameType string) bool { return clientFrameTypes[frameType] }

// ValidGatewayFrame reports whether a frame type is one a gateway may send.
func ValidGatewayFrame(frameType string) bool { return gatewayFrameTypes[frameType] }
