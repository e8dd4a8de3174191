package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a room, member, or message does not exist.
var ErrNotFound = errors.New("store: not found")

// MemberKind distinguishes human participants from agent participants.
type MemberKind string

const (
	MemberHuman MemberKind = "human"
	MemberAgent MemberKind = "agent"
)

// RouteMode is a room's persisted routing mode.
type RouteMode string

const (
	RouteBroadcast RouteMode = "broadcast"
	RouteDirect    RouteMode = "direct"
)

// Room is a shared conversation space.
type Room struct {
	ID        string
	Name      string
	Mode      RouteMode
	CreatedAt time.Time
}

// Member is a participant in a room. Agent members carry the metadata the
// router scores against; human members leave AgentType and Keywords empty.
type Member struct {
	ID        string
	RoomID    string
	Name      string
	Kind      MemberKind
	AgentType string
	Keywords  []string
	JoinedAt  time.Time
}

// Message is one stored chat message.
type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderKind MemberKind
	Content    string
	Mentions   []string
	CreatedAt  time.Time
}

// RoomStore manages rooms and their membership.
type RoomStore interface {
	CreateRoom(ctx context.Context, name string, mode RouteMode) (*Room, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
	ListRooms(ctx context.Context) ([]*Room, error)
	AddMember(ctx context.Context, m *Member) error
	RemoveMember(ctx context.Context, roomID, memberID string) error
	ListMembers(ctx context.Context, roomID string) ([]*Member, error)
}

// MessageStore persists room messages and serves catch-up queries.
type MessageStore interface {
	// Append stores msg, assigning ID and CreatedAt when unset.
	Append(ctx context.Context, msg *Message) error
	// ListSince returns up to limit messages in roomID strictly after the
	// cursor, oldest first, plus the cursor of the last returned message.
	// An empty cursor starts from the beginning of the room.
	ListSince(ctx context.Context, roomID, cursor string, limit int) ([]*Message, string, error)
	// ListRecent returns the newest limit messages, oldest first.
	ListRecent(ctx context.Context, roomID string, limit int) ([]*Message, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Rooms    RoomStore
	Messages MessageStore

	closer func() error
}

// NewStores wraps backends with an optional close hook for the owning DB.
func NewStores(rooms RoomStore, messages MessageStore, closer func() error) *Stores {
	return &Stores{Rooms: rooms, Messages: messages, closer: closer}
}

func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	PostgresDSN string
	SQLitePath  string
}

// Cursor is an opaque resume position in a room's message history. It
// totally orders messages by (created_at, id) so paging never skips or
// repeats a message even when timestamps collide.
func EncodeCursor(createdAt time.Time, id string) string {
	return strconv.FormatInt(createdAt.UnixMicro(), 10) + ":" + id
}

// DecodeCursor splits a cursor back into its ordering components.
func DecodeCursor(cursor string) (time.Time, string, error) {
	micros, id, ok := strings.Cut(cursor, ":")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	n, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return time.UnixMicro(n).UTC(), id, nil
}
