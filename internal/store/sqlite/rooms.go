package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hivechat/hivechat/internal/store"
)

// RoomStore implements store.RoomStore on a local SQLite file.
type RoomStore struct {
	db *sql.DB
}

func NewRoomStore(db *sql.DB) *RoomStore {
	return &RoomStore{db: db}
}

func (s *RoomStore) CreateRoom(ctx context.Context, name string, mode store.RouteMode) (*store.Room, error) {
	if mode == "" {
		mode = store.RouteBroadcast
	}
	room := &store.Room{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, mode, created_at) VALUES (?, ?, ?, ?)`,
		room.ID, room.Name, string(room.Mode), room.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

func (s *RoomStore) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	room := &store.Room{}
	var mode string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, mode, created_at FROM rooms WHERE id = ?`, id,
	).Scan(&room.ID, &room.Name, &mode, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select room: %w", err)
	}
	room.Mode = store.RouteMode(mode)
	room.CreatedAt = time.UnixMicro(createdAt).UTC()
	return room, nil
}

func (s *RoomStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, mode, created_at FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []*store.Room
	for rows.Next() {
		room := &store.Room{}
		var mode string
		var createdAt int64
		if err := rows.Scan(&room.ID, &room.Name, &mode, &createdAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.Mode = store.RouteMode(mode)
		room.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, room)
	}
	return out, rows.Err()
}

func (s *RoomStore) AddMember(ctx context.Context, m *store.Member) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	keywords, err := json.Marshal(m.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, member_id, name, kind, agent_type, keywords, joined_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (room_id, member_id) DO UPDATE
		 SET name = excluded.name, kind = excluded.kind,
		     agent_type = excluded.agent_type, keywords = excluded.keywords`,
		m.RoomID, m.ID, m.Name, string(m.Kind), m.AgentType, string(keywords), m.JoinedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *RoomStore) RemoveMember(ctx context.Context, roomID, memberID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND member_id = ?`,
		roomID, memberID,
	)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RoomStore) ListMembers(ctx context.Context, roomID string) ([]*store.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, member_id, name, kind, agent_type, keywords, joined_at
		 FROM room_members WHERE room_id = ? ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []*store.Member
	for rows.Next() {
		m := &store.Member{}
		var kind, keywords string
		var joinedAt int64
		if err := rows.Scan(&m.RoomID, &m.ID, &m.Name, &kind, &m.AgentType, &keywords, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Kind = store.MemberKind(kind)
		m.JoinedAt = time.UnixMicro(joinedAt).UTC()
		if keywords != "" {
			if err := json.Unmarshal([]byte(keywords), &m.Keywords); err != nil {
				return nil, fmt.Errorf("unmarshal keywords: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
