package pg

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

// PGRoomStore implements store.RoomStore backed by Postgres.
type PGRoomStore struct {
	db *sql.DB
}

func NewPGRoomStore(db *sql.DB) *PGRoomStore {
	return &PGRoomStore{db: db}
}

func (s *PGRoomStore) CreateRoom(ctx context.Context, name string, mode store.RouteMode) (*store.Room, error) {
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
		`INSERT INTO rooms (id, name, mode, created_at) VALUES ($1, $2, $3, $4)`,
		room.ID, room.Name, string(room.Mode), room.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

func (s *PGRoomStore) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	room := &store.Room{}
	var mode string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, mode, created_at FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.Name, &mode, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select room: %w", err)
	}
	room.Mode = store.RouteMode(mode)
	return room, nil
}

func (s *PGRoomStore) ListRooms(ctx context.Context) ([]*store.Room, error) {
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
		if err := rows.Scan(&room.ID, &room.Name, &mode, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		room.Mode = store.RouteMode(mode)
		out = append(out, room)
	}
	return out, rows.Err()
}

func (s *PGRoomStore) AddMember(ctx context.Context, m *store.Member) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	keywords, err := json.Marshal(m.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO room_members (room_id, member_id, name, kind, agent_type, keywords, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (room_id, member_id) DO UPDATE
		 SET name = $3, kind = $4, agent_type = $5, keywords = $6`,
		m.RoomID, m.ID, m.Name, string(m.Kind), m.AgentType, keywords, m.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *PGRoomStore) RemoveMember(ctx context.Context, roomID, memberID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND member_id = $2`,
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

func (s *PGRoomStore) ListMembers(ctx context.Context, roomID string) ([]*store.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, member_id, name, kind, agent_type, keywords, joined_at
		 FROM room_members WHERE room_id = $1 ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []*store.Member
	for rows.Next() {
		m := &store.Member{}
		var kind string
		var keywords []byte
		if err := rows.Scan(&m.RoomID, &m.ID, &m.Name, &kind, &m.AgentType, &keywords, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Kind = store.MemberKind(kind)
		if len(keywords) > 0 {
			if err := json.Unmarshal(keywords, &m.Keywords); err != nil {
				return nil, fmt.Errorf("unmarshal keywords: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
