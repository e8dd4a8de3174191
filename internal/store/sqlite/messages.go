package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hivechat/hivechat/internal/store"
)

// MessageStore implements store.MessageStore on a local SQLite file.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Append(ctx context.Context, msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	mentions, err := json.Marshal(msg.Mentions)
	if err != nil {
		return fmt.Errorf("marshal mentions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_kind, content, mentions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.RoomID, msg.SenderID, string(msg.SenderKind), msg.Content, string(mentions), msg.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MessageStore) ListSince(ctx context.Context, roomID, cursor string, limit int) ([]*store.Message, string, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, room_id, sender_id, sender_kind, content, mentions, created_at
			 FROM messages WHERE room_id = ?
			 ORDER BY created_at, id LIMIT ?`, roomID, limit)
	} else {
		after, afterID, cerr := store.DecodeCursor(cursor)
		if cerr != nil {
			return nil, "", cerr
		}
		micros := after.UnixMicro()
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, room_id, sender_id, sender_kind, content, mentions, created_at
			 FROM messages WHERE room_id = ?
			   AND (created_at > ? OR (created_at = ? AND id > ?))
			 ORDER BY created_at, id LIMIT ?`, roomID, micros, micros, afterID, limit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *MessageStore) ListRecent(ctx context.Context, roomID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, sender_kind, content, mentions, created_at FROM (
			SELECT id, room_id, sender_id, sender_kind, content, mentions, created_at
			FROM messages WHERE room_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at, id`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()
	msgs, _, err := scanMessages(rows)
	return msgs, err
}

func scanMessages(rows *sql.Rows) ([]*store.Message, string, error) {
	var out []*store.Message
	for rows.Next() {
		msg := &store.Message{}
		var kind, mentions string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &kind, &msg.Content, &mentions, &createdAt); err != nil {
			return nil, "", fmt.Errorf("scan message: %w", err)
		}
		msg.SenderKind = store.MemberKind(kind)
		msg.CreatedAt = time.UnixMicro(createdAt).UTC()
		if mentions != "" {
			if err := json.Unmarshal([]byte(mentions), &msg.Mentions); err != nil {
				return nil, "", fmt.Errorf("unmarshal mentions: %w", err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > 0 {
		last := out[len(out)-1]
		next = store.EncodeCursor(last.CreatedAt, last.ID)
	}
	return out, next, nil
}
