package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivechat/hivechat/internal/store"
)

func openTestStores(t *testing.T) *store.Stores {
	t.Helper()
	stores, err := NewSQLiteStores(store.StoreConfig{
		SQLitePath: filepath.Join(t.TempDir(), "hivechat.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite stores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })
	return stores
}

func TestRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)

	room, err := stores.Rooms.CreateRoom(ctx, "backend", store.RouteBroadcast)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	got, err := stores.Rooms.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.Name != "backend" {
		t.Errorf("room name = %q, want %q", got.Name, "backend")
	}

	if _, err := stores.Rooms.GetRoom(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetRoom(missing) = %v, want ErrNotFound", err)
	}
}

func TestMembersUpsertAndRemove(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)

	room, err := stores.Rooms.CreateRoom(ctx, "ops", store.RouteBroadcast)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	m := &store.Member{
		ID:        "agent-1",
		RoomID:    room.ID,
		Name:      "deploy bot",
		Kind:      store.MemberAgent,
		AgentType: "claude",
		Keywords:  []string{"deploy", "infra"},
	}
	if err := stores.Rooms.AddMember(ctx, m); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	// Re-registering the same member updates metadata instead of failing.
	m.Keywords = []string{"deploy", "infra", "terraform"}
	if err := stores.Rooms.AddMember(ctx, m); err != nil {
		t.Fatalf("AddMember upsert: %v", err)
	}

	members, err := stores.Rooms.ListMembers(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("len(members) = %d, want 1", len(members))
	}
	if len(members[0].Keywords) != 3 {
		t.Errorf("keywords = %v, want the upserted set", members[0].Keywords)
	}

	if err := stores.Rooms.RemoveMember(ctx, room.ID, "agent-1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if err := stores.Rooms.RemoveMember(ctx, room.ID, "agent-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RemoveMember twice = %v, want ErrNotFound", err)
	}
}

func TestListSincePagesWithoutSkipOrRepeat(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)

	room, err := stores.Rooms.CreateRoom(ctx, "chat", store.RouteBroadcast)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	// Several messages share a timestamp; paging must fall back to id
	// order instead of skipping or repeating them.
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 10; i++ {
		msg := &store.Message{
			ID:         fmt.Sprintf("%02d", i),
			RoomID:     room.ID,
			SenderID:   "user-1",
			SenderKind: store.MemberHuman,
			Content:    fmt.Sprintf("message %d", i),
			CreatedAt:  base.Add(time.Duration(i/3) * time.Second),
		}
		if err := stores.Messages.Append(ctx, msg); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	var seen []string
	cursor := ""
	for {
		page, next, err := stores.Messages.ListSince(ctx, room.ID, cursor, 3)
		if err != nil {
			t.Fatalf("ListSince: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, msg := range page {
			seen = append(seen, msg.ID)
		}
		cursor = next
	}

	if len(seen) != 10 {
		t.Fatalf("paged %d messages, want 10: %v", len(seen), seen)
	}
	for i, id := range seen {
		if want := fmt.Sprintf("%02d", i); id != want {
			t.Errorf("seen[%d] = %q, want %q", i, id, want)
		}
	}
}

func TestListRecentReturnsNewestOldestFirst(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)

	room, err := stores.Rooms.CreateRoom(ctx, "chat", store.RouteBroadcast)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		msg := &store.Message{
			ID:        fmt.Sprintf("%02d", i),
			RoomID:    room.ID,
			SenderID:  "user-1",
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := stores.Messages.Append(ctx, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := stores.Messages.ListRecent(ctx, room.ID, 3)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	want := []string{"02", "03", "04"}
	if len(recent) != len(want) {
		t.Fatalf("len(recent) = %d, want %d", len(recent), len(want))
	}
	for i, msg := range recent {
		if msg.ID != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, msg.ID, want[i])
		}
	}
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	stores := openTestStores(t)

	room, err := stores.Rooms.CreateRoom(ctx, "chat", store.RouteBroadcast)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	msg := &store.Message{RoomID: room.ID, SenderID: "user-1", Content: "hi"}
	if err := stores.Messages.Append(ctx, msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if msg.ID == "" {
		t.Error("Append left ID empty")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("Append left CreatedAt zero")
	}
}
