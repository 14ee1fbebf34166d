package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; run again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestChatUpsertAndList(t *testing.T) {
	db := testDB(t)

	chat := &Chat{ChatID: "chat42", Kind: ChatGroup, Name: "Team", LastMessageAt: 1000, LastMessagePreview: "hello"}
	if err := db.UpsertChat(chat); err != nil {
		t.Fatal(err)
	}
	chat.Name = "Team Updated"
	if err := db.UpsertChat(chat); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(chats))
	}
	if chats[0].Name != "Team Updated" {
		t.Errorf("name = %q, want Team Updated", chats[0].Name)
	}
	if chats[0].Kind != ChatGroup {
		t.Errorf("kind = %q, want group", chats[0].Kind)
	}
}

func TestChatPointerNeverRewinds(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ChatID: "c1", LastMessageID: "m2", LastMessageAt: 2000, LastMessagePreview: "newer"}); err != nil {
		t.Fatal(err)
	}
	// A reconciliation page carrying an older snapshot.
	if err := db.UpsertChat(&Chat{ChatID: "c1", LastMessageID: "m1", LastMessageAt: 1000, LastMessagePreview: "older"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "newer" || c.LastMessageID != "m2" {
		t.Errorf("pointer rewound: %+v", c)
	}
}

func TestTouchChatUnreadBump(t *testing.T) {
	db := testDB(t)

	if err := db.TouchChatLastMessage("c1", "m1", 1000, "hi", true); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchChatLastMessage("c1", "m2", 2000, "again", true); err != nil {
		t.Fatal(err)
	}
	// A re-delivered event must not bump.
	if err := db.TouchChatLastMessage("c1", "m2", 2000, "again", false); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}
	if c.LastMessageID != "m2" {
		t.Errorf("last_message_id = %q, want m2", c.LastMessageID)
	}

	if err := db.MarkChatRead("c1"); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetChat("c1")
	if c.UnreadCount != 0 {
		t.Errorf("unread after mark read = %d, want 0", c.UnreadCount)
	}
}

func TestArchivedChatsHidden(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ChatID: "visible"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(&Chat{ChatID: "hidden", Archived: true}); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ChatID != "visible" {
		t.Errorf("got %v, want only visible", chats)
	}
}

func TestPinnedChatsFirst(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ChatID: "recent", LastMessageAt: 9000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(&Chat{ChatID: "pinned-old", Pinned: true, LastMessageAt: 1000}); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[0].ChatID != "pinned-old" {
		t.Errorf("pinned chat not first: %v", chats)
	}
}

func TestParticipantIdempotent(t *testing.T) {
	db := testDB(t)

	p := &Participant{ChatID: "c1", UserID: "u1", Role: RoleMember, JoinedAt: 1000}
	if err := db.UpsertParticipant(p); err != nil {
		t.Fatal(err)
	}
	p.Role = RoleAdmin
	if err := db.UpsertParticipant(p); err != nil {
		t.Fatal(err)
	}

	members, err := db.ListParticipants("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("got %d members, want 1", len(members))
	}
	if members[0].Role != RoleAdmin {
		t.Errorf("role = %q, want admin", members[0].Role)
	}

	if err := db.DeleteParticipant("c1", "u1"); err != nil {
		t.Fatal(err)
	}
	// Deleting again is a no-op, absence means "not a member".
	if err := db.DeleteParticipant("c1", "u1"); err != nil {
		t.Fatal(err)
	}
	members, _ = db.ListParticipants("c1")
	if len(members) != 0 {
		t.Errorf("got %d members after delete, want 0", len(members))
	}
}

func TestReplaceParticipants(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertParticipant(&Participant{ChatID: "c1", UserID: "old"}); err != nil {
		t.Fatal(err)
	}
	err := db.ReplaceParticipants("c1", []Participant{
		{UserID: "u1", Role: RoleAdmin},
		{UserID: "u2"},
	})
	if err != nil {
		t.Fatal(err)
	}

	members, err := db.ListParticipants("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	for _, m := range members {
		if m.UserID == "old" {
			t.Error("stale member survived replace")
		}
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	now := time.Now().UnixMilli()

	if err := db.QueueOutbox(&OutboxEntry{ClientID: "c1", ChatID: "chat42", Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox(5, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientID != "c1" {
		t.Fatalf("pending = %v, want one entry c1", pending)
	}

	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox(5, now)
	if len(pending) != 0 {
		t.Errorf("sending entry still pending")
	}

	if err := db.RequeueOutbox("c1", "timeout"); err != nil {
		t.Fatal(err)
	}
	entry, err := db.OutboxEntryByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Attempts != 1 || entry.LastError != "timeout" {
		t.Errorf("entry = %+v, want attempts=1 last_error=timeout", entry)
	}

	if err := db.MarkOutboxSent("c1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox(5, now)
	if len(pending) != 0 {
		t.Errorf("sent entry still pending")
	}
}

func TestOutboxAttemptCap(t *testing.T) {
	db := testDB(t)
	now := time.Now().UnixMilli()

	if err := db.QueueOutbox(&OutboxEntry{ClientID: "c1", ChatID: "chat42", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := db.MarkOutboxSending("c1"); err != nil {
			t.Fatal(err)
		}
		if err := db.RequeueOutbox("c1", "fail"); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := db.PendingOutbox(3, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("exhausted entry still eligible: %v", pending)
	}
	// Uncapped view still sees it.
	pending, _ = db.PendingOutbox(0, now)
	if len(pending) != 1 {
		t.Errorf("uncapped pending = %d, want 1", len(pending))
	}
}

func TestOutboxScheduledHeldBack(t *testing.T) {
	db := testDB(t)
	now := time.Now().UnixMilli()

	if err := db.QueueOutbox(&OutboxEntry{ClientID: "c1", ChatID: "chat42", Body: "later", ScheduledAt: now + 60_000}); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox(5, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("future scheduled entry eligible too early")
	}
	pending, _ = db.PendingOutbox(5, now+120_000)
	if len(pending) != 1 {
		t.Errorf("due scheduled entry not eligible")
	}
}

func TestRequeueStaleSending(t *testing.T) {
	db := testDB(t)
	now := time.Now().UnixMilli()

	if err := db.QueueOutbox(&OutboxEntry{ClientID: "c1", ChatID: "chat42", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}

	n, err := db.RequeueStaleSending(now + 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
	pending, _ := db.PendingOutbox(5, now)
	if len(pending) != 1 {
		t.Errorf("stale entry not back in queue")
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertMessage(&Message{ClientID: "m1", ChatID: "c1", Body: "hello world", CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertMessage(&Message{ClientID: "m2", ChatID: "c1", Body: "goodbye world", CreatedAt: 2000}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.ClientID != "m1" {
		t.Errorf("client_id = %q, want m1", results[0].Message.ClientID)
	}
}

func TestSearchSkipsDeleted(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertMessage(&Message{ClientID: "m1", ChatID: "c1", Body: "secret plans", CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SoftDeleteMessage("m1", false); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("secret", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("deleted message surfaced in search")
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	v, err := db.GetSyncState(WatermarkKey)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("unset watermark = %q, want empty", v)
	}

	if err := db.SetSyncState(WatermarkKey, "2026-08-29T10:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState(WatermarkKey, "2026-08-29T11:00:00Z"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.GetSyncState(WatermarkKey)
	if v != "2026-08-29T11:00:00Z" {
		t.Errorf("watermark = %q", v)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ChatID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertMessage(&Message{ClientID: "m1", ChatID: "c1", Body: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertParticipant(&Participant{ChatID: "c1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(&OutboxEntry{ClientID: "m1", ChatID: "c1", Body: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteChat("c1"); err != nil {
		t.Fatal(err)
	}

	if c, _ := db.GetChat("c1"); c != nil {
		t.Error("chat survived teardown")
	}
	msgs, _ := db.ListMessages("c1", 0, 10)
	if len(msgs) != 0 {
		t.Error("messages survived teardown")
	}
	members, _ := db.ListParticipants("c1")
	if len(members) != 0 {
		t.Error("participants survived teardown")
	}
}
