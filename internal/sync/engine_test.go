package sync

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/chirp-im/chirp/internal/bus"
	"github.com/chirp-im/chirp/internal/store"
	"github.com/chirp-im/chirp/internal/transport"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testEngine(t *testing.T) (*Engine, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	return NewEngine(db, b, NewPresence(), zap.NewNop()), db, b
}

func frame(t *testing.T, kind string, payload any) transport.Frame {
	t.Helper()
	f, err := transport.NewFrame(kind, payload)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestInboundMessageIdempotent(t *testing.T) {
	e, db, _ := testEngine(t)

	msg := MessagePayload{
		ClientID:  "c1",
		ServerID:  "m99",
		ChatID:    "chat42",
		SenderID:  "alice",
		Kind:      store.KindText,
		Body:      "hello",
		Timestamp: 1000,
	}
	for i := 0; i < 3; i++ {
		if err := e.Apply(frame(t, transport.FrameNewMessage, msg)); err != nil {
			t.Fatal(err)
		}
	}

	stored, err := db.GetMessageByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil {
		t.Fatal("message not stored")
	}
	if stored.ServerID != "m99" || stored.Status != store.StatusSent {
		t.Errorf("got server_id=%q status=%q", stored.ServerID, stored.Status)
	}

	// Re-delivery must not double-count unread.
	chat, err := db.GetChat("chat42")
	if err != nil {
		t.Fatal(err)
	}
	if chat.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", chat.UnreadCount)
	}
	if chat.LastMessagePreview != "hello" {
		t.Errorf("preview = %q", chat.LastMessagePreview)
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	e, db, _ := testEngine(t)

	// 40 three-byte runes: 120 bytes, and 100 is not a rune boundary.
	body := strings.Repeat("日", 40)
	msg := MessagePayload{ClientID: "c1", ChatID: "chat42", Body: body, Timestamp: 1000}
	if err := e.Apply(frame(t, transport.FrameNewMessage, msg)); err != nil {
		t.Fatal(err)
	}

	chat, err := db.GetChat("chat42")
	if err != nil {
		t.Fatal(err)
	}
	preview := chat.LastMessagePreview
	if !utf8.ValidString(preview) {
		t.Errorf("preview is not valid UTF-8: %q", preview)
	}
	if len(preview) > 100 {
		t.Errorf("preview is %d bytes, want <= 100", len(preview))
	}
	if !strings.HasPrefix(body, preview) {
		t.Errorf("preview %q is not a prefix of the body", preview)
	}
}

func TestOwnMessageDoesNotBumpUnread(t *testing.T) {
	e, db, _ := testEngine(t)

	msg := MessagePayload{ClientID: "c2", ChatID: "chat42", FromMe: true, Body: "mine", Timestamp: 1000}
	if err := e.Apply(frame(t, transport.FrameNewMessage, msg)); err != nil {
		t.Fatal(err)
	}

	chat, err := db.GetChat("chat42")
	if err != nil {
		t.Fatal(err)
	}
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", chat.UnreadCount)
	}
}

func TestSendConfirmedConvergence(t *testing.T) {
	e, db, b := testEngine(t)

	// Optimistic local insert plus outbox entry, the state right after
	// the user hits send.
	if _, err := db.UpsertMessage(&store.Message{
		ClientID: "c1", ChatID: "chat42", Body: "hi", Status: store.StatusPending, FromMe: true, CreatedAt: 500,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(&store.OutboxEntry{ClientID: "c1", ChatID: "chat42", Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	confirmed, unsub := b.Subscribe(bus.KindMessageConfirmed, 4)
	defer unsub()

	conf := ConfirmPayload{ClientID: "c1", ServerID: "m99", SentAt: 600}
	if err := e.Apply(frame(t, transport.FrameSendConfirmed, conf)); err != nil {
		t.Fatal(err)
	}

	msg, err := db.GetMessageByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ServerID != "m99" || msg.Status != store.StatusSent || msg.SentAt != 600 {
		t.Errorf("got server_id=%q status=%q sent_at=%d", msg.ServerID, msg.Status, msg.SentAt)
	}
	entry, err := db.OutboxEntryByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != "sent" {
		t.Errorf("outbox status = %q, want sent", entry.Status)
	}

	select {
	case evt := <-confirmed:
		ref := evt.Payload.(bus.MessageRef)
		if ref.ClientID != "c1" || ref.ServerID != "m99" {
			t.Errorf("confirm ref = %+v", ref)
		}
	default:
		t.Error("no confirm event published")
	}

	// A duplicate confirmation is a no-op and publishes nothing.
	if err := e.Apply(frame(t, transport.FrameSendConfirmed, conf)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-confirmed:
		t.Error("duplicate confirm published an event")
	default:
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	e, db, _ := testEngine(t)

	msg := MessagePayload{ClientID: "c1", ServerID: "m99", ChatID: "chat42", FromMe: true, Status: store.StatusSent, Timestamp: 100}
	if err := e.Apply(frame(t, transport.FrameNewMessage, msg)); err != nil {
		t.Fatal(err)
	}

	// read arrives before delivered; the late delivered must not win.
	for _, s := range []store.Status{store.StatusRead, store.StatusDelivered} {
		if err := e.Apply(frame(t, transport.FrameStatusUpdate, StatusPayload{ServerID: "m99", Status: s})); err != nil {
			t.Fatal(err)
		}
	}

	stored, err := db.GetMessageByServerID("m99")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.StatusRead {
		t.Errorf("status = %q, want read", stored.Status)
	}
}

func TestDeleteRepairsChatPointer(t *testing.T) {
	e, db, _ := testEngine(t)

	for i, m := range []MessagePayload{
		{ClientID: "c1", ServerID: "m1", ChatID: "chat42", Body: "first", Timestamp: 100},
		{ClientID: "c2", ServerID: "m2", ChatID: "chat42", Body: "second", Timestamp: 200},
	} {
		if err := e.Apply(frame(t, transport.FrameNewMessage, m)); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}

	if err := e.Apply(frame(t, transport.FrameMsgDeleted, DeletePayload{MessageID: "m2", ForEveryone: true})); err != nil {
		t.Fatal(err)
	}

	msg, err := db.GetMessageByClientID("c2")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Deleted || msg.Body != "" {
		t.Errorf("deleted=%v body=%q", msg.Deleted, msg.Body)
	}

	chat, err := db.GetChat("chat42")
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessagePreview != "first" || chat.LastMessageAt != 100 {
		t.Errorf("pointer not repaired: preview=%q at=%d", chat.LastMessagePreview, chat.LastMessageAt)
	}

	// Deleting an unknown message is not an error.
	if err := e.Apply(frame(t, transport.FrameMsgDeleted, DeletePayload{MessageID: "nope"})); err != nil {
		t.Fatal(err)
	}
}

func TestChatEventReplacesParticipants(t *testing.T) {
	e, db, _ := testEngine(t)

	chat := ChatPayload{
		ChatID: "chat42",
		Kind:   store.ChatGroup,
		Name:   "Team",
		Participants: []MemberPayload{
			{UserID: "alice", Role: store.RoleAdmin},
			{UserID: "bob", Role: store.RoleMember},
		},
	}
	if err := e.Apply(frame(t, transport.FrameChatCreated, chat)); err != nil {
		t.Fatal(err)
	}

	chat.Participants = []MemberPayload{{UserID: "alice", Role: store.RoleAdmin}}
	if err := e.Apply(frame(t, transport.FrameChatUpdated, chat)); err != nil {
		t.Fatal(err)
	}

	members, err := db.ListParticipants("chat42")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].UserID != "alice" {
		t.Errorf("members = %+v, want just alice", members)
	}
}

func TestMemberAddRemove(t *testing.T) {
	e, db, _ := testEngine(t)

	if err := e.Apply(frame(t, transport.FrameChatCreated, ChatPayload{ChatID: "chat42", Kind: store.ChatGroup})); err != nil {
		t.Fatal(err)
	}
	if err := e.Apply(frame(t, transport.FrameMemberAdded, MemberPayload{ChatID: "chat42", UserID: "carol"})); err != nil {
		t.Fatal(err)
	}
	if err := e.Apply(frame(t, transport.FrameMemberRemoved, MemberPayload{ChatID: "chat42", UserID: "carol"})); err != nil {
		t.Fatal(err)
	}

	members, err := db.ListParticipants("chat42")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Errorf("members = %+v, want none", members)
	}
}

func TestTypingAndPresence(t *testing.T) {
	e, _, _ := testEngine(t)

	if err := e.Apply(frame(t, transport.FrameTyping, TypingPayload{ChatID: "chat42", UserID: "alice", Typing: true})); err != nil {
		t.Fatal(err)
	}
	if got := e.presence.Typing("chat42"); len(got) != 1 || got[0] != "alice" {
		t.Errorf("typing = %v", got)
	}

	if err := e.Apply(frame(t, transport.FrameTyping, TypingPayload{ChatID: "chat42", UserID: "alice", Typing: false})); err != nil {
		t.Fatal(err)
	}
	if got := e.presence.Typing("chat42"); len(got) != 0 {
		t.Errorf("typing = %v, want empty", got)
	}

	if err := e.Apply(frame(t, transport.FramePresence, PresencePayload{UserID: "alice", Online: true, LastSeen: 900})); err != nil {
		t.Fatal(err)
	}
	up, ok := e.presence.Online("alice")
	if !ok || !up.Online {
		t.Errorf("presence = %+v ok=%v", up, ok)
	}
}

func TestReactionSummary(t *testing.T) {
	e, db, _ := testEngine(t)

	if err := e.Apply(frame(t, transport.FrameNewMessage, MessagePayload{ClientID: "c1", ServerID: "m1", ChatID: "chat42", Timestamp: 100})); err != nil {
		t.Fatal(err)
	}
	if err := e.Apply(frame(t, transport.FrameReaction, map[string]any{
		"server_id": "m1",
		"summary":   map[string]int{"👍": 2},
	})); err != nil {
		t.Fatal(err)
	}

	msg, err := db.GetMessageByServerID("m1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Reactions == "" {
		t.Error("reactions not stored")
	}
}

func TestMalformedFrameIsolated(t *testing.T) {
	e, _, _ := testEngine(t)

	bad := transport.Frame{Kind: transport.FrameNewMessage, Payload: []byte(`{broken`)}
	if err := e.Apply(bad); err == nil {
		t.Error("expected decode error")
	}

	// A bad event never poisons the stream: the next one applies fine.
	if err := e.Apply(frame(t, transport.FrameNewMessage, MessagePayload{ClientID: "c1", ChatID: "chat42", Timestamp: 10})); err != nil {
		t.Fatal(err)
	}
}

func TestUnknownFrameKindIgnored(t *testing.T) {
	e, _, _ := testEngine(t)
	if err := e.Apply(transport.Frame{Kind: "call_offer"}); err != nil {
		t.Errorf("unknown kind should be ignored, got %v", err)
	}
}

func TestMessageMissingIdentityRejected(t *testing.T) {
	e, _, _ := testEngine(t)
	if err := e.Apply(frame(t, transport.FrameNewMessage, MessagePayload{ChatID: "chat42"})); err == nil {
		t.Error("expected error for missing client_id")
	}
}
