package sync

import (
	"encoding/json"

	"github.com/chirp-im/chirp/internal/store"
)

// Typed payloads for the inbound frame kinds. The transport hands the
// engine raw frames; decoding happens here, per kind, inside the
// per-event failure boundary.

// MessagePayload carries a new or re-delivered message.
type MessagePayload struct {
	ClientID  string            `json:"client_id"`
	ServerID  string            `json:"server_id"`
	ChatID    string            `json:"chat_id"`
	SenderID  string            `json:"sender_id"`
	Kind      store.MessageKind `json:"kind"`
	Body      string            `json:"body"`
	MediaURL  string            `json:"media_url"`
	ReplyTo   string            `json:"reply_to"`
	Status    store.Status      `json:"status"`
	FromMe    bool              `json:"from_me"`
	Timestamp int64             `json:"timestamp"`
}

// ConfirmPayload acknowledges a locally authored message.
type ConfirmPayload struct {
	ClientID string `json:"client_id"`
	ServerID string `json:"server_id"`
	SentAt   int64  `json:"sent_at"`
}

// StatusPayload advances a message's delivery status.
type StatusPayload struct {
	ServerID string       `json:"server_id"`
	Status   store.Status `json:"status"`
}

// DeletePayload soft-deletes a message. MessageID may be either a
// server or client identity.
type DeletePayload struct {
	MessageID   string `json:"message_id"`
	ForEveryone bool   `json:"for_everyone"`
}

// TypingPayload is an ephemeral typing indicator; never persisted.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// PresencePayload updates a user's online state; last write wins.
type PresencePayload struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}

// ChatPayload upserts a chat, optionally with its full member list.
type ChatPayload struct {
	ChatID       string          `json:"chat_id"`
	Kind         store.ChatKind  `json:"kind"`
	Name         string          `json:"name"`
	AvatarURL    string          `json:"avatar_url"`
	UnreadCount  int             `json:"unread_count"`
	Muted        bool            `json:"muted"`
	Pinned       bool            `json:"pinned"`
	Archived     bool            `json:"archived"`
	LastMsgID    string          `json:"last_message_id"`
	LastMsgAt    int64           `json:"last_message_at"`
	LastMsgText  string          `json:"last_message_preview"`
	Participants []MemberPayload `json:"participants"`
}

// MemberPayload adds or removes a chat member.
type MemberPayload struct {
	ChatID   string     `json:"chat_id"`
	UserID   string     `json:"user_id"`
	Role     store.Role `json:"role"`
	JoinedAt int64      `json:"joined_at"`
}

// ReactionPayload replaces a message's aggregated reaction summary.
type ReactionPayload struct {
	ServerID string          `json:"server_id"`
	Summary  json.RawMessage `json:"summary"`
}

// ErrorPayload is a server-reported protocol error; logged, no state
// mutation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *ChatPayload) toChat() *store.Chat {
	return &store.Chat{
		ChatID:             c.ChatID,
		Kind:               c.Kind,
		Name:               c.Name,
		AvatarURL:          c.AvatarURL,
		UnreadCount:        c.UnreadCount,
		Muted:              c.Muted,
		Pinned:             c.Pinned,
		Archived:           c.Archived,
		LastMessageID:      c.LastMsgID,
		LastMessageAt:      c.LastMsgAt,
		LastMessagePreview: c.LastMsgText,
	}
}
