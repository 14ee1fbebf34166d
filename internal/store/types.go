package store

// ChatKind distinguishes direct and group chats.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindSystem   MessageKind = "system"
)

// Status is a message delivery status. pending/scheduled/sending are
// local states; sent/delivered/read come from the server and only ever
// advance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses for the monotonic-advance guard. Local states
// rank below every server-confirmed state.
func (s Status) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default: // pending, scheduled, unknown
		return 0
	}
}

// Role is a participant's role within a group chat.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Chat is a synced chat row. LastMessageAt/Preview/ID denormalize the
// most recent non-deleted message for list rendering.
type Chat struct {
	ChatID             string
	Kind               ChatKind
	Name               string
	AvatarURL          string
	UnreadCount        int
	Muted              bool
	Pinned             bool
	Archived           bool
	LastMessageID      string
	LastMessageAt      int64
	LastMessagePreview string
}

// Participant is a chat membership row, unique per (chat_id, user_id).
type Participant struct {
	ChatID   string
	UserID   string
	Role     Role
	JoinedAt int64
}

// Message is a stored message. ClientID is the permanent client-side
// identity; ServerID is empty until the server confirms the message and
// frozen afterwards.
type Message struct {
	ID          int64
	ClientID    string
	ServerID    string
	ChatID      string
	SenderID    string
	Kind        MessageKind
	Body        string
	MediaURL    string
	ReplyTo     string
	Status      Status
	FromMe      bool
	Deleted     bool
	Starred     bool
	Reactions   string // aggregated reaction summary, JSON
	CreatedAt   int64
	SentAt      int64
	ScheduledAt int64
}

// OutboxEntry is a pending outgoing message awaiting confirmation.
type OutboxEntry struct {
	ID          int64
	ClientID    string
	ChatID      string
	Kind        MessageKind
	Body        string
	ReplyTo     string
	Status      string // queued, sending, sent
	Attempts    int
	LastError   string
	ScheduledAt int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
