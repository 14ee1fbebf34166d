package transport

import "encoding/json"

// Frame is the unit of exchange on the realtime channel, both
// directions: a kind tag and an opaque payload decoded by the layer
// that owns the kind.
type Frame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame kinds pushed by the server.
const (
	FrameNewMessage    = "new_message"
	FrameSendConfirmed = "send_confirmed"
	FrameStatusUpdate  = "status_update"
	FrameMsgDeleted    = "message_deleted"
	FrameTyping        = "typing"
	FramePresence      = "presence"
	FrameChatCreated   = "chat_created"
	FrameChatUpdated   = "chat_updated"
	FrameMemberAdded   = "member_added"
	FrameMemberRemoved = "member_removed"
	FrameReaction      = "reaction"
	FrameError         = "error"
)

// Outbound frame kinds sent by the client. Call-signaling kinds share
// this channel but are owned by a separate state machine.
const (
	FrameSendMessage = "send_message"
	FrameMarkRead    = "mark_read"
)

// NewFrame builds a frame with a JSON-encoded payload.
func NewFrame(kind string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: kind, Payload: raw}, nil
}
