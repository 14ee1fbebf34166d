package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces ("conn.frame", "store.message_upserted") so subscribers
// can filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds published by the core.
const (
	KindConnState = "conn.state"     // payload status.Change
	KindConnFrame = "conn.frame"     // payload transport.Frame
	KindConnected = "conn.connected" // emitted on each transition into Connected

	KindMessageUpserted  = "store.message_upserted"  // payload MessageRef
	KindMessageConfirmed = "store.message_confirmed" // payload MessageRef
	KindMessageDeleted   = "store.message_deleted"   // payload MessageRef
	KindChatUpserted     = "store.chat_upserted"     // payload chat ID string
	KindSendExhausted    = "outbox.send_exhausted"   // payload MessageRef

	KindSyncStarted  = "sync.started"
	KindSyncFinished = "sync.finished" // payload sync.Report
)

// MessageRef identifies a message row for store-change notifications.
type MessageRef struct {
	ChatID   string
	ClientID string
	ServerID string
}
