// Package sync contains the inbound event router and the
// reconciliation coordinator: everything that moves server state into
// the local store.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/chirp-im/chirp/internal/bus"
	"github.com/chirp-im/chirp/internal/store"
	"github.com/chirp-im/chirp/internal/transport"
)

// Engine is the inbound event router. It is the single consumer of
// conn.frame events and applies each one to the store in delivery
// order, which is what makes the monotonic status guarantees sound.
// A failure in one event is logged and dropped; it never stalls the
// stream.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	presence *Presence
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewEngine creates the event router.
func NewEngine(db *store.DB, b *bus.Bus, presence *Presence, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		bus:      b,
		presence: presence,
		logger:   logger,
	}
}

// Start subscribes to inbound frames on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe(bus.KindConnFrame, 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				frame, ok := evt.Payload.(transport.Frame)
				if !ok {
					continue
				}
				if err := e.Apply(frame); err != nil {
					e.logger.Warn("event dropped", zap.String("kind", frame.Kind), zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Apply routes one decoded frame to its handler. Exported so the
// daemon tests and the reconciler can drive it synchronously.
func (e *Engine) Apply(frame transport.Frame) error {
	switch frame.Kind {
	case transport.FrameNewMessage:
		return decode(frame, e.handleNewMessage)
	case transport.FrameSendConfirmed:
		return decode(frame, e.handleSendConfirmed)
	case transport.FrameStatusUpdate:
		return decode(frame, e.handleStatusUpdate)
	case transport.FrameMsgDeleted:
		return decode(frame, e.handleDeleted)
	case transport.FrameTyping:
		return decode(frame, e.handleTyping)
	case transport.FramePresence:
		return decode(frame, e.handlePresence)
	case transport.FrameChatCreated, transport.FrameChatUpdated:
		return decode(frame, e.handleChat)
	case transport.FrameMemberAdded:
		return decode(frame, e.handleMemberAdded)
	case transport.FrameMemberRemoved:
		return decode(frame, e.handleMemberRemoved)
	case transport.FrameReaction:
		return decode(frame, e.handleReaction)
	case transport.FrameError:
		return decode(frame, e.handleProtocolError)
	default:
		e.logger.Debug("unknown frame kind", zap.String("kind", frame.Kind))
		return nil
	}
}

// decode unmarshals the frame payload and invokes the handler inside
// the per-event failure boundary.
func decode[T any](frame transport.Frame, handle func(*T) error) error {
	var payload T
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return fmt.Errorf("decode %s: %w", frame.Kind, err)
	}
	return handle(&payload)
}

func (e *Engine) handleNewMessage(p *MessagePayload) error {
	if p.ClientID == "" || p.ChatID == "" {
		return fmt.Errorf("message missing identity: client_id=%q chat_id=%q", p.ClientID, p.ChatID)
	}
	st := p.Status
	if st == "" {
		st = store.StatusSent
	}
	inserted, err := e.db.UpsertMessage(&store.Message{
		ClientID:  p.ClientID,
		ServerID:  p.ServerID,
		ChatID:    p.ChatID,
		SenderID:  p.SenderID,
		Kind:      p.Kind,
		Body:      p.Body,
		MediaURL:  p.MediaURL,
		ReplyTo:   p.ReplyTo,
		Status:    st,
		FromMe:    p.FromMe,
		CreatedAt: p.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	// Unread only bumps on first delivery of an inbound message;
	// re-delivery overwrites identically without counting twice.
	bump := inserted && !p.FromMe
	if err := e.db.TouchChatLastMessage(p.ChatID, p.ClientID, p.Timestamp, truncate(p.Body, 100), bump); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}

	e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: p.ChatID, ClientID: p.ClientID, ServerID: p.ServerID})
	return nil
}

func (e *Engine) handleSendConfirmed(p *ConfirmPayload) error {
	if p.ClientID == "" || p.ServerID == "" {
		return fmt.Errorf("confirm missing identity: client_id=%q server_id=%q", p.ClientID, p.ServerID)
	}
	return Confirm(e.db, e.bus, p.ClientID, p.ServerID, p.SentAt)
}

func (e *Engine) handleStatusUpdate(p *StatusPayload) error {
	changed, err := e.db.AdvanceStatus(p.ServerID, p.Status)
	if err != nil {
		return fmt.Errorf("advance status: %w", err)
	}
	if changed {
		e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ServerID: p.ServerID})
	}
	return nil
}

func (e *Engine) handleDeleted(p *DeletePayload) error {
	// Look the row up first so the chat pointer can be repaired after.
	msg, err := e.db.GetMessageByServerID(p.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		if msg, err = e.db.GetMessageByClientID(p.MessageID); err != nil {
			return err
		}
	}

	changed, err := e.db.SoftDeleteMessage(p.MessageID, p.ForEveryone)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if !changed || msg == nil {
		return nil
	}
	if err := e.db.RefreshChatLastMessage(msg.ChatID); err != nil {
		return fmt.Errorf("refresh chat pointer: %w", err)
	}
	e.bus.Emit(bus.KindMessageDeleted, bus.MessageRef{ChatID: msg.ChatID, ClientID: msg.ClientID, ServerID: msg.ServerID})
	return nil
}

func (e *Engine) handleTyping(p *TypingPayload) error {
	e.presence.SetTyping(p.ChatID, p.UserID, p.Typing)
	return nil
}

func (e *Engine) handlePresence(p *PresencePayload) error {
	e.presence.SetOnline(p.UserID, p.Online, p.LastSeen)
	return nil
}

func (e *Engine) handleChat(p *ChatPayload) error {
	if p.ChatID == "" {
		return fmt.Errorf("chat event missing chat_id")
	}
	if err := e.db.UpsertChat(p.toChat()); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if len(p.Participants) > 0 {
		members := make([]store.Participant, 0, len(p.Participants))
		for _, m := range p.Participants {
			members = append(members, store.Participant{UserID: m.UserID, Role: m.Role, JoinedAt: m.JoinedAt})
		}
		if err := e.db.ReplaceParticipants(p.ChatID, members); err != nil {
			return fmt.Errorf("replace participants: %w", err)
		}
	}
	e.bus.Emit(bus.KindChatUpserted, p.ChatID)
	return nil
}

func (e *Engine) handleMemberAdded(p *MemberPayload) error {
	return e.db.UpsertParticipant(&store.Participant{
		ChatID:   p.ChatID,
		UserID:   p.UserID,
		Role:     p.Role,
		JoinedAt: p.JoinedAt,
	})
}

func (e *Engine) handleMemberRemoved(p *MemberPayload) error {
	return e.db.DeleteParticipant(p.ChatID, p.UserID)
}

func (e *Engine) handleReaction(p *ReactionPayload) error {
	if err := e.db.SetReactions(p.ServerID, string(p.Summary)); err != nil {
		return fmt.Errorf("set reactions: %w", err)
	}
	e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ServerID: p.ServerID})
	return nil
}

func (e *Engine) handleProtocolError(p *ErrorPayload) error {
	e.logger.Warn("server protocol error", zap.String("code", p.Code), zap.String("message", p.Message))
	return nil
}

// Confirm applies a server acknowledgement for a locally authored
// message: server_id assignment, status advance to sent and outbox
// settlement. Shared by the send-confirmed handler and the
// reconciliation flush so both paths behave identically.
func Confirm(db *store.DB, b *bus.Bus, clientID, serverID string, sentAt int64) error {
	if sentAt == 0 {
		sentAt = time.Now().UnixMilli()
	}
	changed, err := db.ConfirmMessage(clientID, serverID, sentAt)
	if err != nil {
		return fmt.Errorf("confirm message: %w", err)
	}
	if err := db.MarkOutboxSent(clientID); err != nil {
		return fmt.Errorf("settle outbox: %w", err)
	}
	if changed {
		if msg, err := db.GetMessageByClientID(clientID); err == nil && msg != nil {
			_ = db.TouchChatLastMessage(msg.ChatID, msg.ClientID, msg.CreatedAt, truncate(msg.Body, 100), false)
			b.Emit(bus.KindMessageConfirmed, bus.MessageRef{ChatID: msg.ChatID, ClientID: clientID, ServerID: serverID})
		}
	}
	return nil
}

// truncate caps s at maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
