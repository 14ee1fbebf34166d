// Package outbox persists outgoing messages before any network attempt
// and drains them over the realtime channel when it is up. A message
// the user sent while offline survives restarts as a pending row and
// goes out on the next connect.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chirp-im/chirp/internal/bus"
	"github.com/chirp-im/chirp/internal/status"
	"github.com/chirp-im/chirp/internal/store"
	"github.com/chirp-im/chirp/internal/transport"
)

// FrameSender dispatches one frame over the realtime channel.
type FrameSender interface {
	Send(f transport.Frame) error
}

// SendPayload is the wire shape of an outgoing message frame.
type SendPayload struct {
	ClientID string            `json:"client_id"`
	ChatID   string            `json:"chat_id"`
	Kind     store.MessageKind `json:"kind"`
	Body     string            `json:"body"`
	ReplyTo  string            `json:"reply_to,omitempty"`
}

// Request is a message the user wants to send.
type Request struct {
	ChatID      string
	Kind        store.MessageKind
	Body        string
	ReplyTo     string
	ScheduledAt int64 // unix millis; zero sends immediately
}

// Sender owns the outgoing half of the message flow: optimistic local
// insert, durable outbox row, and a polling loop that drains queued
// entries over the realtime channel whenever the connection is up.
type Sender struct {
	db            *store.DB
	transport     FrameSender
	machine       *status.Machine
	bus           *bus.Bus
	logger        *zap.Logger
	retryInterval time.Duration
	attemptCap    int
	cancel        context.CancelFunc
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, t FrameSender, m *status.Machine, b *bus.Bus, logger *zap.Logger, retryInterval time.Duration, attemptCap int) *Sender {
	if retryInterval <= 0 {
		retryInterval = 15 * time.Second
	}
	return &Sender{
		db:            db,
		transport:     t,
		machine:       m,
		bus:           b,
		logger:        logger,
		retryInterval: retryInterval,
		attemptCap:    attemptCap,
	}
}

// Enqueue records a new outgoing message and, when the connection is
// up, dispatches it immediately. The message is visible locally before
// any network attempt; Enqueue never fails because the network is down.
func (s *Sender) Enqueue(req Request) (clientID string, err error) {
	clientID = uuid.NewString()
	now := time.Now().UnixMilli()

	st := store.StatusPending
	if req.ScheduledAt > now {
		st = store.StatusScheduled
	}
	if _, err := s.db.UpsertMessage(&store.Message{
		ClientID:    clientID,
		ChatID:      req.ChatID,
		Kind:        req.Kind,
		Body:        req.Body,
		ReplyTo:     req.ReplyTo,
		Status:      st,
		FromMe:      true,
		CreatedAt:   now,
		ScheduledAt: req.ScheduledAt,
	}); err != nil {
		return "", err
	}
	if err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientID:    clientID,
		ChatID:      req.ChatID,
		Kind:        req.Kind,
		Body:        req.Body,
		ReplyTo:     req.ReplyTo,
		ScheduledAt: req.ScheduledAt,
	}); err != nil {
		return "", err
	}
	if err := s.db.TouchChatLastMessage(req.ChatID, clientID, now, req.Body, false); err != nil {
		return "", err
	}
	s.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: req.ChatID, ClientID: clientID})

	if st == store.StatusPending && s.machine.Current() == status.Connected {
		s.dispatch(store.OutboxEntry{
			ClientID: clientID,
			ChatID:   req.ChatID,
			Kind:     req.Kind,
			Body:     req.Body,
			ReplyTo:  req.ReplyTo,
		})
	}
	return clientID, nil
}

// Start begins the drain loop.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the drain loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep is one pass of the drain loop: release due scheduled messages,
// reclaim dispatches that never got a confirmation, and re-send
// whatever is queued if the connection is up.
func (s *Sender) sweep(ctx context.Context) {
	now := time.Now().UnixMilli()

	if n, err := s.db.ReleaseScheduled(now); err != nil {
		s.logger.Error("release scheduled", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("released scheduled messages", zap.Int64("count", n))
	}

	// A sending row older than two sweep intervals lost its
	// confirmation. The message rows go back to pending first, while
	// the outbox still marks them as sending; the reverse order would
	// leave ResetSending's subquery with nothing to match.
	stale := now - 2*s.retryInterval.Milliseconds()
	if _, err := s.db.ResetSending(stale); err != nil {
		s.logger.Error("reset sending status", zap.Error(err))
	}
	if n, err := s.db.RequeueStaleSending(stale); err != nil {
		s.logger.Error("requeue stale", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("requeued stale sends", zap.Int64("count", n))
	}

	if s.machine.Current() != status.Connected {
		return
	}

	pending, err := s.db.PendingOutbox(s.attemptCap, now)
	if err != nil {
		s.logger.Error("read outbox", zap.Error(err))
		return
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(entry)
	}
}

// dispatch pushes one entry over the realtime channel. Confirmation
// arrives asynchronously as a send_confirmed frame; dispatch only moves
// the entry to sending.
func (s *Sender) dispatch(entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.ClientID); err != nil {
		s.logger.Error("mark sending", zap.Error(err), zap.String("client_id", entry.ClientID))
		return
	}
	if err := s.db.MarkSending(entry.ClientID); err != nil {
		s.logger.Error("mark message sending", zap.Error(err), zap.String("client_id", entry.ClientID))
	}

	frame, err := transport.NewFrame(transport.FrameSendMessage, SendPayload{
		ClientID: entry.ClientID,
		ChatID:   entry.ChatID,
		Kind:     entry.Kind,
		Body:     entry.Body,
		ReplyTo:  entry.ReplyTo,
	})
	if err != nil {
		s.logger.Error("encode send frame", zap.Error(err), zap.String("client_id", entry.ClientID))
		return
	}

	if err := s.transport.Send(frame); err != nil {
		// The failed write also undoes the status move: the entry goes
		// back to queued and the message row back to pending.
		if rqErr := s.db.RequeueOutbox(entry.ClientID, err.Error()); rqErr != nil {
			s.logger.Error("requeue", zap.Error(rqErr), zap.String("client_id", entry.ClientID))
		}
		if rsErr := s.db.ResetPending(entry.ClientID); rsErr != nil {
			s.logger.Error("reset pending", zap.Error(rsErr), zap.String("client_id", entry.ClientID))
		}
		if errors.Is(err, transport.ErrNotConnected) {
			// Connection dropped between the check and the write; the
			// next connect flushes the entry.
			return
		}
		s.logger.Warn("dispatch failed",
			zap.String("client_id", entry.ClientID),
			zap.Int("attempts", entry.Attempts+1),
			zap.Error(err))
		if s.attemptCap > 0 && entry.Attempts+1 >= s.attemptCap {
			s.bus.Emit(bus.KindSendExhausted, bus.MessageRef{ChatID: entry.ChatID, ClientID: entry.ClientID})
		}
	}
}
