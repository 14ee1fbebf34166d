package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chirp-im/chirp/internal/apiclient"
	"github.com/chirp-im/chirp/internal/bus"
	"github.com/chirp-im/chirp/internal/store"
)

// ServerAPI is the slice of the HTTP API the reconciler needs.
type ServerAPI interface {
	ListChats(ctx context.Context, cursor string, limit int) (*apiclient.ChatPage, error)
	SendMessage(ctx context.Context, req apiclient.SendRequest) (string, int64, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	ChatsRepaired int
	Flushed       int
	Failed        int
	Duration      time.Duration
	Err           error
}

// Reconciler runs a full reconciliation pass after every transition
// into Connected: repair the chat list from the server, flush the
// outbox, then advance the sync watermark. At most one pass runs at a
// time; triggers that arrive while a pass is in flight are dropped,
// not queued, because the running pass already observes current state.
type Reconciler struct {
	db       *store.DB
	bus      *bus.Bus
	api      ServerAPI
	logger   *zap.Logger
	pageSize int
	sendCap  int

	inflight atomic.Bool
	cancel   context.CancelFunc
}

// NewReconciler creates a reconciliation coordinator. pageSize bounds
// chat-list pages; sendCap bounds delivery attempts per message
// (zero or negative means uncapped).
func NewReconciler(db *store.DB, b *bus.Bus, api ServerAPI, logger *zap.Logger, pageSize, sendCap int) *Reconciler {
	return &Reconciler{
		db:       db,
		bus:      b,
		api:      api,
		logger:   logger,
		pageSize: pageSize,
		sendCap:  sendCap,
	}
}

// Start subscribes to connection-established events and triggers a
// pass for each one.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe(bus.KindConnected, 4)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				go r.Run(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels any in-flight pass and stops listening for triggers.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Run executes one reconciliation pass. Redundant calls while a pass
// is in flight return immediately. The three phases are failure
// isolated: a chat-repair error does not block the outbox flush, and
// the watermark only advances when every phase succeeded.
func (r *Reconciler) Run(ctx context.Context) Report {
	if !r.inflight.CompareAndSwap(false, true) {
		return Report{}
	}
	defer r.inflight.Store(false)

	start := time.Now()
	r.bus.Emit(bus.KindSyncStarted, nil)

	var rep Report
	var firstErr error

	n, err := r.repairChats(ctx)
	rep.ChatsRepaired = n
	if err != nil {
		firstErr = err
		r.logger.Warn("chat repair failed", zap.Error(err))
	}

	flushed, failed, err := r.flushOutbox(ctx)
	rep.Flushed, rep.Failed = flushed, failed
	if err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr == nil && rep.Failed == 0 {
		if err := r.db.SetSyncState(store.WatermarkKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
			firstErr = fmt.Errorf("advance watermark: %w", err)
		}
	}

	rep.Duration = time.Since(start)
	rep.Err = firstErr
	r.logger.Info("reconciliation finished",
		zap.Int("chats", rep.ChatsRepaired),
		zap.Int("flushed", rep.Flushed),
		zap.Int("failed", rep.Failed),
		zap.Duration("took", rep.Duration),
		zap.Error(firstErr))
	r.bus.Emit(bus.KindSyncFinished, rep)
	return rep
}

// repairChats walks the server's paged chat listing and upserts every
// chat plus its authoritative member list.
func (r *Reconciler) repairChats(ctx context.Context) (int, error) {
	var repaired int
	cursor := ""
	for {
		page, err := r.api.ListChats(ctx, cursor, r.pageSize)
		if err != nil {
			return repaired, fmt.Errorf("list chats: %w", err)
		}
		for i := range page.Items {
			cs := &page.Items[i]
			if err := r.db.UpsertChat(&store.Chat{
				ChatID:             cs.ChatID,
				Kind:               cs.Kind,
				Name:               cs.Name,
				AvatarURL:          cs.AvatarURL,
				UnreadCount:        cs.UnreadCount,
				Muted:              cs.Muted,
				Pinned:             cs.Pinned,
				Archived:           cs.Archived,
				LastMessageID:      cs.LastMsgID,
				LastMessageAt:      cs.LastMsgAt,
				LastMessagePreview: cs.LastMsgText,
			}); err != nil {
				return repaired, fmt.Errorf("upsert chat %s: %w", cs.ChatID, err)
			}
			if len(cs.Participants) > 0 {
				members := make([]store.Participant, 0, len(cs.Participants))
				for _, m := range cs.Participants {
					members = append(members, store.Participant{UserID: m.UserID, Role: m.Role, JoinedAt: m.JoinedAt})
				}
				if err := r.db.ReplaceParticipants(cs.ChatID, members); err != nil {
					return repaired, fmt.Errorf("participants for %s: %w", cs.ChatID, err)
				}
			}
			r.bus.Emit(bus.KindChatUpserted, cs.ChatID)
			repaired++
		}
		if !page.HasMore || page.NextCursor == "" {
			return repaired, nil
		}
		cursor = page.NextCursor
	}
}

// flushOutbox drains the pending outbox through the HTTP API. Per-entry
// failures requeue the entry and continue; the pass never stops on a
// single bad message.
func (r *Reconciler) flushOutbox(ctx context.Context) (flushed, failed int, err error) {
	entries, err := r.db.PendingOutbox(r.sendCap, time.Now().UnixMilli())
	if err != nil {
		return 0, 0, fmt.Errorf("load outbox: %w", err)
	}

	for i := range entries {
		if ctx.Err() != nil {
			return flushed, failed, ctx.Err()
		}
		entry := &entries[i]
		if err := r.sendEntry(ctx, entry); err != nil {
			failed++
			r.logger.Warn("outbox flush failed",
				zap.String("client_id", entry.ClientID),
				zap.Int("attempts", entry.Attempts+1),
				zap.Error(err))
			if rqErr := r.db.RequeueOutbox(entry.ClientID, err.Error()); rqErr != nil {
				r.logger.Error("requeue failed", zap.String("client_id", entry.ClientID), zap.Error(rqErr))
			}
			if r.sendCap > 0 && entry.Attempts+1 >= r.sendCap {
				r.bus.Emit(bus.KindSendExhausted, bus.MessageRef{ChatID: entry.ChatID, ClientID: entry.ClientID})
			}
			continue
		}
		flushed++
	}
	return flushed, failed, nil
}

func (r *Reconciler) sendEntry(ctx context.Context, entry *store.OutboxEntry) error {
	if err := r.db.MarkOutboxSending(entry.ClientID); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	serverID, sentAt, err := r.api.SendMessage(ctx, apiclient.SendRequest{
		ClientID: entry.ClientID,
		ChatID:   entry.ChatID,
		Kind:     entry.Kind,
		Body:     entry.Body,
		ReplyTo:  entry.ReplyTo,
	})
	if err != nil {
		return err
	}
	return Confirm(r.db, r.bus, entry.ClientID, serverID, sentAt)
}
