package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chirp-im/chirp/internal/apiclient"
	"github.com/chirp-im/chirp/internal/outbox"
	"github.com/chirp-im/chirp/internal/status"
	"github.com/chirp-im/chirp/internal/store"
	intsync "github.com/chirp-im/chirp/internal/sync"
	"github.com/chirp-im/chirp/internal/transport"
)

// Handlers implements the control API endpoints.
type Handlers struct {
	session   string
	db        *store.DB
	sender    *outbox.Sender
	machine   *status.Machine
	transport *transport.Manager
	api       *apiclient.Client
	presence  *intsync.Presence
	logger    *zap.Logger
}

// NewHandlers wires the control API against the daemon's collaborators.
func NewHandlers(p Params, db *store.DB, sender *outbox.Sender, m *status.Machine, t *transport.Manager, api *apiclient.Client, presence *intsync.Presence, logger *zap.Logger) *Handlers {
	return &Handlers{
		session:   p.SessionName,
		db:        db,
		sender:    sender,
		machine:   m,
		transport: t,
		api:       api,
		presence:  presence,
		logger:    logger,
	}
}

type statusResponse struct {
	Session      string       `json:"session"`
	State        status.State `json:"state"`
	Chats        int64        `json:"chats"`
	Messages     int64        `json:"messages"`
	PendingSends int64        `json:"pending_sends"`
	LastSyncAt   string       `json:"last_sync_at,omitempty"`
}

// Status reports the connection state and store counters.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Session: h.session, State: h.machine.Current()}

	var err error
	if resp.Chats, err = h.db.ChatCount(); err != nil {
		h.fail(w, err)
		return
	}
	if resp.Messages, err = h.db.MessageCount(); err != nil {
		h.fail(w, err)
		return
	}
	if resp.PendingSends, err = h.db.PendingCount(); err != nil {
		h.fail(w, err)
		return
	}
	if resp.LastSyncAt, err = h.db.GetSyncState(store.WatermarkKey); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type chatItem struct {
	store.Chat
	TypingUsers []string `json:"typing_users,omitempty"`
}

// ListChats returns the chat list, pinned first, archived hidden.
func (h *Handlers) ListChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	chats, err := h.db.ListChats(limit, offset)
	if err != nil {
		h.fail(w, err)
		return
	}
	items := make([]chatItem, 0, len(chats))
	for _, c := range chats {
		items = append(items, chatItem{Chat: c, TypingUsers: h.presence.Typing(c.ChatID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ListMessages returns one page of a chat's history, newest first,
// keyed by the before query parameter.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	before := int64(queryInt(r, "before", 0))
	limit := queryInt(r, "limit", 50)

	msgs, err := h.db.ListMessages(chatID, before, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
}

type sendRequest struct {
	Kind        store.MessageKind `json:"kind"`
	Body        string            `json:"body"`
	ReplyTo     string            `json:"reply_to"`
	ScheduledAt int64             `json:"scheduled_at"`
}

// SendMessage enqueues an outgoing message. Always accepted: offline
// sends sit in the outbox until the next connect.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body is required"})
		return
	}

	clientID, err := h.sender.Enqueue(outbox.Request{
		ChatID:      chatID,
		Kind:        req.Kind,
		Body:        req.Body,
		ReplyTo:     req.ReplyTo,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_id": clientID})
}

type markReadRequest struct {
	UpToMessageID string `json:"up_to_message_id"`
}

// MarkRead zeroes the unread counter locally and reports the watermark
// to the server on a best-effort basis: realtime frame when connected,
// HTTP fallback otherwise.
func (h *Handlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req markReadRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
			return
		}
	}

	if err := h.db.MarkChatRead(chatID); err != nil {
		h.fail(w, err)
		return
	}

	frame, err := transport.NewFrame(transport.FrameMarkRead, map[string]string{
		"chat_id":          chatID,
		"up_to_message_id": req.UpToMessageID,
	})
	if err == nil {
		err = h.transport.Send(frame)
	}
	if errors.Is(err, transport.ErrNotConnected) {
		if apiErr := h.api.MarkRead(r.Context(), chatID, req.UpToMessageID); apiErr != nil {
			h.logger.Warn("read watermark not reported", zap.String("chat_id", chatID), zap.Error(apiErr))
		}
	} else if err != nil {
		h.logger.Warn("read watermark not reported", zap.String("chat_id", chatID), zap.Error(err))
	}

	w.WriteHeader(http.StatusNoContent)
}

type starRequest struct {
	Starred bool `json:"starred"`
}

// Star toggles the star flag on a message. Stars are a local-only
// annotation and never leave the device.
func (h *Handlers) Star(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")

	var req starRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}

	msg, err := h.db.GetMessageByClientID(clientID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if msg == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown message"})
		return
	}
	if err := h.db.SetStarred(clientID, req.Starred); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search runs a full-text query over message bodies.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	limit := queryInt(r, "limit", 50)

	results, err := h.db.SearchMessages(q, chatID, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": results})
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	h.logger.Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
