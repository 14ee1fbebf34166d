// Package apiclient implements the fallback HTTP API used when the
// realtime channel is unavailable: paged chat listing, point-to-point
// sends and mark-read.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chirp-im/chirp/internal/session"
	"github.com/chirp-im/chirp/internal/store"
)

// ErrUnauthorized is returned when the server rejects the bearer
// credential. Treated as a connectivity condition, never fatal.
var ErrUnauthorized = errors.New("api: unauthorized")

// Client talks to the chat server's HTTP API with the session's bearer
// credential.
type Client struct {
	baseURL string
	creds   *session.Credentials
	http    *http.Client
}

// New creates an API client for the given base URL.
func New(baseURL string, creds *session.Credentials) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ChatState is one element of the paged chat listing: the chat plus its
// authoritative member list.
type ChatState struct {
	ChatID       string           `json:"chat_id"`
	Kind         store.ChatKind   `json:"kind"`
	Name         string           `json:"name"`
	AvatarURL    string           `json:"avatar_url"`
	UnreadCount  int              `json:"unread_count"`
	Muted        bool             `json:"muted"`
	Pinned       bool             `json:"pinned"`
	Archived     bool             `json:"archived"`
	LastMsgID    string           `json:"last_message_id"`
	LastMsgAt    int64            `json:"last_message_at"`
	LastMsgText  string           `json:"last_message_preview"`
	Participants []ParticipantRef `json:"participants"`
}

// ParticipantRef is a chat member in the listing.
type ParticipantRef struct {
	UserID   string     `json:"user_id"`
	Role     store.Role `json:"role"`
	JoinedAt int64      `json:"joined_at"`
}

// ChatPage is one page of the chat listing.
type ChatPage struct {
	Items      []ChatState `json:"items"`
	NextCursor string      `json:"next_cursor"`
	HasMore    bool        `json:"has_more"`
}

// ListChats fetches one page of the server chat state.
func (c *Client) ListChats(ctx context.Context, cursor string, limit int) (*ChatPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page ChatPage
	if err := c.do(ctx, http.MethodGet, "/v1/chats?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendRequest is a point-to-point message send keyed by the client's
// idempotency key; retrying with the same client_id is safe.
type SendRequest struct {
	ClientID string            `json:"client_id"`
	ChatID   string            `json:"chat_id"`
	Kind     store.MessageKind `json:"kind"`
	Body     string            `json:"body"`
	ReplyTo  string            `json:"reply_to,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	SentAt    int64  `json:"sent_at"`
}

// SendMessage submits a message over HTTP and returns the assigned
// server ID and sent timestamp.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (string, int64, error) {
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/v1/messages", req, &resp); err != nil {
		return "", 0, err
	}
	if resp.MessageID == "" {
		return "", 0, fmt.Errorf("api: send returned empty message_id")
	}
	return resp.MessageID, resp.SentAt, nil
}

// MarkRead reports the read watermark for a chat.
func (c *Client) MarkRead(ctx context.Context, chatID, upToMessageID string) error {
	body := map[string]string{"up_to_message_id": upToMessageID}
	return c.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/read", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.creds.Token()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
