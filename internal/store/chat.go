package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertChat inserts or updates a chat record. The last-message pointer
// only moves forward: a reconciliation page carrying an older snapshot
// never rewinds a pointer already advanced by a live event.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	if c.Kind == "" {
		c.Kind = ChatDirect
	}
	_, err := db.Exec(`
		INSERT INTO chats (chat_id, kind, name, avatar_url, unread_count, muted, pinned, archived,
			last_message_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			unread_count = excluded.unread_count,
			muted = excluded.muted,
			pinned = excluded.pinned,
			archived = excluded.archived,
			last_message_id = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_id ELSE chats.last_message_id END,
			last_message_preview = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ChatID, c.Kind, c.Name, c.AvatarURL, c.UnreadCount, c.Muted, c.Pinned, c.Archived,
		c.LastMessageID, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// TouchChatLastMessage ensures the chat row exists and advances its
// last-message pointer if ts is newer. When bumpUnread is set the
// unread counter is incremented; callers only set it for newly inserted
// inbound messages so re-delivered events don't double-count.
func (db *DB) TouchChatLastMessage(chatID, msgID string, ts int64, preview string, bumpUnread bool) error {
	now := time.Now().UnixMilli()
	bump := 0
	if bumpUnread {
		bump = 1
	}
	_, err := db.Exec(`
		INSERT INTO chats (chat_id, unread_count, last_message_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			unread_count = chats.unread_count + ?2,
			last_message_id = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_id ELSE chats.last_message_id END,
			last_message_preview = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		chatID, bump, msgID, ts, preview, now)
	return err
}

// MarkChatRead resets the unread counter. This is the only operation
// that lowers it.
func (db *DB) MarkChatRead(chatID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE chat_id = ?`, now, chatID)
	return err
}

// RefreshChatLastMessage recomputes the last-message pointer from the
// newest non-deleted message. Called after a soft delete hits the
// message the pointer referred to.
func (db *DB) RefreshChatLastMessage(chatID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET
			last_message_id = COALESCE((SELECT m.client_id FROM messages m WHERE m.chat_id = ?1 AND m.deleted = 0 ORDER BY m.created_at DESC LIMIT 1), ''),
			last_message_at = COALESCE((SELECT m.created_at FROM messages m WHERE m.chat_id = ?1 AND m.deleted = 0 ORDER BY m.created_at DESC LIMIT 1), 0),
			last_message_preview = COALESCE((SELECT m.body FROM messages m WHERE m.chat_id = ?1 AND m.deleted = 0 ORDER BY m.created_at DESC LIMIT 1), ''),
			updated_at = ?2
		WHERE chat_id = ?1`,
		chatID, now)
	return err
}

// ListChats returns chats sorted pinned-first, then by last message
// timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT chat_id, kind, name, avatar_url, unread_count, muted, pinned, archived,
			last_message_id, last_message_at, last_message_preview
		FROM chats
		WHERE archived = 0
		ORDER BY pinned DESC, last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.Kind, &c.Name, &c.AvatarURL, &c.UnreadCount, &c.Muted, &c.Pinned, &c.Archived,
			&c.LastMessageID, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by ID, or nil if absent.
func (db *DB) GetChat(chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT chat_id, kind, name, avatar_url, unread_count, muted, pinned, archived,
			last_message_id, last_message_at, last_message_preview
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.Kind, &c.Name, &c.AvatarURL, &c.UnreadCount, &c.Muted, &c.Pinned, &c.Archived,
			&c.LastMessageID, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChat removes a chat and everything under it. This is the only
// path that hard-deletes messages.
func (db *DB) DeleteChat(chatID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM participants WHERE chat_id = ?`,
		`DELETE FROM outbox WHERE chat_id = ?`,
		`DELETE FROM chats WHERE chat_id = ?`,
	} {
		if _, err := tx.Exec(q, chatID); err != nil {
			return fmt.Errorf("delete chat %q: %w", chatID, err)
		}
	}
	return tx.Commit()
}
