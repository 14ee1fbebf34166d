package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts a message keyed by client_id, or refreshes the
// mutable fields of an existing row. Returns whether a new row was
// inserted, so callers can distinguish first delivery from re-delivery.
// The identity fields (client_id, chat_id, created_at) and an assigned
// server_id are never changed by re-delivery.
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	if m.Kind == "" {
		m.Kind = KindText
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}

	res, err := db.Exec(`
		INSERT INTO messages (client_id, server_id, chat_id, sender_id, kind, body, media_url, reply_to,
			status, from_me, deleted, starred, reactions, created_at, sent_at, scheduled_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO NOTHING`,
		m.ClientID, m.ServerID, m.ChatID, m.SenderID, m.Kind, m.Body, m.MediaURL, m.ReplyTo,
		m.Status, m.FromMe, m.Deleted, m.Starred, m.Reactions, m.CreatedAt, m.SentAt, m.ScheduledAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Re-delivery: refresh content, keep identity and never regress a
	// server-confirmed status.
	_, err = db.Exec(`
		UPDATE messages SET
			server_id = COALESCE(server_id, NULLIF(?2, '')),
			sender_id = ?3,
			body = ?4,
			media_url = ?5,
			reply_to = ?6,
			status = CASE WHEN (`+rank("status")+`) < (`+rank("?7")+`) THEN ?7 ELSE status END
		WHERE client_id = ?1`,
		m.ClientID, m.ServerID, m.SenderID, m.Body, m.MediaURL, m.ReplyTo, string(m.Status))
	return false, err
}

// ConfirmMessage records the server acknowledgement for a locally
// authored message: assigns server_id (first writer wins) and advances
// the status to sent. No-op when the row is already confirmed.
func (db *DB) ConfirmMessage(clientID, serverID string, sentAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET
			server_id = COALESCE(server_id, ?2),
			sent_at = CASE WHEN sent_at = 0 THEN ?3 ELSE sent_at END,
			status = CASE WHEN (`+rank("status")+`) < 2 THEN 'sent' ELSE status END
		WHERE client_id = ?1 AND (server_id IS NULL OR (`+rank("status")+`) < 2)`,
		clientID, serverID, sentAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AdvanceStatus applies a server status update to the row matching
// server_id. Strictly monotonic: a lower-ranked status arriving after a
// higher one is ignored. Returns whether the row changed.
func (db *DB) AdvanceStatus(serverID string, s Status) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?2
		WHERE server_id = ?1 AND deleted = 0 AND (`+rank("status")+`) < (`+rank("?2")+`)`,
		serverID, string(s))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSending moves a pending row to sending when a transport attempt
// is dispatched. Only pending rows move; a confirmed row is untouched.
func (db *DB) MarkSending(clientID string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'sending' WHERE client_id = ? AND status = 'pending'`, clientID)
	return err
}

// ResetSending returns sending rows to pending. Used when a dispatch
// got no confirmation within the bounded window, and on startup.
func (db *DB) ResetSending(olderThan int64) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = 'pending'
		WHERE status = 'sending' AND client_id IN (
			SELECT client_id FROM outbox WHERE status = 'sending' AND updated_at <= ?)`,
		olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetPending returns one sending row to pending after a dispatch
// attempt failed outright. A confirmed row is untouched.
func (db *DB) ResetPending(clientID string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'pending' WHERE client_id = ? AND status = 'sending'`, clientID)
	return err
}

// ReleaseScheduled flips scheduled messages whose time has come to
// pending so the outbox picks them up.
func (db *DB) ReleaseScheduled(now int64) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = 'pending'
		WHERE status = 'scheduled' AND scheduled_at > 0 AND scheduled_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SoftDeleteMessage marks a message deleted; content is cleared when
// the deletion is "for everyone". No-op on an already deleted row.
// ref matches server_id first, then client_id, since deletion events
// may carry either.
func (db *DB) SoftDeleteMessage(ref string, forEveryone bool) (bool, error) {
	q := `UPDATE messages SET deleted = 1`
	if forEveryone {
		q += `, body = '', media_url = ''`
	}
	q += ` WHERE (server_id = ?1 OR client_id = ?1) AND deleted = 0`
	res, err := db.Exec(q, ref)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetStarred toggles the star flag.
func (db *DB) SetStarred(clientID string, starred bool) error {
	_, err := db.Exec(`UPDATE messages SET starred = ? WHERE client_id = ?`, starred, clientID)
	return err
}

// SetReactions replaces the aggregated reaction summary for the row
// matching server_id. Last write wins.
func (db *DB) SetReactions(serverID, summary string) error {
	_, err := db.Exec(`UPDATE messages SET reactions = ? WHERE server_id = ?`, summary, serverID)
	return err
}

// ListMessages returns messages for a chat using keyset pagination by
// created_at descending.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessageByClientID returns a message by its client identity, or nil.
func (db *DB) GetMessageByClientID(clientID string) (*Message, error) {
	return db.getMessage(`client_id = ?`, clientID)
}

// GetMessageByServerID returns a message by its server identity, or nil.
func (db *DB) GetMessageByServerID(serverID string) (*Message, error) {
	return db.getMessage(`server_id = ?`, serverID)
}

const messageColumns = `id, client_id, COALESCE(server_id, ''), chat_id, sender_id, kind, body, media_url, reply_to,
	status, from_me, deleted, starred, reactions, created_at, sent_at, scheduled_at`

func (db *DB) getMessage(where string, arg any) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE `+where, arg)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	err := r.Scan(&m.ID, &m.ClientID, &m.ServerID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &m.MediaURL, &m.ReplyTo,
		&m.Status, &m.FromMe, &m.Deleted, &m.Starred, &m.Reactions, &m.CreatedAt, &m.SentAt, &m.ScheduledAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// rank mirrors Status.Rank as a SQL expression over expr.
func rank(expr string) string {
	return `CASE ` + expr + `
		WHEN 'sending' THEN 1
		WHEN 'sent' THEN 2
		WHEN 'delivered' THEN 3
		WHEN 'read' THEN 4
		ELSE 0 END`
}
