package store

import "time"

// QueueOutbox records a locally authored message awaiting server
// confirmation. The companion message row is written separately by the
// send path; the outbox only governs retry.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	if e.Kind == "" {
		e.Kind = KindText
	}
	_, err := db.Exec(`
		INSERT INTO outbox (client_id, chat_id, kind, body, reply_to, status, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?)`,
		e.ClientID, e.ChatID, e.Kind, e.Body, e.ReplyTo, e.ScheduledAt, now, now)
	return err
}

// MarkOutboxSending flags an entry as dispatched and counts the attempt.
func (db *DB) MarkOutboxSending(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE client_id = ?`, now, clientID)
	return err
}

// MarkOutboxSent settles an entry after confirmation.
func (db *DB) MarkOutboxSent(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', last_error = '', updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// RequeueOutbox returns an entry to the queue after a failed attempt,
// recording the error for diagnostics.
func (db *DB) RequeueOutbox(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', last_error = ?, updated_at = ?
		WHERE client_id = ? AND status != 'sent'`, errMsg, now, clientID)
	return err
}

// RequeueStaleSending returns entries stuck in 'sending' to the queue.
// An entry is stale when its dispatch got no confirmation within the
// bounded window.
func (db *DB) RequeueStaleSending(olderThan int64) (int64, error) {
	res, err := db.Exec(`
		UPDATE outbox SET status = 'queued', last_error = 'no confirmation'
		WHERE status = 'sending' AND updated_at <= ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingOutbox returns queued entries that still have attempts left,
// skipping scheduled entries whose time has not come. attemptCap <= 0
// means no cap.
func (db *DB) PendingOutbox(attemptCap int, now int64) ([]OutboxEntry, error) {
	if attemptCap <= 0 {
		attemptCap = int(^uint(0) >> 1)
	}
	rows, err := db.Query(`
		SELECT id, client_id, chat_id, kind, body, reply_to, status, attempts, last_error, scheduled_at
		FROM outbox
		WHERE status = 'queued' AND attempts < ? AND (scheduled_at = 0 OR scheduled_at <= ?)
		ORDER BY created_at ASC`, attemptCap, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ChatID, &e.Kind, &e.Body, &e.ReplyTo, &e.Status, &e.Attempts, &e.LastError, &e.ScheduledAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OutboxEntryByClientID returns an outbox entry, or nil if absent.
func (db *DB) OutboxEntryByClientID(clientID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, chat_id, kind, body, reply_to, status, attempts, last_error, scheduled_at
		FROM outbox WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ID, &e.ClientID, &e.ChatID, &e.Kind, &e.Body, &e.ReplyTo, &e.Status, &e.Attempts, &e.LastError, &e.ScheduledAt); err != nil {
		return nil, err
	}
	return &e, nil
}
