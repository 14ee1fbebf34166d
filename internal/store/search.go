package store

// SearchMessages performs a full-text search on message bodies.
// Soft-deleted rows keep their (possibly cleared) body out of results
// via the deleted filter.
func (db *DB) SearchMessages(query string, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT ` + prefixedMessageColumns + `,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ? AND m.deleted = 0`

	args := []any{query}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ClientID, &r.Message.ServerID, &r.Message.ChatID,
			&r.Message.SenderID, &r.Message.Kind, &r.Message.Body, &r.Message.MediaURL,
			&r.Message.ReplyTo, &r.Message.Status, &r.Message.FromMe, &r.Message.Deleted,
			&r.Message.Starred, &r.Message.Reactions, &r.Message.CreatedAt, &r.Message.SentAt,
			&r.Message.ScheduledAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

const prefixedMessageColumns = `m.id, m.client_id, COALESCE(m.server_id, ''), m.chat_id, m.sender_id, m.kind,
	m.body, m.media_url, m.reply_to, m.status, m.from_me, m.deleted, m.starred, m.reactions,
	m.created_at, m.sent_at, m.scheduled_at`
