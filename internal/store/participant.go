package store

import (
	"fmt"
	"time"
)

// UpsertParticipant inserts or updates a membership row, idempotent by
// (chat_id, user_id).
func (db *DB) UpsertParticipant(p *Participant) error {
	if p.Role == "" {
		p.Role = RoleMember
	}
	if p.JoinedAt == 0 {
		p.JoinedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO participants (chat_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			role = excluded.role`,
		p.ChatID, p.UserID, p.Role, p.JoinedAt)
	return err
}

// DeleteParticipant removes a membership row. Absence means "not a
// member", so deleting a missing row is not an error.
func (db *DB) DeleteParticipant(chatID, userID string) error {
	_, err := db.Exec(`DELETE FROM participants WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}

// ReplaceParticipants swaps the full membership of a chat in one
// transaction. Used by reconciliation when a chat page carries an
// authoritative member list.
func (db *DB) ReplaceParticipants(chatID string, members []Participant) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM participants WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, p := range members {
		role := p.Role
		if role == "" {
			role = RoleMember
		}
		joined := p.JoinedAt
		if joined == 0 {
			joined = now
		}
		if _, err := tx.Exec(`
			INSERT INTO participants (chat_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
			chatID, p.UserID, role, joined); err != nil {
			return fmt.Errorf("insert participant %q: %w", p.UserID, err)
		}
	}
	return tx.Commit()
}

// ListParticipants returns the members of a chat.
func (db *DB) ListParticipants(chatID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT chat_id, user_id, role, joined_at FROM participants
		WHERE chat_id = ? ORDER BY joined_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, p)
	}
	return members, rows.Err()
}
