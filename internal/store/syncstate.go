package store

import (
	"database/sql"
	"time"
)

// WatermarkKey is the sync_state key holding the completion time of the
// last reconciliation pass. Diagnostics only; correctness never depends
// on it.
const WatermarkKey = "last_sync_at"

// SetSyncState upserts a sync_state key.
func (db *DB) SetSyncState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetSyncState returns a sync_state value, or "" when unset.
func (db *DB) GetSyncState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// PendingCount returns the number of unsettled outbox entries.
func (db *DB) PendingCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status != 'sent'`).Scan(&count)
	return count, err
}
