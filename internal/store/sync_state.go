package store

import (
	"database/sql"
	"errors"
)

// Well-known sync_state keys.
const (
	SyncKeyChatsSyncedAt    = "chats.synced_at"
	SyncKeyContactsSyncedAt = "contacts.synced_at"
)

// SetSyncState upserts a sync cursor.
func (db *DB) SetSyncState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// GetSyncState returns a sync cursor and whether it was set.
func (db *DB) GetSyncState(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
