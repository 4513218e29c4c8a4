package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// The incoming last_message only wins when it is at least as new as the stored one,
// so a stale sync page never rolls the chat summary backwards.
const upsertChatSQL = `
	INSERT INTO chats (guid, chat_identifier, display_name, is_archived, is_filtered, is_group,
		participants, last_message, last_message_date, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(guid) DO UPDATE SET
		chat_identifier = excluded.chat_identifier,
		display_name = excluded.display_name,
		is_archived = excluded.is_archived,
		is_filtered = excluded.is_filtered,
		is_group = excluded.is_group,
		participants = excluded.participants,
		last_message = CASE
			WHEN excluded.last_message_date IS NOT NULL
				AND (chats.last_message_date IS NULL OR excluded.last_message_date >= chats.last_message_date)
			THEN excluded.last_message ELSE chats.last_message END,
		last_message_date = CASE
			WHEN excluded.last_message_date IS NOT NULL
				AND (chats.last_message_date IS NULL OR excluded.last_message_date >= chats.last_message_date)
			THEN excluded.last_message_date ELSE chats.last_message_date END,
		updated_at = excluded.updated_at`

const chatColumns = `guid, chat_identifier, display_name, is_archived, is_filtered, is_group, participants, last_message`

// UpsertChats inserts or updates chats in a single transaction.
func (db *DB) UpsertChats(chats []Chat) error {
	if len(chats) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range chats {
		c := &chats[i]
		participants, err := json.Marshal(nonNilHandles(c.Participants))
		if err != nil {
			return fmt.Errorf("encode participants %q: %w", c.GUID, err)
		}
		var last, lastDate any
		if c.LastMessage != nil {
			b, err := json.Marshal(c.LastMessage)
			if err != nil {
				return fmt.Errorf("encode last message %q: %w", c.GUID, err)
			}
			last, lastDate = string(b), c.LastMessage.DateCreated
		}
		if _, err := tx.Exec(upsertChatSQL,
			c.GUID, c.ChatIdentifier, c.DisplayName, boolInt(c.IsArchived), boolInt(c.IsFiltered), boolInt(c.IsGroup),
			string(participants), last, lastDate, now); err != nil {
			return fmt.Errorf("upsert chat %q: %w", c.GUID, err)
		}
	}
	return tx.Commit()
}

// GetChat returns a single chat by guid, or nil if it is not cached.
func (db *DB) GetChat(guid string) (*Chat, error) {
	row := db.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE guid = ?`, guid)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetAllChats returns every chat, newest last message first, chats without one last.
// Rows whose blobs cannot be decoded are logged and skipped.
func (db *DB) GetAllChats() ([]Chat, error) {
	rows, err := db.Query(`SELECT ` + chatColumns + ` FROM chats
		ORDER BY last_message_date DESC NULLS LAST, guid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		var corrupt *corruptRowError
		if errors.As(err, &corrupt) {
			db.logger.Warn("skipping corrupt chat row", zap.String("guid", corrupt.guid), zap.Error(corrupt.err))
			continue
		}
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

// GetLastMessageDate returns the newest last-message date across all chats, or 0.
func (db *DB) GetLastMessageDate() (int64, error) {
	var ts sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(last_message_date) FROM chats`).Scan(&ts); err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

type corruptRowError struct {
	guid string
	err  error
}

func (e *corruptRowError) Error() string {
	return fmt.Sprintf("corrupt row %q: %v", e.guid, e.err)
}

func (e *corruptRowError) Unwrap() error { return e.err }

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(s scanner) (*Chat, error) {
	var (
		c            Chat
		participants string
		last         sql.NullString
	)
	if err := s.Scan(&c.GUID, &c.ChatIdentifier, &c.DisplayName, &c.IsArchived, &c.IsFiltered, &c.IsGroup,
		&participants, &last); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, &corruptRowError{guid: c.GUID, err: fmt.Errorf("participants: %w", err)}
	}
	if last.Valid && last.String != "" {
		var m Message
		if err := json.Unmarshal([]byte(last.String), &m); err != nil {
			return nil, &corruptRowError{guid: c.GUID, err: fmt.Errorf("last_message: %w", err)}
		}
		c.LastMessage = &m
	}
	return &c, nil
}

func nonNilHandles(h []Handle) []Handle {
	if h == nil {
		return []Handle{}
	}
	return h
}
