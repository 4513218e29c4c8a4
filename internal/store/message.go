package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

const upsertMessageSQL = `
	INSERT INTO messages (guid, chat_guid, text, is_from_me, date_created,
		associated_message_guid, associated_message_type, data, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(guid) DO UPDATE SET
		chat_guid = excluded.chat_guid,
		text = excluded.text,
		is_from_me = excluded.is_from_me,
		date_created = excluded.date_created,
		associated_message_guid = excluded.associated_message_guid,
		associated_message_type = excluded.associated_message_type,
		data = excluded.data,
		updated_at = excluded.updated_at`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(ex execer, chatGUID string, m *Message, now int64) error {
	m.ChatGUID = chatGUID
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", m.GUID, err)
	}
	if _, err := ex.Exec(upsertMessageSQL,
		m.GUID, chatGUID, m.Text, boolInt(m.IsFromMe), m.DateCreated,
		m.AssociatedMessageGUID, m.AssociatedMessageType, string(data), now); err != nil {
		return fmt.Errorf("upsert message %q: %w", m.GUID, err)
	}
	return nil
}

// UpsertMessages stores messages for a chat in one transaction. It never
// touches the chat's denormalized last message; see RecordMessage.
func (db *DB) UpsertMessages(chatGUID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		if err := upsertMessage(tx, chatGUID, &msgs[i], now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordMessage stores m and advances its chat's last message in the same
// transaction, so readers never see the message without the chat summary.
// It reports whether the chat summary changed; an unknown chat is left alone.
func (db *DB) RecordMessage(chatGUID string, m Message) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if err := upsertMessage(tx, chatGUID, &m, now); err != nil {
		return false, err
	}

	updated := false
	if !m.IsReaction() {
		blob, err := json.Marshal(&m)
		if err != nil {
			return false, fmt.Errorf("encode last message %q: %w", m.GUID, err)
		}
		res, err := tx.Exec(`
			UPDATE chats SET last_message = ?, last_message_date = ?, updated_at = ?
			WHERE guid = ? AND (last_message_date IS NULL OR last_message_date <= ?)`,
			string(blob), m.DateCreated, now, chatGUID, m.DateCreated)
		if err != nil {
			return false, fmt.Errorf("update chat %q: %w", chatGUID, err)
		}
		n, _ := res.RowsAffected()
		updated = n > 0
	}
	return updated, tx.Commit()
}

// UpdateMessage replaces a stored message and, when it is its chat's last
// message, rewrites the chat summary in the same transaction. It reports
// whether the summary changed.
func (db *DB) UpdateMessage(chatGUID string, m Message) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if err := upsertMessage(tx, chatGUID, &m, now); err != nil {
		return false, err
	}

	var last sql.NullString
	err = tx.QueryRow(`SELECT last_message FROM chats WHERE guid = ?`, chatGUID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return false, tx.Commit()
	}
	if err != nil {
		return false, fmt.Errorf("read chat %q: %w", chatGUID, err)
	}
	if !last.Valid || last.String == "" {
		return false, tx.Commit()
	}
	var current struct {
		GUID string `json:"guid"`
	}
	if err := json.Unmarshal([]byte(last.String), &current); err != nil || current.GUID != m.GUID {
		return false, tx.Commit()
	}

	blob, err := json.Marshal(&m)
	if err != nil {
		return false, fmt.Errorf("encode last message %q: %w", m.GUID, err)
	}
	if _, err := tx.Exec(`UPDATE chats SET last_message = ?, updated_at = ? WHERE guid = ?`,
		string(blob), now, chatGUID); err != nil {
		return false, fmt.Errorf("update chat %q: %w", chatGUID, err)
	}
	return true, tx.Commit()
}

// GetMessages returns up to limit messages of a chat, newest first. A positive
// before restricts the page to messages created strictly earlier.
func (db *DB) GetMessages(chatGUID string, limit int, before int64) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if before <= 0 {
		before = math.MaxInt64
	}
	rows, err := db.Query(`
		SELECT guid, data FROM messages
		WHERE chat_guid = ? AND date_created < ?
		ORDER BY date_created DESC, guid
		LIMIT ?`, chatGUID, before, limit)
	if err != nil {
		return nil, err
	}
	return db.scanMessages(rows)
}

// GetMessage returns a single message by guid, or nil if it is not cached.
func (db *DB) GetMessage(guid string) (*Message, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM messages WHERE guid = ?`, guid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, &corruptRowError{guid: guid, err: err}
	}
	return &m, nil
}

// GetLatestMessageDate returns the newest date_created in a chat, or 0 if it has no messages.
func (db *DB) GetLatestMessageDate(chatGUID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`SELECT MAX(date_created) FROM messages WHERE chat_guid = ?`, chatGUID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// SearchMessages finds non-reaction messages whose text contains query,
// optionally limited to one chat, newest first.
func (db *DB) SearchMessages(query, chatGUID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT guid, data FROM messages
		WHERE text LIKE '%' || ? || '%' ESCAPE '\' AND associated_message_type < ?`
	args := []any{escapeLike(query), ReactionMin}
	if chatGUID != "" {
		q += " AND chat_guid = ?"
		args = append(args, chatGUID)
	}
	q += " ORDER BY date_created DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	return db.scanMessages(rows)
}

func (db *DB) scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var guid, data string
		if err := rows.Scan(&guid, &data); err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			db.logger.Warn("skipping corrupt message row", zap.String("guid", guid), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
