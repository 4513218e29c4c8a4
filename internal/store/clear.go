package store

import (
	"fmt"
	"os"
)

// Scope selects what Clear removes.
type Scope string

const (
	// ScopeConversations removes chats, messages and sync cursors.
	ScopeConversations Scope = "conversations"
	// ScopeContacts removes the contact map.
	ScopeContacts Scope = "contacts"
	// ScopeAll removes everything including attachment files.
	ScopeAll Scope = "all"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeConversations, ScopeContacts, ScopeAll:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown clear scope %q (want conversations, contacts or all)", s)
}

// Clear wipes the given scope in one transaction. Attachment files are
// removed after the commit for ScopeAll.
func (db *DB) Clear(scope Scope) error {
	var tables []string
	switch scope {
	case ScopeConversations:
		tables = []string{"chats", "messages", "sync_state"}
	case ScopeContacts:
		tables = []string{"contacts"}
	case ScopeAll:
		tables = []string{"chats", "messages", "sync_state", "contacts"}
	default:
		return fmt.Errorf("unknown clear scope %q", scope)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tables {
		if _, err := tx.Exec(`DELETE FROM ` + t); err != nil && !isMissingTable(err) {
			return fmt.Errorf("clear %s: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if scope == ScopeAll && db.attachmentsDir != "" {
		if err := os.RemoveAll(db.attachmentsDir); err != nil {
			return fmt.Errorf("remove attachments: %w", err)
		}
	}
	return nil
}
