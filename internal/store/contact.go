package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertContacts merges an address → name map into the contacts table.
func (db *DB) UpsertContacts(contacts map[string]string) error {
	if len(contacts) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for address, name := range contacts {
		if address == "" || name == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO contacts (address, name, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				name = excluded.name,
				updated_at = excluded.updated_at`,
			address, name, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", address, err)
		}
	}
	return tx.Commit()
}

// GetAllContacts returns the cached address → name map. A schema without the
// contacts table yields an empty map.
func (db *DB) GetAllContacts() (map[string]string, error) {
	out := make(map[string]string)
	rows, err := db.Query(`SELECT address, name FROM contacts`)
	if isMissingTable(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var address, name string
		if err := rows.Scan(&address, &name); err != nil {
			return nil, err
		}
		out[address] = name
	}
	return out, rows.Err()
}

// GetContact returns the cached name for an exact address, or "" if unknown.
func (db *DB) GetContact(address string) (string, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM contacts WHERE address = ?`, address).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// ContactCount returns the number of cached addresses.
func (db *DB) ContactCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&count)
	if isMissingTable(err) {
		return 0, nil
	}
	return count, err
}
