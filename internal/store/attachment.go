package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// AttachmentPath returns the on-disk location for an attachment guid:
// <dir>/<h[0:2]>/<h[2:4]>/<h> where h is the hex SHA-256 of the guid.
func (db *DB) AttachmentPath(guid string) string {
	sum := sha256.Sum256([]byte(guid))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(db.attachmentsDir, h[0:2], h[2:4], h)
}

// HasAttachment reports whether the payload for guid is cached.
func (db *DB) HasAttachment(guid string) bool {
	info, err := os.Stat(db.AttachmentPath(guid))
	return err == nil && info.Mode().IsRegular()
}

// SaveAttachmentBytes writes the payload atomically and returns its path.
func (db *DB) SaveAttachmentBytes(guid string, data []byte) (string, error) {
	if db.attachmentsDir == "" {
		return "", errors.New("attachments dir not configured")
	}
	path := db.AttachmentPath(guid)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write attachment %q: %w", guid, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close attachment %q: %w", guid, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename attachment %q: %w", guid, err)
	}
	return path, nil
}

// GetAttachmentBytes returns the cached payload, or nil if it is not cached.
func (db *DB) GetAttachmentBytes(guid string) ([]byte, error) {
	data, err := os.ReadFile(db.AttachmentPath(guid))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read attachment %q: %w", guid, err)
	}
	return data, nil
}
