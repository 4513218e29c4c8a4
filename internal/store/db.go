package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DB wraps the SQLite cache database and the attachment blob directory.
type DB struct {
	*sql.DB
	attachmentsDir string
	logger         *zap.Logger
}

// Options configures Open.
type Options struct {
	// AttachmentsDir is the root of the sharded attachment files.
	AttachmentsDir string
	Logger         *zap.Logger
}

// Open creates a SQLite connection in WAL mode so readers proceed while a writer commits.
func Open(path string, opts Options) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{DB: db, attachmentsDir: opts.AttachmentsDir, logger: logger}, nil
}

// isMissingTable matches the SQLite error for a table absent from an older schema.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
