package sync

import (
	"strconv"
	"time"

	"github.com/matheus3301/bluebubbles/internal/store"
)

// checkpoints records when each sync phase last completed.
type checkpoints struct {
	db *store.DB
}

func (c *checkpoints) mark(key string, t time.Time) error {
	return c.db.SetSyncState(key, strconv.FormatInt(t.UnixMilli(), 10))
}

func (c *checkpoints) last(key string) (time.Time, bool) {
	v, ok, err := c.db.GetSyncState(key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// LastSynced returns when the chat list and the contacts were last fully
// synced. Zero times mean never.
func (e *Engine) LastSynced() (chats, contacts time.Time) {
	chats, _ = e.marks.last(store.SyncKeyChatsSyncedAt)
	contacts, _ = e.marks.last(store.SyncKeyContactsSyncedAt)
	return chats, contacts
}
