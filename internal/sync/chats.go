package sync

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/matheus3301/bluebubbles/internal/bluebubbles"
	"github.com/matheus3301/bluebubbles/internal/bus"
	"github.com/matheus3301/bluebubbles/internal/contacts"
	"github.com/matheus3301/bluebubbles/internal/status"
	"github.com/matheus3301/bluebubbles/internal/store"
)

// Sync phases reported in SyncStatus.
const (
	PhaseChats    = "chats"
	PhaseCatchUp  = "catch-up"
	PhaseMessages = "messages"
	PhaseContacts = "contacts"
)

// SyncStatus is the payload of bus.KindSyncStatus.
type SyncStatus struct {
	Phase string
	Count int
	Done  bool
	Err   error
	Text  string
}

func (e *Engine) syncStatus(s SyncStatus) {
	e.bus.Emit(bus.KindSyncStatus, s)
}

// SyncChats pages through the server chat list, persisting and merging each
// page as it arrives. It returns the number of chats received.
func (e *Engine) SyncChats(ctx context.Context) (int, error) {
	if e.remote == nil {
		return 0, ErrNoRemote
	}
	return submitWait(ctx, e, "sync chats", e.syncChats)
}

func (e *Engine) syncChats(ctx context.Context) (int, error) {
	size := e.opts.ChatPageSize
	total := 0
	e.syncStatus(SyncStatus{Phase: PhaseChats, Text: "Syncing chats…"})

	for {
		page, err := e.remote.ListChats(ctx, bluebubbles.ChatQuery{Limit: size, Offset: total, Sort: "lastmessage"})
		if err != nil {
			e.logger.Warn("chat sync stopped", zap.Int("synced", total), zap.Error(err))
			e.remoteFailed(err)
			e.syncStatus(SyncStatus{Phase: PhaseChats, Count: total, Done: true, Err: err,
				Text: fmt.Sprintf("Sync failed after %d chats: %v", total, err)})
			return total, err
		}
		if len(page) > 0 {
			if err := e.db.UpsertChats(page); err != nil {
				e.syncStatus(SyncStatus{Phase: PhaseChats, Count: total, Done: true, Err: err,
					Text: fmt.Sprintf("Sync failed after %d chats: %v", total, err)})
				return total, fmt.Errorf("persist chat page at %d: %w", total, err)
			}
			e.post(func() {
				e.chats.Merge(page)
				e.chatsChanged.Call()
			})
			total += len(page)
			e.syncStatus(SyncStatus{Phase: PhaseChats, Count: total, Text: fmt.Sprintf("Syncing chats… %d", total)})
		}
		if len(page) < size {
			break
		}
	}

	if err := e.marks.mark(store.SyncKeyChatsSyncedAt, e.opts.Clock.Now()); err != nil {
		e.logger.Warn("record chat sync time", zap.Error(err))
	}
	e.logger.Info("chat sync complete", zap.Int("chats", total))
	e.syncStatus(SyncStatus{Phase: PhaseChats, Count: total, Done: true, Text: fmt.Sprintf("Synced %d chats", total)})
	e.setStatus(status.Ready, "")
	return total, nil
}

// CatchUp fetches what was missed while the push channel was down: the most
// recently active chats, and for each one that moved, its messages after the
// newest one cached. It returns the number of messages applied.
func (e *Engine) CatchUp(ctx context.Context) (int, error) {
	if e.remote == nil {
		return 0, ErrNoRemote
	}
	return submitWait(ctx, e, "catch up", e.catchUp)
}

func (e *Engine) catchUp(ctx context.Context) (int, error) {
	page, err := e.remote.ListChats(ctx, bluebubbles.ChatQuery{Limit: e.opts.ChatPageSize, Sort: "lastmessage"})
	if err != nil {
		e.remoteFailed(err)
		e.syncStatus(SyncStatus{Phase: PhaseCatchUp, Done: true, Err: err, Text: fmt.Sprintf("Catch-up failed: %v", err)})
		return 0, err
	}

	var missed []store.Message
	for i := range page {
		c := &page[i]
		local, err := e.db.GetLatestMessageDate(c.GUID)
		if err != nil {
			return 0, err
		}
		if local == 0 || c.LastMessageDate() <= local {
			continue
		}
		msgs, err := e.remote.ListMessages(ctx, c.GUID, bluebubbles.MessageQuery{
			Limit:           e.opts.MessagePageSize,
			After:           local,
			Ascending:       true,
			WithAttachments: true,
			WithHandle:      true,
		})
		if err != nil {
			e.logger.Warn("catch-up skipped chat", zap.String("chat", c.GUID), zap.Error(err))
			continue
		}
		if err := e.db.UpsertMessages(c.GUID, msgs); err != nil {
			return 0, err
		}
		missed = append(missed, msgs...)
	}
	if err := e.db.UpsertChats(page); err != nil {
		return 0, err
	}

	sort.SliceStable(missed, func(i, j int) bool { return missed[i].DateCreated < missed[j].DateCreated })
	e.post(func() {
		e.chats.Merge(page)
		for _, m := range missed {
			e.applyMessage(m.ChatGUID, m, false)
		}
		e.chatsChanged.Call()
	})

	e.logger.Info("catch-up complete", zap.Int("chats", len(page)), zap.Int("messages", len(missed)))
	e.syncStatus(SyncStatus{Phase: PhaseCatchUp, Count: len(missed), Done: true,
		Text: fmt.Sprintf("Caught up %d messages", len(missed))})
	e.setStatus(status.Ready, "")
	return len(missed), nil
}

// Chats returns the chat list in display order.
func (e *Engine) Chats(ctx context.Context) ([]store.Chat, error) {
	var out []store.Chat
	err := e.do(ctx, func() { out = e.chats.All() })
	return out, err
}

// FindExistingChat returns the guid of the chat already addressing exactly
// these recipients, or "".
func (e *Engine) FindExistingChat(ctx context.Context, addresses []string) (string, error) {
	var guid string
	err := e.do(ctx, func() { guid = contacts.FindExistingChat(e.chats.All(), addresses) })
	return guid, err
}

// fetchChat loads a chat first seen through a pushed message, then applies
// the message to it. Loop only.
func (e *Engine) fetchChat(chatGUID string, m store.Message) {
	if e.remote == nil || e.fetching[chatGUID] {
		return
	}
	e.fetching[chatGUID] = true
	e.background("fetch chat", func(ctx context.Context) {
		c, err := e.remote.GetChat(ctx, chatGUID)
		if err == nil {
			err = e.db.UpsertChats([]store.Chat{*c})
		}
		if err == nil {
			_, err = e.db.RecordMessage(chatGUID, m)
		}
		e.post(func() {
			delete(e.fetching, chatGUID)
			if err != nil {
				e.logger.Warn("fetch new chat", zap.String("chat", chatGUID), zap.Error(err))
				return
			}
			e.chats.Merge([]store.Chat{*c})
			e.chats.Touch(chatGUID, m)
			e.chatsChanged.Call()
		})
	})
}
