package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/bluebubbles/internal/contacts"
	"github.com/matheus3301/bluebubbles/internal/model"
	"github.com/matheus3301/bluebubbles/internal/outbox"
	"github.com/matheus3301/bluebubbles/internal/store"
)

// SendRequest is an outgoing text message.
type SendRequest struct {
	ChatGUID string
	Text     string
	Effect   string
	Subject  string
	ReplyTo  string
}

// Send queues a text message and returns its request ID at once. The
// confirmed message reaches the transcript on bus.KindSendAck; a failure is
// reported on bus.KindSendFailed with the text to restore.
func (e *Engine) Send(ctx context.Context, r SendRequest) (string, error) {
	if e.sender == nil {
		return "", ErrNoRemote
	}
	return e.sender.Enqueue(ctx, outbox.Request{
		Kind:     outbox.KindText,
		ChatGUID: r.ChatGUID,
		Text:     r.Text,
		Method:   e.opts.SendMethod,
		Effect:   r.Effect,
		Subject:  r.Subject,
		ReplyTo:  r.ReplyTo,
	})
}

// React queues a tapback. reaction is a name ("love", "-love") or a code.
func (e *Engine) React(ctx context.Context, chatGUID, messageGUID, reaction string, partIndex int) (string, error) {
	if e.sender == nil {
		return "", ErrNoRemote
	}
	t, err := model.ParseTapback(reaction)
	if err != nil {
		return "", err
	}
	return e.sender.Enqueue(ctx, outbox.Request{
		Kind:        outbox.KindReaction,
		ChatGUID:    chatGUID,
		MessageGUID: model.ReactionTarget(messageGUID),
		Reaction:    t.Name(),
		PartIndex:   partIndex,
	})
}

// Edit queues a new body for a sent message.
func (e *Engine) Edit(ctx context.Context, chatGUID, messageGUID, text string, partIndex int) (string, error) {
	if e.sender == nil {
		return "", ErrNoRemote
	}
	return e.sender.Enqueue(ctx, outbox.Request{
		Kind:        outbox.KindEdit,
		ChatGUID:    chatGUID,
		MessageGUID: messageGUID,
		Text:        text,
		PartIndex:   partIndex,
	})
}

// MarkRead marks a chat read on the server, best effort.
func (e *Engine) MarkRead(chatGUID string) {
	if e.remote == nil {
		return
	}
	e.background("mark read", func(ctx context.Context) {
		if err := e.remote.MarkRead(ctx, chatGUID); err != nil {
			e.logger.Debug("mark read", zap.String("chat", chatGUID), zap.Error(err))
		}
	})
}

// Attachment returns an attachment's bytes from the cache, downloading and
// caching it on a miss. Concurrent calls for one guid share the download.
func (e *Engine) Attachment(ctx context.Context, guid string) ([]byte, error) {
	if guid == "" {
		return nil, errors.New("attachment guid is required")
	}
	if data, err := e.db.GetAttachmentBytes(guid); err != nil || data != nil {
		return data, err
	}
	if e.remote == nil {
		return nil, ErrNoRemote
	}
	ch := e.downloads.DoChan(guid, func() (any, error) {
		return submitWait(context.WithoutCancel(ctx), e, "download attachment", func(ctx context.Context) ([]byte, error) {
			data, err := e.remote.DownloadAttachment(ctx, guid)
			if err != nil {
				return nil, err
			}
			if _, err := e.db.SaveAttachmentBytes(guid, data); err != nil {
				e.logger.Warn("cache attachment", zap.String("guid", guid), zap.Error(err))
			}
			return data, nil
		})
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncContacts replaces the cached contact map with the server address book
// and returns the number of mapped addresses.
func (e *Engine) SyncContacts(ctx context.Context) (int, error) {
	if e.remote == nil {
		return 0, ErrNoRemote
	}
	return submitWait(ctx, e, "sync contacts", e.syncContacts)
}

func (e *Engine) syncContacts(ctx context.Context) (int, error) {
	cards, err := e.remote.ListContacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list contacts: %w", err)
	}
	entries := make([]contacts.Entry, 0, len(cards))
	for i := range cards {
		entries = append(entries, contacts.Entry{
			Name:   cards[i].Name(),
			Phones: cards[i].PhoneNumbers(),
			Emails: cards[i].EmailAddresses(),
		})
	}
	names := contacts.BuildMap(entries)
	if err := e.db.UpsertContacts(names); err != nil {
		return 0, err
	}
	all, err := e.db.GetAllContacts()
	if err != nil {
		return 0, err
	}
	e.resolver.Replace(all)
	if err := e.marks.mark(store.SyncKeyContactsSyncedAt, e.opts.Clock.Now()); err != nil {
		e.logger.Warn("record contact sync time", zap.Error(err))
	}
	e.logger.Info("contacts synced", zap.Int("cards", len(cards)), zap.Int("addresses", len(names)))
	e.post(func() { e.chatsChanged.Call() })
	return len(names), nil
}

// ResolveName returns the contact name for an address, or the address.
func (e *Engine) ResolveName(address string) string {
	return e.resolver.Display(address)
}

// SetFocused tells the engine whether the user is looking at the client, so
// messages in the open chat are not notified.
func (e *Engine) SetFocused(ctx context.Context, focused bool) error {
	return e.do(ctx, func() { e.focused = focused })
}

// Wipe clears a scope of the cache and resets the matching read model.
func (e *Engine) Wipe(ctx context.Context, scope store.Scope) error {
	if _, err := store.ParseScope(string(scope)); err != nil {
		return err
	}
	var clearErr error
	err := e.do(ctx, func() {
		if clearErr = e.db.Clear(scope); clearErr != nil {
			return
		}
		if scope == store.ScopeConversations || scope == store.ScopeAll {
			e.chats.Reset()
			if e.transcript != nil {
				e.transcripts.Add(e.transcript.ChatGUID())
				e.transcript = nil
				e.badges = make(map[string][]model.Badge)
			}
			e.selectSeq++
		}
		if scope == store.ScopeContacts || scope == store.ScopeAll {
			e.resolver.Replace(nil)
		}
		e.chatsChanged.Call()
		e.chatsChanged.Flush()
		e.transcripts.Flush()
	})
	if err == nil {
		err = clearErr
	}
	if err != nil {
		return fmt.Errorf("wipe %s: %w", scope, err)
	}
	e.logger.Info("cache wiped", zap.String("scope", string(scope)))
	e.syncStatus(SyncStatus{Done: true, Text: fmt.Sprintf("Cleared %s", scope)})
	return nil
}
