package sync

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/bluebubbles/internal/bluebubbles"
	"github.com/matheus3301/bluebubbles/internal/bus"
	"github.com/matheus3301/bluebubbles/internal/model"
	"github.com/matheus3301/bluebubbles/internal/status"
	"github.com/matheus3301/bluebubbles/internal/store"
)

// Notification is the payload of bus.KindNotifyMessage.
type Notification struct {
	ChatGUID    string
	ChatTitle   string
	Sender      string
	Text        string
	MessageGUID string
	Date        int64
}

// TypingChange is the payload of bus.KindTypingChanged.
type TypingChange struct {
	ChatGUID string
	Typing   bool
}

// handlePush applies one push channel event. Loop only.
func (e *Engine) handlePush(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case bluebubbles.NewMessage:
		m := p.Message
		m.ChatGUID = p.ChatGUID
		// A redelivered message is reconciled again but not notified twice.
		prior, _ := e.db.GetMessage(m.GUID)
		if _, err := e.db.RecordMessage(p.ChatGUID, m); err != nil {
			e.logger.Error("persist pushed message", zap.String("guid", m.GUID), zap.Error(err))
		}
		e.applyMessage(p.ChatGUID, m, prior == nil)

	case bluebubbles.MessageUpdated:
		e.applyUpdate(p.ChatGUID, p.Message)

	case bluebubbles.Typing:
		e.bus.Emit(bus.KindTypingChanged, TypingChange{ChatGUID: p.ChatGUID, Typing: p.Display})

	case bluebubbles.Unrecognized:
		e.logger.Debug("ignoring push event", zap.String("event", p.Name))

	default:
		switch evt.Kind {
		case bluebubbles.KindPushConnected:
			e.setStatus(status.Syncing, "push channel connected")
			if e.remote != nil {
				e.background("catch up", func(ctx context.Context) { _, _ = e.catchUp(ctx) })
			}
		case bluebubbles.KindPushDisconnected:
			e.setStatus(status.Reconnecting, "push channel lost")
		case bluebubbles.KindPushAuthFailed:
			e.setStatus(status.AuthRequired, "server rejected the password")
		}
	}
}

// applyMessage reconciles a new message into the read model; the caller
// has persisted it. Loop only.
func (e *Engine) applyMessage(chatGUID string, m store.Message, notify bool) {
	open := e.transcript != nil && e.transcript.ChatGUID() == chatGUID

	if m.IsReaction() {
		if open && e.transcript.Insert(m) {
			e.refreshBadge(model.ReactionTarget(m.AssociatedMessageGUID))
			e.transcripts.Add(chatGUID)
		}
		return
	}

	if e.chats.Touch(chatGUID, m) {
		e.chatsChanged.Call()
	} else {
		e.fetchChat(chatGUID, m)
	}
	if open && e.transcript.Insert(m) {
		e.transcripts.Add(chatGUID)
	}
	if notify && e.shouldNotify(chatGUID, &m) {
		e.bus.Emit(bus.KindNotifyMessage, e.notification(chatGUID, &m))
	}
}

// applyUpdate replaces a message whose delivery, read or edit state
// changed. Loop only.
func (e *Engine) applyUpdate(chatGUID string, m store.Message) {
	if chatGUID == "" {
		stored, err := e.db.GetMessage(m.GUID)
		if err != nil || stored == nil {
			e.logger.Debug("update for unknown message", zap.String("guid", m.GUID), zap.Error(err))
			return
		}
		chatGUID = stored.ChatGUID
	}
	m.ChatGUID = chatGUID
	if _, err := e.db.UpdateMessage(chatGUID, m); err != nil {
		e.logger.Error("persist message update", zap.String("guid", m.GUID), zap.Error(err))
	}

	if c := e.chats.Get(chatGUID); c != nil && c.LastMessage != nil && c.LastMessage.GUID == m.GUID {
		updated := m
		c.LastMessage = &updated
		e.chatsChanged.Call()
	}

	if e.transcript != nil && e.transcript.ChatGUID() == chatGUID && e.transcript.Update(m) {
		if m.IsReaction() {
			e.refreshBadge(model.ReactionTarget(m.AssociatedMessageGUID))
		}
		e.transcripts.Add(chatGUID)
	}
}

// shouldNotify is true for inbound conversational messages outside the chat
// the user is looking at.
func (e *Engine) shouldNotify(chatGUID string, m *store.Message) bool {
	if m.IsFromMe || m.IsReaction() {
		return false
	}
	open := e.transcript != nil && e.transcript.ChatGUID() == chatGUID
	return !(e.focused && open)
}

func (e *Engine) notification(chatGUID string, m *store.Message) Notification {
	n := Notification{
		ChatGUID:    chatGUID,
		ChatTitle:   chatGUID,
		Text:        m.Text,
		MessageGUID: m.GUID,
		Date:        m.DateCreated,
	}
	if sender := m.Sender(); sender != "" {
		n.Sender = e.resolver.Display(sender)
	}
	if c := e.chats.Get(chatGUID); c != nil {
		n.ChatTitle = e.ChatTitle(c)
	}
	if n.Text == "" && m.HasAttachments {
		n.Text = "Attachment"
	}
	return n
}

// ChatTitle is Chat.Title with participant addresses resolved to names.
func (e *Engine) ChatTitle(c *store.Chat) string {
	if c.DisplayName != "" || len(c.Participants) == 0 {
		return c.Title()
	}
	addrs := c.Addresses()
	if len(addrs) > 3 {
		addrs = addrs[:3]
	}
	names := make([]string, len(addrs))
	for i, a := range addrs {
		names[i] = e.resolver.Display(a)
	}
	return strings.Join(names, ", ")
}
