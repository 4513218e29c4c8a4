package model

import "github.com/matheus3301/bluebubbles/internal/store"

// ChatList is the ordered chat list. It is not safe for concurrent use; the
// sync engine's loop owns it.
type ChatList struct {
	order  []string
	byGUID map[string]*store.Chat
}

// NewChatList returns an empty list.
func NewChatList() *ChatList {
	return &ChatList{byGUID: make(map[string]*store.Chat)}
}

// Len returns the number of chats.
func (l *ChatList) Len() int { return len(l.order) }

// Get returns the chat with guid, or nil.
func (l *ChatList) Get(guid string) *store.Chat {
	return l.byGUID[guid]
}

// Replace resets the list to chats in the given order.
func (l *ChatList) Replace(chats []store.Chat) {
	l.Reset()
	l.Merge(chats)
}

// Merge applies a page: unknown chats are appended, known chats are
// updated in place without moving. It returns how many chats were new.
func (l *ChatList) Merge(page []store.Chat) int {
	added := 0
	for i := range page {
		c := page[i]
		if existing, ok := l.byGUID[c.GUID]; ok {
			if c.LastMessage == nil || c.LastMessageDate() < existing.LastMessageDate() {
				c.LastMessage = existing.LastMessage
			}
			*existing = c
			continue
		}
		l.byGUID[c.GUID] = &c
		l.order = append(l.order, c.GUID)
		added++
	}
	return added
}

// Touch records m as the chat's last message and moves the chat to the top,
// keeping the relative order of the others. It reports false for an unknown chat.
func (l *ChatList) Touch(chatGUID string, m store.Message) bool {
	c, ok := l.byGUID[chatGUID]
	if !ok {
		return false
	}
	if m.DateCreated >= c.LastMessageDate() {
		c.LastMessage = &m
	}
	l.moveToTop(chatGUID)
	return true
}

func (l *ChatList) moveToTop(guid string) {
	idx := -1
	for i, g := range l.order {
		if g == guid {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return
	}
	copy(l.order[1:idx+1], l.order[:idx])
	l.order[0] = guid
}

// All returns a copy of the chats in display order.
func (l *ChatList) All() []store.Chat {
	out := make([]store.Chat, 0, len(l.order))
	for _, g := range l.order {
		out = append(out, *l.byGUID[g])
	}
	return out
}

// Reset forgets every chat.
func (l *ChatList) Reset() {
	l.order = nil
	l.byGUID = make(map[string]*store.Chat)
}
