package model

import (
	"sort"

	"github.com/matheus3301/bluebubbles/internal/store"
)

// Transcript holds the messages of the open chat, newest first, including
// reaction records so badges can be recomputed.
type Transcript struct {
	chatGUID string
	msgs     []store.Message
}

// NewTranscript returns an empty transcript for chatGUID.
func NewTranscript(chatGUID string) *Transcript {
	return &Transcript{chatGUID: chatGUID}
}

// ChatGUID returns the chat this transcript belongs to.
func (t *Transcript) ChatGUID() string { return t.chatGUID }

// Len returns the number of held records, reactions included.
func (t *Transcript) Len() int { return len(t.msgs) }

// Replace trusts msgs fully, as for the first paint from the cache.
func (t *Transcript) Replace(msgs []store.Message) {
	t.msgs = append([]store.Message(nil), msgs...)
	sortNewestFirst(t.msgs)
}

// Merge starts from the server page, re-adds held messages the server does
// not know yet, and sorts by date_created descending.
func (t *Transcript) Merge(server []store.Message) {
	seen := make(map[string]struct{}, len(server))
	merged := make([]store.Message, 0, len(server)+len(t.msgs))
	for _, m := range server {
		if _, dup := seen[m.GUID]; dup {
			continue
		}
		seen[m.GUID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range t.msgs {
		if _, ok := seen[m.GUID]; !ok {
			merged = append(merged, m)
		}
	}
	sortNewestFirst(merged)
	t.msgs = merged
}

// Contains reports whether a record with guid is held.
func (t *Transcript) Contains(guid string) bool {
	return t.index(guid) >= 0
}

// Insert adds m at its date position unless its guid is already held.
func (t *Transcript) Insert(m store.Message) bool {
	if t.Contains(m.GUID) {
		return false
	}
	i := sort.Search(len(t.msgs), func(i int) bool {
		return t.msgs[i].DateCreated < m.DateCreated
	})
	t.msgs = append(t.msgs, store.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	return true
}

// Update replaces the held record with the same guid.
func (t *Transcript) Update(m store.Message) bool {
	i := t.index(m.GUID)
	if i < 0 {
		return false
	}
	t.msgs[i] = m
	return true
}

// All returns a copy of every held record.
func (t *Transcript) All() []store.Message {
	return append([]store.Message(nil), t.msgs...)
}

// Visible returns conversational messages, reactions excluded.
func (t *Transcript) Visible() []store.Message {
	out := make([]store.Message, 0, len(t.msgs))
	for _, m := range t.msgs {
		if !m.IsReaction() {
			out = append(out, m)
		}
	}
	return out
}

// Badges aggregates tapbacks held for target.
func (t *Transcript) Badges(target string) []Badge {
	return Badges(t.msgs, ReactionTarget(target))
}

func (t *Transcript) index(guid string) int {
	for i := range t.msgs {
		if t.msgs[i].GUID == guid {
			return i
		}
	}
	return -1
}

func sortNewestFirst(msgs []store.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].DateCreated > msgs[j].DateCreated
	})
}
