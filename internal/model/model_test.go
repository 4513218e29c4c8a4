package model

import (
	"fmt"
	"testing"

	"github.com/matheus3301/bluebubbles/internal/store"
)

func guids(chats []store.Chat) []string {
	out := make([]string, len(chats))
	for i, c := range chats {
		out[i] = c.GUID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestChatListMergeKeepsOrder(t *testing.T) {
	l := NewChatList()
	added := l.Merge([]store.Chat{{GUID: "a"}, {GUID: "b"}})
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	// b updated in place, c appended.
	added = l.Merge([]store.Chat{{GUID: "b", DisplayName: "Bee"}, {GUID: "c"}})
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	if got := guids(l.All()); !equal(got, []string{"a", "b", "c"}) {
		t.Errorf("order = %v, want [a b c]", got)
	}
	if l.Get("b").DisplayName != "Bee" {
		t.Errorf("b not updated in place")
	}
}

func TestChatListMergeKeepsNewerLastMessage(t *testing.T) {
	l := NewChatList()
	l.Merge([]store.Chat{{GUID: "a"}})
	l.Touch("a", store.Message{GUID: "push", DateCreated: 500})

	l.Merge([]store.Chat{{GUID: "a", LastMessage: &store.Message{GUID: "old", DateCreated: 100}}})
	if got := l.Get("a").LastMessage.GUID; got != "push" {
		t.Errorf("last message = %s, want push", got)
	}
}

func TestChatListTouchMovesToTop(t *testing.T) {
	l := NewChatList()
	l.Merge([]store.Chat{{GUID: "a"}, {GUID: "b"}, {GUID: "c"}, {GUID: "d"}})

	if !l.Touch("c", store.Message{GUID: "m", DateCreated: 10}) {
		t.Fatal("Touch on known chat returned false")
	}
	if got := guids(l.All()); !equal(got, []string{"c", "a", "b", "d"}) {
		t.Errorf("order = %v, want [c a b d]", got)
	}
	if l.Get("c").LastMessage.GUID != "m" {
		t.Error("last message not updated")
	}
	if l.Touch("zzz", store.Message{}) {
		t.Error("Touch on unknown chat returned true")
	}
}

func TestTranscriptMergePreservesLocalOnly(t *testing.T) {
	tr := NewTranscript("chat")
	tr.Replace([]store.Message{
		{GUID: "local-temp", DateCreated: 600},
		{GUID: "m4", DateCreated: 400},
	})

	var server []store.Message
	for i := 1; i <= 5; i++ {
		server = append(server, store.Message{GUID: fmt.Sprintf("m%d", i), DateCreated: int64(i * 100)})
	}
	tr.Merge(server)

	all := tr.All()
	if len(all) != 6 {
		t.Fatalf("got %d messages, want 6", len(all))
	}
	if all[0].GUID != "local-temp" {
		t.Errorf("first = %s, want local-temp", all[0].GUID)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].DateCreated < all[i].DateCreated {
			t.Fatalf("not sorted descending at %d: %v", i, all)
		}
	}
}

func TestTranscriptInsertDedup(t *testing.T) {
	tr := NewTranscript("chat")
	tr.Replace([]store.Message{{GUID: "b", DateCreated: 200}, {GUID: "a", DateCreated: 100}})

	if !tr.Insert(store.Message{GUID: "c", DateCreated: 300}) {
		t.Fatal("insert of new guid failed")
	}
	if tr.Insert(store.Message{GUID: "c", DateCreated: 300}) {
		t.Error("duplicate guid inserted")
	}
	if !tr.Insert(store.Message{GUID: "mid", DateCreated: 150}) {
		t.Fatal("insert of mid failed")
	}
	var got []string
	for _, m := range tr.All() {
		got = append(got, m.GUID)
	}
	if !equal(got, []string{"c", "b", "mid", "a"}) {
		t.Errorf("order = %v", got)
	}
}

func TestTranscriptUpdate(t *testing.T) {
	tr := NewTranscript("chat")
	tr.Replace([]store.Message{{GUID: "a", Text: "old"}})

	if !tr.Update(store.Message{GUID: "a", Text: "new", IsRead: true}) {
		t.Fatal("update failed")
	}
	if m := tr.All()[0]; m.Text != "new" || !m.IsRead {
		t.Errorf("got %+v", m)
	}
	if tr.Update(store.Message{GUID: "missing"}) {
		t.Error("update of unknown guid succeeded")
	}
}

func TestReactionExclusionAndBadges(t *testing.T) {
	tr := NewTranscript("chat")
	tr.Replace([]store.Message{
		{GUID: "ABCD-1234", Text: "hi", DateCreated: 100},
		{GUID: "r1", DateCreated: 200, AssociatedMessageGUID: "p:0/ABCD-1234", AssociatedMessageType: int(Love)},
		{GUID: "r2", DateCreated: 300, AssociatedMessageGUID: "ABCD-1234", AssociatedMessageType: int(Love.Removal())},
		{GUID: "r3", DateCreated: 400, AssociatedMessageGUID: "p:1/ABCD-1234", AssociatedMessageType: int(Like)},
	})

	visible := tr.Visible()
	if len(visible) != 1 || visible[0].GUID != "ABCD-1234" {
		t.Errorf("visible = %+v, want only ABCD-1234", visible)
	}

	badges := tr.Badges("ABCD-1234")
	want := []Badge{{Kind: Love, Count: 1}, {Kind: Like, Count: 1}}
	if len(badges) != len(want) {
		t.Fatalf("badges = %+v, want %+v", badges, want)
	}
	for i := range want {
		if badges[i] != want[i] {
			t.Errorf("badges[%d] = %+v, want %+v", i, badges[i], want[i])
		}
	}
}

func TestReactionTarget(t *testing.T) {
	tests := []struct{ in, want string }{
		{"p:0/ABCD-1234", "ABCD-1234"},
		{"bp:ABCD-1234", "bp:ABCD-1234"},
		{"ABCD-1234", "ABCD-1234"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ReactionTarget(tt.in); got != tt.want {
			t.Errorf("ReactionTarget(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseTapback(t *testing.T) {
	tests := []struct {
		in   string
		want Tapback
		err  bool
	}{
		{"love", Love, false},
		{"Laugh", Laugh, false},
		{"-question", Question + 1000, false},
		{"2001", Like, false},
		{"3003", Laugh + 1000, false},
		{"1999", 0, true},
		{"wave", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTapback(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseTapback(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTapback(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if Love.Removal().Name() != "-love" || Emphasize.Name() != "emphasize" {
		t.Errorf("names = %s, %s", Love.Removal().Name(), Emphasize.Name())
	}
}
