package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/bluebubbles/internal/bluebubbles"
	"github.com/matheus3301/bluebubbles/internal/bus"
	"github.com/matheus3301/bluebubbles/internal/outbox"
	"github.com/matheus3301/bluebubbles/internal/status"
	"github.com/matheus3301/bluebubbles/internal/store"
	"github.com/matheus3301/bluebubbles/internal/worker"
)

type fakeRemote struct {
	mu         gosync.Mutex
	chats      []store.Chat
	chatErrAt  int
	messages   map[string][]store.Message
	gates      map[string]chan struct{}
	contacts   []bluebubbles.Contact
	attachment []byte
	downloads  int
	sendErr    error
	listErr    error
	queries    []bluebubbles.MessageQuery
	seq        int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{messages: map[string][]store.Message{}, gates: map[string]chan struct{}{}, chatErrAt: -1}
}

func (f *fakeRemote) ListChats(_ context.Context, q bluebubbles.ChatQuery) ([]store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.chatErrAt >= 0 && q.Offset >= f.chatErrAt {
		return nil, &bluebubbles.Error{Kind: bluebubbles.KindConnectivity, Op: "list chats"}
	}
	if q.Offset >= len(f.chats) {
		return nil, nil
	}
	end := min(q.Offset+q.Limit, len(f.chats))
	return append([]store.Chat(nil), f.chats[q.Offset:end]...), nil
}

func (f *fakeRemote) GetChat(_ context.Context, guid string) (*store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chats {
		if c.GUID == guid {
			return &c, nil
		}
	}
	return nil, &bluebubbles.Error{Kind: bluebubbles.KindServer, Status: 404, Op: "get chat"}
}

func (f *fakeRemote) ListMessages(_ context.Context, chatGUID string, q bluebubbles.MessageQuery) ([]store.Message, error) {
	f.mu.Lock()
	gate := f.gates[chatGUID]
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages[chatGUID] {
		if q.After > 0 && m.DateCreated <= q.After {
			continue
		}
		m.ChatGUID = chatGUID
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeRemote) DownloadAttachment(_ context.Context, _ string) ([]byte, error) {
	time.Sleep(20 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	return f.attachment, nil
}

func (f *fakeRemote) ListContacts(context.Context) ([]bluebubbles.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts, nil
}

func (f *fakeRemote) MarkRead(context.Context, string) error { return nil }

func (f *fakeRemote) SendText(_ context.Context, o bluebubbles.SendOptions) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.seq++
	return &store.Message{GUID: fmt.Sprintf("sent-%d", f.seq), Text: o.Text, IsFromMe: true, DateCreated: int64(9000 + f.seq)}, nil
}

func (f *fakeRemote) SendReaction(_ context.Context, _, messageGUID, reaction string, _ int) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &store.Message{GUID: fmt.Sprintf("tb-%d", f.seq), IsFromMe: true, AssociatedMessageGUID: messageGUID, AssociatedMessageType: 2000, DateCreated: int64(9000 + f.seq)}, nil
}

func (f *fakeRemote) EditMessage(_ context.Context, messageGUID, text string, _, _ int) (*store.Message, error) {
	return &store.Message{GUID: messageGUID, Text: text, IsFromMe: true, DateCreated: 1}, nil
}

type fixture struct {
	db      *store.DB
	bus     *bus.Bus
	remote  *fakeRemote
	machine *status.Machine
	engine  *Engine
}

func newFixture(t *testing.T, seed func(db *store.DB)) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "cache.db"), store.Options{AttachmentsDir: filepath.Join(dir, "attachments")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if seed != nil {
		seed(db)
	}
	pool := worker.New(4, 32, nil)
	b := bus.New()
	f := &fixture{db: db, bus: b, remote: newFakeRemote(), machine: status.NewMachine(b)}
	f.engine = New(Options{
		DB:           db,
		Remote:       f.remote,
		Bus:          b,
		Pool:         pool,
		Machine:      f.machine,
		ChatPageSize: 50,
		Debounce:     25 * time.Millisecond,
	})
	t.Cleanup(func() {
		f.engine.Stop()
		pool.Close()
		_ = db.Close()
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func chat(guid string, last int64) store.Chat {
	c := store.Chat{GUID: guid, ChatIdentifier: "+1555000" + guid, Participants: []store.Handle{{Address: "+1555000" + guid}}}
	if last > 0 {
		c.LastMessage = &store.Message{GUID: guid + "-last", ChatGUID: guid, Text: "last", DateCreated: last}
	}
	return c
}

func msg(guid string, date int64) store.Message {
	return store.Message{GUID: guid, Text: guid, DateCreated: date, Handle: &store.Handle{Address: "+15550001111"}}
}

func guids[T any](items []T, id func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = id(it)
	}
	return out
}

func chatGUIDs(cs []store.Chat) []string { return guids(cs, func(c store.Chat) string { return c.GUID }) }
func msgGUIDs(ms []store.Message) []string {
	return guids(ms, func(m store.Message) string { return m.GUID })
}

func expect(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartPaintsCachedChats(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("0", 1000), chat("1", 3000), chat("2", 2000)})
	})
	events, unsub := f.bus.Subscribe(bus.KindChatsChanged, 4)
	defer unsub()
	f.start(t)

	expect(t, events, bus.KindChatsChanged)
	chats, err := f.engine.Chats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(chatGUIDs(chats)); got != "[1 2 0]" {
		t.Errorf("cached order = %s, want [1 2 0]", got)
	}
}

func TestSyncChatsPagesAndPersists(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("c5", 100)})
	})
	for i := 0; i < 120; i++ {
		f.remote.chats = append(f.remote.chats, chat(fmt.Sprintf("c%d", i), int64(10000-i)))
	}
	f.start(t)
	progress, unsub := f.bus.Subscribe(bus.KindSyncStatus, 16)
	defer unsub()

	n, err := f.engine.SyncChats(context.Background())
	if err != nil || n != 120 {
		t.Fatalf("SyncChats() = %d, %v; want 120", n, err)
	}
	if count, _ := f.db.ChatCount(); count != 120 {
		t.Errorf("persisted chats = %d, want 120", count)
	}

	var last SyncStatus
	for !last.Done {
		evt := expect(t, progress, bus.KindSyncStatus)
		last = evt.Payload.(SyncStatus)
	}
	if last.Count != 120 || last.Err != nil {
		t.Errorf("final status = %+v", last)
	}
	if chats, _ := f.engine.LastSynced(); chats.IsZero() {
		t.Error("chat sync time not recorded")
	}

	eventually(t, "pages merged", func() bool {
		cs, _ := f.engine.Chats(context.Background())
		return len(cs) == 120
	})
	cs, _ := f.engine.Chats(context.Background())
	// The cached chat keeps its slot; background sync never reorders.
	if cs[0].GUID != "c5" {
		t.Errorf("first chat = %s, want cached c5 kept in place", cs[0].GUID)
	}
	if cs[0].LastMessageDate() != 9995 {
		t.Errorf("c5 last message date = %d, want server value 9995", cs[0].LastMessageDate())
	}
}

func TestSyncChatsPartialFailureKeepsPages(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 120; i++ {
		f.remote.chats = append(f.remote.chats, chat(fmt.Sprintf("c%d", i), int64(10000-i)))
	}
	f.remote.chatErrAt = 50
	f.start(t)

	n, err := f.engine.SyncChats(context.Background())
	if !errors.Is(err, bluebubbles.ErrConnectivity) {
		t.Fatalf("err = %v, want connectivity", err)
	}
	if n != 50 {
		t.Errorf("synced = %d, want 50", n)
	}
	if count, _ := f.db.ChatCount(); count != 50 {
		t.Errorf("persisted chats = %d, want first page kept", count)
	}
	if chats, _ := f.engine.LastSynced(); !chats.IsZero() {
		t.Error("failed sync recorded a sync time")
	}
}

func TestSyncUnauthorizedRequiresAuth(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.listErr = &bluebubbles.Error{Kind: bluebubbles.KindAuthentication, Status: 401}
	f.start(t)
	if err := f.machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.SyncChats(context.Background()); !errors.Is(err, bluebubbles.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
	if got := f.machine.Current(); got != status.AuthRequired {
		t.Errorf("status = %s, want AUTH_REQUIRED", got)
	}
}

func TestSelectChatMergesServerPage(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 500)})
		_ = db.UpsertMessages("a", []store.Message{msg("local-temp", 600), msg("m1", 100)})
	})
	for i := 1; i <= 5; i++ {
		f.remote.messages["a"] = append(f.remote.messages["a"], msg(fmt.Sprintf("m%d", i), int64(i*100)))
	}
	changed, unsub := f.bus.Subscribe(bus.KindTranscriptChanged, 8)
	defer unsub()
	f.start(t)

	view, err := f.engine.SelectChat(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprint(msgGUIDs(view.Messages)); got != "[local-temp m1]" {
		t.Errorf("first paint = %s, want cached messages", got)
	}

	eventually(t, "server page merged", func() bool {
		v, _ := f.engine.Transcript(context.Background())
		return len(v.Messages) == 6
	})
	v, _ := f.engine.Transcript(context.Background())
	if got := fmt.Sprint(msgGUIDs(v.Messages)); got != "[local-temp m5 m4 m3 m2 m1]" {
		t.Errorf("merged = %s", got)
	}
	evt := expect(t, changed, bus.KindTranscriptChanged)
	if evt.Payload != "a" {
		t.Errorf("transcript.changed payload = %v", evt.Payload)
	}
	if n, _ := f.db.MessageCount(); n != 6 {
		t.Errorf("persisted messages = %d, want 6", n)
	}
}

func TestSelectChatDiscardsStalePage(t *testing.T) {
	f := newFixture(t, nil)
	gate := make(chan struct{})
	f.remote.gates["a"] = gate
	f.remote.messages["a"] = []store.Message{msg("from-a", 1)}
	f.remote.messages["b"] = []store.Message{msg("from-b", 1)}
	f.start(t)

	if _, err := f.engine.SelectChat(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.SelectChat(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "chat b loaded", func() bool {
		v, _ := f.engine.Transcript(context.Background())
		return len(v.Messages) == 1
	})
	close(gate)
	// Give the late page for a time to arrive and be dropped.
	eventually(t, "chat a page persisted", func() bool {
		m, _ := f.db.GetMessage("from-a")
		return m != nil
	})
	time.Sleep(30 * time.Millisecond)

	v, _ := f.engine.Transcript(context.Background())
	if v.ChatGUID != "b" || fmt.Sprint(msgGUIDs(v.Messages)) != "[from-b]" {
		t.Errorf("transcript = %s %v, stale page leaked", v.ChatGUID, msgGUIDs(v.Messages))
	}
}

func TestPushNewMessageMovesChatAndNotifies(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 3000), chat("b", 2000), chat("c", 1000)})
	})
	events, unsub := f.bus.Subscribe("", 64)
	defer unsub()
	f.start(t)

	m := msg("new", 5000)
	f.bus.Emit(bluebubbles.KindPushNewMessage, bluebubbles.NewMessage{ChatGUID: "c", Message: m})
	f.bus.Emit(bluebubbles.KindPushNewMessage, bluebubbles.NewMessage{ChatGUID: "c", Message: m})

	n := expect(t, events, bus.KindNotifyMessage).Payload.(Notification)
	if n.ChatGUID != "c" || n.Text != "new" || n.Sender != "+15550001111" {
		t.Errorf("notification = %+v", n)
	}
	expect(t, events, bus.KindChatsChanged)

	cs, _ := f.engine.Chats(context.Background())
	if got := fmt.Sprint(chatGUIDs(cs)); got != "[c a b]" {
		t.Errorf("order = %s, want [c a b]", got)
	}
	stored, _ := f.db.GetChat("c")
	if stored.LastMessage == nil || stored.LastMessage.GUID != "new" {
		t.Errorf("stored last message = %+v", stored.LastMessage)
	}
}

func TestPushIntoOpenChatDedupsAndSkipsFocusedNotify(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 100)})
	})
	events, unsub := f.bus.Subscribe(bus.KindNotifyMessage, 8)
	defer unsub()
	f.start(t)
	ctx := context.Background()
	if _, err := f.engine.SelectChat(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.SetFocused(ctx, true); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		f.bus.Emit(bluebubbles.KindPushNewMessage, bluebubbles.NewMessage{ChatGUID: "a", Message: msg("dup", 200)})
	}
	eventually(t, "message inserted", func() bool {
		v, _ := f.engine.Transcript(ctx)
		return len(v.Messages) == 1
	})
	time.Sleep(30 * time.Millisecond)
	v, _ := f.engine.Transcript(ctx)
	if len(v.Messages) != 1 {
		t.Errorf("transcript holds %d copies", len(v.Messages))
	}
	select {
	case evt := <-events:
		t.Errorf("focused open chat notified: %+v", evt.Payload)
	default:
	}
}

func TestPushReactionsAggregateIntoBadges(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 100)})
		_ = db.UpsertMessages("a", []store.Message{msg("ABCD-1234", 100)})
	})
	f.start(t)
	ctx := context.Background()
	if _, err := f.engine.SelectChat(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	love := msg("r1", 200)
	love.AssociatedMessageGUID = "p:0/ABCD-1234"
	love.AssociatedMessageType = 2000
	removal := msg("r2", 300)
	removal.AssociatedMessageGUID = "p:0/ABCD-1234"
	removal.AssociatedMessageType = 3000
	f.bus.Emit(bluebubbles.KindPushNewMessage, bluebubbles.NewMessage{ChatGUID: "a", Message: love})
	f.bus.Emit(bluebubbles.KindPushNewMessage, bluebubbles.NewMessage{ChatGUID: "a", Message: removal})

	eventually(t, "reactions stored", func() bool {
		r, _ := f.db.GetMessage("r2")
		return r != nil
	})
	v, _ := f.engine.Transcript(ctx)
	if got := fmt.Sprint(msgGUIDs(v.Messages)); got != "[ABCD-1234]" {
		t.Errorf("visible = %s, reactions must be hidden", got)
	}
	b := v.Badges["ABCD-1234"]
	if len(b) != 1 || b[0].Count != 1 || b[0].Kind != 2000 {
		t.Errorf("badges = %+v, want one love", b)
	}
	stored, _ := f.db.GetChat("a")
	if stored.LastMessage.GUID != "a-last" {
		t.Errorf("reaction changed chat summary to %s", stored.LastMessage.GUID)
	}
}

func TestPushMessageUpdated(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 100)})
		_ = db.UpsertMessages("a", []store.Message{msg("m1", 100)})
	})
	f.start(t)
	ctx := context.Background()
	if _, err := f.engine.SelectChat(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	upd := msg("m1", 100)
	upd.IsDelivered = true
	upd.Text = "edited"
	f.bus.Emit(bluebubbles.KindPushMessageUpdated, bluebubbles.MessageUpdated{Message: upd})

	eventually(t, "update applied", func() bool {
		v, _ := f.engine.Transcript(ctx)
		return len(v.Messages) == 1 && v.Messages[0].Text == "edited"
	})
	stored, _ := f.db.GetMessage("m1")
	if !stored.IsDelivered || stored.ChatGUID != "a" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestPushForUnknownChatFetchesIt(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.chats = []store.Chat{chat("fresh", 0)}
	f.start(t)

	f.bus.Emit(bluebubbles.KindPushNewMessage, bluebubbles.NewMessage{ChatGUID: "fresh", Message: msg("hello", 700)})
	eventually(t, "chat fetched", func() bool {
		cs, _ := f.engine.Chats(context.Background())
		return len(cs) == 1 && cs[0].LastMessageDate() == 700
	})
	stored, _ := f.db.GetChat("fresh")
	if stored == nil || stored.LastMessage == nil || stored.LastMessage.GUID != "hello" {
		t.Errorf("stored chat = %+v", stored)
	}
}

func TestTypingIsForwarded(t *testing.T) {
	f := newFixture(t, nil)
	events, unsub := f.bus.Subscribe(bus.KindTypingChanged, 4)
	defer unsub()
	f.start(t)

	f.bus.Emit(bluebubbles.KindPushTyping, bluebubbles.Typing{ChatGUID: "a", Display: true})
	tc := expect(t, events, bus.KindTypingChanged).Payload.(TypingChange)
	if tc.ChatGUID != "a" || !tc.Typing {
		t.Errorf("typing = %+v", tc)
	}
}

func TestChangeEventsAreDebounced(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 100), chat("b", 50)})
	})
	f.start(t)
	time.Sleep(20 * time.Millisecond)
	events, unsub := f.bus.Subscribe(bus.KindChatsChanged, 16)
	defer unsub()

	for i := 0; i < 10; i++ {
		target := "a"
		if i%2 == 1 {
			target = "b"
		}
		f.bus.Emit(bluebubbles.KindPushNewMessage, bluebubbles.NewMessage{ChatGUID: target, Message: msg(fmt.Sprintf("m%d", i), int64(1000+i))})
	}
	expect(t, events, bus.KindChatsChanged)
	select {
	case <-events:
		t.Error("burst produced more than one chats.changed")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestSendConfirmedReachesTranscript(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 100), chat("b", 200)})
	})
	acks, unsub := f.bus.Subscribe(bus.KindSendAck, 4)
	defer unsub()
	f.start(t)
	ctx := context.Background()
	if _, err := f.engine.SelectChat(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Send(ctx, SendRequest{ChatGUID: "a", Text: "hi there"}); err != nil {
		t.Fatal(err)
	}
	expect(t, acks, bus.KindSendAck)
	eventually(t, "sent message shown", func() bool {
		v, _ := f.engine.Transcript(ctx)
		return len(v.Messages) == 1 && v.Messages[0].Text == "hi there"
	})
	cs, _ := f.engine.Chats(ctx)
	if cs[0].GUID != "a" {
		t.Errorf("chat a not moved to top: %v", chatGUIDs(cs))
	}
}

func TestSendFailureRestoresText(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 100)})
	})
	f.remote.sendErr = &bluebubbles.Error{Kind: bluebubbles.KindServer, Status: 500}
	fails, unsub := f.bus.Subscribe(bus.KindSendFailed, 4)
	defer unsub()
	f.start(t)

	if _, err := f.engine.Send(context.Background(), SendRequest{ChatGUID: "a", Text: "keep me"}); err != nil {
		t.Fatal(err)
	}
	evt := expect(t, fails, bus.KindSendFailed)
	if fail, ok := evt.Payload.(outbox.Failure); !ok || fail.Text != "keep me" {
		t.Errorf("failure payload = %#v", evt.Payload)
	}
	if n, _ := f.db.MessageCount(); n != 0 {
		t.Errorf("failed send persisted %d messages", n)
	}
}

func TestReactRejectsUnknownTapback(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	if _, err := f.engine.React(context.Background(), "a", "m1", "wave", 0); err == nil {
		t.Error("unknown tapback accepted")
	}
	if _, err := f.engine.React(context.Background(), "a", "p:0/m1", "-love", 0); err != nil {
		t.Errorf("React(-love) = %v", err)
	}
}

func TestCatchUpAppliesMissedMessages(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 100), chat("b", 200)})
		_ = db.UpsertMessages("a", []store.Message{msg("a1", 100)})
		_ = db.UpsertMessages("b", []store.Message{msg("b1", 200)})
	})
	f.remote.chats = []store.Chat{chat("a", 400), chat("b", 200)}
	f.remote.messages["a"] = []store.Message{msg("a1", 100), msg("a2", 300), msg("a3", 400)}
	f.start(t)

	n, err := f.engine.CatchUp(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("CatchUp() = %d, %v; want 2", n, err)
	}
	if q := f.remote.queries[len(f.remote.queries)-1]; q.After != 100 || !q.Ascending {
		t.Errorf("catch-up query = %+v", q)
	}
	eventually(t, "chat a moved up", func() bool {
		cs, _ := f.engine.Chats(context.Background())
		return len(cs) == 2 && cs[0].GUID == "a" && cs[0].LastMessageDate() == 400
	})
	if m, _ := f.db.GetMessage("a3"); m == nil {
		t.Error("missed message not persisted")
	}
}

func TestAttachmentIsCachedAndShared(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.attachment = []byte("png-bytes")
	f.start(t)

	var wg gosync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := f.engine.Attachment(context.Background(), "att-1")
			if err != nil || string(data) != "png-bytes" {
				t.Errorf("Attachment() = %q, %v", data, err)
			}
		}()
	}
	wg.Wait()
	if _, err := f.engine.Attachment(context.Background(), "att-1"); err != nil {
		t.Fatal(err)
	}
	f.remote.mu.Lock()
	downloads := f.remote.downloads
	f.remote.mu.Unlock()
	if downloads != 1 {
		t.Errorf("downloads = %d, want 1", downloads)
	}
	if !f.db.HasAttachment("att-1") {
		t.Error("attachment not cached")
	}
}

func TestSyncContactsFeedsResolver(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.contacts = []bluebubbles.Contact{{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Phones:    []bluebubbles.ContactAddress{{Address: "(415) 555-1234"}},
	}}
	f.start(t)

	n, err := f.engine.SyncContacts(context.Background())
	if err != nil || n == 0 {
		t.Fatalf("SyncContacts() = %d, %v", n, err)
	}
	if got := f.engine.ResolveName("+14155551234"); got != "Ada Lovelace" {
		t.Errorf("ResolveName = %q", got)
	}
	if got := f.engine.ResolveName("+19995550000"); got != "+19995550000" {
		t.Errorf("unknown address resolved to %q", got)
	}
	if _, contacts := f.engine.LastSynced(); contacts.IsZero() {
		t.Error("contact sync time not recorded")
	}
}

func TestFindExistingChat(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{{GUID: "one", Participants: []store.Handle{{Address: "+14155551234"}}}})
	})
	f.start(t)
	guid, err := f.engine.FindExistingChat(context.Background(), []string{"4155551234"})
	if err != nil || guid != "one" {
		t.Errorf("FindExistingChat = %q, %v", guid, err)
	}
}

func TestWipeConversations(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 100)})
		_ = db.UpsertMessages("a", []store.Message{msg("m1", 100)})
		_ = db.UpsertContacts(map[string]string{"+14155551234": "Ada"})
	})
	f.start(t)
	ctx := context.Background()
	if _, err := f.engine.SelectChat(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Wipe(ctx, store.ScopeConversations); err != nil {
		t.Fatal(err)
	}
	cs, _ := f.engine.Chats(ctx)
	v, _ := f.engine.Transcript(ctx)
	if len(cs) != 0 || v.ChatGUID != "" {
		t.Errorf("after wipe: chats %v, transcript %q", chatGUIDs(cs), v.ChatGUID)
	}
	if n, _ := f.db.ContactCount(); n != 1 {
		t.Errorf("contacts = %d, want untouched", n)
	}
	if f.engine.ResolveName("+14155551234") != "Ada" {
		t.Error("resolver lost contacts on conversation wipe")
	}
	if err := f.engine.Wipe(ctx, "everything"); err == nil {
		t.Error("unknown scope accepted")
	}
}

func TestCallsAfterStopFail(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	f.engine.Stop()
	if _, err := f.engine.Chats(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Chats after Stop = %v, want ErrStopped", err)
	}
}

func TestPushBurstWhileLoopBusyIsNotLost(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 1)})
	})
	f.start(t)

	release := make(chan struct{})
	f.engine.post(func() { <-release })

	const n = 400
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < n; i++ {
			f.bus.Emit(bluebubbles.KindPushNewMessage, bluebubbles.NewMessage{ChatGUID: "a", Message: msg(fmt.Sprintf("burst-%d", i), int64(100+i))})
		}
	}()

	select {
	case <-published:
		t.Fatal("publisher never waited on the busy loop")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-published

	deadline := time.Now().Add(10 * time.Second)
	for {
		count, err := f.db.MessageCount()
		if err != nil {
			t.Fatal(err)
		}
		if count == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted %d of %d pushed messages", count, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d := f.bus.Dropped(); d != 0 {
		t.Errorf("bus dropped %d events", d)
	}
	stored, _ := f.db.GetChat("a")
	if stored == nil || stored.LastMessage == nil || stored.LastMessage.GUID != fmt.Sprintf("burst-%d", n-1) {
		t.Errorf("chat summary = %+v, want the last pushed message", stored)
	}
}

func TestPushUpdateOfLastMessageRewritesSummary(t *testing.T) {
	f := newFixture(t, func(db *store.DB) {
		_ = db.UpsertChats([]store.Chat{chat("a", 100)})
	})
	events, unsub := f.bus.Subscribe(bus.KindChatsChanged, 8)
	defer unsub()
	f.start(t)
	expect(t, events, bus.KindChatsChanged)

	upd := msg("a-last", 100)
	upd.Text = "edited"
	f.bus.Emit(bluebubbles.KindPushMessageUpdated, bluebubbles.MessageUpdated{ChatGUID: "a", Message: upd})

	expect(t, events, bus.KindChatsChanged)
	stored, err := f.db.GetChat("a")
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastMessage == nil || stored.LastMessage.Text != "edited" {
		t.Errorf("stored summary = %+v, want edited text", stored.LastMessage)
	}
	cs, _ := f.engine.Chats(context.Background())
	if len(cs) != 1 || cs[0].LastMessage.Text != "edited" {
		t.Errorf("in-memory summary = %+v", cs)
	}
}
