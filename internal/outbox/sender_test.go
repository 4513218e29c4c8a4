package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/bluebubbles/internal/bluebubbles"
	"github.com/matheus3301/bluebubbles/internal/bus"
	"github.com/matheus3301/bluebubbles/internal/store"
	"github.com/matheus3301/bluebubbles/internal/worker"
)

type fakeRemote struct {
	mu       sync.Mutex
	calls    []string
	inflight map[string]int
	maxPer   map[string]int
	maxTotal int
	total    int
	gate     chan struct{}
	fail     error
	seq      int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{inflight: map[string]int{}, maxPer: map[string]int{}}
}

func (f *fakeRemote) enter(chat, label string) {
	f.mu.Lock()
	f.calls = append(f.calls, label)
	f.inflight[chat]++
	f.total++
	if f.inflight[chat] > f.maxPer[chat] {
		f.maxPer[chat] = f.inflight[chat]
	}
	if f.total > f.maxTotal {
		f.maxTotal = f.total
	}
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeRemote) leave(chat string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[chat]--
	f.total--
	if f.fail != nil {
		return nil, f.fail
	}
	f.seq++
	return &store.Message{GUID: fmt.Sprintf("srv-%d", f.seq), IsFromMe: true, DateCreated: int64(1000 + f.seq)}, nil
}

func (f *fakeRemote) SendText(_ context.Context, o bluebubbles.SendOptions) (*store.Message, error) {
	f.enter(o.ChatGUID, o.Text)
	m, err := f.leave(o.ChatGUID)
	if m != nil {
		m.Text = o.Text
	}
	return m, err
}

func (f *fakeRemote) SendReaction(_ context.Context, chatGUID, messageGUID, reaction string, _ int) (*store.Message, error) {
	f.enter(chatGUID, reaction)
	m, err := f.leave(chatGUID)
	if m != nil {
		m.AssociatedMessageGUID = messageGUID
		m.AssociatedMessageType = 2000
	}
	return m, err
}

func (f *fakeRemote) EditMessage(_ context.Context, messageGUID, text string, _, _ int) (*store.Message, error) {
	f.enter("edit", text)
	m, err := f.leave("edit")
	if m != nil {
		m.GUID = messageGUID
		m.Text = text
	}
	return m, err
}

func (f *fakeRemote) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	db     *store.DB
	bus    *bus.Bus
	remote *fakeRemote
	sender *Sender
	acks   chan Ack
	fails  chan Failure
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "cache.db"), store.Options{AttachmentsDir: filepath.Join(dir, "att")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	pool := worker.New(workers, 16, nil)
	t.Cleanup(func() {
		pool.Close()
		_ = db.Close()
	})

	h := &harness{db: db, bus: bus.New(), remote: newFakeRemote(), acks: make(chan Ack, 16), fails: make(chan Failure, 16)}
	h.sender = NewSender(Options{
		DB:        db,
		Remote:    h.remote,
		Pool:      pool,
		Bus:       h.bus,
		OnAck:     func(a Ack) { h.acks <- a },
		OnFailure: func(f Failure) { h.fails <- f },
	})
	return h
}

func waitAck(t *testing.T, ch <-chan Ack) Ack {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ack")
	}
	return Ack{}
}

func TestSendSuccessRecordsMessage(t *testing.T) {
	h := newHarness(t, 2)
	if err := h.db.UpsertChats([]store.Chat{{GUID: "c1"}}); err != nil {
		t.Fatal(err)
	}
	events, unsub := h.bus.Subscribe("message.", 4)
	defer unsub()

	id, err := h.sender.Enqueue(context.Background(), Request{Kind: KindText, ChatGUID: "c1", Text: "hello"})
	if err != nil || id == "" {
		t.Fatalf("Enqueue() = %q, %v", id, err)
	}
	a := waitAck(t, h.acks)
	if a.ID != id || a.Message.ChatGUID != "c1" || a.Message.Text != "hello" {
		t.Errorf("ack = %+v", a)
	}

	select {
	case evt := <-events:
		if evt.Kind != bus.KindSendAck {
			t.Errorf("event kind = %s", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no ack event")
	}

	stored, err := h.db.GetMessage(a.Message.GUID)
	if err != nil || stored == nil {
		t.Fatalf("confirmed message not stored: %v", err)
	}
	chat, _ := h.db.GetChat("c1")
	if chat.LastMessage == nil || chat.LastMessage.GUID != a.Message.GUID {
		t.Errorf("chat last message = %+v, want confirmed message", chat.LastMessage)
	}
}

func TestSendFailurePersistsNothing(t *testing.T) {
	h := newHarness(t, 1)
	h.remote.fail = &bluebubbles.Error{Kind: bluebubbles.KindConnectivity, Op: "send text"}
	events, unsub := h.bus.Subscribe(bus.KindSendFailed, 4)
	defer unsub()

	if _, err := h.sender.Enqueue(context.Background(), Request{Kind: KindText, ChatGUID: "c1", Text: "retry me"}); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-h.fails:
		if f.Text != "retry me" || !errors.Is(f.Err, bluebubbles.ErrConnectivity) {
			t.Errorf("failure = %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure reported")
	}
	select {
	case evt := <-events:
		if f, ok := evt.Payload.(Failure); !ok || f.Text != "retry me" {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_failed event")
	}
	if n, _ := h.db.MessageCount(); n != 0 {
		t.Errorf("message count = %d after failed send, want 0", n)
	}
}

func TestSendsAreSerializedPerChat(t *testing.T) {
	h := newHarness(t, 4)
	h.remote.gate = make(chan struct{})

	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if _, err := h.sender.Enqueue(ctx, Request{Kind: KindText, ChatGUID: "a", Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.sender.Enqueue(ctx, Request{Kind: KindText, ChatGUID: "b", Text: "other"}); err != nil {
		t.Fatal(err)
	}
	if got := h.sender.Pending("a"); got != 3 {
		t.Errorf("Pending(a) = %d, want 3", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.remote.inFlight() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("chats a and b never ran in parallel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		h.remote.gate <- struct{}{}
		waitAck(t, h.acks)
	}

	var inA []string
	for _, c := range h.remote.callLog() {
		if c != "other" {
			inA = append(inA, c)
		}
	}
	if fmt.Sprint(inA) != "[one two three]" {
		t.Errorf("chat a order = %v", inA)
	}
	h.remote.mu.Lock()
	maxA, maxTotal := h.remote.maxPer["a"], h.remote.maxTotal
	h.remote.mu.Unlock()
	if maxA != 1 {
		t.Errorf("max in flight for chat a = %d, want 1", maxA)
	}
	if maxTotal != 2 {
		t.Errorf("max in flight overall = %d, want 2", maxTotal)
	}
	if got := h.sender.Pending("a"); got != 0 {
		t.Errorf("Pending(a) = %d after drain", got)
	}
}

func TestReactionAndEdit(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	if _, err := h.sender.Enqueue(ctx, Request{Kind: KindReaction, ChatGUID: "c1", MessageGUID: "m1", Reaction: "love"}); err != nil {
		t.Fatal(err)
	}
	a := waitAck(t, h.acks)
	if !a.Message.IsReaction() {
		t.Errorf("reaction ack = %+v", a.Message)
	}

	if _, err := h.sender.Enqueue(ctx, Request{Kind: KindEdit, ChatGUID: "c1", MessageGUID: "m1", Text: "fixed"}); err != nil {
		t.Fatal(err)
	}
	a = waitAck(t, h.acks)
	stored, _ := h.db.GetMessage("m1")
	if stored == nil || stored.Text != "fixed" || stored.ChatGUID != "c1" {
		t.Errorf("edited message = %+v", stored)
	}
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t, 1)
	bad := []Request{
		{Kind: KindText, Text: "no chat"},
		{Kind: KindText, ChatGUID: "c1"},
		{Kind: KindReaction, ChatGUID: "c1", Reaction: "love"},
		{Kind: KindEdit, ChatGUID: "c1", MessageGUID: "m1"},
		{Kind: "poke", ChatGUID: "c1"},
	}
	for _, r := range bad {
		if _, err := h.sender.Enqueue(context.Background(), r); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Enqueue(%+v) = %v, want ErrInvalidRequest", r, err)
		}
	}

	h.sender.Close()
	_, err := h.sender.Enqueue(context.Background(), Request{Kind: KindText, ChatGUID: "c1", Text: "late"})
	if !errors.Is(err, worker.ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
}

func TestStoreErrorAfterConfirmStillAcks(t *testing.T) {
	h := newHarness(t, 1)
	if _, err := h.db.Exec(`DROP TABLE messages`); err != nil {
		t.Fatal(err)
	}

	id, err := h.sender.Enqueue(context.Background(), Request{Kind: KindText, ChatGUID: "c1", Text: "delivered"})
	if err != nil {
		t.Fatal(err)
	}
	a := waitAck(t, h.acks)
	if a.ID != id || a.Message.Text != "delivered" {
		t.Errorf("ack = %+v", a)
	}
	select {
	case f := <-h.fails:
		t.Errorf("confirmed send reported as failed: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}
