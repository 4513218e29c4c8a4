// Package sync keeps the local cache and the in-memory read model consistent
// with the server. One goroutine, the loop, owns the chat list and the open
// transcript; workers fetch and persist, then post their results to it.
package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/bluebubbles/internal/bluebubbles"
	"github.com/matheus3301/bluebubbles/internal/bus"
	"github.com/matheus3301/bluebubbles/internal/contacts"
	"github.com/matheus3301/bluebubbles/internal/debounce"
	"github.com/matheus3301/bluebubbles/internal/model"
	"github.com/matheus3301/bluebubbles/internal/outbox"
	"github.com/matheus3301/bluebubbles/internal/status"
	"github.com/matheus3301/bluebubbles/internal/store"
	"github.com/matheus3301/bluebubbles/internal/worker"
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("sync engine stopped")

// ErrNoRemote is returned by operations that need the server when none is
// configured.
var ErrNoRemote = errors.New("no server configured")

// Remote is the server surface the engine reads from and writes through.
type Remote interface {
	outbox.Remote
	ListChats(ctx context.Context, q bluebubbles.ChatQuery) ([]store.Chat, error)
	GetChat(ctx context.Context, guid string) (*store.Chat, error)
	ListMessages(ctx context.Context, chatGUID string, q bluebubbles.MessageQuery) ([]store.Message, error)
	DownloadAttachment(ctx context.Context, guid string) ([]byte, error)
	ListContacts(ctx context.Context) ([]bluebubbles.Contact, error)
	MarkRead(ctx context.Context, chatGUID string) error
}

// Options configures an Engine. Zero sizes and durations take defaults.
type Options struct {
	DB      *store.DB
	Remote  Remote
	Bus     *bus.Bus
	Pool    *worker.Pool
	Machine *status.Machine
	Logger  *zap.Logger
	Clock   clock.Clock

	ChatPageSize    int
	MessagePageSize int
	Debounce        time.Duration
	ContactTTL      time.Duration
	SendMethod      string
	// SyncOnStart runs a chat and contact sync right after Start.
	SyncOnStart bool
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.ChatPageSize <= 0 {
		o.ChatPageSize = 50
	}
	if o.MessagePageSize <= 0 {
		o.MessagePageSize = 50
	}
	if o.Debounce <= 0 {
		o.Debounce = 100 * time.Millisecond
	}
	if o.ContactTTL <= 0 {
		o.ContactTTL = 10 * time.Minute
	}
}

// Engine is the reconciliation engine.
type Engine struct {
	opts     Options
	db       *store.DB
	remote   Remote
	bus      *bus.Bus
	pool     *worker.Pool
	logger   *zap.Logger
	resolver *contacts.Resolver
	sender   *outbox.Sender
	marks    *checkpoints

	ops     chan func()
	quit    chan struct{}
	exited  chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	unsub   func()

	downloads singleflight.Group

	// Owned by the loop.
	chats        *model.ChatList
	transcript   *model.Transcript
	badges       map[string][]model.Badge
	selectSeq    uint64
	focused      bool
	fetching     map[string]bool
	chatsChanged *debounce.CallBatcher
	transcripts  *debounce.Batcher[string]
}

// New creates an engine. Nothing runs until Start.
func New(opts Options) *Engine {
	opts.defaults()
	e := &Engine{
		opts:     opts,
		db:       opts.DB,
		remote:   opts.Remote,
		bus:      opts.Bus,
		pool:     opts.Pool,
		logger:   opts.Logger,
		resolver: contacts.NewResolver(opts.ContactTTL, opts.Clock),
		marks:    &checkpoints{db: opts.DB},
		ops:      make(chan func(), 256),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
		chats:    model.NewChatList(),
		badges:   make(map[string][]model.Badge),
		fetching: make(map[string]bool),
	}
	if e.bus == nil {
		e.bus = bus.New()
	}
	sched := debounce.NewLoopScheduler(opts.Clock, e.post)
	e.chatsChanged = debounce.NewCallBatcher(opts.Debounce, sched, func() {
		e.bus.Emit(bus.KindChatsChanged, nil)
	})
	e.transcripts = debounce.NewBatcher(opts.Debounce, sched, e.emitTranscripts)
	if e.remote != nil {
		e.sender = outbox.NewSender(outbox.Options{
			DB:     opts.DB,
			Remote: opts.Remote,
			Pool:   opts.Pool,
			Bus:    e.bus,
			Logger: opts.Logger.Named("outbox"),
			OnAck: func(a outbox.Ack) {
				e.post(func() { e.applyMessage(a.ChatGUID, a.Message, false) })
			},
		})
	}
	return e
}

// Resolver returns the contact name resolver.
func (e *Engine) Resolver() *contacts.Resolver { return e.resolver }

// Bus returns the bus the engine publishes on.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Start paints the cached chat list and contacts, then starts the loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("sync engine already started")
	}
	cached, err := e.db.GetAllChats()
	if err != nil {
		return err
	}
	e.chats.Replace(cached)
	names, err := e.db.GetAllContacts()
	if err != nil {
		return err
	}
	e.resolver.Replace(names)
	e.logger.Info("cache loaded", zap.Int("chats", len(cached)), zap.Int("contacts", len(names)))

	// Pushed events are never dropped; a busy loop backs up the socket reader.
	events, unsub := e.bus.SubscribeBlocking("push.", 256)
	e.unsub = unsub
	go e.run(events)
	e.bus.Emit(bus.KindChatsChanged, nil)

	if e.opts.SyncOnStart && e.remote != nil {
		e.background("sync chats", func(ctx context.Context) {
			_, _ = e.syncChats(ctx)
		})
		e.background("sync contacts", func(ctx context.Context) {
			if _, err := e.syncContacts(ctx); err != nil {
				e.logger.Debug("contact sync skipped", zap.Error(err))
			}
		})
	}
	return nil
}

// Stop ends the loop and drops pending change notifications. Outbound
// requests already queued keep draining on the pool.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	close(e.quit)
	if e.started.Load() {
		<-e.exited
	}
	if e.unsub != nil {
		e.unsub()
	}
	e.chatsChanged.Cancel()
	e.transcripts.Cancel()
	if e.sender != nil {
		e.sender.Close()
	}
}

func (e *Engine) run(events <-chan bus.Event) {
	defer close(e.exited)
	for {
		select {
		case fn := <-e.ops:
			fn()
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handlePush(evt)
		case <-e.quit:
			return
		}
	}
}

// post hands fn to the loop without waiting for it.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.quit:
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(done) }:
	case <-e.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// background queues fn on the pool without waiting. A full queue drops it.
func (e *Engine) background(name string, fn worker.Task) {
	if err := e.pool.TrySubmit(name, fn); err != nil {
		e.logger.Warn("background task dropped", zap.String("task", name), zap.Error(err))
	}
}

// submitWait runs fn on the pool and waits for its result. The request
// itself is not cancelled when ctx ends; its result is just not awaited.
func submitWait[T any](ctx context.Context, e *Engine, name string, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	ch := make(chan result, 1)
	err := e.pool.Submit(ctx, name, func(wctx context.Context) {
		v, err := fn(wctx)
		ch <- result{v, err}
	})
	if err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-e.quit:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (e *Engine) setStatus(to status.State, reason string) {
	if e.opts.Machine == nil {
		return
	}
	if err := e.opts.Machine.Ensure(to, reason); err != nil {
		e.logger.Debug("status unchanged", zap.String("to", string(to)), zap.Error(err))
	}
}

// remoteFailed maps a server error onto the connection status.
func (e *Engine) remoteFailed(err error) {
	switch {
	case errors.Is(err, bluebubbles.ErrUnauthorized):
		e.setStatus(status.AuthRequired, "server rejected the password")
	case errors.Is(err, bluebubbles.ErrConnectivity):
		e.setStatus(status.Degraded, err.Error())
	}
}

func (e *Engine) emitTranscripts(guids []string) {
	seen := make(map[string]bool, len(guids))
	for _, g := range guids {
		if seen[g] {
			continue
		}
		seen[g] = true
		e.bus.Emit(bus.KindTranscriptChanged, g)
	}
}
