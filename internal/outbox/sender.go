// Package outbox dispatches user-originated writes (sends, tapbacks, edits)
// to the server. Requests for the same chat run one at a time, in order.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/bluebubbles/internal/bluebubbles"
	"github.com/matheus3301/bluebubbles/internal/bus"
	"github.com/matheus3301/bluebubbles/internal/store"
	"github.com/matheus3301/bluebubbles/internal/worker"
)

// Remote is the subset of the server client the outbox writes through.
type Remote interface {
	SendText(ctx context.Context, o bluebubbles.SendOptions) (*store.Message, error)
	SendReaction(ctx context.Context, chatGUID, messageGUID, reaction string, partIndex int) (*store.Message, error)
	EditMessage(ctx context.Context, messageGUID, text string, backtrackCount, partIndex int) (*store.Message, error)
}

// ErrInvalidRequest wraps every validation failure from Enqueue.
var ErrInvalidRequest = errors.New("invalid request")

// Kind is the type of outbound request.
type Kind string

const (
	KindText     Kind = "text"
	KindReaction Kind = "reaction"
	KindEdit     Kind = "edit"
)

// Request is one outbound write.
type Request struct {
	// ID is assigned by Enqueue when empty.
	ID       string
	Kind     Kind
	ChatGUID string
	// Text is the message body, or the new body for an edit.
	Text    string
	Method  string
	Effect  string
	Subject string
	ReplyTo string
	// MessageGUID is the tapback or edit target.
	MessageGUID string
	Reaction    string
	PartIndex   int
}

// Ack is published as bus.KindSendAck once the server confirmed a request.
type Ack struct {
	ID       string
	Kind     Kind
	ChatGUID string
	Message  store.Message
}

// Failure is published as bus.KindSendFailed. Text is what the user typed,
// so it can be put back in the input.
type Failure struct {
	ID       string
	Kind     Kind
	ChatGUID string
	Text     string
	Err      error
}

// Options configures a Sender.
type Options struct {
	DB     *store.DB
	Remote Remote
	Pool   *worker.Pool
	Bus    *bus.Bus
	Logger *zap.Logger
	// OnAck runs on the worker after the confirmed message is stored.
	OnAck func(Ack)
	// OnFailure runs on the worker after a request failed.
	OnFailure func(Failure)
}

// Sender owns the per-chat queues.
type Sender struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string][]Request
	closed bool
}

// NewSender creates a Sender. It submits work to opts.Pool, which it does
// not own.
func NewSender(opts Options) *Sender {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{opts: opts, logger: logger, queues: make(map[string][]Request)}
}

func validate(r *Request) error {
	if r.ChatGUID == "" {
		return fmt.Errorf("%w: chat guid is required", ErrInvalidRequest)
	}
	switch r.Kind {
	case KindText:
		if r.Text == "" {
			return fmt.Errorf("%w: message text is empty", ErrInvalidRequest)
		}
	case KindReaction:
		if r.MessageGUID == "" || r.Reaction == "" {
			return fmt.Errorf("%w: reaction needs a target message and a reaction", ErrInvalidRequest)
		}
	case KindEdit:
		if r.MessageGUID == "" || r.Text == "" {
			return fmt.Errorf("%w: edit needs a target message and new text", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// Enqueue queues r behind any pending request of the same chat and returns
// its ID. Nothing is written locally until the server confirms.
func (s *Sender) Enqueue(ctx context.Context, r Request) (string, error) {
	if err := validate(&r); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", worker.ErrClosed
	}
	q, running := s.queues[r.ChatGUID]
	s.queues[r.ChatGUID] = append(q, r)
	s.mu.Unlock()

	if running {
		return r.ID, nil
	}
	chat := r.ChatGUID
	if err := s.opts.Pool.Submit(ctx, "outbox "+chat, func(ctx context.Context) { s.drain(ctx, chat) }); err != nil {
		s.mu.Lock()
		delete(s.queues, chat)
		s.mu.Unlock()
		return "", fmt.Errorf("queue %s: %w", r.Kind, err)
	}
	return r.ID, nil
}

// Pending returns the number of queued or in-flight requests for a chat.
func (s *Sender) Pending(chatGUID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[chatGUID])
}

// Close rejects further requests. Queued requests still drain while the
// pool runs.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// drain runs the chat's queue head-first until it is empty. The head stays
// in the queue while in flight so Enqueue sees the chat as busy.
func (s *Sender) drain(ctx context.Context, chat string) {
	for {
		s.mu.Lock()
		q := s.queues[chat]
		if len(q) == 0 {
			delete(s.queues, chat)
			s.mu.Unlock()
			return
		}
		r := q[0]
		s.mu.Unlock()

		s.dispatch(ctx, r)

		s.mu.Lock()
		s.queues[chat] = s.queues[chat][1:]
		s.mu.Unlock()
	}
}

func (s *Sender) dispatch(ctx context.Context, r Request) {
	msg, err := s.call(ctx, r)
	if err != nil {
		s.logger.Warn("outbound request failed",
			zap.String("id", r.ID), zap.String("kind", string(r.Kind)),
			zap.String("chat", r.ChatGUID), zap.Error(err))
		f := Failure{ID: r.ID, Kind: r.Kind, ChatGUID: r.ChatGUID, Text: r.Text, Err: err}
		s.publish(bus.KindSendFailed, f)
		if s.opts.OnFailure != nil {
			s.opts.OnFailure(f)
		}
		return
	}

	// The server accepted it, so a local write error must not read as a
	// failed send.
	msg.ChatGUID = r.ChatGUID
	if _, err := s.opts.DB.RecordMessage(r.ChatGUID, *msg); err != nil {
		s.logger.Error("store confirmed message",
			zap.String("id", r.ID), zap.String("guid", msg.GUID), zap.Error(err))
	}

	s.logger.Info("outbound request confirmed",
		zap.String("id", r.ID), zap.String("kind", string(r.Kind)), zap.String("guid", msg.GUID))
	a := Ack{ID: r.ID, Kind: r.Kind, ChatGUID: r.ChatGUID, Message: *msg}
	s.publish(bus.KindSendAck, a)
	if s.opts.OnAck != nil {
		s.opts.OnAck(a)
	}
}

func (s *Sender) call(ctx context.Context, r Request) (*store.Message, error) {
	switch r.Kind {
	case KindText:
		return s.opts.Remote.SendText(ctx, bluebubbles.SendOptions{
			ChatGUID: r.ChatGUID,
			Text:     r.Text,
			Method:   r.Method,
			Effect:   r.Effect,
			Subject:  r.Subject,
			ReplyTo:  r.ReplyTo,
		})
	case KindReaction:
		return s.opts.Remote.SendReaction(ctx, r.ChatGUID, r.MessageGUID, r.Reaction, r.PartIndex)
	case KindEdit:
		return s.opts.Remote.EditMessage(ctx, r.MessageGUID, r.Text, 1, r.PartIndex)
	}
	return nil, fmt.Errorf("unknown request kind %q", r.Kind)
}

func (s *Sender) publish(kind string, payload any) {
	if s.opts.Bus != nil {
		s.opts.Bus.Emit(kind, payload)
	}
}
