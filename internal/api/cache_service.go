package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/bluebubbles/internal/bluebubbles"
	"github.com/matheus3301/bluebubbles/internal/bus"
	"github.com/matheus3301/bluebubbles/internal/model"
	"github.com/matheus3301/bluebubbles/internal/outbox"
	"github.com/matheus3301/bluebubbles/internal/status"
	"github.com/matheus3301/bluebubbles/internal/store"
	intsync "github.com/matheus3301/bluebubbles/internal/sync"
	"github.com/matheus3301/bluebubbles/internal/worker"
)

// PushState reports whether the live event channel is up.
type PushState interface {
	Connected() bool
}

// Options configures a CacheService.
type Options struct {
	Profile   string
	ServerURL string
	Engine    *intsync.Engine
	DB        *store.DB
	Machine   *status.Machine
	Bus       *bus.Bus
	// Push may be nil when no server is configured.
	Push   PushState
	Logger *zap.Logger
}

// CacheService implements CacheServer on top of the sync engine and store.
type CacheService struct {
	opts      Options
	logger    *zap.Logger
	startedAt time.Time
}

var _ CacheServer = (*CacheService)(nil)

// NewCacheService creates the service.
func NewCacheService(opts Options) *CacheService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{opts: opts, logger: logger, startedAt: time.Now()}
}

func (s *CacheService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.opts.Machine.Snapshot()
	reply := StatusReply{
		Profile:     s.opts.Profile,
		State:       string(snap.State),
		Reason:      snap.Reason,
		SinceUnixMs: snap.Since.UnixMilli(),
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
		ServerURL:   s.opts.ServerURL,
	}
	if s.opts.Push != nil {
		reply.PushConnected = s.opts.Push.Connected()
	}
	var err error
	if reply.Chats, err = s.opts.DB.ChatCount(); err != nil {
		return nil, toStatus("count chats", err)
	}
	if reply.Messages, err = s.opts.DB.MessageCount(); err != nil {
		return nil, toStatus("count messages", err)
	}
	if reply.Contacts, err = s.opts.DB.ContactCount(); err != nil {
		return nil, toStatus("count contacts", err)
	}
	chats, contacts := s.opts.Engine.LastSynced()
	reply.ChatsSyncedMs = unixMs(chats)
	reply.ContactsSyncedMs = unixMs(contacts)
	if reply.SelectedChat, err = s.opts.Engine.SelectedChat(ctx); err != nil {
		return nil, toStatus("selected chat", err)
	}
	return encode(reply)
}

func (s *CacheService) ListChats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListChatsRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	chats, err := s.opts.Engine.Chats(ctx)
	if err != nil {
		return nil, toStatus("list chats", err)
	}
	reply := ListChatsReply{Chats: []ChatItem{}}
	if req.Offset < len(chats) {
		page := chats[req.Offset:]
		if len(page) > req.Limit {
			page = page[:req.Limit]
			reply.HasMore = true
		}
		for i := range page {
			reply.Chats = append(reply.Chats, ChatItem{Chat: page[i], Title: s.opts.Engine.ChatTitle(&page[i])})
		}
	}
	return encode(reply)
}

func (s *CacheService) SelectChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SelectChatRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.ChatGUID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_guid is required")
	}
	view, err := s.opts.Engine.SelectChat(ctx, req.ChatGUID)
	if err != nil {
		return nil, toStatus("select chat", err)
	}
	return encode(transcriptReply(view))
}

func (s *CacheService) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListMessagesRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	var (
		msgs []store.Message
		err  error
	)
	switch {
	case strings.TrimSpace(req.Query) != "":
		msgs, err = s.opts.DB.SearchMessages(req.Query, req.ChatGUID, req.Limit)
	case req.ChatGUID != "":
		msgs, err = s.opts.DB.GetMessages(req.ChatGUID, req.Limit, req.BeforeMs)
	default:
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_guid or query is required")
	}
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return encode(MessagesReply{Messages: msgs})
}

func (s *CacheService) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendTextRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	id, err := s.opts.Engine.Send(ctx, intsync.SendRequest{
		ChatGUID: req.ChatGUID,
		Text:     req.Text,
		Effect:   req.Effect,
		Subject:  req.Subject,
		ReplyTo:  req.ReplyTo,
	})
	if err != nil {
		return nil, toStatus("send text", err)
	}
	return encode(RequestReply{RequestID: id})
}

func (s *CacheService) React(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ReactRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if _, err := model.ParseTapback(req.Reaction); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	id, err := s.opts.Engine.React(ctx, req.ChatGUID, req.MessageGUID, req.Reaction, req.PartIndex)
	if err != nil {
		return nil, toStatus("react", err)
	}
	return encode(RequestReply{RequestID: id})
}

func (s *CacheService) Edit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EditRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	id, err := s.opts.Engine.Edit(ctx, req.ChatGUID, req.MessageGUID, req.Text, req.PartIndex)
	if err != nil {
		return nil, toStatus("edit", err)
	}
	return encode(RequestReply{RequestID: id})
}

func (s *CacheService) MarkRead(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MarkReadRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.ChatGUID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_guid is required")
	}
	s.opts.Engine.MarkRead(req.ChatGUID)
	return encode(Empty{})
}

func (s *CacheService) SetFocused(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req FocusRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := s.opts.Engine.SetFocused(ctx, req.Focused); err != nil {
		return nil, toStatus("set focused", err)
	}
	return encode(Empty{})
}

func (s *CacheService) Sync(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SyncRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	var (
		n   int
		err error
	)
	switch req.What {
	case SyncChats, "":
		n, err = s.opts.Engine.SyncChats(ctx)
	case SyncContacts:
		n, err = s.opts.Engine.SyncContacts(ctx)
	case SyncCatchUp:
		n, err = s.opts.Engine.CatchUp(ctx)
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown sync target %q", req.What)
	}
	if err != nil {
		return nil, toStatus("sync "+req.What, err)
	}
	return encode(SyncReply{Count: n})
}

func (s *CacheService) Wipe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req WipeRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	scope, err := store.ParseScope(req.Scope)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.opts.Engine.Wipe(ctx, scope); err != nil {
		return nil, toStatus("wipe", err)
	}
	s.logger.Info("cache wiped", zap.String("scope", string(scope)))
	return encode(Empty{})
}

func (s *CacheService) ResolveContact(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ResolveContactRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.Address == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "address is required")
	}
	name, ok := s.opts.Engine.Resolver().Name(req.Address)
	if !ok {
		name = req.Address
	}
	return encode(ResolveContactReply{Name: name, Known: ok})
}

func (s *CacheService) FindChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req FindChatRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if len(req.Addresses) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "addresses are required")
	}
	guid, err := s.opts.Engine.FindExistingChat(ctx, req.Addresses)
	if err != nil {
		return nil, toStatus("find chat", err)
	}
	return encode(FindChatReply{ChatGUID: guid})
}

func (s *CacheService) GetAttachment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AttachmentRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.GUID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "guid is required")
	}
	data, err := s.opts.Engine.Attachment(ctx, req.GUID)
	if err != nil {
		return nil, toStatus("get attachment", err)
	}
	return encode(AttachmentReply{Path: s.opts.DB.AttachmentPath(req.GUID), Size: len(data)})
}

// Watch streams bus events whose kind starts with one of the requested
// prefixes until the client goes away.
func (s *CacheService) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := decodeRequest(in, &req); err != nil {
		return err
	}
	prefixes := req.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	merged := make(chan bus.Event, 256)
	for _, p := range prefixes {
		ch, unsub := s.opts.Bus.Subscribe(p, 256)
		defer unsub()
		go forward(stream.Context(), ch, merged)
	}

	for {
		select {
		case evt := <-merged:
			msg, err := encode(eventMessage(evt))
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func forward(ctx context.Context, in <-chan bus.Event, out chan<- bus.Event) {
	for {
		select {
		case evt, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func eventMessage(evt bus.Event) EventMessage {
	msg := EventMessage{Kind: evt.Kind, OccurredMs: evt.Timestamp.UnixMilli()}
	switch p := evt.Payload.(type) {
	case nil:
	case string:
		msg.PayloadText = p
	case intsync.SyncStatus:
		msg.Payload = map[string]any{"phase": p.Phase, "count": p.Count, "done": p.Done, "text": p.Text}
		if p.Err != nil {
			msg.Payload["error"] = p.Err.Error()
		}
	case intsync.Notification:
		msg.Payload = map[string]any{
			"chat_guid":    p.ChatGUID,
			"chat_title":   p.ChatTitle,
			"sender":       p.Sender,
			"text":         p.Text,
			"message_guid": p.MessageGUID,
			"date":         p.Date,
		}
	case intsync.TypingChange:
		msg.Payload = map[string]any{"chat_guid": p.ChatGUID, "typing": p.Typing}
	case status.StatusChange:
		msg.Payload = map[string]any{"from": string(p.From), "to": string(p.To), "reason": p.Reason}
	case outbox.Ack:
		msg.Payload = map[string]any{
			"request_id":   p.ID,
			"kind":         string(p.Kind),
			"chat_guid":    p.ChatGUID,
			"message_guid": p.Message.GUID,
		}
	case outbox.Failure:
		msg.Payload = map[string]any{
			"request_id": p.ID,
			"kind":       string(p.Kind),
			"chat_guid":  p.ChatGUID,
			"text":       p.Text,
		}
		if p.Err != nil {
			msg.Payload["error"] = p.Err.Error()
		}
	}
	return msg
}

func transcriptReply(v intsync.TranscriptView) TranscriptReply {
	out := TranscriptReply{ChatGUID: v.ChatGUID, Messages: v.Messages, Badges: make(map[string][]Badge, len(v.Badges))}
	if out.Messages == nil {
		out.Messages = []store.Message{}
	}
	for guid, badges := range v.Badges {
		for _, b := range badges {
			out.Badges[guid] = append(out.Badges[guid], Badge{Kind: b.Kind.Name(), Code: int(b.Kind), Count: b.Count})
		}
	}
	return out
}

func decodeRequest(in *structpb.Struct, out any) error {
	if err := decode(in, out); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// toStatus maps an engine or store error onto a gRPC status.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, outbox.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, intsync.ErrNoRemote):
		code = codes.FailedPrecondition
	case errors.Is(err, intsync.ErrStopped), errors.Is(err, worker.ErrClosed), errors.Is(err, worker.ErrQueueFull):
		code = codes.Unavailable
	case errors.Is(err, bluebubbles.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, bluebubbles.ErrConnectivity):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
