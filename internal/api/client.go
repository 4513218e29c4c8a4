package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a running daemon.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on a Unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return decode(out, reply)
}

func (c *Client) GetStatus(ctx context.Context) (*StatusReply, error) {
	var out StatusReply
	return &out, c.invoke(ctx, MethodGetStatus, Empty{}, &out)
}

func (c *Client) ListChats(ctx context.Context, req ListChatsRequest) (*ListChatsReply, error) {
	var out ListChatsReply
	return &out, c.invoke(ctx, MethodListChats, req, &out)
}

func (c *Client) SelectChat(ctx context.Context, chatGUID string) (*TranscriptReply, error) {
	var out TranscriptReply
	return &out, c.invoke(ctx, MethodSelectChat, SelectChatRequest{ChatGUID: chatGUID}, &out)
}

func (c *Client) ListMessages(ctx context.Context, req ListMessagesRequest) (*MessagesReply, error) {
	var out MessagesReply
	return &out, c.invoke(ctx, MethodListMessages, req, &out)
}

func (c *Client) SendText(ctx context.Context, req SendTextRequest) (string, error) {
	var out RequestReply
	err := c.invoke(ctx, MethodSendText, req, &out)
	return out.RequestID, err
}

func (c *Client) React(ctx context.Context, req ReactRequest) (string, error) {
	var out RequestReply
	err := c.invoke(ctx, MethodReact, req, &out)
	return out.RequestID, err
}

func (c *Client) Edit(ctx context.Context, req EditRequest) (string, error) {
	var out RequestReply
	err := c.invoke(ctx, MethodEdit, req, &out)
	return out.RequestID, err
}

func (c *Client) MarkRead(ctx context.Context, chatGUID string) error {
	return c.invoke(ctx, MethodMarkRead, MarkReadRequest{ChatGUID: chatGUID}, nil)
}

func (c *Client) SetFocused(ctx context.Context, focused bool) error {
	return c.invoke(ctx, MethodSetFocused, FocusRequest{Focused: focused}, nil)
}

// Sync runs one of SyncChats, SyncContacts or SyncCatchUp and returns its count.
func (c *Client) Sync(ctx context.Context, what string) (int, error) {
	var out SyncReply
	err := c.invoke(ctx, MethodSync, SyncRequest{What: what}, &out)
	return out.Count, err
}

func (c *Client) Wipe(ctx context.Context, scope string) error {
	return c.invoke(ctx, MethodWipe, WipeRequest{Scope: scope}, nil)
}

func (c *Client) ResolveContact(ctx context.Context, address string) (*ResolveContactReply, error) {
	var out ResolveContactReply
	return &out, c.invoke(ctx, MethodResolveContact, ResolveContactRequest{Address: address}, &out)
}

func (c *Client) FindChat(ctx context.Context, addresses []string) (string, error) {
	var out FindChatReply
	err := c.invoke(ctx, MethodFindChat, FindChatRequest{Addresses: addresses}, &out)
	return out.ChatGUID, err
}

func (c *Client) GetAttachment(ctx context.Context, guid string) (*AttachmentReply, error) {
	var out AttachmentReply
	return &out, c.invoke(ctx, MethodGetAttachment, AttachmentRequest{GUID: guid}, &out)
}

// Watch calls fn for each streamed event until ctx ends, the stream closes
// or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefixes []string, fn func(EventMessage) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod(MethodWatch))
	if err != nil {
		return err
	}
	in, err := encode(WatchRequest{Prefixes: prefixes})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt EventMessage
		if err := decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
