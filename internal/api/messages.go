package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/bluebubbles/internal/store"
)

// Requests and replies travel as google.protobuf.Struct. Each type below is
// the JSON shape of one of them.

type Empty struct{}

type StatusReply struct {
	Profile          string `json:"profile"`
	State            string `json:"state"`
	Reason           string `json:"reason,omitempty"`
	SinceUnixMs      int64  `json:"since_unix_ms"`
	UptimeMs         int64  `json:"uptime_ms"`
	ServerURL        string `json:"server_url,omitempty"`
	PushConnected    bool   `json:"push_connected"`
	Chats            int64  `json:"chats"`
	Messages         int64  `json:"messages"`
	Contacts         int64  `json:"contacts"`
	ChatsSyncedMs    int64  `json:"chats_synced_unix_ms,omitempty"`
	ContactsSyncedMs int64  `json:"contacts_synced_unix_ms,omitempty"`
	SelectedChat     string `json:"selected_chat,omitempty"`
}

type ListChatsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ChatItem is a chat with its resolved title.
type ChatItem struct {
	store.Chat
	Title string `json:"title"`
}

type ListChatsReply struct {
	Chats   []ChatItem `json:"chats"`
	HasMore bool       `json:"has_more"`
}

type SelectChatRequest struct {
	ChatGUID string `json:"chat_guid"`
}

type Badge struct {
	Kind  string `json:"kind"`
	Code  int    `json:"code"`
	Count int    `json:"count"`
}

type TranscriptReply struct {
	ChatGUID string             `json:"chat_guid"`
	Messages []store.Message    `json:"messages"`
	Badges   map[string][]Badge `json:"badges,omitempty"`
}

type ListMessagesRequest struct {
	ChatGUID string `json:"chat_guid,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	// BeforeMs pages backwards from a creation time. Zero starts at the newest.
	BeforeMs int64 `json:"before_unix_ms,omitempty"`
	// Query switches to a text search, optionally scoped to ChatGUID.
	Query string `json:"query,omitempty"`
}

type MessagesReply struct {
	Messages []store.Message `json:"messages"`
}

type SendTextRequest struct {
	ChatGUID string `json:"chat_guid"`
	Text     string `json:"text"`
	Effect   string `json:"effect,omitempty"`
	Subject  string `json:"subject,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

type ReactRequest struct {
	ChatGUID    string `json:"chat_guid"`
	MessageGUID string `json:"message_guid"`
	Reaction    string `json:"reaction"`
	PartIndex   int    `json:"part_index,omitempty"`
}

type EditRequest struct {
	ChatGUID    string `json:"chat_guid"`
	MessageGUID string `json:"message_guid"`
	Text        string `json:"text"`
	PartIndex   int    `json:"part_index,omitempty"`
}

// RequestReply carries the client request id assigned to an outbound send.
type RequestReply struct {
	RequestID string `json:"request_id"`
}

// Sync targets.
const (
	SyncChats    = "chats"
	SyncContacts = "contacts"
	SyncCatchUp  = "catch-up"
)

type SyncRequest struct {
	What string `json:"what"`
}

type SyncReply struct {
	Count int `json:"count"`
}

type WipeRequest struct {
	Scope string `json:"scope"`
}

type MarkReadRequest struct {
	ChatGUID string `json:"chat_guid"`
}

type FocusRequest struct {
	Focused bool `json:"focused"`
}

type ResolveContactRequest struct {
	Address string `json:"address"`
}

type ResolveContactReply struct {
	Name  string `json:"name"`
	Known bool   `json:"known"`
}

type FindChatRequest struct {
	Addresses []string `json:"addresses"`
}

type FindChatReply struct {
	ChatGUID string `json:"chat_guid,omitempty"`
}

type AttachmentRequest struct {
	GUID string `json:"guid"`
}

type AttachmentReply struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

type WatchRequest struct {
	// Prefixes filters event kinds. Empty watches everything.
	Prefixes []string `json:"prefixes,omitempty"`
}

// EventMessage is one bus event as streamed by Watch.
type EventMessage struct {
	Kind        string         `json:"kind"`
	OccurredMs  int64          `json:"occurred_unix_ms"`
	Payload     map[string]any `json:"payload,omitempty"`
	PayloadText string         `json:"payload_text,omitempty"`
}

// encode converts v to a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// decode fills out from a Struct. A nil Struct leaves out untouched.
func decode(s *structpb.Struct, out any) error {
	if s == nil {
		return nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %T: %w", out, err)
	}
	return nil
}
