package bluebubbles

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/bluebubbles/internal/store"
)

// Bus event kinds published by Socket.
const (
	KindPushNewMessage     = "push.new_message"
	KindPushMessageUpdated = "push.message_updated"
	KindPushTyping         = "push.typing"
	KindPushUnrecognized   = "push.unrecognized"
	KindPushConnected      = "push.connected"
	KindPushDisconnected   = "push.disconnected"
	KindPushAuthFailed     = "push.auth_failed"
)

// Event is a decoded push event: NewMessage, MessageUpdated, Typing or
// Unrecognized.
type Event interface {
	// BusKind is the bus event kind the socket publishes it under.
	BusKind() string
}

// NewMessage is a message the server just received or sent.
type NewMessage struct {
	ChatGUID string
	Message  store.Message
}

// MessageUpdated carries the full new record of a message whose delivery,
// read or edit state changed. ChatGUID may be empty.
type MessageUpdated struct {
	ChatGUID string
	Message  store.Message
}

// Typing reports whether the other side is composing in a chat.
type Typing struct {
	ChatGUID string
	Display  bool
}

// Unrecognized is any event the client does not model.
type Unrecognized struct {
	Name string
	Raw  json.RawMessage
}

func (NewMessage) BusKind() string     { return KindPushNewMessage }
func (MessageUpdated) BusKind() string { return KindPushMessageUpdated }
func (Typing) BusKind() string         { return KindPushTyping }
func (Unrecognized) BusKind() string   { return KindPushUnrecognized }

// unwrapData returns payload.data when the server wrapped the record.
func unwrapData(payload json.RawMessage) json.RawMessage {
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Data) > 0 && bytes.HasPrefix(bytes.TrimSpace(wrapped.Data), []byte("{")) {
		return wrapped.Data
	}
	return payload
}

// DecodeEvent turns a named Socket.IO event into an Event. Payloads of known
// events that fail to decode yield an error; unknown names yield Unrecognized.
func DecodeEvent(name string, payload json.RawMessage) (Event, error) {
	switch name {
	case "new-message":
		var w wireMessage
		if err := json.Unmarshal(unwrapData(payload), &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if w.GUID == "" {
			return nil, fmt.Errorf("decode %s: missing guid", name)
		}
		chat := w.chatGUID()
		if chat == "" {
			return nil, fmt.Errorf("decode %s %s: missing chat", name, w.GUID)
		}
		m := w.toStore()
		return NewMessage{ChatGUID: chat, Message: m}, nil

	case "updated-message", "message-updated":
		var w wireMessage
		if err := json.Unmarshal(unwrapData(payload), &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if w.GUID == "" {
			return nil, fmt.Errorf("decode %s: missing guid", name)
		}
		return MessageUpdated{ChatGUID: w.chatGUID(), Message: w.toStore()}, nil

	case "typing-indicator":
		var w struct {
			GUID     string `json:"guid"`
			ChatGUID string `json:"chatGuid"`
			Display  *bool  `json:"display"`
		}
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		chat := w.GUID
		if chat == "" {
			chat = w.ChatGUID
		}
		if chat == "" {
			return nil, fmt.Errorf("decode %s: missing chat", name)
		}
		display := true
		if w.Display != nil {
			display = *w.Display
		}
		return Typing{ChatGUID: chat, Display: display}, nil
	}
	return Unrecognized{Name: name, Raw: payload}, nil
}
