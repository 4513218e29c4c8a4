package bus

import "time"

// Topics published by the sync engine. Transport events from the push channel
// live under "push." and are declared next to the socket.
const (
	KindChatsChanged      = "chats.changed"
	KindTranscriptChanged = "transcript.changed"
	KindNotifyMessage     = "notify.message"
	KindTypingChanged     = "typing.changed"
	KindSyncStatus        = "sync.status"
	KindSendAck           = "message.send_ack"
	KindSendFailed        = "message.send_failed"
	KindStatusChanged     = "session.status_changed"
)

// Event is a single notification carried by the bus. Payload is owned by the
// receiver once delivered and must not be mutated by the publisher afterwards.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespace returns the part of Kind before the first dot.
func (e Event) Namespace() string {
	for i := 0; i < len(e.Kind); i++ {
		if e.Kind[i] == '.' {
			return e.Kind[:i]
		}
	}
	return e.Kind
}
