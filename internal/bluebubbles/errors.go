package bluebubbles

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure.
type Kind int

const (
	// KindConnectivity covers timeouts and refused or dropped connections. Retryable.
	KindConnectivity Kind = iota + 1
	// KindAuthentication means the server rejected the password.
	KindAuthentication
	// KindProtocol means the response did not have the expected shape.
	KindProtocol
	// KindServer is a well-formed error reported by the server.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindAuthentication:
		return "authentication"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	}
	return "unknown"
}

// Sentinels for errors.Is against *Error.
var (
	ErrConnectivity = errors.New("bluebubbles: connectivity")
	ErrUnauthorized = errors.New("bluebubbles: unauthorized")
	ErrProtocol     = errors.New("bluebubbles: protocol")
	ErrServer       = errors.New("bluebubbles: server error")
)

// Error is returned by every Client call that fails.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	// Type is the server-supplied error type, if any.
	Type string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnectivity:
		return e.Kind == KindConnectivity
	case ErrUnauthorized:
		return e.Kind == KindAuthentication
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrServer:
		return e.Kind == KindServer
	}
	return false
}

// IsRetryable reports whether err is worth retrying on a later sync.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectivity)
}
