package bluebubbles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/bluebubbles/internal/bus"
)

// Reconnect delays for the push channel.
const (
	ReconnectInitial = time.Second
	ReconnectMax     = 30 * time.Second
)

// errAuth marks a handshake the server refused for bad credentials.
var errAuth = errors.New("push channel rejected credentials")

// SocketOptions configures a Socket.
type SocketOptions struct {
	URL        string
	Password   string
	Bus        *bus.Bus
	Logger     *zap.Logger
	HTTPClient *http.Client
	// Backoff overrides the reconnect schedule.
	Backoff *backoff.ExponentialBackOff
}

// Socket is the live event channel. Run keeps it connected and publishes
// every decoded event on the bus, in arrival order.
type Socket struct {
	url        string
	bus        *bus.Bus
	logger     *zap.Logger
	httpClient *http.Client
	backoff    *backoff.ExponentialBackOff
	connected  atomic.Bool
}

// NewSocket creates a Socket. It does not connect until Run.
func NewSocket(opts SocketOptions) (*Socket, error) {
	u, err := socketURL(opts.URL, opts.Password)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := opts.Backoff
	if b == nil {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = ReconnectInitial
		b.MaxInterval = ReconnectMax
	}
	return &Socket{url: u, bus: opts.Bus, logger: logger, httpClient: opts.HTTPClient, backoff: b}, nil
}

func socketURL(base, password string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("guid", password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connected reports whether the channel is currently up.
func (s *Socket) Connected() bool { return s.connected.Load() }

// Run connects and reconnects with capped exponential backoff until ctx is
// done. A credential rejection stops the loop and is returned.
func (s *Socket) Run(ctx context.Context) error {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errAuth) {
			s.publish(KindPushAuthFailed, err.Error())
			return &Error{Kind: KindAuthentication, Op: "push connect", Err: err}
		}

		wait := s.nextWait()
		s.logger.Warn("push channel down", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// nextWait is the next reconnect delay, with jitter kept inside the
// schedule's initial and max intervals.
func (s *Socket) nextWait() time.Duration {
	wait := s.backoff.NextBackOff()
	if wait == backoff.Stop || wait <= 0 {
		return s.backoff.MaxInterval
	}
	return min(max(wait, s.backoff.InitialInterval), s.backoff.MaxInterval)
}

type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// session runs one connection until it fails or ctx ends.
func (s *Socket) session(ctx context.Context) error {
	conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPClient: s.httpClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return errAuth
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(16 << 20)

	idle := 45 * time.Second
	for {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if s.connected.Swap(false) {
				s.publish(KindPushDisconnected, nil)
			}
			return fmt.Errorf("read: %w", err)
		}

		frame := string(data)
		if frame == "" {
			continue
		}
		switch frame[0] {
		case '0': // engine.io open
			var hs handshake
			if err := json.Unmarshal([]byte(frame[1:]), &hs); err == nil && hs.PingInterval > 0 {
				idle = time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte("40")); err != nil {
				return fmt.Errorf("socket.io connect: %w", err)
			}
		case '2': // ping
			if err := conn.Write(ctx, websocket.MessageText, []byte("3"+frame[1:])); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case '1': // engine.io close
			if s.connected.Swap(false) {
				s.publish(KindPushDisconnected, nil)
			}
			return errors.New("server closed the channel")
		case '4':
			if err := s.handlePacket(frame[1:]); err != nil {
				if s.connected.Swap(false) {
					s.publish(KindPushDisconnected, nil)
				}
				return err
			}
		}
	}
}

// handlePacket processes a socket.io packet (the part after engine.io's "4").
func (s *Socket) handlePacket(p string) error {
	if p == "" {
		return nil
	}
	switch p[0] {
	case '0': // connected to namespace
		s.connected.Store(true)
		s.backoff.Reset()
		s.logger.Info("push channel connected")
		s.publish(KindPushConnected, nil)
	case '1':
		return errors.New("server disconnected the namespace")
	case '4': // connect error
		msg := p[1:]
		if strings.Contains(strings.ToLower(msg), "auth") || strings.Contains(strings.ToLower(msg), "password") {
			return errAuth
		}
		return fmt.Errorf("socket.io connect error: %s", msg)
	case '2':
		s.handleEvent(p[1:])
	}
	return nil
}

func (s *Socket) handleEvent(body string) {
	// Skip an optional ack id before the JSON array.
	i := strings.IndexByte(body, '[')
	if i < 0 {
		return
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(body[i:]), &arr); err != nil || len(arr) == 0 {
		s.logger.Warn("malformed push frame", zap.Error(err))
		return
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		s.logger.Warn("push frame without event name", zap.Error(err))
		return
	}
	var payload json.RawMessage
	if len(arr) > 1 {
		payload = arr[1]
	}
	evt, err := DecodeEvent(name, payload)
	if err != nil {
		s.logger.Warn("dropping push event", zap.String("event", name), zap.Error(err))
		return
	}
	if u, ok := evt.(Unrecognized); ok {
		s.logger.Debug("unrecognized push event", zap.String("event", u.Name))
	}
	s.publish(evt.BusKind(), evt)
}

func (s *Socket) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
