package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/logging"
	"github.com/Iron-Ham/parley/internal/protocol"
)

// Frame kinds of the websocket envelope.
const (
	frameHello   = "hello"
	frameMessage = "message"
	frameBye     = "bye"
)

// DefaultMaxMessageBytes bounds a single inbound frame.
const DefaultMaxMessageBytes int64 = 1 << 20

const writeTimeout = 10 * time.Second

// frame is the envelope every websocket message travels in.
type frame struct {
	Kind    string                 `json:"kind"`
	UserID  string                 `json:"userId"`
	Message *protocol.AgentMessage `json:"message,omitempty"`
}

// NetOption configures a NetEndpoint.
type NetOption func(*NetEndpoint)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) NetOption {
	return func(e *NetEndpoint) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMaxMessageBytes bounds inbound frames. Larger frames end the connection.
func WithMaxMessageBytes(n int64) NetOption {
	return func(e *NetEndpoint) {
		if n > 0 {
			e.maxMessageBytes = n
		}
	}
}

// NetEndpoint is an endpoint over a websocket connection. It is paired once
// the partner's hello frame arrives. A read error or a bye frame ends the
// connection and closes Disconnected.
type NetEndpoint struct {
	conn    *websocket.Conn
	localID string
	logger  *logging.Logger

	maxMessageBytes int64

	writeMu sync.Mutex

	mu       sync.Mutex
	otherID  string
	paired   chan struct{}
	isPaired bool

	inbox        *inbox
	disconnected chan struct{}
	closeOnce    sync.Once
}

var _ Endpoint = (*NetEndpoint)(nil)

// Dial connects to a peer listening at url and announces localID.
func Dial(ctx context.Context, url, localID string, opts ...NetOption) (*NetEndpoint, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.NewPeerError("dial "+url, err).WithUsers(localID, "")
	}
	return Accept(conn, localID, opts...)
}

// Accept wraps an established connection, typically one upgraded by the
// HTTP server, and announces localID.
func Accept(conn *websocket.Conn, localID string, opts ...NetOption) (*NetEndpoint, error) {
	e := &NetEndpoint{
		conn:            conn,
		localID:         localID,
		logger:          logging.NopLogger(),
		maxMessageBytes: DefaultMaxMessageBytes,
		paired:          make(chan struct{}),
		inbox:           newInbox(),
		disconnected:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithUser(localID)
	conn.SetReadLimit(e.maxMessageBytes)

	if err := e.write(frame{Kind: frameHello, UserID: localID}); err != nil {
		e.shutdown("hello failed")
		return nil, errors.NewPeerError("send hello", err).WithUsers(localID, "")
	}
	go e.readLoop()
	return e, nil
}

// UserID returns the local id.
func (e *NetEndpoint) UserID() string { return e.localID }

// OtherUserID returns the partner's id once its hello has arrived.
func (e *NetEndpoint) OtherUserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.otherID
}

// Paired is closed when the partner's hello arrives.
func (e *NetEndpoint) Paired() <-chan struct{} { return e.paired }

// WaitPaired blocks until the partner's hello arrives, the connection ends,
// or ctx is done. A ctx deadline yields a TimeoutError; cancellation wraps
// ErrCanceled.
func (e *NetEndpoint) WaitPaired(ctx context.Context) error {
	start := time.Now()
	select {
	case <-e.paired:
		return nil
	case <-e.disconnected:
		return errors.NewPeerError("wait for partner", errors.ErrPeerClosed).WithUsers(e.localID, "")
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.NewTimeoutError("wait for partner hello", time.Since(start).Round(time.Millisecond)).
				WithCause(ctx.Err())
		}
		return errors.NewPeerError("wait for partner", errors.Join(errors.ErrCanceled, ctx.Err())).WithUsers(e.localID, "")
	}
}

// Send writes msg to the partner.
func (e *NetEndpoint) Send(msg protocol.AgentMessage) error {
	select {
	case <-e.disconnected:
		return errors.NewPeerError("send", errors.ErrPeerClosed).WithUsers(e.localID, e.OtherUserID())
	default:
	}

	e.mu.Lock()
	isPaired, other := e.isPaired, e.otherID
	e.mu.Unlock()
	if !isPaired {
		return errors.NewPeerError("send", errors.ErrNotPaired).WithUsers(e.localID, "")
	}

	if err := e.write(frame{Kind: frameMessage, UserID: e.localID, Message: &msg}); err != nil {
		e.shutdown("write failed")
		return errors.NewPeerError("send", err).WithUsers(e.localID, other)
	}
	return nil
}

// Receive returns the delivery channel.
func (e *NetEndpoint) Receive() <-chan protocol.AgentMessage { return e.inbox.out }

// Disconnected is closed when the connection ends for any reason.
func (e *NetEndpoint) Disconnected() <-chan struct{} { return e.disconnected }

// Close sends a bye frame and closes the connection.
func (e *NetEndpoint) Close() error {
	select {
	case <-e.disconnected:
		return nil
	default:
	}
	if err := e.write(frame{Kind: frameBye, UserID: e.localID}); err != nil {
		e.logger.Debug("bye not delivered", "error", err)
	}
	e.shutdown("closed locally")
	return nil
}

func (e *NetEndpoint) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *NetEndpoint) readLoop() {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			e.shutdown("read failed: " + err.Error())
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			e.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f.Kind {
		case frameHello:
			e.mu.Lock()
			if !e.isPaired {
				e.otherID = f.UserID
				e.isPaired = true
				close(e.paired)
			}
			e.mu.Unlock()
			e.logger.Info("peer paired", "peer_id", f.UserID)
		case frameMessage:
			if f.Message == nil {
				continue
			}
			if !e.inbox.push(*f.Message) {
				return
			}
		case frameBye:
			e.shutdown("closed by peer")
			return
		default:
			e.logger.Warn("dropping unknown frame", "kind", f.Kind)
		}
	}
}

func (e *NetEndpoint) shutdown(reason string) {
	e.closeOnce.Do(func() {
		e.logger.Info("peer disconnected", "reason", reason)
		_ = e.conn.Close()
		e.inbox.close()
		close(e.disconnected)
	})
}
