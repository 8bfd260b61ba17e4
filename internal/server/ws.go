package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/panel"
	"github.com/Iron-Ham/parley/internal/registry"
)

const (
	writeTimeout     = 10 * time.Second
	maxObserverFrame = 4096
)

// wsTransport is one observer connection.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

var _ registry.Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(data []byte) error {
	if t.closed.Load() {
		return errors.NewPeerError("send to observer", errors.ErrPeerClosed)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and drops the connection. It is
// idempotent.
func (t *wsTransport) Close(code registry.CloseCode, reason string) error {
	if t.closed.Swap(true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(int(code), reason)
	err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if cerr := t.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *wsTransport) IsOpen() bool { return !t.closed.Load() }

// handleObserve upgrades an observer, joins it to its room and sends the
// current panels. Observers are receive-only: inbound frames are read to
// detect the close and otherwise ignored.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := registry.Identity{UserID: q.Get("userId"), Surface: registry.Surface(q.Get("surface"))}
	room := q.Get("roomId")
	switch {
	case id.UserID == "":
		s.writeErr(w, errors.NewValidationError("userId is required").WithField("userId"))
		return
	case room == "":
		s.writeErr(w, errors.NewValidationError("roomId is required").WithField("roomId"))
		return
	case !id.Surface.Valid():
		s.writeErr(w, errors.NewValidationError("unknown surface").WithField("surface").WithValue(id.Surface))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("observer upgrade failed", "user_id", id.UserID, "error", err)
		return
	}
	conn.SetReadLimit(maxObserverFrame)
	t := newWSTransport(conn)
	log := s.logger.WithUser(id.UserID).WithRoom(room)

	s.registry.RegisterSocket(id, t)
	if err := s.registry.JoinRoom(id, room); err != nil {
		log.Warn("observer join failed", "error", err)
		s.registry.SocketClosed(id, t)
		_ = t.Close(registry.CloseNormal, "join failed")
		return
	}
	s.catchUp(r, t, id.UserID, room)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if s.registry.SocketClosed(id, t) {
		log.Debug("observer disconnected", "surface", id.Surface)
	}
	_ = t.Close(registry.CloseNormal, "")
}

// catchUp sends the room's current panels. It runs after the join so any
// later change also reaches the observer through the room broadcast, and
// the sends run on the negotiation's goroutine so no broadcast of older
// state can follow them.
func (s *Server) catchUp(r *http.Request, t *wsTransport, userID, room string) {
	n, ok := s.negotiations.ByRoom(room)
	if !ok {
		return
	}
	err := n.CatchUp(r.Context(), userID, func(p panel.Panel) error {
		data, err := panel.Encode(p)
		if err != nil {
			s.logger.Error("failed to encode panel", "panel", p.PanelKind(), "error", err)
			return nil
		}
		return t.Send(data)
	})
	if err != nil {
		s.logger.Debug("catch-up incomplete", "room_id", room, "error", err)
	}
}

// handlePeer hands the other agent's connection to the configured
// PeerHandler.
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	if s.peerHandler == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "this server does not accept peers", nil)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("peer upgrade failed", "error", err)
		return
	}
	if err := s.peerHandler(conn); err != nil {
		s.logger.Warn("peer rejected", "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}
