// Package registry maps participant identities to their live observer
// connections, tracks which room each identity watches, and fans messages
// out to rooms.
//
// Each Identity has at most one canonical transport. Registering a second
// transport for the same identity force-closes the first with
// CloseReplaced, and a close reported by a superseded transport never
// evicts its successor: teardown compares transports, not timestamps.
package registry

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/event"
	"github.com/Iron-Ham/parley/internal/logging"
)

// Surface is the kind of device an observer connects from.
type Surface string

const (
	SurfaceDefault Surface = ""
	SurfaceDesktop Surface = "desktop"
	SurfaceMobile  Surface = "mobile"
	SurfaceVoice   Surface = "voice"
)

// Valid reports whether s is a known surface.
func (s Surface) Valid() bool {
	switch s {
	case SurfaceDefault, SurfaceDesktop, SurfaceMobile, SurfaceVoice:
		return true
	}
	return false
}

// Identity keys a canonical transport: one user on one surface.
type Identity struct {
	UserID  string
	Surface Surface
}

// CloseCode is sent to a transport when the registry closes it.
type CloseCode int

const (
	// CloseNormal is a regular shutdown.
	CloseNormal CloseCode = 1000

	// CloseReplaced tells a client that a newer connection for the same
	// identity took over.
	CloseReplaced CloseCode = 4001

	// CloseReset tells a client that its room was torn down and it should
	// reconnect.
	CloseReset CloseCode = 4002
)

// Close reasons sent alongside the codes above.
const (
	ReasonReplaced = "replaced"
	ReasonReset    = "reset"
)

// Transport is one live observer connection. Implementations must be
// comparable, typically pointers, and Close must not call back into the
// registry synchronously.
type Transport interface {
	Send(data []byte) error
	Close(code CloseCode, reason string) error
	IsOpen() bool
}

type entry struct {
	transport Transport
	room      string
}

// Stats are diagnostic counters.
type Stats struct {
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Broadcasts  uint64 `json:"broadcasts"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	Replaced    uint64 `json:"replaced"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithBus publishes registry events on bus.
func WithBus(bus *event.Bus) Option {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxConcurrency bounds the goroutines used by one broadcast.
func WithMaxConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

// Registry is shared by every negotiation in the process and is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[Identity]*entry

	bus            *event.Bus
	logger         *logging.Logger
	maxConcurrency int

	broadcasts atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	replaced   atomic.Uint64
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:          make(map[Identity]*entry),
		logger:         logging.NopLogger(),
		maxConcurrency: 16,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) publish(events ...event.Event) {
	if r.bus == nil {
		return
	}
	for _, e := range events {
		r.bus.Publish(e)
	}
}

// RegisterSocket makes t the canonical transport for id. A different
// transport already registered for id is closed with CloseReplaced once t is
// stored; its room membership carries over to t.
func (r *Registry) RegisterSocket(id Identity, t Transport) {
	r.mu.Lock()
	var ev event.Event
	old, exists := r.conns[id]
	switch {
	case exists && old.transport == t:
		r.mu.Unlock()
		return
	case exists:
		r.conns[id] = &entry{transport: t, room: old.room}
		r.replaced.Add(1)
		ev = event.NewSocketReplacedEvent(id.UserID, string(id.Surface), old.room)
	default:
		r.conns[id] = &entry{transport: t}
		ev = event.NewSocketRegisteredEvent(id.UserID, string(id.Surface), "")
	}
	r.mu.Unlock()

	if exists {
		if err := old.transport.Close(CloseReplaced, ReasonReplaced); err != nil {
			r.logger.Debug("closing replaced transport", "user_id", id.UserID, "error", err)
		}
	}

	r.logger.Info("socket registered", "user_id", id.UserID, "surface", id.Surface, "replaced", exists)
	r.publish(ev)
}

// SocketClosed reports that t closed. The mapping is removed only when t is
// still the canonical transport for id. It reports whether anything was
// removed.
func (r *Registry) SocketClosed(id Identity, t Transport) bool {
	r.mu.Lock()
	cur, ok := r.conns[id]
	if !ok || cur.transport != t {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	r.mu.Unlock()

	r.publish(event.NewSocketRemovedEvent(id.UserID, string(id.Surface), cur.room, "closed"))
	return true
}

// UnregisterSocket removes id without closing its transport.
func (r *Registry) UnregisterSocket(id Identity) bool {
	r.mu.Lock()
	cur, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if ok {
		r.publish(event.NewSocketRemovedEvent(id.UserID, string(id.Surface), cur.room, "unregistered"))
	}
	return ok
}

// UnregisterRoom removes every identity in room and closes their transports
// with CloseReset so clients reconnect to a fresh session. It returns the
// removed identities.
func (r *Registry) UnregisterRoom(room string) []Identity {
	if room == "" {
		return nil
	}

	r.mu.Lock()
	var removed []Identity
	var transports []Transport
	for id, e := range r.conns {
		if e.room == room {
			removed = append(removed, id)
			transports = append(transports, e.transport)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(CloseReset, ReasonReset); err != nil {
			r.logger.Debug("closing reset transport", "room_id", room, "error", err)
		}
	}
	events := make([]event.Event, 0, len(removed))
	for _, id := range removed {
		events = append(events, event.NewSocketRemovedEvent(id.UserID, string(id.Surface), room, ReasonReset))
	}
	r.publish(events...)

	if len(removed) > 0 {
		r.logger.Info("room unregistered", "room_id", room, "count", len(removed))
	}
	return removed
}

// JoinRoom moves id into room, leaving any previous room.
func (r *Registry) JoinRoom(id Identity, room string) error {
	if room == "" {
		return errors.NewValidationError("room is required").WithField("roomId")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return errors.NewNotFoundError("connection", id.UserID)
	}
	e.room = room
	return nil
}

// LeaveRoom clears id's room membership.
func (r *Registry) LeaveRoom(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.room = ""
	}
}

// Room returns the room id is in.
func (r *Registry) Room(id Identity) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	return e.room, true
}

// SendToIdentity delivers data to id's transport. A missing or closed
// transport is skipped without error; the result reports delivery.
func (r *Registry) SendToIdentity(id Identity, data []byte) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	var t Transport
	if ok {
		t = e.transport
	}
	r.mu.RUnlock()

	if t == nil || !t.IsOpen() {
		return false
	}
	return r.deliver(t, data)
}

// SendToUser delivers data to every open transport of userID, across
// surfaces. It returns how many transports were reached.
func (r *Registry) SendToUser(userID string, data []byte) int {
	r.mu.RLock()
	var targets []Transport
	for id, e := range r.conns {
		if id.UserID == userID {
			targets = append(targets, e.transport)
		}
	}
	r.mu.RUnlock()

	return r.fanOut(targets, data)
}

// Broadcast delivers data to every open transport in room. Identities in
// other rooms are never reached. It returns how many transports were
// reached.
func (r *Registry) Broadcast(room string, data []byte) int {
	r.mu.RLock()
	var targets []Transport
	for _, e := range r.conns {
		if e.room == room && room != "" {
			targets = append(targets, e.transport)
		}
	}
	r.mu.RUnlock()

	r.broadcasts.Add(1)
	return r.fanOut(targets, data)
}

func (r *Registry) fanOut(targets []Transport, data []byte) int {
	switch len(targets) {
	case 0:
		return 0
	case 1:
		if targets[0].IsOpen() && r.deliver(targets[0], data) {
			return 1
		}
		return 0
	}

	p := pool.NewWithResults[bool]().WithMaxGoroutines(r.maxConcurrency)
	for _, t := range targets {
		p.Go(func() bool {
			return t.IsOpen() && r.deliver(t, data)
		})
	}
	n := 0
	for _, ok := range p.Wait() {
		if ok {
			n++
		}
	}
	return n
}

func (r *Registry) deliver(t Transport, data []byte) bool {
	if err := t.Send(data); err != nil {
		r.failed.Add(1)
		r.logger.Debug("send failed", "error", err)
		return false
	}
	r.delivered.Add(1)
	return true
}

// RoomUsers returns the sorted, de-duplicated user ids in room.
func (r *Registry) RoomUsers(room string) []string {
	r.mu.RLock()
	users := make([]string, 0)
	for id, e := range r.conns {
		if e.room == room && room != "" {
			users = append(users, id.UserID)
		}
	}
	r.mu.RUnlock()

	slices.Sort(users)
	return slices.Compact(users)
}

// Stats returns the diagnostic counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	rooms := make(map[string]bool)
	for _, e := range r.conns {
		if e.room != "" {
			rooms[e.room] = true
		}
	}
	s := Stats{Connections: len(r.conns), Rooms: len(rooms)}
	r.mu.RUnlock()

	s.Broadcasts = r.broadcasts.Load()
	s.Delivered = r.delivered.Load()
	s.Failed = r.failed.Load()
	s.Replaced = r.replaced.Load()
	return s
}
