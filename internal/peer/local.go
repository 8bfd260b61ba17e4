package peer

import (
	"encoding/json"
	"sync"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/protocol"
)

// link is the shared lifetime of a local pair.
type link struct {
	once sync.Once
	done chan struct{}
	ends []*LocalEndpoint
}

func (l *link) close() {
	l.once.Do(func() {
		for _, e := range l.ends {
			e.inbox.close()
		}
		close(l.done)
	})
}

// LocalEndpoint is an in-process endpoint. Delivery goes through the
// partner's inbox, so it is asynchronous even though no network is involved.
type LocalEndpoint struct {
	id      string
	partner *LocalEndpoint
	inbox   *inbox
	link    *link
}

var _ Endpoint = (*LocalEndpoint)(nil)

// NewLocalEndpoint returns an endpoint without a partner. Its Send always
// fails with ErrNotPaired.
func NewLocalEndpoint(id string) *LocalEndpoint {
	e := &LocalEndpoint{id: id, inbox: newInbox()}
	e.link = &link{done: make(chan struct{}), ends: []*LocalEndpoint{e}}
	return e
}

// CreatePair returns two endpoints paired with each other. Pairing is
// symmetric and fixed for the lifetime of the pair.
func CreatePair(idA, idB string) (*LocalEndpoint, *LocalEndpoint, error) {
	if idA == "" || idB == "" {
		return nil, nil, errors.NewValidationError("both endpoint ids are required").WithField("id")
	}
	if idA == idB {
		return nil, nil, errors.NewValidationError("endpoint ids must differ").WithField("id").WithValue(idA)
	}

	a := &LocalEndpoint{id: idA, inbox: newInbox()}
	b := &LocalEndpoint{id: idB, inbox: newInbox()}
	a.partner, b.partner = b, a
	l := &link{done: make(chan struct{}), ends: []*LocalEndpoint{a, b}}
	a.link, b.link = l, l
	return a, b, nil
}

// UserID returns the local id.
func (e *LocalEndpoint) UserID() string { return e.id }

// OtherUserID returns the partner's id, or "" when unpaired.
func (e *LocalEndpoint) OtherUserID() string {
	if e.partner == nil {
		return ""
	}
	return e.partner.id
}

// Send deep-copies msg and queues it for the partner.
func (e *LocalEndpoint) Send(msg protocol.AgentMessage) error {
	if e.partner == nil {
		return errors.NewPeerError("send", errors.ErrNotPaired).WithUsers(e.id, "")
	}
	select {
	case <-e.link.done:
		return errors.NewPeerError("send", errors.ErrPeerClosed).WithUsers(e.id, e.partner.id)
	default:
	}

	copied, err := roundTrip(msg)
	if err != nil {
		return errors.NewPeerError("encode message", err).WithUsers(e.id, e.partner.id)
	}
	if !e.partner.inbox.push(copied) {
		return errors.NewPeerError("send", errors.ErrPeerClosed).WithUsers(e.id, e.partner.id)
	}
	return nil
}

// Receive returns the delivery channel.
func (e *LocalEndpoint) Receive() <-chan protocol.AgentMessage { return e.inbox.out }

// Disconnected is closed when either end closes.
func (e *LocalEndpoint) Disconnected() <-chan struct{} { return e.link.done }

// Close closes both ends. It is safe to call more than once.
func (e *LocalEndpoint) Close() error {
	e.link.close()
	return nil
}

// roundTrip copies msg through its wire encoding so sender and receiver
// never share memory.
func roundTrip(msg protocol.AgentMessage) (protocol.AgentMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return protocol.AgentMessage{}, err
	}
	var out protocol.AgentMessage
	if err := json.Unmarshal(data, &out); err != nil {
		return protocol.AgentMessage{}, err
	}
	return out, nil
}
