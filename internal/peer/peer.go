// Package peer provides the paired, ordered and asynchronous message channel
// between the two agents of a negotiation.
//
// Two implementations share the Endpoint contract: LocalEndpoint pairs two
// agents in the same process, and NetEndpoint pairs them over a websocket.
// In both, Send never delivers in the caller's turn, messages from one
// sender arrive in the order they were sent, and every delivered message is
// a deep copy of what was sent.
package peer

import (
	"sync"
	"time"

	"github.com/Iron-Ham/parley/internal/protocol"
)

// Endpoint is one side of a peer channel.
type Endpoint interface {
	// UserID returns the local agent's id.
	UserID() string

	// OtherUserID returns the partner's id, or "" before pairing.
	OtherUserID() string

	// Send queues msg for the partner. It fails with ErrNotPaired when there
	// is no partner and with ErrPeerClosed after Close.
	Send(msg protocol.AgentMessage) error

	// Receive yields messages from the partner in send order. It is closed
	// after the channel is closed and queued messages are drained.
	Receive() <-chan protocol.AgentMessage

	// Disconnected is closed when either side closes the channel.
	Disconnected() <-chan struct{}

	// Close closes both sides of the channel.
	Close() error
}

// drainTimeout bounds how long queued messages wait for a reader after the
// inbox is closed. Messages still queued after it are dropped.
var drainTimeout = 5 * time.Second

// inbox is an unbounded FIFO drained into out by a pump goroutine. Pushing
// never blocks, so a sender is never coupled to its receiver.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []protocol.AgentMessage
	closed bool
	out    chan protocol.AgentMessage
	stop   chan struct{}
	drain  time.Duration
}

func newInbox() *inbox {
	q := &inbox{
		out:   make(chan protocol.AgentMessage),
		stop:  make(chan struct{}),
		drain: drainTimeout,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// push appends msg. It reports false once the inbox is closed.
func (q *inbox) push(msg protocol.AgentMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
	return true
}

// close stops accepting messages. Already queued messages are still
// delivered before out is closed, unless nobody reads them within the drain
// timeout.
func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
	time.AfterFunc(q.drain, func() { close(q.stop) })
}

func (q *inbox) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		msg := q.items[0]
		q.items[0] = protocol.AgentMessage{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- msg:
		case <-q.stop:
			return
		}
	}
}
