// Package event provides a pub-sub event bus for decoupled inter-component
// communication in parley.
//
// The session state holder, the contract tracker and the connection registry
// are each typed event sources with a closed set of event kinds. The
// negotiation orchestrator observes them and turns events into panel messages
// for connected observers.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Kinds
//
// Session:
//   - [StatusChangedEvent]: session.status_changed (also emitted on reset)
//   - [TranscriptEvent]: session.transcript
//
// Contract:
//   - [DocumentSetEvent]: contract.document_set
//   - [SignatureAddedEvent]: contract.signature_added
//   - [DocumentStatusChangedEvent]: contract.document_status_changed
//   - [MilestoneUpdatedEvent]: contract.milestone_updated
//   - [ContractResetEvent]: contract.reset
//
// Registry:
//   - [SocketEvent]: registry.socket_registered, registry.socket_replaced, registry.socket_removed
//
// Negotiation:
//   - [PeerDisconnectedEvent]: peer.disconnected
//   - [NegotiationHaltedEvent]: negotiation.halted
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called synchronously
// on the publishing goroutine and protected against panics.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	unsubscribe := bus.Observe(event.TypeStatusChanged, func(e event.Event) {
//	    changed := e.(event.StatusChangedEvent)
//	    log.Printf("status %s -> %s", changed.Previous, changed.Status)
//	})
//	defer unsubscribe()
package event
