// Package event defines event types for decoupling components in parley.
// These events let the session, contract tracker, connection registry and
// orchestrator observe each other without direct dependencies.
package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "session.status_changed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// The closed set of event kinds published by parley components.
const (
	TypeStatusChanged         = "session.status_changed"
	TypeTranscript            = "session.transcript"
	TypeDocumentSet           = "contract.document_set"
	TypeSignatureAdded        = "contract.signature_added"
	TypeDocumentStatusChanged = "contract.document_status_changed"
	TypeMilestoneUpdated      = "contract.milestone_updated"
	TypeContractReset         = "contract.reset"
	TypeSocketRegistered      = "registry.socket_registered"
	TypeSocketReplaced        = "registry.socket_replaced"
	TypeSocketRemoved         = "registry.socket_removed"
	TypePeerDisconnected      = "peer.disconnected"
	TypeNegotiationHalted     = "negotiation.halted"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// StatusChangedEvent is emitted on every Session.SetStatus and Session.Reset,
// including resets that leave the status at its initial value.
type StatusChangedEvent struct {
	baseEvent
	NegotiationID string
	Previous      string
	Status        string
	Reset         bool // True when emitted by Reset
}

// NewStatusChangedEvent creates a StatusChangedEvent.
func NewStatusChangedEvent(negotiationID, previous, status string, reset bool) StatusChangedEvent {
	return StatusChangedEvent{
		baseEvent:     newBaseEvent(TypeStatusChanged),
		NegotiationID: negotiationID,
		Previous:      previous,
		Status:        status,
		Reset:         reset,
	}
}

// TranscriptEvent is emitted when a transcript entry (partial or final) arrives.
type TranscriptEvent struct {
	baseEvent
	NegotiationID string
	Speaker       string
	Text          string
	SpokenAt      time.Time
	IsLocal       bool
	IsFinal       bool
}

// NewTranscriptEvent creates a TranscriptEvent.
func NewTranscriptEvent(negotiationID, speaker, text string, spokenAt time.Time, isLocal, isFinal bool) TranscriptEvent {
	return TranscriptEvent{
		baseEvent:     newBaseEvent(TypeTranscript),
		NegotiationID: negotiationID,
		Speaker:       speaker,
		Text:          text,
		SpokenAt:      spokenAt,
		IsLocal:       isLocal,
		IsFinal:       isFinal,
	}
}

// -----------------------------------------------------------------------------
// Contract Events
// -----------------------------------------------------------------------------

// DocumentSetEvent is emitted when a contract document is installed or replaced.
// Reveal is true only for the first document since the last reset.
type DocumentSetEvent struct {
	baseEvent
	NegotiationID string
	DocumentID    string
	Reveal        bool
	Replaced      bool
}

// NewDocumentSetEvent creates a DocumentSetEvent.
func NewDocumentSetEvent(negotiationID, documentID string, reveal, replaced bool) DocumentSetEvent {
	return DocumentSetEvent{
		baseEvent:     newBaseEvent(TypeDocumentSet),
		NegotiationID: negotiationID,
		DocumentID:    documentID,
		Reveal:        reveal,
		Replaced:      replaced,
	}
}

// SignatureAddedEvent is emitted when a new signature is appended.
type SignatureAddedEvent struct {
	baseEvent
	NegotiationID string
	DocumentID    string
	UserID        string
}

// NewSignatureAddedEvent creates a SignatureAddedEvent.
func NewSignatureAddedEvent(negotiationID, documentID, userID string) SignatureAddedEvent {
	return SignatureAddedEvent{
		baseEvent:     newBaseEvent(TypeSignatureAdded),
		NegotiationID: negotiationID,
		DocumentID:    documentID,
		UserID:        userID,
	}
}

// DocumentStatusChangedEvent is emitted when the document status moves.
type DocumentStatusChangedEvent struct {
	baseEvent
	NegotiationID string
	DocumentID    string
	Previous      string
	Status        string
}

// NewDocumentStatusChangedEvent creates a DocumentStatusChangedEvent.
func NewDocumentStatusChangedEvent(negotiationID, documentID, previous, status string) DocumentStatusChangedEvent {
	return DocumentStatusChangedEvent{
		baseEvent:     newBaseEvent(TypeDocumentStatusChanged),
		NegotiationID: negotiationID,
		DocumentID:    documentID,
		Previous:      previous,
		Status:        status,
	}
}

// MilestoneUpdatedEvent is emitted after a milestone record is replaced.
type MilestoneUpdatedEvent struct {
	baseEvent
	NegotiationID string
	DocumentID    string
	MilestoneID   string
	Previous      string
	Status        string
}

// NewMilestoneUpdatedEvent creates a MilestoneUpdatedEvent.
func NewMilestoneUpdatedEvent(negotiationID, documentID, milestoneID, previous, status string) MilestoneUpdatedEvent {
	return MilestoneUpdatedEvent{
		baseEvent:     newBaseEvent(TypeMilestoneUpdated),
		NegotiationID: negotiationID,
		DocumentID:    documentID,
		MilestoneID:   milestoneID,
		Previous:      previous,
		Status:        status,
	}
}

// ContractResetEvent is emitted when the tracker drops its document.
type ContractResetEvent struct {
	baseEvent
	NegotiationID string
}

// NewContractResetEvent creates a ContractResetEvent.
func NewContractResetEvent(negotiationID string) ContractResetEvent {
	return ContractResetEvent{
		baseEvent:     newBaseEvent(TypeContractReset),
		NegotiationID: negotiationID,
	}
}

// -----------------------------------------------------------------------------
// Registry Events
// -----------------------------------------------------------------------------

// SocketEvent describes a change to the connection registry. The same struct
// backs the registered, replaced and removed kinds.
type SocketEvent struct {
	baseEvent
	UserID  string
	Surface string
	RoomID  string
	Reason  string
}

// NewSocketRegisteredEvent creates a registry.socket_registered event.
func NewSocketRegisteredEvent(userID, surface, roomID string) SocketEvent {
	return SocketEvent{
		baseEvent: newBaseEvent(TypeSocketRegistered),
		UserID:    userID,
		Surface:   surface,
		RoomID:    roomID,
	}
}

// NewSocketReplacedEvent creates a registry.socket_replaced event.
func NewSocketReplacedEvent(userID, surface, roomID string) SocketEvent {
	return SocketEvent{
		baseEvent: newBaseEvent(TypeSocketReplaced),
		UserID:    userID,
		Surface:   surface,
		RoomID:    roomID,
		Reason:    "replaced",
	}
}

// NewSocketRemovedEvent creates a registry.socket_removed event.
func NewSocketRemovedEvent(userID, surface, roomID, reason string) SocketEvent {
	return SocketEvent{
		baseEvent: newBaseEvent(TypeSocketRemoved),
		UserID:    userID,
		Surface:   surface,
		RoomID:    roomID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Negotiation Events
// -----------------------------------------------------------------------------

// PeerDisconnectedEvent is emitted when the paired peer endpoint goes away.
type PeerDisconnectedEvent struct {
	baseEvent
	NegotiationID string
	UserID        string
	PeerID        string
}

// NewPeerDisconnectedEvent creates a PeerDisconnectedEvent.
func NewPeerDisconnectedEvent(negotiationID, userID, peerID string) PeerDisconnectedEvent {
	return PeerDisconnectedEvent{
		baseEvent:     newBaseEvent(TypePeerDisconnected),
		NegotiationID: negotiationID,
		UserID:        userID,
		PeerID:        peerID,
	}
}

// NegotiationHaltedEvent is emitted when the orchestrator enters the error state.
type NegotiationHaltedEvent struct {
	baseEvent
	NegotiationID string
	Reason        string
}

// NewNegotiationHaltedEvent creates a NegotiationHaltedEvent.
func NewNegotiationHaltedEvent(negotiationID, reason string) NegotiationHaltedEvent {
	return NegotiationHaltedEvent{
		baseEvent:     newBaseEvent(TypeNegotiationHalted),
		NegotiationID: negotiationID,
		Reason:        reason,
	}
}
