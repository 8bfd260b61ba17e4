// Package protocol defines the AgentMessage exchanged between the two agents
// of a negotiation over a peer channel.
package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/errors"
)

// Kind identifies the kind of agent message.
type Kind string

const (
	// KindPropose opens a new proposal.
	KindPropose Kind = "agent_propose"

	// KindCounter supersedes an open proposal with new terms.
	KindCounter Kind = "agent_counter"

	// KindAccept accepts the referenced proposal.
	KindAccept Kind = "agent_accept"

	// KindReject closes the referenced proposal.
	KindReject Kind = "agent_reject"

	// KindSign attests the sender's signature on the current document.
	KindSign Kind = "agent_sign"

	// KindMilestone carries a full milestone record.
	KindMilestone Kind = "agent_milestone"
)

var validKinds = map[Kind]bool{
	KindPropose:   true,
	KindCounter:   true,
	KindAccept:    true,
	KindReject:    true,
	KindSign:      true,
	KindMilestone: true,
}

// ValidKind reports whether k is a known message kind.
func ValidKind(k Kind) bool {
	return validKinds[k]
}

// AgentMessage is one message of the peer protocol. Propose and counter
// carry ProposalID and Terms; counter, accept and reject name the proposal
// they answer in InReplyTo.
type AgentMessage struct {
	ID            string              `json:"id"`
	Kind          Kind                `json:"type"`
	NegotiationID string              `json:"negotiationId"`
	FromAgent     string              `json:"fromAgent"`
	Party         *contract.Party     `json:"party,omitempty"`
	ProposalID    string              `json:"proposalId,omitempty"`
	InReplyTo     string              `json:"inReplyTo,omitempty"`
	Terms         *contract.Terms     `json:"terms,omitempty"`
	Text          string              `json:"text,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	DocumentID    string              `json:"documentId,omitempty"`
	SignedAt      time.Time           `json:"signedAt,omitzero"`
	Milestone     *contract.Milestone `json:"milestone,omitempty"`
	SentAt        time.Time           `json:"sentAt"`
}

// NewMessage creates a message with a fresh id and send time.
func NewMessage(kind Kind, negotiationID, fromAgent string) AgentMessage {
	return AgentMessage{
		ID:            "msg_" + uuid.NewString(),
		Kind:          kind,
		NegotiationID: negotiationID,
		FromAgent:     fromAgent,
		SentAt:        time.Now().UTC(),
	}
}

// NewProposalID returns a fresh proposal id.
func NewProposalID() string {
	return "prop_" + uuid.NewString()
}

// Validate checks the fields each kind requires.
func (m AgentMessage) Validate() error {
	if !ValidKind(m.Kind) {
		return errors.NewValidationError("unknown message kind").WithField("type").WithValue(m.Kind)
	}
	if m.NegotiationID == "" {
		return errors.NewValidationError("negotiation id is required").WithField("negotiationId")
	}
	if m.FromAgent == "" {
		return errors.NewValidationError("sender is required").WithField("fromAgent")
	}

	switch m.Kind {
	case KindPropose, KindCounter:
		if m.ProposalID == "" {
			return errors.NewValidationError("proposal id is required").WithField("proposalId")
		}
		if m.Terms == nil {
			return errors.NewValidationError("terms are required").WithField("terms")
		}
		if err := m.Terms.Validate(); err != nil {
			return err
		}
	case KindSign:
		if m.DocumentID == "" {
			return errors.NewValidationError("document id is required").WithField("documentId")
		}
	case KindMilestone:
		if m.DocumentID == "" {
			return errors.NewValidationError("document id is required").WithField("documentId")
		}
		if m.Milestone == nil || m.Milestone.ID == "" {
			return errors.NewValidationError("milestone record is required").WithField("milestone")
		}
	}

	if m.Kind == KindCounter || m.Kind == KindAccept || m.Kind == KindReject {
		if m.InReplyTo == "" {
			return errors.NewValidationError("referenced proposal is required").WithField("inReplyTo")
		}
	}
	return nil
}

// Clone returns a deep copy of m.
func (m AgentMessage) Clone() AgentMessage {
	out := m
	if m.Party != nil {
		p := *m.Party
		out.Party = &p
	}
	if m.Terms != nil {
		t := m.Terms.Clone()
		out.Terms = &t
	}
	if m.Milestone != nil {
		ms := m.Milestone.Clone()
		out.Milestone = &ms
	}
	return out
}
