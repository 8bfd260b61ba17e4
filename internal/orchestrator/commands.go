package orchestrator

import (
	"context"
	"slices"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/panel"
	"github.com/Iron-Ham/parley/internal/protocol"
	"github.com/Iron-Ham/parley/internal/session"
)

// Snapshot is a point-in-time copy of a negotiation's state.
type Snapshot struct {
	NegotiationID string                    `json:"negotiationId"`
	RoomID        string                    `json:"roomId"`
	Self          contract.Party            `json:"self"`
	Counterparty  contract.Party            `json:"counterparty"`
	Status        session.Status            `json:"status"`
	Document      *contract.LegalDocument   `json:"document"`
	Transcript    []session.TranscriptEntry `json:"transcript"`
	Partials      []session.TranscriptEntry `json:"partials"`
	OpenProposals []Proposal                `json:"openProposals"`
	History       []string                  `json:"history"`
	PeerConnected bool                      `json:"peerConnected"`
	Turns         int                       `json:"turns"`
	Halted        bool                      `json:"halted"`
	HaltReason    string                    `json:"haltReason,omitempty"`
}

// Start takes the initiator's opening turn. It fails with
// ErrNegotiationHalted if the turn exhausted its retries.
func (n *Negotiation) Start(ctx context.Context) error {
	_, err := do(ctx, n, func(context.Context) (struct{}, error) {
		if err := n.checkRunning(); err != nil {
			return struct{}{}, err
		}
		n.activate()
		n.takeTurn()
		return struct{}{}, n.checkRunning()
	})
	return err
}

// AddTranscript records one utterance of the voice conversation.
func (n *Negotiation) AddTranscript(ctx context.Context, entry session.TranscriptEntry) error {
	if entry.Speaker == "" {
		return errors.NewValidationError("speaker is required").WithField("speaker")
	}
	_, err := do(ctx, n, func(context.Context) (struct{}, error) {
		n.session.AddTranscript(entry)
		return struct{}{}, nil
	})
	return err
}

// Sign adds the local party's signature and tells the peer.
func (n *Negotiation) Sign(ctx context.Context) (*contract.LegalDocument, error) {
	return do(ctx, n, func(context.Context) (*contract.LegalDocument, error) {
		if err := n.checkRunning(); err != nil {
			return nil, err
		}
		at := n.now()
		added, err := n.tracker.AddSignature(n.cfg.Self.UserID, at)
		if err != nil {
			return nil, err
		}
		doc := n.tracker.Document()
		if added {
			msg := n.newMessage(protocol.KindSign)
			msg.DocumentID = doc.ID
			msg.SignedAt = at
			if err := n.send(msg); err != nil {
				return nil, err
			}
			n.record(n.cfg.Self.UserID, "signed "+doc.ID)
		}
		n.checkCompleted()
		return n.tracker.Document(), nil
	})
}

// milestoneCommand applies fn and sends the resulting record to the peer.
func (n *Negotiation) milestoneCommand(ctx context.Context, fn func(ctx context.Context) (contract.Milestone, error)) (contract.Milestone, error) {
	return do(ctx, n, func(runCtx context.Context) (contract.Milestone, error) {
		if err := n.checkRunning(); err != nil {
			return contract.Milestone{}, err
		}
		m, err := fn(runCtx)
		if err != nil {
			return contract.Milestone{}, err
		}
		n.sendMilestone(m)
		n.afterMilestoneChange()
		return n.tracker.Milestone(m.ID)
	})
}

// ConfirmMilestone records the local party's confirmation.
func (n *Negotiation) ConfirmMilestone(ctx context.Context, id string) (contract.Milestone, error) {
	return n.milestoneCommand(ctx, func(context.Context) (contract.Milestone, error) {
		return n.tracker.ConfirmMilestone(id, n.cfg.Self.Role)
	})
}

// ProposeMilestoneAmount proposes a figure for a range-priced milestone.
func (n *Negotiation) ProposeMilestoneAmount(ctx context.Context, id string, amount int64) (contract.Milestone, error) {
	return n.milestoneCommand(ctx, func(context.Context) (contract.Milestone, error) {
		return n.tracker.ProposeAmount(id, n.cfg.Self.UserID, amount)
	})
}

// AcceptMilestoneAmount agrees to the other party's proposed figure.
func (n *Negotiation) AcceptMilestoneAmount(ctx context.Context, id string) (contract.Milestone, error) {
	return n.milestoneCommand(ctx, func(context.Context) (contract.Milestone, error) {
		return n.tracker.AcceptAmount(id, n.cfg.Self.UserID)
	})
}

// StartVerification opens verification of a completed milestone.
func (n *Negotiation) StartVerification(ctx context.Context, id string) (contract.Milestone, error) {
	return n.milestoneCommand(ctx, func(context.Context) (contract.Milestone, error) {
		return n.tracker.StartVerification(id)
	})
}

// RecordVerification stores the outcome of verifying delivered work. Only
// the client records verification.
func (n *Negotiation) RecordVerification(ctx context.Context, id string, outcome contract.VerificationOutcome, notes string) (contract.Milestone, error) {
	return n.milestoneCommand(ctx, func(context.Context) (contract.Milestone, error) {
		if err := n.requireClient("record verification"); err != nil {
			return contract.Milestone{}, err
		}
		return n.tracker.RecordVerification(id, contract.VerificationResult{
			Outcome:    outcome,
			Notes:      notes,
			VerifiedBy: n.cfg.Self.UserID,
			VerifiedAt: n.now(),
		})
	})
}

// ReleaseMilestone pays out a verified milestone. Only the client releases.
func (n *Negotiation) ReleaseMilestone(ctx context.Context, id string) (contract.Milestone, error) {
	return n.milestoneCommand(ctx, func(runCtx context.Context) (contract.Milestone, error) {
		if err := n.requireClient("release"); err != nil {
			return contract.Milestone{}, err
		}
		return n.tracker.Release(runCtx, id)
	})
}

// RefundMilestone returns the hold of a failed or disputed milestone. Only
// the client refunds.
func (n *Negotiation) RefundMilestone(ctx context.Context, id string) (contract.Milestone, error) {
	return n.milestoneCommand(ctx, func(runCtx context.Context) (contract.Milestone, error) {
		if err := n.requireClient("refund"); err != nil {
			return contract.Milestone{}, err
		}
		return n.tracker.Refund(runCtx, id)
	})
}

// Dismiss records that userID closed the document view.
func (n *Negotiation) Dismiss(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.NewValidationError("user id is required").WithField("userId")
	}
	_, err := do(ctx, n, func(context.Context) (struct{}, error) {
		n.tracker.Dismiss(userID)
		return struct{}{}, nil
	})
	return err
}

// Reset drops the transcript, document and proposals, clears a halt and
// closes every observer in the room so clients reconnect to a clean state.
func (n *Negotiation) Reset(ctx context.Context) error {
	_, err := do(ctx, n, func(context.Context) (struct{}, error) {
		n.session.Reset()
		n.tracker.Reset()
		n.open = nil
		n.history = nil
		n.turns = 0
		n.halted = false
		n.haltReason = ""
		n.retries.ResetAll()
		if n.registry != nil {
			closed := n.registry.UnregisterRoom(n.cfg.RoomID)
			n.logger.Info("negotiation reset", "observers_closed", len(closed))
		}
		return struct{}{}, nil
	})
	return err
}

// Snapshot returns a copy of the current state.
func (n *Negotiation) Snapshot(ctx context.Context) (Snapshot, error) {
	return do(ctx, n, func(context.Context) (Snapshot, error) {
		open := make([]Proposal, len(n.open))
		for i, p := range n.open {
			p.Terms = p.Terms.Clone()
			open[i] = p
		}
		return Snapshot{
			NegotiationID: n.cfg.NegotiationID,
			RoomID:        n.cfg.RoomID,
			Self:          n.cfg.Self,
			Counterparty:  n.counterparty,
			Status:        n.session.Status(),
			Document:      n.tracker.Document(),
			Transcript:    n.session.Transcript(),
			Partials:      sortedPartials(n.session.Partials()),
			OpenProposals: open,
			History:       slices.Clone(n.history),
			PeerConnected: n.peerConnected.Load(),
			Turns:         n.turns,
			Halted:        n.halted,
			HaltReason:    n.haltReason,
		}, nil
	})
}

// CatchUp hands the catch-up panels for userID to send, one at a time, on
// the negotiation's goroutine. Broadcasts are issued from the same
// goroutine, so none can land between or after the catch-up panels with
// older state. The first send error stops the catch-up. The document is
// revealed unless userID dismissed it.
func (n *Negotiation) CatchUp(ctx context.Context, userID string, send func(panel.Panel) error) error {
	_, err := do(ctx, n, func(context.Context) (struct{}, error) {
		for _, p := range n.currentPanels(userID) {
			if err := send(p); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

func (n *Negotiation) checkRunning() error {
	if n.halted {
		return errors.NewNegotiationError(n.haltReason, errors.ErrNegotiationHalted).
			WithNegotiation(n.cfg.NegotiationID).
			WithStatus(string(session.StatusError))
	}
	return nil
}

func (n *Negotiation) requireClient(action string) error {
	if n.cfg.Self.Role != contract.RoleClient {
		return errors.NewValidationError("only the client may "+action).
			WithField("role").WithValue(n.cfg.Self.Role)
	}
	return nil
}
