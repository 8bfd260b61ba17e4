package orchestrator

import (
	"fmt"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/orchestrator/prompt"
	"github.com/Iron-Ham/parley/internal/protocol"
	"github.com/Iron-Ham/parley/internal/session"
)

// handlePeer applies one message from the other agent.
func (n *Negotiation) handlePeer(msg protocol.AgentMessage) {
	log := n.logger.With("kind", msg.Kind, "message_id", msg.ID, "from", msg.FromAgent)
	if n.halted {
		log.Debug("ignoring peer message while halted")
		return
	}
	if msg.NegotiationID != n.cfg.NegotiationID {
		log.Warn("ignoring message for another negotiation", "negotiation", msg.NegotiationID)
		return
	}
	if msg.FromAgent != n.endpoint.OtherUserID() {
		log.Warn("ignoring message from unexpected sender")
		return
	}
	if err := msg.Validate(); err != nil {
		log.Warn("ignoring invalid message", "error", err)
		return
	}
	n.notePeerParty(msg)

	var err error
	switch msg.Kind {
	case protocol.KindPropose:
		err = n.onPropose(msg)
	case protocol.KindCounter:
		err = n.onCounter(msg)
	case protocol.KindAccept:
		err = n.onAccept(msg)
	case protocol.KindReject:
		err = n.onReject(msg)
	case protocol.KindSign:
		err = n.onSign(msg)
	case protocol.KindMilestone:
		err = n.onMilestone(msg)
	}
	if err != nil {
		log.Warn("peer message not applied", "error", err)
	}
}

// notePeerParty records how the other agent describes its principal.
func (n *Negotiation) notePeerParty(msg protocol.AgentMessage) {
	p := msg.Party
	if p == nil || p.UserID != msg.FromAgent {
		return
	}
	if !p.Role.Valid() || p.Role == n.cfg.Self.Role {
		n.logger.Warn("ignoring peer party with conflicting role", "role", p.Role)
		return
	}
	if p.Name == "" {
		p.Name = p.UserID
	}
	n.counterparty = *p
}

func (n *Negotiation) onPropose(msg protocol.AgentMessage) error {
	n.activate()
	switch n.session.Status() {
	case session.StatusActive, session.StatusNegotiating, session.StatusSigning:
	default:
		return errors.NewNegotiationError("proposal not accepted in this status", nil).
			WithStatus(string(n.session.Status()))
	}

	p := Proposal{ID: msg.ProposalID, From: msg.FromAgent, Terms: msg.Terms.Clone(), SentAt: msg.SentAt}
	n.addProposal(p)
	n.record(msg.FromAgent, fmt.Sprintf("proposed %s", describeTerms(p.ID, p.Terms)))
	n.transition(session.StatusNegotiating)
	n.takeTurn()
	return nil
}

func (n *Negotiation) onCounter(msg protocol.AgentMessage) error {
	if _, ok := n.proposal(msg.InReplyTo); !ok {
		return errors.NewNotFoundError("proposal", msg.InReplyTo)
	}
	n.closeProposal(msg.InReplyTo)

	p := Proposal{ID: msg.ProposalID, From: msg.FromAgent, Terms: msg.Terms.Clone(), SentAt: msg.SentAt}
	n.addProposal(p)
	n.record(msg.FromAgent, fmt.Sprintf("countered %s with %s", msg.InReplyTo, describeTerms(p.ID, p.Terms)))
	n.transition(session.StatusNegotiating)
	n.takeTurn()
	return nil
}

func (n *Negotiation) onAccept(msg protocol.AgentMessage) error {
	p, ok := n.proposal(msg.InReplyTo)
	if !ok || p.From != n.cfg.Self.UserID {
		return errors.NewNotFoundError("proposal", msg.InReplyTo)
	}
	n.record(msg.FromAgent, "accepted "+p.ID)
	return n.conclude(p)
}

func (n *Negotiation) onReject(msg protocol.AgentMessage) error {
	if _, ok := n.proposal(msg.InReplyTo); !ok {
		return errors.NewNotFoundError("proposal", msg.InReplyTo)
	}
	n.closeProposal(msg.InReplyTo)
	action := "rejected " + msg.InReplyTo
	if msg.Reason != "" {
		action += ": " + msg.Reason
	}
	n.record(msg.FromAgent, action)
	n.takeTurn()
	return nil
}

func (n *Negotiation) onSign(msg protocol.AgentMessage) error {
	doc := n.tracker.Document()
	if doc == nil || doc.ID != msg.DocumentID {
		return errors.NewNotFoundError("document", msg.DocumentID).WithCause(errors.ErrNoDocument)
	}
	added, err := n.tracker.AddSignature(msg.FromAgent, msg.SignedAt)
	if err != nil {
		return err
	}
	if added {
		n.record(msg.FromAgent, "signed "+doc.ID)
	}
	n.checkCompleted()
	return nil
}

func (n *Negotiation) onMilestone(msg protocol.AgentMessage) error {
	doc := n.tracker.Document()
	if doc == nil || doc.ID != msg.DocumentID {
		return errors.NewNotFoundError("document", msg.DocumentID).WithCause(errors.ErrNoDocument)
	}
	remote := msg.Milestone.Clone()
	if err := n.tracker.UpdateMilestone(remote); err != nil {
		if !errors.Is(err, errors.ErrInvalidMilestoneState) {
			return err
		}
		return n.reconcileMilestone(remote, err)
	}
	n.afterMilestoneChange()
	return nil
}

// reconcileMilestone handles a record that conflicts with the local one.
// Confirmations made on both sides at once are merged: the sender's
// confirmation is applied locally and the merged record is sent back.
// Amount proposals that crossed are settled by ProposalSupersedes on both
// sides, so the losing proposal is dropped here without a reply. Anything
// else is a regression and is dropped.
func (n *Negotiation) reconcileMilestone(remote contract.Milestone, cause error) error {
	local, err := n.tracker.Milestone(remote.ID)
	if err != nil {
		return err
	}
	if local.Status == contract.MilestonePendingAmount && remote.Status == contract.MilestonePendingAmount &&
		contract.ProposalSupersedes(local, remote) {
		n.logger.Info("kept crossing amount proposal", "milestone_id", remote.ID,
			"kept_by", local.ProposedBy, "dropped_by", remote.ProposedBy)
		return nil
	}
	senderRole := n.counterparty.Role
	if confirmedBy(remote, senderRole) && !confirmedBy(local, senderRole) {
		merged, err := n.tracker.ConfirmMilestone(remote.ID, senderRole)
		if err != nil {
			return err
		}
		n.logger.Info("merged concurrent milestone confirmation", "milestone_id", remote.ID, "status", merged.Status)
		n.sendMilestone(merged)
		n.afterMilestoneChange()
		return nil
	}
	return cause
}

func confirmedBy(m contract.Milestone, role contract.Role) bool {
	if role == contract.RoleProvider {
		return m.ProviderConfirmed
	}
	return m.ClientConfirmed
}

// conclude turns an accepted proposal into the signing document. Both sides
// derive the same document from the same proposal.
func (n *Negotiation) conclude(p Proposal) error {
	parties := []contract.Party{n.cfg.Self, n.counterparty}
	doc, err := contract.BuildDocument(contract.DocumentID(p.ID), n.cfg.NegotiationID, parties, p.Terms, p.SentAt)
	if err != nil {
		return err
	}
	if err := n.tracker.SetDocument(doc); err != nil {
		return err
	}
	if err := n.tracker.RequestSignatures(); err != nil {
		return err
	}
	n.open = nil
	n.transition(session.StatusSigning)
	return nil
}

// checkCompleted finishes the negotiation once every party has signed.
func (n *Negotiation) checkCompleted() {
	doc := n.tracker.Document()
	if doc == nil || doc.Status != contract.DocumentFullySigned {
		return
	}
	if n.transition(session.StatusCompleted) {
		n.record("", "document "+doc.ID+" fully signed")
	}
	n.ensureHolds()
}

func (n *Negotiation) afterMilestoneChange() {
	if n.session.Status() == session.StatusCompleted {
		n.ensureHolds()
	}
}

// ensureHolds reserves escrow for every priced milestone without a hold.
// Only the paying side holds funds. A failed hold halts the negotiation.
func (n *Negotiation) ensureHolds() {
	if n.cfg.Self.Role != contract.RoleClient || n.escrow == nil || n.halted {
		return
	}
	if n.session.Status() != session.StatusCompleted {
		return
	}
	doc := n.tracker.Document()
	if doc == nil {
		return
	}
	for _, m := range doc.Milestones {
		if m.Amount == nil || m.EscrowHoldID != "" || m.Refunded || m.Status.IsTerminal() {
			continue
		}
		held, err := n.tracker.PlaceHold(n.ctx, m.ID)
		if err != nil {
			n.halt(err)
			return
		}
		n.logger.Info("escrow hold placed", "milestone_id", m.ID, "hold_id", held.EscrowHoldID)
		n.sendMilestone(held)
	}
}

// newMessage starts an outgoing message that carries the local party.
func (n *Negotiation) newMessage(kind protocol.Kind) protocol.AgentMessage {
	msg := protocol.NewMessage(kind, n.cfg.NegotiationID, n.cfg.Self.UserID)
	self := n.cfg.Self
	msg.Party = &self
	return msg
}

func (n *Negotiation) send(msg protocol.AgentMessage) error {
	if err := n.endpoint.Send(msg); err != nil {
		n.logger.Warn("failed to send peer message", "kind", msg.Kind, "error", err)
		return err
	}
	return nil
}

func (n *Negotiation) sendMilestone(m contract.Milestone) {
	doc := n.tracker.Document()
	if doc == nil {
		return
	}
	msg := n.newMessage(protocol.KindMilestone)
	msg.DocumentID = doc.ID
	msg.Milestone = &m
	_ = n.send(msg)
}

func (n *Negotiation) proposal(id string) (Proposal, bool) {
	for _, p := range n.open {
		if p.ID == id {
			return p, true
		}
	}
	return Proposal{}, false
}

func (n *Negotiation) addProposal(p Proposal) {
	n.closeProposal(p.ID)
	n.open = append(n.open, p)
}

func (n *Negotiation) closeProposal(id string) {
	for i, p := range n.open {
		if p.ID == id {
			n.open = append(n.open[:i:i], n.open[i+1:]...)
			return
		}
	}
}

// latestPeerProposal returns the newest open proposal from the other side.
func (n *Negotiation) latestPeerProposal() (Proposal, bool) {
	for i := len(n.open) - 1; i >= 0; i-- {
		if n.open[i].From != n.cfg.Self.UserID {
			return n.open[i], true
		}
	}
	return Proposal{}, false
}

// record appends a line to the negotiation history shown to the model.
func (n *Negotiation) record(actor, action string) {
	if actor == "" {
		actor = "-"
	}
	n.history = append(n.history, prompt.LogLine(n.now(), actor, action))
}

func describeTerms(id string, t contract.Terms) string {
	s := id
	if t.Title != "" {
		s += fmt.Sprintf(" %q", t.Title)
	}
	var total int64
	for _, li := range t.LineItems {
		if li.Amount != nil {
			total += *li.Amount
		}
	}
	return fmt.Sprintf("%s (%d line items, fixed total %d %s)", s, len(t.LineItems), total, t.Currency)
}
