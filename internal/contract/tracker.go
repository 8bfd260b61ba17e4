package contract

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/escrow"
	"github.com/Iron-Ham/parley/internal/event"
	"github.com/Iron-Ham/parley/internal/logging"
)

// Tracker holds the current document of one negotiation and is the only
// writer of its signatures and milestones. Every change is published on the
// event bus after the tracker's lock is released, so handlers may read back
// from the tracker.
type Tracker struct {
	mu sync.Mutex

	negotiationID string
	bus           *event.Bus
	escrow        escrow.Provider
	logger        *logging.Logger
	clock         func() time.Time

	doc        *LegalDocument
	milestones map[string]int // milestone id -> index in doc.Milestones
	requested  bool           // signatures requested for the current document
	revealed   bool           // a document has been shown since construction or reset
	dismissed  map[string]bool
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithEscrow sets the payment provider used by PlaceHold, Release and Refund.
func WithEscrow(p escrow.Provider) TrackerOption {
	return func(t *Tracker) {
		t.escrow = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides the clock used for signature and verification times.
func WithClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// NewTracker creates a Tracker that publishes contract events on bus.
func NewTracker(negotiationID string, bus *event.Bus, opts ...TrackerOption) *Tracker {
	if bus == nil {
		panic("contract.NewTracker: bus is required")
	}
	t := &Tracker{
		negotiationID: negotiationID,
		bus:           bus,
		logger:        logging.NopLogger(),
		clock:         time.Now,
		dismissed:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) publish(events []event.Event) {
	for _, e := range events {
		t.bus.Publish(e)
	}
}

// Document returns a copy of the current document, or nil.
func (t *Tracker) Document() *LegalDocument {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Clone()
}

// HasDocument reports whether a document is set.
func (t *Tracker) HasDocument() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc != nil
}

// SetDocument validates and installs doc. Replacing the current document
// with one of the same id must keep its signatures and may only advance
// its milestones. The first document since construction or Reset is
// published with Reveal set.
func (t *Tracker) SetDocument(doc *LegalDocument) error {
	if doc == nil {
		return errors.NewValidationError("document is required")
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	next := doc.Clone()

	t.mu.Lock()
	prev := t.doc
	sameDoc := prev != nil && prev.ID == next.ID
	if sameDoc {
		if err := checkDocumentUpdate(prev, next); err != nil {
			t.mu.Unlock()
			return err
		}
	} else {
		t.requested = false
	}
	if next.Status == DocumentPendingSignatures {
		t.requested = true
	}
	next.applySignatureRule(t.requested)
	next.recomputeTotal()

	t.doc = next
	t.milestones = make(map[string]int, len(next.Milestones))
	for i, m := range next.Milestones {
		t.milestones[m.ID] = i
	}

	reveal := !t.revealed
	t.revealed = true

	events := []event.Event{event.NewDocumentSetEvent(t.negotiationID, next.ID, reveal, prev != nil)}
	if sameDoc && prev.Status != next.Status {
		events = append(events, event.NewDocumentStatusChangedEvent(t.negotiationID, next.ID, string(prev.Status), string(next.Status)))
	}
	t.mu.Unlock()

	t.logger.Debug("document set", "document_id", next.ID, "reveal", reveal, "status", next.Status)
	t.publish(events)
	return nil
}

// checkDocumentUpdate guards a same-id replacement against regressions.
func checkDocumentUpdate(prev, next *LegalDocument) error {
	for _, s := range prev.Signatures {
		if !next.HasSigned(s.UserID) {
			return errors.NewValidationError("replacement drops a signature").
				WithField("signatures").WithValue(s.UserID)
		}
	}
	for _, pm := range prev.Milestones {
		nm, ok := next.Milestone(pm.ID)
		if !ok {
			return errors.NewValidationError("replacement drops a milestone").
				WithField("milestones").WithValue(pm.ID)
		}
		if err := checkMilestoneUpdate(pm, nm); err != nil {
			return err
		}
	}
	return nil
}

// Dismiss records that userID closed the document view. Replacement
// documents are never revealed again after the first, so this only feeds
// Dismissed.
func (t *Tracker) Dismiss(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dismissed[userID] = true
}

// Dismissed reports whether userID closed the document view.
func (t *Tracker) Dismissed(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dismissed[userID]
}

// RequestSignatures moves a draft document to pending_signatures.
func (t *Tracker) RequestSignatures() error {
	t.mu.Lock()
	if t.doc == nil {
		t.mu.Unlock()
		return errors.Wrap(errors.ErrNoDocument, "request signatures")
	}
	t.requested = true
	events := t.applySignatureRuleLocked()
	t.mu.Unlock()

	t.publish(events)
	return nil
}

// AddSignature appends userID's signature. It reports false without error
// when the user already signed. The document status is then re-derived by
// the signature rule.
func (t *Tracker) AddSignature(userID string, at time.Time) (bool, error) {
	t.mu.Lock()
	if t.doc == nil {
		t.mu.Unlock()
		return false, errors.Wrap(errors.ErrNoDocument, "add signature")
	}
	if t.doc.HasSigned(userID) {
		t.mu.Unlock()
		return false, nil
	}
	if _, ok := t.doc.Party(userID); !ok {
		t.mu.Unlock()
		return false, errors.Wrapf(errors.ErrNotAParty, "sign as %s", userID)
	}
	if at.IsZero() {
		at = t.clock()
	}

	t.doc.Signatures = append(t.doc.Signatures, Signature{UserID: userID, SignedAt: at.UTC()})
	events := []event.Event{event.NewSignatureAddedEvent(t.negotiationID, t.doc.ID, userID)}
	events = append(events, t.applySignatureRuleLocked()...)
	t.mu.Unlock()

	t.logger.Info("signature added", "user", userID)
	t.publish(events)
	return true, nil
}

func (t *Tracker) applySignatureRuleLocked() []event.Event {
	prev := t.doc.Status
	t.doc.applySignatureRule(t.requested)
	if prev == t.doc.Status {
		return nil
	}
	return []event.Event{event.NewDocumentStatusChangedEvent(t.negotiationID, t.doc.ID, string(prev), string(t.doc.Status))}
}

// Milestone returns a copy of the milestone with id.
func (t *Tracker) Milestone(id string) (Milestone, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, err := t.milestoneLocked(id)
	if err != nil {
		return Milestone{}, err
	}
	return m.Clone(), nil
}

func (t *Tracker) milestoneLocked(id string) (Milestone, error) {
	if t.doc == nil {
		return Milestone{}, errors.Wrap(errors.ErrNoDocument, "milestone "+id)
	}
	i, ok := t.milestones[id]
	if !ok {
		return Milestone{}, errors.NewNotFoundError("milestone", id).WithCause(errors.ErrMilestoneNotFound)
	}
	return t.doc.Milestones[i], nil
}

// UpdateMilestone replaces the whole record with the same id. Records that
// regress the status, withdraw a confirmation or drop escrow state are
// rejected with ErrInvalidMilestoneState and leave the milestone unchanged.
func (t *Tracker) UpdateMilestone(m Milestone) error {
	_, err := t.mutateMilestone(m.ID, func(cur *Milestone) (bool, error) {
		*cur = m.Clone()
		return true, nil
	})
	return err
}

// mutateMilestone applies fn to a copy of the milestone and stores the
// result if it passes the update guard.
func (t *Tracker) mutateMilestone(id string, fn func(m *Milestone) (bool, error)) (Milestone, error) {
	t.mu.Lock()
	prev, err := t.milestoneLocked(id)
	if err != nil {
		t.mu.Unlock()
		return Milestone{}, err
	}

	next := prev.Clone()
	changed, err := fn(&next)
	if err != nil {
		t.mu.Unlock()
		return Milestone{}, err
	}
	if !changed {
		t.mu.Unlock()
		return prev.Clone(), nil
	}
	if err := checkMilestoneUpdate(prev, next); err != nil {
		t.mu.Unlock()
		return Milestone{}, err
	}

	t.doc.Milestones[t.milestones[id]] = next
	t.doc.recomputeTotal()
	ev := event.NewMilestoneUpdatedEvent(t.negotiationID, t.doc.ID, id, string(prev.Status), string(next.Status))
	t.mu.Unlock()

	t.logger.Debug("milestone updated", "milestone_id", id, "from", prev.Status, "to", next.Status)
	t.bus.Publish(ev)
	return next.Clone(), nil
}

func invalidState(m Milestone, target MilestoneStatus, message string) error {
	return errors.NewMilestoneError(message, errors.ErrInvalidMilestoneState).
		WithMilestone(m.ID).
		WithStatus(string(m.Status)).
		WithTarget(string(target))
}

// ConfirmMilestone records the confirmation of the party playing role.
// The second confirmation completes the milestone.
func (t *Tracker) ConfirmMilestone(id string, role Role) (Milestone, error) {
	if !role.Valid() {
		return Milestone{}, errors.NewValidationError("unknown role").WithField("role").WithValue(role)
	}
	return t.mutateMilestone(id, func(m *Milestone) (bool, error) {
		switch m.Status {
		case MilestonePending, MilestoneProviderConfirmed, MilestoneClientConfirmed:
		default:
			return false, invalidState(*m, MilestoneCompleted, "milestone cannot be confirmed")
		}

		if role == RoleProvider {
			if m.ProviderConfirmed {
				return false, nil
			}
			m.ProviderConfirmed = true
		} else {
			if m.ClientConfirmed {
				return false, nil
			}
			m.ClientConfirmed = true
		}

		switch {
		case m.ProviderConfirmed && m.ClientConfirmed:
			m.Status = MilestoneCompleted
		case m.ProviderConfirmed:
			m.Status = MilestoneProviderConfirmed
		default:
			m.Status = MilestoneClientConfirmed
		}
		return true, nil
	})
}

// ProposeAmount records userID's proposed figure for a range milestone.
// A counter-proposal replaces the open one; a proposer must wait for the
// counterparty to answer before proposing again.
func (t *Tracker) ProposeAmount(id, userID string, amount int64) (Milestone, error) {
	if err := t.requireParty(userID); err != nil {
		return Milestone{}, err
	}
	return t.mutateMilestone(id, func(m *Milestone) (bool, error) {
		if m.Status != MilestonePendingAmount {
			return false, invalidState(*m, MilestonePendingAmount, "amount is already agreed")
		}
		if (m.MinAmount != nil && amount < *m.MinAmount) || (m.MaxAmount != nil && amount > *m.MaxAmount) {
			return false, errors.NewValidationError("proposed amount outside the agreed range").
				WithField("amount").WithValue(amount)
		}
		if m.ProposedAmount != nil && m.ProposedBy == userID {
			return false, invalidState(*m, MilestonePendingAmount, "own amount proposal is still open")
		}
		m.ProposedAmount = Int64(amount)
		m.ProposedBy = userID
		m.ProposalSeq++
		return true, nil
	})
}

// AcceptAmount agrees to the open proposal. Only the counterparty of the
// proposer may accept.
func (t *Tracker) AcceptAmount(id, userID string) (Milestone, error) {
	if err := t.requireParty(userID); err != nil {
		return Milestone{}, err
	}
	return t.mutateMilestone(id, func(m *Milestone) (bool, error) {
		if m.Status != MilestonePendingAmount || m.ProposedAmount == nil {
			return false, invalidState(*m, MilestonePending, "no amount proposal to accept")
		}
		if m.ProposedBy == userID {
			return false, invalidState(*m, MilestonePending, "proposer cannot accept its own amount")
		}
		m.Amount = cloneAmount(m.ProposedAmount)
		m.ProposedAmount = nil
		m.ProposedBy = ""
		m.Status = MilestonePending
		return true, nil
	})
}

func (t *Tracker) requireParty(userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.doc == nil {
		return errors.Wrap(errors.ErrNoDocument, "check party")
	}
	if _, ok := t.doc.Party(userID); !ok {
		return errors.Wrapf(errors.ErrNotAParty, "user %s", userID)
	}
	return nil
}

// StartVerification moves a completed milestone to verifying.
func (t *Tracker) StartVerification(id string) (Milestone, error) {
	return t.mutateMilestone(id, func(m *Milestone) (bool, error) {
		if m.Status != MilestoneCompleted {
			return false, invalidState(*m, MilestoneVerifying, "only completed milestones can be verified")
		}
		m.Status = MilestoneVerifying
		return true, nil
	})
}

// RecordVerification stores the verification result. A failed or disputed
// outcome ends the milestone; a passed outcome leaves it verifying until
// Release.
func (t *Tracker) RecordVerification(id string, result VerificationResult) (Milestone, error) {
	if !result.Outcome.Valid() {
		return Milestone{}, errors.NewValidationError("unknown verification outcome").
			WithField("outcome").WithValue(result.Outcome)
	}
	if result.VerifiedAt.IsZero() {
		result.VerifiedAt = t.clock()
	}
	result.VerifiedAt = result.VerifiedAt.UTC()

	return t.mutateMilestone(id, func(m *Milestone) (bool, error) {
		if m.Status != MilestoneVerifying || m.VerificationResult != nil {
			return false, invalidState(*m, m.Status, "verification is not open")
		}
		r := result
		m.VerificationResult = &r
		switch result.Outcome {
		case VerificationFailed:
			m.Status = MilestoneFailed
		case VerificationDisputed:
			m.Status = MilestoneDisputed
		}
		return true, nil
	})
}

func (t *Tracker) currency() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.doc == nil {
		return ""
	}
	return t.doc.Currency
}

func (t *Tracker) escrowProvider() (escrow.Provider, error) {
	if t.escrow == nil {
		return nil, errors.NewProviderError("escrow", "no escrow provider configured", nil).WithCode("escrow_disabled")
	}
	return t.escrow, nil
}

// PlaceHold reserves the milestone's amount in escrow. A milestone never
// holds more than one hold.
func (t *Tracker) PlaceHold(ctx context.Context, id string) (Milestone, error) {
	m, err := t.Milestone(id)
	if err != nil {
		return Milestone{}, err
	}
	if m.EscrowHoldID != "" {
		return Milestone{}, invalidState(m, m.Status, "milestone already holds escrow")
	}
	if m.Amount == nil || m.Status.IsTerminal() {
		return Milestone{}, invalidState(m, m.Status, "milestone has no amount to hold")
	}
	p, err := t.escrowProvider()
	if err != nil {
		return Milestone{}, err
	}

	holdID, err := p.PlaceHold(ctx, *m.Amount, t.currency())
	if err != nil {
		return Milestone{}, asProviderError(err, "place hold")
	}

	updated, err := t.mutateMilestone(id, func(cur *Milestone) (bool, error) {
		if cur.EscrowHoldID != "" {
			return false, invalidState(*cur, cur.Status, "milestone already holds escrow")
		}
		cur.EscrowHoldID = holdID
		return true, nil
	})
	if err != nil {
		// Hand the orphaned hold back rather than leaking it.
		if refundErr := p.Refund(ctx, holdID); refundErr != nil {
			t.logger.Warn("failed to refund orphaned hold", "hold_id", holdID, "error", refundErr)
		}
		return Milestone{}, err
	}
	return updated, nil
}

// Release pays out the milestone. It requires status verifying and a stored
// passed verification; anything else fails with ErrInvalidMilestoneState.
// An escrow failure is returned as a ProviderError. In both cases the
// milestone is left unchanged.
func (t *Tracker) Release(ctx context.Context, id string) (Milestone, error) {
	m, err := t.Milestone(id)
	if err != nil {
		return Milestone{}, err
	}
	if err := releaseGate(m); err != nil {
		return Milestone{}, err
	}

	var receipt *escrow.Receipt
	if m.EscrowHoldID != "" {
		p, err := t.escrowProvider()
		if err != nil {
			return Milestone{}, err
		}
		r, err := p.Release(ctx, m.EscrowHoldID)
		if err != nil {
			return Milestone{}, asProviderError(err, "release")
		}
		receipt = &r
	}

	return t.mutateMilestone(id, func(cur *Milestone) (bool, error) {
		if err := releaseGate(*cur); err != nil {
			return false, err
		}
		cur.Status = MilestoneReleased
		cur.ReleaseReceipt = receipt
		return true, nil
	})
}

func releaseGate(m Milestone) error {
	if m.Status != MilestoneVerifying {
		return invalidState(m, MilestoneReleased, "release requires a verifying milestone")
	}
	if !hasOutcome(m, VerificationPassed) {
		return invalidState(m, MilestoneReleased, "release requires a passed verification")
	}
	return nil
}

// Refund returns the hold of a failed or disputed milestone.
func (t *Tracker) Refund(ctx context.Context, id string) (Milestone, error) {
	m, err := t.Milestone(id)
	if err != nil {
		return Milestone{}, err
	}
	if err := refundGate(m); err != nil {
		return Milestone{}, err
	}
	p, err := t.escrowProvider()
	if err != nil {
		return Milestone{}, err
	}
	if err := p.Refund(ctx, m.EscrowHoldID); err != nil {
		return Milestone{}, asProviderError(err, "refund")
	}

	return t.mutateMilestone(id, func(cur *Milestone) (bool, error) {
		if err := refundGate(*cur); err != nil {
			return false, err
		}
		cur.EscrowHoldID = ""
		cur.Refunded = true
		return true, nil
	})
}

func refundGate(m Milestone) error {
	if m.Status != MilestoneFailed && m.Status != MilestoneDisputed {
		return invalidState(m, m.Status, "refund requires a failed or disputed milestone")
	}
	if m.EscrowHoldID == "" {
		return invalidState(m, m.Status, "milestone holds no escrow")
	}
	return nil
}

func asProviderError(err error, op string) error {
	if errors.Is(err, errors.ErrProvider) {
		return err
	}
	return errors.NewProviderError("escrow", op+" failed", err)
}

// Reset drops the document and all per-document state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.doc = nil
	t.milestones = nil
	t.requested = false
	t.revealed = false
	t.dismissed = make(map[string]bool)
	t.mu.Unlock()

	t.bus.Publish(event.NewContractResetEvent(t.negotiationID))
}
