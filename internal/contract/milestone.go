package contract

import (
	"time"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/escrow"
)

// MilestoneStatus is the state of one milestone.
type MilestoneStatus string

const (
	MilestonePending           MilestoneStatus = "pending"
	MilestonePendingAmount     MilestoneStatus = "pending_amount"
	MilestoneProviderConfirmed MilestoneStatus = "provider_confirmed"
	MilestoneClientConfirmed   MilestoneStatus = "client_confirmed"
	MilestoneCompleted         MilestoneStatus = "completed"
	MilestoneVerifying         MilestoneStatus = "verifying"
	MilestoneReleased          MilestoneStatus = "released"
	MilestoneFailed            MilestoneStatus = "failed"
	MilestoneDisputed          MilestoneStatus = "disputed"
)

// milestoneTransitions lists the forward edges. Released, failed and
// disputed have none; reopening them is left to an outside resolver.
var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:           {MilestoneProviderConfirmed, MilestoneClientConfirmed, MilestonePendingAmount},
	MilestonePendingAmount:     {MilestonePending},
	MilestoneProviderConfirmed: {MilestoneCompleted},
	MilestoneClientConfirmed:   {MilestoneCompleted},
	MilestoneCompleted:         {MilestoneVerifying},
	MilestoneVerifying:         {MilestoneReleased, MilestoneFailed, MilestoneDisputed},
	MilestoneReleased:          nil,
	MilestoneFailed:            nil,
	MilestoneDisputed:          nil,
}

// Valid reports whether s is a known status.
func (s MilestoneStatus) Valid() bool {
	_, ok := milestoneTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s MilestoneStatus) IsTerminal() bool {
	return s.Valid() && len(milestoneTransitions[s]) == 0
}

// CanTransition reports whether a milestone may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to MilestoneStatus) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range milestoneTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VerificationOutcome is the result of checking delivered work.
type VerificationOutcome string

const (
	VerificationPassed   VerificationOutcome = "passed"
	VerificationFailed   VerificationOutcome = "failed"
	VerificationDisputed VerificationOutcome = "disputed"
)

// Valid reports whether o is a known outcome.
func (o VerificationOutcome) Valid() bool {
	switch o {
	case VerificationPassed, VerificationFailed, VerificationDisputed:
		return true
	}
	return false
}

// VerificationResult is stored on a milestone once verification finishes.
type VerificationResult struct {
	Outcome    VerificationOutcome `json:"outcome"`
	Notes      string              `json:"notes,omitempty"`
	VerifiedBy string              `json:"verifiedBy,omitempty"`
	VerifiedAt time.Time           `json:"verifiedAt"`
}

// Milestone is one unit of contract performance, derived from a line item.
type Milestone struct {
	ID                 string              `json:"id"`
	LineItemID         string              `json:"lineItemId"`
	Title              string              `json:"title"`
	Amount             *int64              `json:"amount,omitempty"`
	MinAmount          *int64              `json:"minAmount,omitempty"`
	MaxAmount          *int64              `json:"maxAmount,omitempty"`
	ProposedAmount     *int64              `json:"proposedAmount,omitempty"`
	ProposedBy         string              `json:"proposedBy,omitempty"`
	ProposalSeq        int                 `json:"proposalSeq,omitempty"`
	Status             MilestoneStatus     `json:"status"`
	ProviderConfirmed  bool                `json:"providerConfirmed"`
	ClientConfirmed    bool                `json:"clientConfirmed"`
	VerificationResult *VerificationResult `json:"verificationResult,omitempty"`
	EscrowHoldID       string              `json:"escrowHoldId,omitempty"`
	Refunded           bool                `json:"refunded,omitempty"`
	ReleaseReceipt     *escrow.Receipt     `json:"releaseReceipt,omitempty"`
}

// Clone returns a deep copy of m.
func (m Milestone) Clone() Milestone {
	out := m
	out.Amount = cloneAmount(m.Amount)
	out.MinAmount = cloneAmount(m.MinAmount)
	out.MaxAmount = cloneAmount(m.MaxAmount)
	out.ProposedAmount = cloneAmount(m.ProposedAmount)
	if m.VerificationResult != nil {
		vr := *m.VerificationResult
		out.VerificationResult = &vr
	}
	out.ReleaseReceipt = cloneReceipt(m.ReleaseReceipt)
	return out
}

// checkMilestoneUpdate rejects any replacement record that would move prev
// backwards or drop state it has already accumulated.
func checkMilestoneUpdate(prev, next Milestone) error {
	reject := func(message string) error {
		return errors.NewMilestoneError(message, errors.ErrInvalidMilestoneState).
			WithMilestone(prev.ID).
			WithStatus(string(prev.Status)).
			WithTarget(string(next.Status))
	}

	if next.ID != prev.ID {
		return reject("milestone id cannot change")
	}
	if next.LineItemID != prev.LineItemID {
		return reject("line item cannot change")
	}
	if !CanTransition(prev.Status, next.Status) {
		return reject("transition not allowed")
	}
	if (prev.ProviderConfirmed && !next.ProviderConfirmed) || (prev.ClientConfirmed && !next.ClientConfirmed) {
		return reject("confirmation cannot be withdrawn")
	}
	if prev.Amount != nil && (next.Amount == nil || *next.Amount != *prev.Amount) {
		return reject("agreed amount cannot change")
	}
	if prev.VerificationResult != nil && !sameVerification(prev.VerificationResult, next.VerificationResult) {
		return reject("verification result cannot change")
	}
	if prev.ReleaseReceipt != nil && !sameReceipt(prev.ReleaseReceipt, next.ReleaseReceipt) {
		return reject("release receipt cannot change")
	}
	if prev.Refunded && !next.Refunded {
		return reject("refund cannot be undone")
	}
	if prev.EscrowHoldID != "" && next.EscrowHoldID != prev.EscrowHoldID {
		// A hold is only given up by a refund of a failed or disputed milestone.
		refunding := next.EscrowHoldID == "" && next.Refunded &&
			(next.Status == MilestoneFailed || next.Status == MilestoneDisputed)
		if !refunding {
			return reject("milestone already holds escrow")
		}
	}

	switch next.Status {
	case MilestonePending:
		if next.Amount == nil {
			return reject("pending milestone needs an agreed amount")
		}
	case MilestoneProviderConfirmed:
		if !next.ProviderConfirmed {
			return reject("provider confirmation missing")
		}
	case MilestoneClientConfirmed:
		if !next.ClientConfirmed {
			return reject("client confirmation missing")
		}
	case MilestoneCompleted, MilestoneVerifying:
		if !next.ProviderConfirmed || !next.ClientConfirmed {
			return reject("both confirmations are required")
		}
	case MilestoneReleased:
		if !hasOutcome(next, VerificationPassed) {
			return reject("release requires a passed verification")
		}
	case MilestoneFailed:
		if !hasOutcome(next, VerificationFailed) {
			return reject("failed status requires a failed verification")
		}
	case MilestoneDisputed:
		if !hasOutcome(next, VerificationDisputed) {
			return reject("disputed status requires a disputed verification")
		}
	}

	if prev.Status == MilestonePendingAmount {
		switch next.Status {
		case MilestonePendingAmount:
			if prev.ProposedAmount != nil && !sameProposal(prev, next) && !ProposalSupersedes(next, prev) {
				return reject("amount proposal is superseded")
			}
		case MilestonePending:
			if prev.ProposedAmount == nil || *next.Amount != *prev.ProposedAmount || next.ProposalSeq != prev.ProposalSeq {
				return reject("agreed amount does not match the open proposal")
			}
		}
	}

	if next.ProposedAmount != nil {
		if next.MinAmount != nil && *next.ProposedAmount < *next.MinAmount {
			return reject("proposed amount below range")
		}
		if next.MaxAmount != nil && *next.ProposedAmount > *next.MaxAmount {
			return reject("proposed amount above range")
		}
	}
	return nil
}

// ProposalSupersedes reports whether a's amount proposal replaces b's.
// Proposals are ordered by sequence; two proposals made at once share a
// sequence and the greater proposer id wins.
func ProposalSupersedes(a, b Milestone) bool {
	if a.ProposedAmount == nil {
		return false
	}
	if b.ProposedAmount == nil {
		return true
	}
	if a.ProposalSeq != b.ProposalSeq {
		return a.ProposalSeq > b.ProposalSeq
	}
	return a.ProposedBy > b.ProposedBy
}

func sameProposal(a, b Milestone) bool {
	if (a.ProposedAmount == nil) != (b.ProposedAmount == nil) {
		return false
	}
	if a.ProposedAmount != nil && *a.ProposedAmount != *b.ProposedAmount {
		return false
	}
	return a.ProposedBy == b.ProposedBy && a.ProposalSeq == b.ProposalSeq
}

func hasOutcome(m Milestone, outcome VerificationOutcome) bool {
	return m.VerificationResult != nil && m.VerificationResult.Outcome == outcome
}

// Records may have crossed the wire, so times are compared with Equal.
func sameVerification(a, b *VerificationResult) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Outcome == b.Outcome && a.Notes == b.Notes && a.VerifiedBy == b.VerifiedBy &&
		a.VerifiedAt.Equal(b.VerifiedAt)
}

func sameReceipt(a, b *escrow.Receipt) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.HoldID == b.HoldID && a.ReceiptID == b.ReceiptID && a.Amount == b.Amount &&
		a.Currency == b.Currency && a.ReleasedAt.Equal(b.ReleasedAt)
}
