package contract

import (
	"testing"
	"time"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/escrow"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MilestoneStatus
		want     bool
	}{
		{MilestonePending, MilestoneProviderConfirmed, true},
		{MilestonePending, MilestoneClientConfirmed, true},
		{MilestonePending, MilestonePendingAmount, true},
		{MilestonePendingAmount, MilestonePending, true},
		{MilestoneProviderConfirmed, MilestoneCompleted, true},
		{MilestoneClientConfirmed, MilestoneCompleted, true},
		{MilestoneCompleted, MilestoneVerifying, true},
		{MilestoneVerifying, MilestoneReleased, true},
		{MilestoneVerifying, MilestoneFailed, true},
		{MilestoneVerifying, MilestoneDisputed, true},
		{MilestoneVerifying, MilestoneVerifying, true},
		{MilestonePending, MilestoneCompleted, false},
		{MilestoneCompleted, MilestonePending, false},
		{MilestoneProviderConfirmed, MilestoneClientConfirmed, false},
		{MilestoneReleased, MilestoneVerifying, false},
		{MilestoneFailed, MilestoneVerifying, false},
		{MilestoneDisputed, MilestoneReleased, false},
		{"bogus", "bogus", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMilestoneStatus_IsTerminal(t *testing.T) {
	for _, s := range []MilestoneStatus{MilestoneReleased, MilestoneFailed, MilestoneDisputed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []MilestoneStatus{MilestonePending, MilestoneVerifying, "bogus"} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCheckMilestoneUpdate(t *testing.T) {
	verified := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	base := Milestone{ID: "ms_a", LineItemID: "a", Amount: Int64(100), Status: MilestonePending}

	completed := base.Clone()
	completed.Status = MilestoneCompleted
	completed.ProviderConfirmed = true
	completed.ClientConfirmed = true

	verifying := completed.Clone()
	verifying.Status = MilestoneVerifying
	verifying.EscrowHoldID = "hold_1"

	passed := verifying.Clone()
	passed.VerificationResult = &VerificationResult{Outcome: VerificationPassed, VerifiedAt: verified}

	failed := verifying.Clone()
	failed.Status = MilestoneFailed
	failed.VerificationResult = &VerificationResult{Outcome: VerificationFailed, VerifiedAt: verified}

	unproposed := Milestone{ID: "ms_r", LineItemID: "r", MinAmount: Int64(100), MaxAmount: Int64(500), Status: MilestonePendingAmount}
	byAlice := unproposed.Clone()
	byAlice.ProposedAmount, byAlice.ProposedBy, byAlice.ProposalSeq = Int64(300), "alice", 1
	byBob := unproposed.Clone()
	byBob.ProposedAmount, byBob.ProposedBy, byBob.ProposalSeq = Int64(250), "bob", 1
	propose := func(amount int64, by string, seq int) func(*Milestone) {
		return func(m *Milestone) {
			m.ProposedAmount, m.ProposedBy, m.ProposalSeq = Int64(amount), by, seq
		}
	}
	accept := func(amount int64, seq int) func(*Milestone) {
		return func(m *Milestone) {
			m.Status = MilestonePending
			m.Amount = Int64(amount)
			m.ProposedAmount, m.ProposedBy, m.ProposalSeq = nil, "", seq
		}
	}

	tests := []struct {
		name    string
		prev    Milestone
		mutate  func(*Milestone)
		wantErr bool
	}{
		{"first proposal", unproposed, propose(300, "alice", 1), false},
		{"counter-proposal", byAlice, propose(250, "bob", 2), false},
		{"crossing proposal from greater id", byAlice, propose(250, "bob", 1), false},
		{"crossing proposal from lesser id", byBob, propose(300, "alice", 1), true},
		{"stale proposal", byAlice, propose(250, "bob", 0), true},
		{"withdraw proposal", byAlice, func(m *Milestone) { m.ProposedAmount, m.ProposedBy = nil, "" }, true},
		{"proposal above range", unproposed, propose(900, "alice", 1), true},
		{"accept open proposal", byAlice, accept(300, 1), false},
		{"accept a different amount", byAlice, accept(250, 1), true},
		{"accept a superseded proposal", byAlice, accept(300, 0), true},
		{"agree without a proposal", unproposed, accept(300, 0), true},
		{"field change in same status", base, func(m *Milestone) { m.Title = "renamed" }, false},
		{"first confirmation", base, func(m *Milestone) {
			m.Status = MilestoneProviderConfirmed
			m.ProviderConfirmed = true
		}, false},
		{"confirmed status without flag", base, func(m *Milestone) { m.Status = MilestoneClientConfirmed }, true},
		{"skip to completed", base, func(m *Milestone) {
			m.Status = MilestoneCompleted
			m.ProviderConfirmed, m.ClientConfirmed = true, true
		}, true},
		{"regress to pending", completed, func(m *Milestone) { m.Status = MilestonePending }, true},
		{"withdraw confirmation", completed, func(m *Milestone) { m.ClientConfirmed = false }, true},
		{"change agreed amount", base, func(m *Milestone) { m.Amount = Int64(5) }, true},
		{"replace hold", verifying, func(m *Milestone) { m.EscrowHoldID = "hold_2" }, true},
		{"drop hold without refund", verifying, func(m *Milestone) { m.EscrowHoldID = "" }, true},
		{"release without verification", verifying, func(m *Milestone) { m.Status = MilestoneReleased }, true},
		{"release after pass", passed, func(m *Milestone) {
			m.Status = MilestoneReleased
			m.ReleaseReceipt = &escrow.Receipt{HoldID: "hold_1"}
		}, false},
		{"rewrite verification", passed, func(m *Milestone) {
			m.VerificationResult = &VerificationResult{Outcome: VerificationFailed, VerifiedAt: verified}
		}, true},
		{"same verification after wire round trip", passed, func(m *Milestone) {
			m.VerificationResult = &VerificationResult{Outcome: VerificationPassed, VerifiedAt: verified.In(time.FixedZone("x", 3600))}
		}, false},
		{"failed status needs failed outcome", passed, func(m *Milestone) { m.Status = MilestoneFailed }, true},
		{"refund drops hold", failed, func(m *Milestone) {
			m.EscrowHoldID = ""
			m.Refunded = true
		}, false},
		{"reopen failed", failed, func(m *Milestone) { m.Status = MilestoneVerifying }, true},
		{"change line item", base, func(m *Milestone) { m.LineItemID = "b" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := tt.prev.Clone()
			tt.mutate(&next)
			err := checkMilestoneUpdate(tt.prev, next)
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkMilestoneUpdate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidMilestoneState) {
				t.Errorf("error should match ErrInvalidMilestoneState: %v", err)
			}
		})
	}
}

func TestMilestone_Clone(t *testing.T) {
	m := Milestone{
		ID:                 "ms_a",
		Amount:             Int64(10),
		ProposedAmount:     Int64(11),
		VerificationResult: &VerificationResult{Outcome: VerificationPassed},
		ReleaseReceipt:     &escrow.Receipt{HoldID: "h"},
	}
	c := m.Clone()
	*c.Amount = 99
	*c.ProposedAmount = 99
	c.VerificationResult.Outcome = VerificationFailed
	c.ReleaseReceipt.HoldID = "other"

	if *m.Amount != 10 || *m.ProposedAmount != 11 ||
		m.VerificationResult.Outcome != VerificationPassed || m.ReleaseReceipt.HoldID != "h" {
		t.Error("mutating the clone changed the original")
	}
}
