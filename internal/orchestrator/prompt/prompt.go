// Package prompt builds the system prompt and turn message the negotiating
// agent sends to its model.
package prompt

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for prompt building.
var (
	ErrNilContext       = errors.New("prompt context is nil")
	ErrMissingSelf      = errors.New("prompt context has no local party")
	ErrMissingCurrency  = errors.New("prompt context has no currency")
	ErrMissingNegotiant = errors.New("prompt context has no counterparty")
)

// PartyInfo describes one side of the negotiation.
type PartyInfo struct {
	UserID string
	Name   string
	Role   string
}

// LineItemInfo is one priced line of a proposal.
type LineItemInfo struct {
	ID          string
	Description string
	Amount      *int64
	MinAmount   *int64
	MaxAmount   *int64
}

// ProposalInfo is an open proposal the agent may answer.
type ProposalInfo struct {
	ID        string
	From      string
	Title     string
	Currency  string
	Notes     string
	LineItems []LineItemInfo
	Mine      bool
}

// Context holds everything a turn prompt is built from.
type Context struct {
	Self         PartyInfo
	Counterparty PartyInfo
	Status       string
	Currency     string

	// RecentTranscript is the recent spoken conversation as "speaker: text" lines.
	RecentTranscript string

	// Log is the negotiation history, oldest first.
	Log []string

	OpenProposals []ProposalInfo

	// TurnsLeft is the number of moves the agent may still make (0 = unlimited).
	TurnsLeft int
}

// TurnBuilder builds prompts for a single negotiation turn.
type TurnBuilder struct{}

// NewTurnBuilder creates a new TurnBuilder.
func NewTurnBuilder() *TurnBuilder {
	return &TurnBuilder{}
}

// System generates the system prompt.
func (b *TurnBuilder) System(ctx *Context) (string, error) {
	if err := b.validate(ctx); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the negotiating agent for %s, who is the %s in this deal.\n", displayName(ctx.Self), ctx.Self.Role)
	fmt.Fprintf(&sb, "You are negotiating with the agent for %s, the %s.\n\n", displayName(ctx.Counterparty), ctx.Counterparty.Role)

	sb.WriteString("## Rules\n\n")
	fmt.Fprintf(&sb, "- All amounts are whole numbers in minor units of %s (for example cents).\n", ctx.Currency)
	sb.WriteString("- Each line item has either a fixed amount or a minAmount..maxAmount range, never both.\n")
	sb.WriteString("- Make at most one move per turn by calling exactly one tool.\n")
	sb.WriteString("- Answer an open proposal from the other side before proposing new terms.\n")
	sb.WriteString("- If no move is needed, reply with a short message instead of calling a tool.\n")
	sb.WriteString("- Protect your principal's interests and stay consistent with what they said aloud.\n")
	return sb.String(), nil
}

// Turn generates the user message that asks for the next move.
func (b *TurnBuilder) Turn(ctx *Context) (string, error) {
	if err := b.validate(ctx); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current status: %s\n\n", ctx.Status)

	sb.WriteString("## Recent Conversation\n\n")
	if strings.TrimSpace(ctx.RecentTranscript) == "" {
		sb.WriteString("(nothing said recently)\n\n")
	} else {
		sb.WriteString(ctx.RecentTranscript)
		sb.WriteString("\n\n")
	}

	if len(ctx.Log) > 0 {
		sb.WriteString("## Negotiation So Far\n\n")
		for _, line := range ctx.Log {
			fmt.Fprintf(&sb, "- %s\n", line)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Open Proposals\n\n")
	if len(ctx.OpenProposals) == 0 {
		sb.WriteString("(none)\n\n")
	}
	for _, p := range ctx.OpenProposals {
		writeProposal(&sb, p)
	}

	if ctx.TurnsLeft > 0 {
		fmt.Fprintf(&sb, "You have %d move(s) left.\n", ctx.TurnsLeft)
	}
	sb.WriteString("It is your turn.")
	return sb.String(), nil
}

func (b *TurnBuilder) validate(ctx *Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if ctx.Self.UserID == "" || ctx.Self.Role == "" {
		return ErrMissingSelf
	}
	if ctx.Counterparty.UserID == "" {
		return ErrMissingNegotiant
	}
	if ctx.Currency == "" {
		return ErrMissingCurrency
	}
	return nil
}

func writeProposal(sb *strings.Builder, p ProposalInfo) {
	owner := "from " + p.From
	if p.Mine {
		owner = "sent by you, awaiting an answer"
	}
	fmt.Fprintf(sb, "### %s (%s)\n\n", p.ID, owner)
	if p.Title != "" {
		fmt.Fprintf(sb, "Title: %s\n", p.Title)
	}
	for _, li := range p.LineItems {
		fmt.Fprintf(sb, "- [%s] %s: %s\n", li.ID, li.Description, FormatPrice(li.Amount, li.MinAmount, li.MaxAmount, p.Currency))
	}
	if p.Notes != "" {
		fmt.Fprintf(sb, "Notes: %s\n", p.Notes)
	}
	sb.WriteString("\n")
}

// FormatPrice renders a fixed amount or a range in minor units.
func FormatPrice(amount, minAmount, maxAmount *int64, currency string) string {
	switch {
	case amount != nil:
		return fmt.Sprintf("%d %s", *amount, currency)
	case minAmount != nil && maxAmount != nil:
		return fmt.Sprintf("%d..%d %s", *minAmount, *maxAmount, currency)
	default:
		return "unpriced"
	}
}

// LogLine formats one negotiation history entry.
func LogLine(at time.Time, actor, action string) string {
	return fmt.Sprintf("%s %s %s", at.UTC().Format(time.TimeOnly), actor, action)
}

func displayName(p PartyInfo) string {
	if p.Name != "" {
		return p.Name
	}
	return p.UserID
}
