// Package contract models the negotiated legal document: its parties, line
// items, signatures and the per-milestone confirmation, verification and
// escrow release state machine.
package contract

import (
	"fmt"
	"slices"
	"time"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/escrow"
)

// Role is a party's side of the contract.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleProvider
}

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleClient {
		return RoleProvider
	}
	return RoleClient
}

// Party is one signatory of a document.
type Party struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// LineItem is priced either with a fixed Amount or with a
// MinAmount..MaxAmount range, never both. Amounts are minor currency units.
type LineItem struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Amount      *int64 `json:"amount,omitempty"`
	MinAmount   *int64 `json:"minAmount,omitempty"`
	MaxAmount   *int64 `json:"maxAmount,omitempty"`
}

// IsRange reports whether the item is priced as a range.
func (li LineItem) IsRange() bool {
	return li.Amount == nil && (li.MinAmount != nil || li.MaxAmount != nil)
}

// Validate checks the fixed-or-range rule for a single item.
func (li LineItem) Validate() error {
	hasRange := li.MinAmount != nil || li.MaxAmount != nil
	switch {
	case li.Amount != nil && hasRange:
		return errors.NewValidationError("line item has both an amount and a range")
	case li.Amount == nil && !hasRange:
		return errors.NewValidationError("line item needs an amount or a range")
	case li.Amount != nil:
		if *li.Amount < 0 {
			return errors.NewValidationError("amount must be non-negative").WithValue(*li.Amount)
		}
	default:
		if li.MinAmount == nil || li.MaxAmount == nil {
			return errors.NewValidationError("range needs both minAmount and maxAmount")
		}
		if *li.MinAmount < 0 || *li.MinAmount > *li.MaxAmount {
			return errors.NewValidationError("range must satisfy 0 <= minAmount <= maxAmount").
				WithValue(fmt.Sprintf("%d..%d", *li.MinAmount, *li.MaxAmount))
		}
	}
	return nil
}

// Terms are the negotiated content of a proposal.
type Terms struct {
	Title     string     `json:"title"`
	LineItems []LineItem `json:"lineItems"`
	Currency  string     `json:"currency"`
	Notes     string     `json:"notes,omitempty"`
}

// Validate checks that the terms can be turned into a document.
func (t Terms) Validate() error {
	if len(t.LineItems) == 0 {
		return errors.NewValidationError("terms need at least one line item").WithField("lineItems")
	}
	if t.Currency == "" {
		return errors.NewValidationError("currency is required").WithField("currency")
	}
	seen := make(map[string]bool, len(t.LineItems))
	for i, li := range t.LineItems {
		field := fmt.Sprintf("lineItems[%d]", i)
		if li.ID == "" {
			return errors.NewValidationError("line item id is required").WithField(field)
		}
		if seen[li.ID] {
			return errors.NewValidationError("duplicate line item id").WithField(field).WithValue(li.ID)
		}
		seen[li.ID] = true
		if err := li.Validate(); err != nil {
			var ve *errors.ValidationError
			if errors.As(err, &ve) {
				return ve.WithField(field)
			}
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of t.
func (t Terms) Clone() Terms {
	out := t
	if t.LineItems != nil {
		out.LineItems = make([]LineItem, len(t.LineItems))
		for i, li := range t.LineItems {
			out.LineItems[i] = LineItem{
				ID:          li.ID,
				Description: li.Description,
				Amount:      cloneAmount(li.Amount),
				MinAmount:   cloneAmount(li.MinAmount),
				MaxAmount:   cloneAmount(li.MaxAmount),
			}
		}
	}
	return out
}

// Signature records that a party signed.
type Signature struct {
	UserID   string    `json:"userId"`
	SignedAt time.Time `json:"signedAt"`
}

// DocumentStatus is the signing state of a document.
type DocumentStatus string

const (
	DocumentDraft             DocumentStatus = "draft"
	DocumentPendingSignatures DocumentStatus = "pending_signatures"
	DocumentFullySigned       DocumentStatus = "fully_signed"
)

// LegalDocument is the contract produced by an accepted proposal.
type LegalDocument struct {
	ID            string         `json:"id"`
	NegotiationID string         `json:"negotiationId"`
	Parties       []Party        `json:"parties"`
	Terms         Terms          `json:"terms"`
	TotalAmount   int64          `json:"totalAmount"`
	Currency      string         `json:"currency"`
	Signatures    []Signature    `json:"signatures"`
	Milestones    []Milestone    `json:"milestones"`
	Status        DocumentStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Party returns the party with userID.
func (d *LegalDocument) Party(userID string) (Party, bool) {
	for _, p := range d.Parties {
		if p.UserID == userID {
			return p, true
		}
	}
	return Party{}, false
}

// HasSigned reports whether userID already signed.
func (d *LegalDocument) HasSigned(userID string) bool {
	return slices.ContainsFunc(d.Signatures, func(s Signature) bool { return s.UserID == userID })
}

// SignaturesCoverParties reports whether every party has signed.
func (d *LegalDocument) SignaturesCoverParties() bool {
	if len(d.Parties) == 0 {
		return false
	}
	for _, p := range d.Parties {
		if !d.HasSigned(p.UserID) {
			return false
		}
	}
	return true
}

// Milestone returns a copy of the milestone with id.
func (d *LegalDocument) Milestone(id string) (Milestone, bool) {
	for _, m := range d.Milestones {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return Milestone{}, false
}

// Validate checks the structural invariants of a document.
func (d *LegalDocument) Validate() error {
	if d.ID == "" {
		return errors.NewValidationError("document id is required").WithField("id")
	}
	if len(d.Parties) < 2 {
		return errors.NewValidationError("a document needs at least two parties").
			WithField("parties").WithValue(len(d.Parties))
	}

	users := make(map[string]bool, len(d.Parties))
	for i, p := range d.Parties {
		field := fmt.Sprintf("parties[%d]", i)
		if p.UserID == "" {
			return errors.NewValidationError("party user id is required").WithField(field)
		}
		if users[p.UserID] {
			return errors.NewValidationError("duplicate party").WithField(field).WithValue(p.UserID)
		}
		if !p.Role.Valid() {
			return errors.NewValidationError("unknown role").WithField(field).WithValue(p.Role)
		}
		users[p.UserID] = true
	}

	if err := d.Terms.Validate(); err != nil {
		return err
	}

	signed := make(map[string]bool, len(d.Signatures))
	for i, s := range d.Signatures {
		if !users[s.UserID] {
			return errors.NewValidationError("signature from a non-party").
				WithField(fmt.Sprintf("signatures[%d]", i)).WithCause(errors.ErrNotAParty)
		}
		if signed[s.UserID] {
			return errors.NewValidationError("duplicate signature").
				WithField(fmt.Sprintf("signatures[%d]", i)).WithValue(s.UserID)
		}
		signed[s.UserID] = true
	}

	ids := make(map[string]bool, len(d.Milestones))
	for i, m := range d.Milestones {
		field := fmt.Sprintf("milestones[%d]", i)
		if m.ID == "" {
			return errors.NewValidationError("milestone id is required").WithField(field)
		}
		if ids[m.ID] {
			return errors.NewValidationError("duplicate milestone id").WithField(field).WithValue(m.ID)
		}
		if !m.Status.Valid() {
			return errors.NewValidationError("unknown milestone status").WithField(field).WithValue(m.Status)
		}
		ids[m.ID] = true
	}
	return nil
}

// Clone returns a deep copy of d.
func (d *LegalDocument) Clone() *LegalDocument {
	if d == nil {
		return nil
	}
	out := *d
	out.Parties = slices.Clone(d.Parties)
	out.Terms = d.Terms.Clone()
	out.Signatures = slices.Clone(d.Signatures)
	if d.Milestones != nil {
		out.Milestones = make([]Milestone, len(d.Milestones))
		for i, m := range d.Milestones {
			out.Milestones[i] = m.Clone()
		}
	}
	return &out
}

// applySignatureRule derives the status from the signature set. It is the
// only place a document becomes fully signed.
func (d *LegalDocument) applySignatureRule(requested bool) {
	switch {
	case d.SignaturesCoverParties():
		d.Status = DocumentFullySigned
	case len(d.Signatures) > 0 || requested:
		d.Status = DocumentPendingSignatures
	default:
		d.Status = DocumentDraft
	}
}

// recomputeTotal sums the agreed milestone amounts.
func (d *LegalDocument) recomputeTotal() {
	var total int64
	for _, m := range d.Milestones {
		if m.Amount != nil {
			total += *m.Amount
		}
	}
	d.TotalAmount = total
}

// Int64 returns a pointer to v, for building line items.
func Int64(v int64) *int64 {
	return &v
}

func cloneAmount(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneReceipt(r *escrow.Receipt) *escrow.Receipt {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
